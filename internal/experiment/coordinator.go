// Package experiment coordinates the evolutionary loop: deciding when a
// worker cycle should experiment, gating advisor proposals, and recording
// outcomes with a hard promotion bar.
package experiment

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"hivemind/internal/advisor"
	"hivemind/internal/clock"
	"hivemind/internal/config"
	"hivemind/internal/logging"
)

// promotionThreshold is the minimum improvement ratio for promotion to
// production. Deliberately a constant rather than configuration: lowering the
// bar is how experimental noise leaks into production behavior.
const promotionThreshold = 0.20

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusProposed   Status = "proposed"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Experiment is a persisted experiment record.
type Experiment struct {
	ID           string
	WorkerName   string
	Name         string
	Hypothesis   string
	Approach     string
	MetricNames  []string
	RiskLevel    string
	RollbackPlan string
	Confidence   float64

	Status               Status
	Success              bool
	ImprovementRatio     float64
	PromotedToProduction bool

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	PromotedAt  time.Time
}

// Outcome is what a worker reports after running an experimental cycle.
// RolledBack marks failures whose rollback plan was applied.
type Outcome struct {
	Success          bool
	ImprovementRatio float64
	RolledBack       bool
	Notes            string
}

// Store is the persistence surface the coordinator needs.
type Store interface {
	InsertExperiment(exp *Experiment) error
	GetExperiment(id string) (*Experiment, error)
	UpdateExperimentOutcome(exp *Experiment) error
	ListPromotedExperiments(workerName string) ([]*Experiment, error)
}

// Coordinator owns the experiment lifecycle for all workers.
type Coordinator struct {
	store   Store
	advisor advisor.Advisor
	clock   clock.Clock

	mu                  sync.Mutex
	rng                 *rand.Rand
	evolutionRate       float64
	confidenceThreshold float64
}

// NewCoordinator creates an experiment coordinator.
func NewCoordinator(cfg *config.Config, st Store, adv advisor.Advisor, clk clock.Clock) *Coordinator {
	return &Coordinator{
		store:               st,
		advisor:             adv,
		clock:               clk,
		rng:                 rand.New(rand.NewSource(time.Now().UnixNano())),
		evolutionRate:       cfg.Workers.EvolutionRate,
		confidenceThreshold: cfg.Experiments.ProposalConfidenceThreshold,
	}
}

// ApplyConfig re-applies tunable settings (used by the config watcher).
// The evolution rate takes effect on the next ShouldExperiment call; no
// worker restart is needed.
func (c *Coordinator) ApplyConfig(cfg *config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evolutionRate = cfg.Workers.EvolutionRate
	c.confidenceThreshold = cfg.Experiments.ProposalConfidenceThreshold
}

// Seed re-seeds the Bernoulli source. Tests use this for determinism.
func (c *Coordinator) Seed(seed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rng = rand.New(rand.NewSource(seed))
}

// ShouldExperiment performs an independent Bernoulli trial at the current
// evolution rate. Each cycle draws independently; there is no quota or
// schedule coupling between workers.
func (c *Coordinator) ShouldExperiment() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64() < c.evolutionRate
}

// ProposeExperiment asks the advisor for a proposal and applies the local
// acceptance gate: every field populated and confidence at or above the
// configured threshold. The gate is local policy and runs regardless of how
// confident the advisor claims to be. Advisor failures yield (nil, nil).
func (c *Coordinator) ProposeExperiment(ctx context.Context, workerName string, workerContext map[string]interface{}) (*advisor.Spec, error) {
	spec, err := c.advisor.ProposeExperiment(ctx, workerName, workerContext)
	if err != nil {
		logging.Get(logging.CategoryExperiment).Warn("advisor failed for %s: %v", workerName, err)
		return nil, nil
	}
	if spec == nil {
		return nil, nil
	}
	if reason := c.gate(spec); reason != "" {
		logging.ExperimentDebug("proposal %q for %s rejected: %s", spec.Name, workerName, reason)
		return nil, nil
	}
	return spec, nil
}

// gate returns a rejection reason, or "" when the proposal is acceptable.
func (c *Coordinator) gate(spec *advisor.Spec) string {
	switch {
	case spec.Name == "":
		return "missing name"
	case spec.Hypothesis == "":
		return "missing hypothesis"
	case spec.Approach == "":
		return "missing approach"
	case len(spec.MetricNames) == 0:
		return "no metrics"
	case spec.RollbackPlan == "":
		return "missing rollback plan"
	}
	switch spec.RiskLevel {
	case "low", "medium", "high":
	default:
		return fmt.Sprintf("invalid risk level %q", spec.RiskLevel)
	}
	c.mu.Lock()
	threshold := c.confidenceThreshold
	c.mu.Unlock()
	if spec.Confidence < threshold {
		return fmt.Sprintf("confidence %.2f below threshold %.2f", spec.Confidence, threshold)
	}
	return ""
}

// RecordExperimentStart persists a new running experiment and returns its id.
func (c *Coordinator) RecordExperimentStart(workerName string, spec *advisor.Spec) (string, error) {
	exp := &Experiment{
		ID:           uuid.New().String(),
		WorkerName:   workerName,
		Name:         spec.Name,
		Hypothesis:   spec.Hypothesis,
		Approach:     spec.Approach,
		MetricNames:  append([]string(nil), spec.MetricNames...),
		RiskLevel:    spec.RiskLevel,
		RollbackPlan: spec.RollbackPlan,
		Confidence:   spec.Confidence,
		Status:       StatusRunning,
	}
	exp.CreatedAt = c.clock.Now()
	exp.StartedAt = exp.CreatedAt
	if err := c.store.InsertExperiment(exp); err != nil {
		return "", fmt.Errorf("failed to record experiment start: %w", err)
	}
	logging.Experiment("started %s (%s) for %s", exp.Name, exp.ID, workerName)
	return exp.ID, nil
}

// RecordOutcome finalizes an experiment. Promotion requires success AND an
// improvement ratio strictly above the 20%% bar.
func (c *Coordinator) RecordOutcome(experimentID string, outcome Outcome) (*Experiment, error) {
	exp, err := c.store.GetExperiment(experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment %s: %w", experimentID, err)
	}

	exp.Status = StatusCompleted
	if !outcome.Success {
		exp.Status = StatusFailed
		if outcome.RolledBack {
			exp.Status = StatusRolledBack
		}
	}
	exp.Success = outcome.Success
	exp.ImprovementRatio = outcome.ImprovementRatio
	exp.CompletedAt = c.clock.Now()

	if outcome.Success && outcome.ImprovementRatio > promotionThreshold {
		exp.PromotedToProduction = true
		exp.PromotedAt = exp.CompletedAt
		logging.Experiment("promoted %s (%s): improvement %.1f%%", exp.Name, exp.ID, outcome.ImprovementRatio*100)
	}

	if err := c.store.UpdateExperimentOutcome(exp); err != nil {
		return nil, fmt.Errorf("failed to record outcome for %s: %w", experimentID, err)
	}
	return exp, nil
}

// GetPromotedExperiments returns a worker's promoted experiments, most
// recently promoted first.
func (c *Coordinator) GetPromotedExperiments(workerName string) ([]*Experiment, error) {
	return c.store.ListPromotedExperiments(workerName)
}
