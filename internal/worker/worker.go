// Package worker implements the background worker loops: jittered cycle
// scheduling, the production/experimental cycle split, periodic knowledge
// exchange over the bus, per-worker conflict scans and stats persistence.
package worker

import (
	"context"
	"time"

	"hivemind/internal/advisor"
	"hivemind/internal/bus"
	"hivemind/internal/experiment"
)

// Status is a runner's lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Worker is the capability a runner schedules. Implementations do the domain
// work; the runner owns cadence, experimentation, exchange and containment.
type Worker interface {
	// Name identifies the worker on the bus and in storage.
	Name() string

	// Subscriptions lists the knowledge types the worker consumes.
	Subscriptions() []bus.KnowledgeType

	// Interval is the worker's preferred production cycle cadence. Zero
	// defers to the configured schedule; an explicit per-worker schedule
	// entry outranks the preference either way.
	Interval() time.Duration

	// RunProductionCycle performs one unit of the worker's stable behavior.
	RunProductionCycle(ctx context.Context) error

	// RunExperimentalCycle performs one cycle following the proposed
	// variation and reports the measured outcome.
	RunExperimentalCycle(ctx context.Context, spec *advisor.Spec) (experiment.Outcome, error)

	// HandleKnowledge consumes items delivered during a knowledge exchange.
	HandleKnowledge(ctx context.Context, items []*bus.KnowledgeItem) error

	// ExperimentContext describes the worker's current situation for the
	// advisor.
	ExperimentContext() map[string]interface{}
}

// Stats is a worker's rolling counters, persisted periodically.
type Stats struct {
	WorkerName      string
	CyclesCompleted int64
	ExperimentsRun  int64
	Errors          int64
	AvgCycleTime    time.Duration
	LastCycleAt     time.Time
	LastError       string
	UpdatedAt       time.Time
}

// StatsStore persists worker stats snapshots. Implemented by internal/store.
type StatsStore interface {
	UpsertWorkerStats(stats *Stats) error
}
