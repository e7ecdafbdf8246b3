// Package advisor defines the language-model advisor consumed by the
// experiment coordinator. The advisor is a black box: timeouts and malformed
// output surface as "no proposal", never as fatal errors.
package advisor

import (
	"context"
	"sync"
)

// Spec is a structured experiment proposal returned by an advisor.
type Spec struct {
	Name         string   `json:"name"`
	Hypothesis   string   `json:"hypothesis"`
	Approach     string   `json:"approach"`
	MetricNames  []string `json:"metric_names"`
	RiskLevel    string   `json:"risk_level"` // low|medium|high
	RollbackPlan string   `json:"rollback_plan"`
	Confidence   float64  `json:"confidence"`
}

// Advisor proposes experiments for a worker given its current context.
// A nil Spec with nil error means the advisor had nothing to propose.
type Advisor interface {
	ProposeExperiment(ctx context.Context, workerName string, workerContext map[string]interface{}) (*Spec, error)
}

// Static is a deterministic advisor used for tests and offline mode. It
// cycles through a fixed proposal table. One instance is shared by every
// worker goroutine, so the rotation cursor is lock-protected.
type Static struct {
	mu    sync.Mutex
	specs []Spec
	next  int
}

// NewStatic returns a static advisor. With no specs it proposes a single
// conservative default.
func NewStatic(specs ...Spec) *Static {
	if len(specs) == 0 {
		specs = []Spec{{
			Name:         "batch-broadcasts",
			Hypothesis:   "batching bus broadcasts reduces queue churn",
			Approach:     "buffer items for one cycle and publish together",
			MetricNames:  []string{"cycle_time_ms", "queue_depth"},
			RiskLevel:    "low",
			RollbackPlan: "revert to per-item broadcast",
			Confidence:   0.7,
		}}
	}
	return &Static{specs: specs}
}

// ProposeExperiment returns the next spec in rotation.
func (s *Static) ProposeExperiment(_ context.Context, _ string, _ map[string]interface{}) (*Spec, error) {
	s.mu.Lock()
	spec := s.specs[s.next%len(s.specs)]
	s.next++
	s.mu.Unlock()
	return &spec, nil
}
