package conflict

import (
	"context"
	"sync"
	"time"

	"hivemind/internal/clock"
	"hivemind/internal/config"
	"hivemind/internal/logging"
)

// Manager runs periodic batch conflict cycles over recent unresolved
// knowledge and optionally auto-resolves what it finds. It may run
// concurrently with ordinary broadcasts; resolution touches only the two
// items of each pair, so no global lock exists.
type Manager struct {
	engine *Engine
	store  Store
	clock  clock.Clock

	mu                  sync.RWMutex
	autoResolve         bool
	confidenceThreshold float64
	batchSize           int
	interval            time.Duration
	lastSummary         *CycleSummary

	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewManager creates the auto conflict manager.
func NewManager(engine *Engine, st Store, clk clock.Clock, cfg *config.Config) *Manager {
	return &Manager{
		engine:              engine,
		store:               st,
		clock:               clk,
		autoResolve:         cfg.Conflict.AutoResolve,
		confidenceThreshold: cfg.Conflict.ConfidenceThreshold,
		batchSize:           cfg.Conflict.BatchSize,
		interval:            cfg.ConflictCycleInterval(),
	}
}

// ApplyConfig re-applies tunable settings (used by the config watcher).
func (m *Manager) ApplyConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoResolve = cfg.Conflict.AutoResolve
	m.confidenceThreshold = cfg.Conflict.ConfidenceThreshold
	m.batchSize = cfg.Conflict.BatchSize
}

// Engine returns the underlying pairwise engine.
func (m *Manager) Engine() *Engine { return m.engine }

// RunCycle pulls the most recent unresolved items system-wide, compares
// pairs from different source workers, and collects analyses meeting the
// confidence threshold with severity above low. When auto-resolution is on,
// detected conflicts are resolved immediately. A resolution error aborts
// only that pair; the cycle continues.
func (m *Manager) RunCycle() (*CycleSummary, error) {
	timer := logging.StartTimer(logging.CategoryConflict, "RunCycle")
	defer timer.Stop()

	m.mu.RLock()
	autoResolve := m.autoResolve
	threshold := m.confidenceThreshold
	batch := m.batchSize
	m.mu.RUnlock()
	if batch <= 0 {
		batch = 25
	}

	items, err := m.store.RecentUnresolvedKnowledge(batch)
	if err != nil {
		return nil, err
	}

	summary := &CycleSummary{Timestamp: m.clock.Now()}
	var detected []*Analysis
	seen := make(map[string]bool)

	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			a, b := items[i], items[j]
			if a.SourceWorker == b.SourceWorker {
				continue
			}
			summary.Checked++
			analysis := m.engine.Analyze(a, b)
			if analysis == nil || seen[analysis.ConflictID] {
				continue
			}
			if analysis.Confidence < threshold || analysis.Severity == SeverityLow {
				continue
			}
			seen[analysis.ConflictID] = true
			if _, err := m.store.SaveConflictAnalysis(analysis); err != nil {
				logging.Get(logging.CategoryConflict).Warn("failed to persist analysis %s: %v", analysis.ConflictID, err)
				continue
			}
			summary.Detected++
			detected = append(detected, analysis)
		}
	}

	if autoResolve {
		resolvedItems := make(map[string]bool)
		for _, analysis := range detected {
			// A prior resolution in this cycle may have consumed one of the
			// pair's items already.
			if resolvedItems[analysis.KnowledgeAID] || resolvedItems[analysis.KnowledgeBID] {
				continue
			}
			if _, err := m.engine.Resolve(analysis, analysis.RecommendedStrategy); err != nil {
				logging.Get(logging.CategoryConflict).Warn("resolution of %s failed: %v", analysis.ConflictID, err)
				continue
			}
			resolvedItems[analysis.KnowledgeAID] = true
			resolvedItems[analysis.KnowledgeBID] = true
			summary.Resolved++
		}
	}

	m.mu.Lock()
	m.lastSummary = summary
	m.mu.Unlock()

	logging.Conflict("cycle: checked=%d detected=%d resolved=%d", summary.Checked, summary.Detected, summary.Resolved)
	return summary, nil
}

// Summary aggregates persisted conflict activity plus the last cycle.
func (m *Manager) Summary() (*Summary, error) {
	bySeverity, byType, resolutions, err := m.store.ConflictCounts()
	if err != nil {
		return nil, err
	}
	out := &Summary{
		TotalResolutions: resolutions,
		BySeverity:       make(map[Severity]int),
		ByType:           make(map[Type]int),
	}
	for k, v := range bySeverity {
		out.BySeverity[Severity(k)] = v
		out.TotalAnalyses += v
	}
	for k, v := range byType {
		out.ByType[Type(k)] = v
	}
	m.mu.RLock()
	out.LastCycle = m.lastSummary
	m.mu.RUnlock()
	return out, nil
}

// Start runs RunCycle on the configured interval until ctx is cancelled or
// Stop is called. Non-blocking; idempotent when already running.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.doneCh = make(chan struct{})
	interval := m.interval
	m.mu.Unlock()

	go func() {
		defer close(m.doneCh)
		for {
			if err := m.clock.Sleep(ctx, interval); err != nil {
				return
			}
			if _, err := m.RunCycle(); err != nil {
				logging.Get(logging.CategoryConflict).Error("conflict cycle failed: %v", err)
			}
		}
	}()
}

// Stop cancels the cycle loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.doneCh
	m.mu.Unlock()

	cancel()
	<-done
}
