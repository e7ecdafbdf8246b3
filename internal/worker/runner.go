package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"hivemind/internal/advisor"
	"hivemind/internal/bus"
	"hivemind/internal/clock"
	"hivemind/internal/config"
	"hivemind/internal/conflict"
	"hivemind/internal/experiment"
	"hivemind/internal/logging"
)

// errStopRequested signals a cooperative stop between sleep slices.
var errStopRequested = errors.New("stop requested")

// Deps bundles the shared services a runner needs.
type Deps struct {
	Bus         *bus.KnowledgeBus
	Coordinator *experiment.Coordinator
	Conflicts   *conflict.Engine
	Stats       StatsStore
	Clock       clock.Clock
}

// Runner drives one worker: Idle -> Running -> Stopping -> Stopped. Each
// cycle is either production or experimental, decided by an independent
// Bernoulli trial. Stop is cooperative: it is observed at the top of each
// cycle and between one-second sleep slices, so an in-flight cycle always
// finishes.
type Runner struct {
	worker Worker
	deps   Deps

	cycleInterval       time.Duration
	exchangeEvery       int
	statsPersistEvery   int
	conflictScanEvery   int
	conflictSampleSize  int
	conflictThreshold   float64
	receiveMax          int

	rng *rand.Rand

	mu       sync.RWMutex
	status   Status
	stats    Stats
	strategy string
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRunner creates a runner for the worker using its configured schedule.
func NewRunner(w Worker, deps Deps, cfg *config.Config) *Runner {
	cycle, knowledge := cfg.ScheduleFor(w.Name())
	if iv := w.Interval(); iv > 0 {
		// The worker's own cadence applies unless the operator pinned one.
		if _, pinned := cfg.Workers.Schedules[w.Name()]; !pinned {
			cycle = iv
		}
	}

	// Exchange on the first cycle at or past the knowledge interval.
	exchangeEvery := int((knowledge + cycle - 1) / cycle)
	if exchangeEvery < 1 {
		exchangeEvery = 1
	}

	return &Runner{
		worker:             w,
		deps:               deps,
		cycleInterval:      cycle,
		exchangeEvery:      exchangeEvery,
		statsPersistEvery:  cfg.Workers.StatsPersistEvery,
		conflictScanEvery:  cfg.Workers.ConflictScanEvery,
		conflictSampleSize: cfg.Conflict.SampleSize,
		conflictThreshold:  cfg.Conflict.ConfidenceThreshold,
		receiveMax:         10,
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())),
		status:             StatusIdle,
		stats:              Stats{WorkerName: w.Name()},
	}
}

// Name returns the underlying worker's name.
func (r *Runner) Name() string { return r.worker.Name() }

// Status returns the runner's lifecycle state.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// IsRunning reports whether the loop is still alive. A runner that has been
// asked to stop mid-cycle stays running until the cycle completes.
func (r *Runner) IsRunning() bool {
	s := r.Status()
	return s == StatusRunning || s == StatusStopping
}

// StatsSnapshot returns a copy of the rolling stats.
func (r *Runner) StatsSnapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// Strategy names the production strategy the worker currently runs: the most
// recently promoted experiment, or "baseline" before any promotion.
func (r *Runner) Strategy() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.strategy == "" {
		return "baseline"
	}
	return r.strategy
}

// loadStrategy restores the current strategy from the newest promoted
// experiment, so a restart does not silently revert a promotion.
func (r *Runner) loadStrategy() {
	if r.deps.Coordinator == nil {
		return
	}
	promoted, err := r.deps.Coordinator.GetPromotedExperiments(r.worker.Name())
	if err != nil || len(promoted) == 0 {
		return
	}
	r.mu.Lock()
	r.strategy = promoted[0].Name
	r.mu.Unlock()
}

// Start launches the loop in a goroutine. Idempotent while running.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.status == StatusRunning || r.status == StatusStopping {
		r.mu.Unlock()
		return
	}
	r.status = StatusRunning
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

// Run executes the loop on the caller's goroutine until ctx is cancelled or
// Stop is called. Used by the controller under an errgroup.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.status == StatusRunning || r.status == StatusStopping {
		r.mu.Unlock()
		return fmt.Errorf("worker %s already running", r.worker.Name())
	}
	r.status = StatusRunning
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	r.run(ctx)
	return nil
}

// Stop requests a cooperative stop and waits for the loop to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.status != StatusRunning {
		r.mu.Unlock()
		return
	}
	r.status = StatusStopping
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (r *Runner) run(ctx context.Context) {
	name := r.worker.Name()
	r.deps.Bus.Subscribe(name, r.worker.Subscriptions()...)
	r.loadStrategy()
	logging.Worker("%s started (cycle=%s, strategy=%s, exchange every %d cycles)", name, r.cycleInterval, r.Strategy(), r.exchangeEvery)

	defer func() {
		r.persistStats()
		r.mu.Lock()
		r.status = StatusStopped
		done := r.doneCh
		r.mu.Unlock()
		close(done)
		logging.Worker("%s stopped after %d cycles", name, r.StatsSnapshot().CyclesCompleted)
	}()

	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}

		cycle++
		start := r.deps.Clock.Now()
		r.runCycle(ctx)
		r.observeCycle(r.deps.Clock.Now().Sub(start))

		if cycle%r.exchangeEvery == 0 {
			r.exchange(ctx)
		}
		if r.conflictScanEvery > 0 && cycle%r.conflictScanEvery == 0 {
			r.scanConflicts()
		}
		if r.statsPersistEvery > 0 && cycle%r.statsPersistEvery == 0 {
			r.persistStats()
		}

		if err := r.sleepJittered(ctx); err != nil {
			return
		}
	}
}

// runCycle runs one production or experimental cycle. Panics are contained
// to the cycle: the loop itself never dies.
func (r *Runner) runCycle(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.recordError(fmt.Sprintf("cycle panic: %v", p))
			logging.Get(logging.CategoryWorker).Error("%s cycle panicked: %v", r.worker.Name(), p)
		}
	}()

	if r.deps.Coordinator != nil && r.deps.Coordinator.ShouldExperiment() {
		if r.runExperimentalCycle(ctx) {
			return
		}
		// No acceptable proposal; fall through to the production cycle so the
		// worker never idles a cycle away.
	}

	if err := r.worker.RunProductionCycle(ctx); err != nil {
		r.recordError(err.Error())
		logging.Get(logging.CategoryWorker).Warn("%s production cycle failed: %v", r.worker.Name(), err)
	}
}

// runExperimentalCycle obtains a gated proposal, runs the variation and
// records the outcome. Returns false when no experiment actually ran.
func (r *Runner) runExperimentalCycle(ctx context.Context) bool {
	name := r.worker.Name()

	spec, err := r.deps.Coordinator.ProposeExperiment(ctx, name, r.worker.ExperimentContext())
	if err != nil || spec == nil {
		return false
	}

	id, err := r.deps.Coordinator.RecordExperimentStart(name, spec)
	if err != nil {
		r.recordError(err.Error())
		return false
	}

	outcome := r.safeExperiment(ctx, spec)
	if !outcome.Success {
		// Experimental cycles mutate nothing durable, so following the
		// rollback plan is always possible here.
		outcome.RolledBack = true
		logging.Worker("%s experiment %q failed, rolling back: %s", name, spec.Name, spec.RollbackPlan)
	}

	exp, err := r.deps.Coordinator.RecordOutcome(id, outcome)
	if err != nil {
		r.recordError(err.Error())
		return true
	}

	r.mu.Lock()
	r.stats.ExperimentsRun++
	r.mu.Unlock()

	if exp.PromotedToProduction {
		r.mu.Lock()
		r.strategy = exp.Name
		r.mu.Unlock()
		_, err := r.deps.Bus.Broadcast(name, bus.TypeExperimentInsight, map[string]interface{}{
			"content":           fmt.Sprintf("experiment %q promoted: %s", exp.Name, exp.Hypothesis),
			"experiment_id":     exp.ID,
			"improvement_ratio": exp.ImprovementRatio,
			"confidence":        exp.Confidence,
		}, []string{"experiment", name}, bus.UrgencyHigh)
		if err != nil {
			logging.Get(logging.CategoryWorker).Warn("%s failed to broadcast promotion: %v", name, err)
		}
	}
	return true
}

// safeExperiment runs the experimental cycle with panic containment; a panic
// is a failed experiment, not a dead worker.
func (r *Runner) safeExperiment(ctx context.Context, spec *advisor.Spec) (outcome experiment.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.recordError(fmt.Sprintf("experiment panic: %v", p))
			outcome = experiment.Outcome{Success: false, Notes: fmt.Sprintf("experimental cycle panicked: %v", p)}
		}
	}()

	out, err := r.worker.RunExperimentalCycle(ctx, spec)
	if err != nil {
		return experiment.Outcome{Success: false, Notes: err.Error()}
	}
	return out
}

func (r *Runner) exchange(ctx context.Context) {
	name := r.worker.Name()
	items, err := r.deps.Bus.Receive(ctx, name, r.receiveMax)
	if err != nil {
		return
	}
	if len(items) == 0 {
		return
	}
	if err := r.worker.HandleKnowledge(ctx, items); err != nil {
		r.recordError(err.Error())
		logging.Get(logging.CategoryWorker).Warn("%s failed to handle %d items: %v", name, len(items), err)
	}
}

// scanConflicts compares the worker's recent output against peers and
// resolves confident findings. Resolution is idempotent on the conflict id,
// so overlap with the batch cycle is harmless.
func (r *Runner) scanConflicts() {
	if r.deps.Conflicts == nil {
		return
	}
	name := r.worker.Name()
	analyses, err := r.deps.Conflicts.DetectConflictsForWorker(name, r.conflictSampleSize)
	if err != nil {
		logging.Get(logging.CategoryWorker).Warn("%s conflict scan failed: %v", name, err)
		return
	}
	for _, analysis := range analyses {
		if analysis.Confidence < r.conflictThreshold {
			continue
		}
		if _, err := r.deps.Conflicts.Resolve(analysis, analysis.RecommendedStrategy); err != nil {
			logging.Get(logging.CategoryWorker).Warn("%s failed to resolve %s: %v", name, analysis.ConflictID, err)
		}
	}
	if len(analyses) > 0 {
		logging.WorkerDebug("%s conflict scan: %d analyses", name, len(analyses))
	}
}

// sleepJittered sleeps the cycle interval +/-10%, in one-second slices so a
// stop request is honored within a second.
func (r *Runner) sleepJittered(ctx context.Context) error {
	r.mu.Lock()
	jitter := 0.9 + 0.2*r.rng.Float64()
	r.mu.Unlock()
	remaining := time.Duration(float64(r.cycleInterval) * jitter)

	for remaining > 0 {
		slice := time.Second
		if remaining < slice {
			slice = remaining
		}
		if err := r.deps.Clock.Sleep(ctx, slice); err != nil {
			return err
		}
		select {
		case <-r.stopCh:
			return errStopRequested
		default:
		}
		remaining -= slice
	}
	return nil
}

func (r *Runner) observeCycle(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.CyclesCompleted++
	n := r.stats.CyclesCompleted
	r.stats.AvgCycleTime += (d - r.stats.AvgCycleTime) / time.Duration(n)
	r.stats.LastCycleAt = r.deps.Clock.Now()
	r.stats.UpdatedAt = r.stats.LastCycleAt
}

func (r *Runner) recordError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Errors++
	r.stats.LastError = msg
}

func (r *Runner) persistStats() {
	if r.deps.Stats == nil {
		return
	}
	snapshot := r.StatsSnapshot()
	if err := r.deps.Stats.UpsertWorkerStats(&snapshot); err != nil {
		logging.Get(logging.CategoryWorker).Warn("%s failed to persist stats: %v", r.worker.Name(), err)
	}
}
