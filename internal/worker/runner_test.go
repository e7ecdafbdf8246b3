package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"hivemind/internal/advisor"
	"hivemind/internal/bus"
	"hivemind/internal/clock"
	"hivemind/internal/config"
	"hivemind/internal/experiment"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go.opencensus.io starts a background worker goroutine in its
		// package init; it is not created by the code under test.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// ===== TEST FIXTURES =====

// memStore is an in-memory bus.Store for worker tests.
type memStore struct {
	mu          sync.Mutex
	items       map[string]*bus.KnowledgeItem
	order       []string
	states      map[string]*bus.WorkerKnowledgeState
	validations []*bus.ValidationRecord
}

func newMemStore() *memStore {
	return &memStore{
		items:  make(map[string]*bus.KnowledgeItem),
		states: make(map[string]*bus.WorkerKnowledgeState),
	}
}

func (s *memStore) InsertKnowledgeItem(item *bus.KnowledgeItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[item.ID] = &cp
	s.order = append(s.order, item.ID)
	return nil
}

func (s *memStore) QueryKnowledgeItems(filter bus.QueryFilter) ([]*bus.KnowledgeItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*bus.KnowledgeItem
	// Newest first: reverse insertion order.
	for i := len(s.order) - 1; i >= 0; i-- {
		item := s.items[s.order[i]]
		if filter.Type != "" && item.Type != filter.Type {
			continue
		}
		if filter.SourceWorker != "" && item.SourceWorker != filter.SourceWorker {
			continue
		}
		cp := *item
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) AppendValidation(rec *bus.ValidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.validations = append(s.validations, &cp)
	return nil
}

func (s *memStore) SetValidationStatus(knowledgeID string, status bus.ValidationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[knowledgeID]
	if !ok {
		return fmt.Errorf("item %s not found", knowledgeID)
	}
	item.ValidationStatus = status
	return nil
}

func (s *memStore) GetWorkerKnowledgeState(workerName string) (*bus.WorkerKnowledgeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[workerName]
	if !ok {
		return nil, nil
	}
	cp := *state
	return &cp, nil
}

func (s *memStore) UpsertWorkerKnowledgeState(state *bus.WorkerKnowledgeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.states[state.WorkerName] = &cp
	return nil
}

func (s *memStore) itemsOfType(t bus.KnowledgeType) []*bus.KnowledgeItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*bus.KnowledgeItem
	for _, id := range s.order {
		if s.items[id].Type == t {
			cp := *s.items[id]
			out = append(out, &cp)
		}
	}
	return out
}

// expStore is an in-memory experiment.Store.
type expStore struct {
	mu          sync.Mutex
	experiments map[string]*experiment.Experiment
}

func newExpStore() *expStore {
	return &expStore{experiments: make(map[string]*experiment.Experiment)}
}

func (s *expStore) InsertExperiment(exp *experiment.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exp
	s.experiments[exp.ID] = &cp
	return nil
}

func (s *expStore) GetExperiment(id string) (*experiment.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.experiments[id]
	if !ok {
		return nil, fmt.Errorf("experiment %s not found", id)
	}
	cp := *exp
	return &cp, nil
}

func (s *expStore) UpdateExperimentOutcome(exp *experiment.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exp
	s.experiments[exp.ID] = &cp
	return nil
}

func (s *expStore) ListPromotedExperiments(workerName string) ([]*experiment.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*experiment.Experiment
	for _, exp := range s.experiments {
		if exp.WorkerName == workerName && exp.PromotedToProduction {
			cp := *exp
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *expStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.experiments)
}

// statsRecorder captures persisted stats snapshots.
type statsRecorder struct {
	mu        sync.Mutex
	snapshots []Stats
}

func (s *statsRecorder) UpsertWorkerStats(stats *Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, *stats)
	return nil
}

func (s *statsRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

// stubWorker is a controllable Worker implementation.
type stubWorker struct {
	name     string
	interval time.Duration // zero defers to the configured schedule

	mu               sync.Mutex
	productionCycles int
	handledItems     int

	blockCh   chan struct{} // when set, production blocks until closed
	enteredCh chan struct{} // signalled once on first production entry
	entered   bool
	panicMsg  string

	expOutcome experiment.Outcome
	expRuns    int
}

func (w *stubWorker) Name() string { return w.name }

func (w *stubWorker) Interval() time.Duration { return w.interval }

func (w *stubWorker) Subscriptions() []bus.KnowledgeType {
	return []bus.KnowledgeType{bus.TypeRiskPattern}
}

func (w *stubWorker) RunProductionCycle(_ context.Context) error {
	w.mu.Lock()
	w.productionCycles++
	blockCh := w.blockCh
	if w.enteredCh != nil && !w.entered {
		w.entered = true
		close(w.enteredCh)
	}
	panicMsg := w.panicMsg
	w.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if blockCh != nil {
		<-blockCh
	}
	return nil
}

func (w *stubWorker) RunExperimentalCycle(_ context.Context, _ *advisor.Spec) (experiment.Outcome, error) {
	w.mu.Lock()
	w.expRuns++
	w.mu.Unlock()
	return w.expOutcome, nil
}

func (w *stubWorker) HandleKnowledge(_ context.Context, items []*bus.KnowledgeItem) error {
	w.mu.Lock()
	w.handledItems += len(items)
	w.mu.Unlock()
	return nil
}

func (w *stubWorker) ExperimentContext() map[string]interface{} {
	return map[string]interface{}{"stub": true}
}

func (w *stubWorker) cycles() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.productionCycles
}

func testDeps(cfg *config.Config, adv advisor.Advisor) (Deps, *memStore, *expStore, *statsRecorder) {
	st := newMemStore()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := bus.New(cfg, st, clk)
	es := newExpStore()
	stats := &statsRecorder{}
	deps := Deps{
		Bus:         b,
		Coordinator: experiment.NewCoordinator(cfg, es, adv, clk),
		Stats:       stats,
		Clock:       clk,
	}
	return deps, st, es, stats
}

// waitFor polls cond for up to two seconds of real time.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

// ===== RUNNER TESTS =====

func TestRunnerStartStopLifecycle(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers.EvolutionRate = 0
	deps, _, _, _ := testDeps(cfg, advisor.NewStatic())
	w := &stubWorker{name: "stub"}
	r := NewRunner(w, deps, cfg)

	if r.Status() != StatusIdle {
		t.Fatalf("status = %s, want idle", r.Status())
	}

	r.Start(context.Background())
	r.Start(context.Background()) // idempotent

	waitFor(t, func() bool { return w.cycles() >= 3 }, "runner never completed 3 cycles")
	if !r.IsRunning() {
		t.Error("runner should report running")
	}

	r.Stop()
	r.Stop() // idempotent

	if r.Status() != StatusStopped {
		t.Errorf("status = %s, want stopped", r.Status())
	}
	if got := r.StatsSnapshot().CyclesCompleted; got < 3 {
		t.Errorf("CyclesCompleted = %d, want >= 3", got)
	}
}

func TestRunnerStopWaitsForInFlightCycle(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers.EvolutionRate = 0
	deps, _, _, _ := testDeps(cfg, advisor.NewStatic())

	w := &stubWorker{
		name:      "stub",
		blockCh:   make(chan struct{}),
		enteredCh: make(chan struct{}),
	}
	r := NewRunner(w, deps, cfg)
	r.Start(context.Background())
	<-w.enteredCh

	stopDone := make(chan struct{})
	go func() {
		r.Stop()
		close(stopDone)
	}()

	// The cycle is blocked; stop must not preempt it.
	select {
	case <-stopDone:
		t.Fatal("Stop returned while a cycle was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	if !r.IsRunning() {
		t.Error("runner must stay running until the cycle completes")
	}

	close(w.blockCh)
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the cycle completed")
	}
	if r.Status() != StatusStopped {
		t.Errorf("status = %s, want stopped", r.Status())
	}
}

func TestRunnerContainsPanics(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers.EvolutionRate = 0
	deps, _, _, _ := testDeps(cfg, advisor.NewStatic())

	w := &stubWorker{name: "stub", panicMsg: "nil map write"}
	r := NewRunner(w, deps, cfg)
	r.Start(context.Background())

	waitFor(t, func() bool { return w.cycles() >= 3 }, "panicking worker stopped cycling")
	r.Stop()

	stats := r.StatsSnapshot()
	if stats.Errors == 0 {
		t.Error("panics should be recorded as errors")
	}
	if stats.LastError == "" {
		t.Error("LastError should carry the panic message")
	}
}

func TestRunnerExperimentFlowAndPromotionBroadcast(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers.EvolutionRate = 1 // every cycle experiments
	deps, st, es, _ := testDeps(cfg, advisor.NewStatic())

	w := &stubWorker{
		name:       "stub",
		expOutcome: experiment.Outcome{Success: true, ImprovementRatio: 0.3},
	}
	r := NewRunner(w, deps, cfg)
	r.Start(context.Background())

	waitFor(t, func() bool { return es.count() >= 1 }, "no experiment recorded")
	r.Stop()

	if r.StatsSnapshot().ExperimentsRun == 0 {
		t.Error("ExperimentsRun should be counted")
	}
	// 30% improvement promotes, and promotion broadcasts an insight.
	insights := st.itemsOfType(bus.TypeExperimentInsight)
	if len(insights) == 0 {
		t.Fatal("promotion should broadcast an experiment insight")
	}
	if insights[0].SourceWorker != "stub" {
		t.Errorf("insight source = %s", insights[0].SourceWorker)
	}
	if insights[0].Urgency != bus.UrgencyHigh {
		t.Errorf("insight urgency = %s, want high", insights[0].Urgency)
	}
	// Promotion renames the current production strategy.
	if got := r.Strategy(); got == "baseline" || got == "" {
		t.Errorf("strategy = %q, want the promoted experiment name", got)
	}
}

func TestRunnerRestoresPromotedStrategyOnStart(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers.EvolutionRate = 0
	deps, _, es, _ := testDeps(cfg, advisor.NewStatic())

	if err := es.InsertExperiment(&experiment.Experiment{
		ID:                   "e1",
		WorkerName:           "stub",
		Name:                 "batch-broadcasts",
		Status:               experiment.StatusCompleted,
		Success:              true,
		ImprovementRatio:     0.3,
		PromotedToProduction: true,
	}); err != nil {
		t.Fatal(err)
	}

	w := &stubWorker{name: "stub"}
	r := NewRunner(w, deps, cfg)
	if r.Strategy() != "baseline" {
		t.Errorf("pre-start strategy = %q, want baseline", r.Strategy())
	}

	r.Start(context.Background())
	waitFor(t, func() bool { return r.Strategy() == "batch-broadcasts" }, "strategy never restored from promoted experiments")
	r.Stop()
}

func TestRunnerFailedProposalFallsBackToProduction(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers.EvolutionRate = 1
	// Static advisor with a spec the local gate rejects.
	weak := advisor.Spec{Name: "weak", Hypothesis: "h", Approach: "a",
		MetricNames: []string{"m"}, RiskLevel: "low", RollbackPlan: "r", Confidence: 0.2}
	deps, _, es, _ := testDeps(cfg, advisor.NewStatic(weak))

	w := &stubWorker{name: "stub"}
	r := NewRunner(w, deps, cfg)
	r.Start(context.Background())

	waitFor(t, func() bool { return w.cycles() >= 2 }, "worker never fell back to production")
	r.Stop()

	if es.count() != 0 {
		t.Errorf("rejected proposals must not create experiments, got %d", es.count())
	}
}

func TestRunnerExchangeCadence(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers.Defaults = config.WorkerSchedule{CycleInterval: "30s", KnowledgeInterval: "2m"}
	deps, _, _, _ := testDeps(cfg, advisor.NewStatic())

	r := NewRunner(&stubWorker{name: "stub"}, deps, cfg)
	if r.exchangeEvery != 4 {
		t.Errorf("exchangeEvery = %d, want 4 (ceil(2m/30s))", r.exchangeEvery)
	}

	cfg.Workers.Defaults = config.WorkerSchedule{CycleInterval: "45s", KnowledgeInterval: "2m"}
	r = NewRunner(&stubWorker{name: "stub2"}, deps, cfg)
	if r.exchangeEvery != 3 {
		t.Errorf("exchangeEvery = %d, want 3 (ceil(2m/45s))", r.exchangeEvery)
	}
}

func TestRunnerHonorsWorkerInterval(t *testing.T) {
	cfg := config.DefaultConfig()
	deps, _, _, _ := testDeps(cfg, advisor.NewStatic())

	// The worker's preferred cadence wins over the schedule defaults.
	r := NewRunner(&stubWorker{name: "stub", interval: 90 * time.Second}, deps, cfg)
	if r.cycleInterval != 90*time.Second {
		t.Errorf("cycleInterval = %v, want 90s from the worker", r.cycleInterval)
	}

	// A zero preference defers to the configured schedule.
	r = NewRunner(&stubWorker{name: "stub2"}, deps, cfg)
	if r.cycleInterval != 30*time.Second {
		t.Errorf("cycleInterval = %v, want the 30s default", r.cycleInterval)
	}

	// An explicit per-worker schedule entry outranks the preference.
	cfg.Workers.Schedules["stub3"] = config.WorkerSchedule{CycleInterval: "10s"}
	r = NewRunner(&stubWorker{name: "stub3", interval: 90 * time.Second}, deps, cfg)
	if r.cycleInterval != 10*time.Second {
		t.Errorf("cycleInterval = %v, want the pinned 10s", r.cycleInterval)
	}
}

func TestRunnerDeliversKnowledgeOnExchange(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers.EvolutionRate = 0
	// Exchange on every cycle.
	cfg.Workers.Defaults = config.WorkerSchedule{CycleInterval: "30s", KnowledgeInterval: "30s"}
	deps, _, _, _ := testDeps(cfg, advisor.NewStatic())

	w := &stubWorker{name: "stub"}
	r := NewRunner(w, deps, cfg)
	r.Start(context.Background())
	waitFor(t, func() bool { return w.cycles() >= 1 }, "runner never cycled")

	// stubWorker subscribes to risk patterns.
	if _, err := deps.Bus.Broadcast("peer", bus.TypeRiskPattern, map[string]interface{}{
		"pattern":    "sql injection via string concatenation",
		"confidence": 0.9,
	}, []string{"sql"}, bus.UrgencyNormal); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	waitFor(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.handledItems >= 1
	}, "broadcast item never reached the worker")
	r.Stop()
}

func TestRunnerPersistsStatsPeriodically(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers.EvolutionRate = 0
	cfg.Workers.StatsPersistEvery = 2
	deps, _, _, stats := testDeps(cfg, advisor.NewStatic())

	w := &stubWorker{name: "stub"}
	r := NewRunner(w, deps, cfg)
	r.Start(context.Background())

	waitFor(t, func() bool { return stats.count() >= 2 }, "stats never persisted")
	r.Stop()

	stats.mu.Lock()
	last := stats.snapshots[len(stats.snapshots)-1]
	stats.mu.Unlock()
	if last.WorkerName != "stub" || last.CyclesCompleted == 0 {
		t.Errorf("persisted stats = %+v", last)
	}
}
