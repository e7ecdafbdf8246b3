package worker

import (
	"context"
	"testing"

	"hivemind/internal/advisor"
	"hivemind/internal/config"
)

func TestControllerStartStopAll(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers.EvolutionRate = 0
	deps, _, _, _ := testDeps(cfg, advisor.NewStatic())
	c := NewController(cfg, deps)

	w1 := &stubWorker{name: "w1"}
	w2 := &stubWorker{name: "w2"}
	for _, w := range []*stubWorker{w1, w2} {
		if _, err := c.Register(w); err != nil {
			t.Fatalf("Register(%s): %v", w.name, err)
		}
	}

	c.StartAll(context.Background())
	waitFor(t, func() bool { return w1.cycles() >= 1 && w2.cycles() >= 1 }, "workers never cycled")

	statuses := c.GetStatus()
	if len(statuses) != 2 {
		t.Fatalf("GetStatus returned %d entries", len(statuses))
	}
	for _, s := range statuses {
		if s.Status != StatusRunning && s.Status != StatusStopping {
			t.Errorf("%s status = %s, want running", s.Name, s.Status)
		}
	}

	c.StopAll()
	if err := c.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
	for _, s := range c.GetStatus() {
		if s.Status != StatusStopped {
			t.Errorf("%s status = %s, want stopped", s.Name, s.Status)
		}
		if s.Stats.CyclesCompleted == 0 {
			t.Errorf("%s completed no cycles", s.Name)
		}
	}
}

func TestControllerDuplicateRegistration(t *testing.T) {
	cfg := config.DefaultConfig()
	deps, _, _, _ := testDeps(cfg, advisor.NewStatic())
	c := NewController(cfg, deps)

	if _, err := c.Register(&stubWorker{name: "w1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := c.Register(&stubWorker{name: "w1"}); err == nil {
		t.Error("duplicate registration should error")
	}
}

func TestControllerEnabledFilter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers.EvolutionRate = 0
	cfg.Workers.Enabled = []string{"w1"}
	deps, _, _, _ := testDeps(cfg, advisor.NewStatic())
	c := NewController(cfg, deps)

	w1 := &stubWorker{name: "w1"}
	w2 := &stubWorker{name: "w2"}
	c.Register(w1)
	c.Register(w2)

	c.StartAll(context.Background())
	waitFor(t, func() bool { return w1.cycles() >= 1 }, "enabled worker never cycled")
	c.StopAll()

	if w2.cycles() != 0 {
		t.Errorf("disabled worker ran %d cycles", w2.cycles())
	}
	if c.Runner("w2").Status() != StatusIdle {
		t.Errorf("disabled worker status = %s, want idle", c.Runner("w2").Status())
	}
}
