package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"hivemind/internal/config"
	"hivemind/internal/logging"
)

// WorkerStatus is one worker's externally visible state.
type WorkerStatus struct {
	Name       string
	Status     Status
	Stats      Stats
	Strategy   string
	QueueDepth int
}

// Controller owns the full set of runners and starts and stops them as a
// group.
type Controller struct {
	deps Deps

	mu      sync.Mutex
	cfg     *config.Config
	runners map[string]*Runner
	order   []string

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewController creates a worker controller.
func NewController(cfg *config.Config, deps Deps) *Controller {
	return &Controller{
		deps:    deps,
		cfg:     cfg,
		runners: make(map[string]*Runner),
	}
}

// Register adds a worker. Must happen before StartAll.
func (c *Controller) Register(w Worker) (*Runner, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := w.Name()
	if _, exists := c.runners[name]; exists {
		return nil, fmt.Errorf("worker %s already registered", name)
	}
	r := NewRunner(w, c.deps, c.cfg)
	c.runners[name] = r
	c.order = append(c.order, name)
	return r, nil
}

// enabled reports whether the worker is in the configured enabled set.
// An empty set enables everything.
func (c *Controller) enabled(name string) bool {
	if len(c.cfg.Workers.Enabled) == 0 {
		return true
	}
	for _, n := range c.cfg.Workers.Enabled {
		if n == name {
			return true
		}
	}
	return false
}

// StartAll launches every enabled worker under one errgroup. Non-blocking;
// use Wait to observe loop errors.
func (c *Controller) StartAll(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, c.cancel = context.WithCancel(ctx)
	c.group, ctx = errgroup.WithContext(ctx)

	started := 0
	for _, name := range c.order {
		if !c.enabled(name) {
			logging.Worker("%s disabled by configuration, skipping", name)
			continue
		}
		r := c.runners[name]
		c.group.Go(func() error {
			return r.Run(ctx)
		})
		started++
	}
	logging.Boot("started %d of %d workers", started, len(c.order))
}

// StopAll stops every running worker and waits for all loops to exit.
func (c *Controller) StopAll() {
	c.mu.Lock()
	runners := make([]*Runner, 0, len(c.order))
	for _, name := range c.order {
		runners = append(runners, c.runners[name])
	}
	group, cancel := c.group, c.cancel
	c.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}
	logging.Boot("all workers stopped")
}

// Wait blocks until every worker loop has exited.
func (c *Controller) Wait() error {
	c.mu.Lock()
	group := c.group
	c.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// GetStatus reports each registered worker's state in registration order.
func (c *Controller) GetStatus() []WorkerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]WorkerStatus, 0, len(c.order))
	for _, name := range c.order {
		r := c.runners[name]
		out = append(out, WorkerStatus{
			Name:       name,
			Status:     r.Status(),
			Stats:      r.StatsSnapshot(),
			Strategy:   r.Strategy(),
			QueueDepth: c.deps.Bus.QueueDepth(name),
		})
	}
	return out
}

// Runner returns a registered worker's runner, or nil.
func (c *Controller) Runner(name string) *Runner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runners[name]
}
