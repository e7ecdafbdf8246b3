// Package clock abstracts time for the worker loops and the knowledge bus.
// Everything that sleeps or stamps a record goes through a Clock so tests
// can substitute a fake and lifecycle code stays interruptible.
package clock

import (
	"context"
	"time"
)

// Clock provides UTC timestamps and an interruptible sleep.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time

	// Sleep blocks for d or until ctx is cancelled, whichever comes first.
	// Returns ctx.Err() when interrupted, nil when the full duration elapsed.
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the real wall clock.
type System struct{}

// NewSystem returns the wall clock.
func NewSystem() System { return System{} }

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// Sleep waits for d, waking early if ctx is cancelled.
func (System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fake is a manually advanced clock for tests. Sleep returns immediately
// after advancing the fake time, so loop tests run without real delays.
type Fake struct {
	current time.Time
}

// NewFake returns a fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{current: t.UTC()}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time { return f.current }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) { f.current = f.current.Add(d) }

// Sleep advances the fake clock by d and returns, honoring cancellation.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		f.current = f.current.Add(d)
	}
	return nil
}
