// Package clock adapts github.com/benbjohnson/clock into the scheduler
// interface the engine runs on: Now, Schedule(delay, callback), and
// Cancel(handle). Every timer in the engine is created through a
// Scheduler so tests can use a mock clock instead of wall time.
package clock

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Handle identifies a single scheduled callback. Cancel is idempotent:
// cancelling an already-fired or already-cancelled Handle is a no-op.
type Handle struct {
	timer *clock.Timer
	once  *sync.Once
}

// Scheduler is the engine-facing view of the scheduler collaborator.
type Scheduler struct {
	clk clock.Clock
}

// New wraps a real wall-clock.
func New() *Scheduler {
	return &Scheduler{clk: clock.New()}
}

// NewMock returns a Scheduler backed by a *clock.Mock, for deterministic
// tests. Callers can reach the mock via Mock() to advance time.
func NewMock() (*Scheduler, *clock.Mock) {
	m := clock.NewMock()
	return &Scheduler{clk: m}, m
}

// Now returns the current time as seen by this scheduler.
func (s *Scheduler) Now() time.Time {
	return s.clk.Now()
}

// Schedule arms a one-shot callback to fire after delay. The callback runs
// on the clock's own goroutine; callers must not block in it.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) Handle {
	var once sync.Once
	t := s.clk.AfterFunc(delay, func() {
		once.Do(fn)
	})
	return Handle{timer: t, once: &once}
}

// Cancel stops a previously scheduled callback. Safe to call more than
// once and safe to call after the callback has already fired.
func (s *Scheduler) Cancel(h Handle) {
	if h.timer == nil {
		return
	}
	h.timer.Stop()
	if h.once != nil {
		// Prevent a callback that is already mid-fire from running its body
		// if Stop lost the race; the once guards both paths.
		h.once.Do(func() {})
	}
}

// Ticker returns a periodic ticker driven by the same clock, used for
// Ping and ReplicaAnnounce periodic schedules.
func (s *Scheduler) Ticker(period time.Duration) *clock.Ticker {
	return s.clk.Ticker(period)
}
