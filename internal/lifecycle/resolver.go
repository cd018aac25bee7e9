package lifecycle

import (
	"sync"
	"time"
)

// Clock abstracts wall time so overlays and guards are testable.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a settable clock for tests and replays.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixedClock(now time.Time) *FixedClock {
	return &FixedClock{now: now}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// IsOverdue reports whether now is strictly past dueAt + grace.
func IsOverdue(dueAt time.Time, grace time.Duration, now time.Time) bool {
	return now.After(dueAt.Add(grace))
}

// ResolveAt derives the display status. Terminal and pre-listing states are
// never covered by the OVERDUE overlay.
func ResolveAt(persisted State, dueAt time.Time, grace time.Duration, now time.Time) DisplayStatus {
	if persisted.overdueEligible() && IsOverdue(dueAt, grace, now) {
		return DisplayOverdue
	}
	return displayOf(persisted)
}

// Resolver binds ResolveAt to a clock and grace period.
type Resolver struct {
	clock Clock
	grace time.Duration
}

func NewResolver(clock Clock, grace time.Duration) *Resolver {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Resolver{clock: clock, grace: grace}
}

func (r *Resolver) Resolve(persisted State, dueAt time.Time) DisplayStatus {
	return ResolveAt(persisted, dueAt, r.grace, r.clock.Now())
}

func (r *Resolver) GracePeriod() time.Duration { return r.grace }

func (r *Resolver) Now() time.Time { return r.clock.Now() }
