package scheduler

import "sync/atomic"

// Clock is the logical tick counter. Every tick is stamped with a strictly
// increasing number, so history and replay never depend on wall time.
//
// Clock is safe for concurrent use.
type Clock struct {
	tick atomic.Uint64
}

// NewClock creates a clock whose first tick is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that resumes after tick start. Used when a world
// is restored from a snapshot.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.tick.Store(start)
	return c
}

// Next advances the clock and returns the new tick number.
func (c *Clock) Next() uint64 {
	return c.tick.Add(1)
}

// Current returns the last tick number handed out.
func (c *Clock) Current() uint64 {
	return c.tick.Load()
}

// Reset moves the clock to tick.
func (c *Clock) Reset(tick uint64) {
	c.tick.Store(tick)
}
