package testutil

import (
	"fmt"
	"sync"
	"time"
)

// SequenceTokens returns "<prefix>-1", "<prefix>-2", ... in order.
//
// Thread-safety: safe for concurrent use.
type SequenceTokens struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceTokens creates a token generator. An empty prefix means "token".
func NewSequenceTokens(prefix string) *SequenceTokens {
	if prefix == "" {
		prefix = "token"
	}
	return &SequenceTokens{prefix: prefix}
}

// Generate returns the next token.
func (g *SequenceTokens) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// SteppingClock returns a deterministic wall clock that advances by step on
// every call, starting at start.
type SteppingClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewSteppingClock creates a clock. The first Now returns start.
func NewSteppingClock(start time.Time, step time.Duration) *SteppingClock {
	return &SteppingClock{next: start, step: step}
}

// Now returns the current time and advances the clock.
func (c *SteppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.step)
	return now
}
