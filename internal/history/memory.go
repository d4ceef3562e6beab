package history

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// DefaultCapacity is the ring size used when NewMemory gets a non-positive
// capacity.
const DefaultCapacity = 1024

type recordKey struct {
	run  string
	tick uint64
}

// Memory keeps the most recent records in a fixed-size ring. When full, the
// oldest record is evicted; a run whose last record is evicted disappears
// from Runs.
type Memory struct {
	mu     sync.RWMutex
	ring   []*Record
	next   int
	size   int
	index  map[recordKey]int
	counts map[string]int
	runs   []string
	closed bool
}

// NewMemory creates a ring holding up to capacity records.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		ring:   make([]*Record, capacity),
		index:  make(map[recordKey]int, capacity),
		counts: make(map[string]int),
	}
}

// RecordTick implements Store.
func (m *Memory) RecordTick(_ context.Context, r *Record) error {
	if err := validate(r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	key := recordKey{r.RunID, r.Tick}
	if _, ok := m.index[key]; ok {
		return fmt.Errorf("history: tick %d of run %s already recorded", r.Tick, r.RunID)
	}

	if old := m.ring[m.next]; old != nil {
		m.forget(old)
		m.size--
	}
	m.put(clone(r))

	if i := slices.Index(m.runs, r.RunID); i >= 0 {
		m.runs = slices.Delete(m.runs, i, i+1)
	}
	m.runs = append(m.runs, r.RunID)
	return nil
}

// put stores r in the slot at m.next.
func (m *Memory) put(r *Record) {
	m.ring[m.next] = r
	m.index[recordKey{r.RunID, r.Tick}] = m.next
	m.counts[r.RunID]++
	m.next = (m.next + 1) % len(m.ring)
	m.size++
}

// forget drops the bookkeeping of an evicted record.
func (m *Memory) forget(r *Record) {
	delete(m.index, recordKey{r.RunID, r.Tick})
	m.counts[r.RunID]--
	if m.counts[r.RunID] > 0 {
		return
	}
	delete(m.counts, r.RunID)
	if i := slices.Index(m.runs, r.RunID); i >= 0 {
		m.runs = slices.Delete(m.runs, i, i+1)
	}
}

// Len returns the number of records held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *Memory) get(runID string, tick uint64) (*Record, error) {
	i, ok := m.index[recordKey{runID, tick}]
	if !ok {
		return nil, fmt.Errorf("tick %d of run %s: %w", tick, runID, ErrNotFound)
	}
	return m.ring[i], nil
}

// GetTick implements Store.
func (m *Memory) GetTick(_ context.Context, runID string, tick uint64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.get(runID, tick)
	if err != nil {
		return nil, err
	}
	return clone(r), nil
}

// GetSnapshot implements Store.
func (m *Memory) GetSnapshot(_ context.Context, runID string, tick uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.get(runID, tick)
	if err != nil {
		return nil, err
	}
	return slices.Clone([]byte(r.Snapshot)), nil
}

// GetEvents implements Store.
func (m *Memory) GetEvents(_ context.Context, runID string, tick uint64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.get(runID, tick)
	if err != nil {
		return nil, err
	}
	return slices.Clone(r.Events), nil
}

// GetTickRange implements Store.
func (m *Memory) GetTickRange(_ context.Context, runID string, from, to uint64) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for key, i := range m.index {
		if key.run == runID && key.tick >= from && key.tick <= to {
			out = append(out, clone(m.ring[i]))
		}
	}
	slices.SortFunc(out, func(a, b *Record) int { return cmp.Compare(a.Tick, b.Tick) })
	return out, nil
}

// GetEventRange implements Store.
func (m *Memory) GetEventRange(_ context.Context, runID string, from, to uint64) ([]TickEvents, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TickEvents
	for key, i := range m.index {
		if key.run == runID && key.tick >= from && key.tick <= to {
			out = append(out, TickEvents{Tick: key.tick, Events: slices.Clone(m.ring[i].Events)})
		}
	}
	slices.SortFunc(out, func(a, b TickEvents) int { return cmp.Compare(a.Tick, b.Tick) })
	return out, nil
}

// Ticks implements Store.
func (m *Memory) Ticks(_ context.Context, runID string) (Span, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var span Span
	for key := range m.index {
		if key.run != runID {
			continue
		}
		if span.Count == 0 || key.tick < span.First {
			span.First = key.tick
		}
		span.Last = max(span.Last, key.tick)
		span.Count++
	}
	if span.Count == 0 {
		return Span{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return span, nil
}

// Clear implements Store. The surviving records keep their relative age.
func (m *Memory) Clear(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}

	var kept []*Record
	if runID != "" {
		for i := range m.ring {
			r := m.ring[(m.next+i)%len(m.ring)]
			if r != nil && r.RunID != runID {
				kept = append(kept, r)
			}
		}
	}

	clear(m.ring)
	clear(m.index)
	clear(m.counts)
	m.next, m.size = 0, 0
	for _, r := range kept {
		m.put(r)
	}
	if runID == "" {
		m.runs = nil
	} else if i := slices.Index(m.runs, runID); i >= 0 {
		m.runs = slices.Delete(m.runs, i, i+1)
	}
	return nil
}

// Runs implements Store.
func (m *Memory) Runs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.runs)
	slices.Reverse(out)
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func clone(r *Record) *Record {
	c := *r
	c.Snapshot = slices.Clone(r.Snapshot)
	c.Events = slices.Clone(r.Events)
	c.Timings = slices.Clone(r.Timings)
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}
