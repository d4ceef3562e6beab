package storage

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/kelindar/bitmap"

	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
	"github.com/extensivelabs/agentecs/internal/errs"
)

// Memory is an in-process Storage.
//
// Committed state is immutable. Commit builds the next version copy-on-write
// and swaps it in under mu, so ReadView is a pointer load and snapshots never
// observe a partial commit.
type Memory struct {
	mu        sync.Mutex
	registry  *component.Registry
	allocator *entity.Allocator
	current   *state
}

// Option configures a Memory storage.
type Option func(*Memory)

// WithShard sets the shard the storage allocates ids for (default 0).
func WithShard(shard uint16) Option {
	return func(m *Memory) {
		m.allocator = entity.NewAllocator(shard)
	}
}

// NewMemory creates an empty storage holding only the reserved system entities.
func NewMemory(reg *component.Registry, opts ...Option) *Memory {
	m := &Memory{
		registry:  reg,
		allocator: entity.NewAllocator(0),
	}
	for _, opt := range opts {
		opt(m)
	}

	entities := make(map[entity.ID]*record, len(entity.SystemEntities))
	for _, id := range entity.SystemEntities {
		entities[id] = &record{values: map[component.TypeID]any{}}
	}
	m.current = &state{registry: reg, entities: entities}
	return m
}

// ReadView returns the latest committed state.
func (m *Memory) ReadView() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Registry returns the type registry.
func (m *Memory) Registry() *component.Registry {
	return m.registry
}

// ReserveID allocates a fresh id.
func (m *Memory) ReserveID() entity.ID {
	return m.allocator.Allocate()
}

// ReleaseID returns id to the allocator.
func (m *Memory) ReleaseID(id entity.ID) error {
	return m.allocator.Deallocate(id)
}

// IsAlive reports whether id is live according to the allocator.
func (m *Memory) IsAlive(id entity.ID) bool {
	return m.allocator.IsAlive(id)
}

// Allocator exposes the allocator for snapshot and restore.
func (m *Memory) Allocator() *entity.Allocator {
	return m.allocator
}

// Commit applies cs atomically.
func (m *Memory) Commit(ctx context.Context, cs *Changeset) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current
	entities := maps.Clone(prev.entities)
	touched := make(map[entity.ID]*record)

	edit := func(id entity.ID) (*record, error) {
		if rec, ok := touched[id]; ok {
			return rec, nil
		}
		old, ok := entities[id]
		if !ok {
			return nil, errs.InvalidEntity(id.String(), "commit addresses an entity that does not exist")
		}
		rec := &record{values: maps.Clone(old.values)}
		touched[id] = rec
		entities[id] = rec
		return rec, nil
	}

	for _, id := range cs.Spawned {
		if _, exists := entities[id]; exists {
			return errs.InvalidEntity(id.String(), "spawned entity already exists")
		}
		rec := &record{values: map[component.TypeID]any{}}
		entities[id] = rec
		touched[id] = rec
	}

	for slot, v := range cs.Sets {
		info, err := m.registry.Lookup(slot.Type)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if err := info.Check(v); err != nil {
			return fmt.Errorf("commit %s: %w", slot.Entity, err)
		}
		rec, err := edit(slot.Entity)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		rec.values[slot.Type] = v
	}

	for slot := range cs.Removes {
		if _, ok := entities[slot.Entity]; !ok {
			continue
		}
		rec, err := edit(slot.Entity)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		delete(rec.values, slot.Type)
	}

	for _, id := range cs.Destroyed {
		if id.IsReserved() {
			return errs.InvalidEntity(id.String(), "reserved entities cannot be destroyed")
		}
		if _, ok := entities[id]; !ok {
			return errs.InvalidEntity(id.String(), "destroyed entity does not exist")
		}
		if err := m.allocator.Check(id); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		delete(entities, id)
		delete(touched, id)
	}

	for _, rec := range touched {
		rec.rebuildMask()
	}

	// Release ids last: every validation above has passed, so the swap
	// below cannot fail.
	for _, id := range cs.Destroyed {
		if err := m.allocator.Deallocate(id); err != nil {
			return fmt.Errorf("commit: release %s: %w", id, err)
		}
	}

	m.current = &state{
		version:  prev.version + 1,
		registry: m.registry,
		entities: entities,
	}
	return nil
}

type record struct {
	values map[component.TypeID]any
	mask   bitmap.Bitmap
}

func (r *record) rebuildMask() {
	var mask bitmap.Bitmap
	for t := range r.values {
		mask.Set(uint32(t))
	}
	r.mask = mask
}

// state is one immutable committed version. It implements Snapshot.
type state struct {
	version  uint64
	registry *component.Registry
	entities map[entity.ID]*record

	sortOnce sync.Once
	sorted   []entity.ID
}

func (s *state) Version() uint64 { return s.version }

func (s *state) Get(id entity.ID, t component.TypeID) (any, bool) {
	rec, ok := s.entities[id]
	if !ok {
		return nil, false
	}
	v, ok := rec.values[t]
	if !ok {
		return nil, false
	}
	info, err := s.registry.Lookup(t)
	if err != nil {
		return nil, false
	}
	return info.Clone(v), true
}

func (s *state) Has(id entity.ID, t component.TypeID) bool {
	rec, ok := s.entities[id]
	if !ok {
		return false
	}
	_, ok = rec.values[t]
	return ok
}

func (s *state) Alive(id entity.ID) bool {
	_, ok := s.entities[id]
	return ok
}

func (s *state) Components(id entity.ID) []component.TypeID {
	rec, ok := s.entities[id]
	if !ok {
		return nil
	}
	types := slices.Collect(maps.Keys(rec.values))
	slices.Sort(types)
	return types
}

func (s *state) Entities() []entity.ID {
	s.sortOnce.Do(func() {
		ids := slices.Collect(maps.Keys(s.entities))
		slices.SortFunc(ids, entity.Compare)
		s.sorted = ids
	})
	return slices.Clone(s.sorted)
}

func (s *state) EntitiesMatching(required, excluded []component.TypeID) iter.Seq[entity.ID] {
	return func(yield func(entity.ID) bool) {
		for _, id := range s.Entities() {
			if !Matches(s.entities[id].mask, required, excluded) {
				continue
			}
			if !yield(id) {
				return
			}
		}
	}
}

// Matches reports whether a component mask satisfies a query.
func Matches(mask bitmap.Bitmap, required, excluded []component.TypeID) bool {
	for _, t := range required {
		if !mask.Contains(uint32(t)) {
			return false
		}
	}
	for _, t := range excluded {
		if mask.Contains(uint32(t)) {
			return false
		}
	}
	return true
}

// MaskOf builds a component mask from a list of types.
func MaskOf(types []component.TypeID) bitmap.Bitmap {
	var mask bitmap.Bitmap
	for _, t := range types {
		mask.Set(uint32(t))
	}
	return mask
}
