// Package merge implements the merge and apply step: it resolves the ordered
// buffers of one execution group into a single changeset and commits it.
//
// Replay is strictly in buffer order, and inside a buffer in op order. The
// outcome therefore depends only on registration order, never on which
// activation finished first. Apply is the only code path that mutates
// storage while a tick runs.
package merge

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/extensivelabs/agentecs/internal/buffer"
	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
	"github.com/extensivelabs/agentecs/internal/errs"
	"github.com/extensivelabs/agentecs/internal/storage"
)

// Strategy decides how a write resolves against a value another buffer
// staged earlier in the same replay.
type Strategy uint8

const (
	// Combine uses the type's combine capability and falls back to
	// last-writer-wins.
	Combine Strategy = iota
	// LastWriterWins always keeps the later buffer's value.
	LastWriterWins
	// FailOnConflict rejects the whole group on any cross-buffer overlap.
	FailOnConflict
)

func (s Strategy) String() string {
	switch s {
	case Combine:
		return "combine"
	case LastWriterWins:
		return "last-writer-wins"
	case FailOnConflict:
		return "fail-on-conflict"
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// ParseStrategy parses the names produced by Strategy.String.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "combine":
		return Combine, nil
	case "last-writer-wins", "lww":
		return LastWriterWins, nil
	case "fail-on-conflict":
		return FailOnConflict, nil
	}
	return 0, fmt.Errorf("unknown merge strategy %q", name)
}

// Engine merges buffers and commits the result.
type Engine struct {
	registry *component.Registry
	strategy Strategy
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrategy sets the merge strategy (default Combine).
func WithStrategy(s Strategy) Option {
	return func(e *Engine) {
		e.strategy = s
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates a merge engine over reg.
func New(reg *component.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		strategy: Combine,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Strategy returns the configured strategy.
func (e *Engine) Strategy() Strategy {
	return e.strategy
}

// Outcome summarizes one applied group.
type Outcome struct {
	// Placeholders maps, per buffer index, each placeholder to its real id.
	Placeholders []map[entity.ID]entity.ID

	Spawned   []entity.ID
	Destroyed []entity.ID

	Sets     int
	Removes  int
	Combined int

	// Dropped counts ops addressed to entities destroyed earlier in the replay.
	Dropped int

	// Version is the storage version after the commit.
	Version uint64
}

// Resolve maps a placeholder minted by buffer i to its real id. Real ids are
// returned unchanged.
func (o *Outcome) Resolve(i int, id entity.ID) (entity.ID, bool) {
	if !id.IsPlaceholder() {
		return id, true
	}
	if i < 0 || i >= len(o.Placeholders) {
		return entity.ID{}, false
	}
	rid, ok := o.Placeholders[i][id]
	return rid, ok
}

// staged is what the replay currently intends for one slot.
type staged struct {
	value  any
	system string
}

// destroyMark records which buffer destroyed an entity.
type destroyMark struct {
	buffer int
	system string
}

// replay holds the state of one Apply.
type replay struct {
	e     *Engine
	store storage.Storage

	staging    map[storage.Slot]staged
	tombstones map[storage.Slot]string
	destroyed  map[entity.ID]destroyMark
	spawned    []entity.ID
	spawnedSet map[entity.ID]struct{}
	order      []entity.ID

	out *Outcome
}

// Apply replays buffers in order and commits the result atomically. On
// error nothing is committed and every id reserved during the replay is
// released again.
func (e *Engine) Apply(ctx context.Context, buffers []*buffer.Buffer, store storage.Storage) (*Outcome, error) {
	r := &replay{
		e:          e,
		store:      store,
		staging:    make(map[storage.Slot]staged),
		tombstones: make(map[storage.Slot]string),
		destroyed:  make(map[entity.ID]destroyMark),
		spawnedSet: make(map[entity.ID]struct{}),
		out:        &Outcome{Placeholders: make([]map[entity.ID]entity.ID, len(buffers))},
	}

	for i, buf := range buffers {
		if err := r.buffer(i, buf); err != nil {
			r.releaseAll()
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		r.releaseAll()
		return nil, fmt.Errorf("merge: %w", err)
	}

	cs := r.changeset()
	if !cs.Empty() {
		if err := store.Commit(ctx, cs); err != nil {
			r.releaseAll()
			return nil, fmt.Errorf("merge: %w", err)
		}
	}
	// Ids spawned and destroyed within the same replay never reached storage.
	for _, id := range r.spawned {
		if _, gone := r.destroyed[id]; gone {
			_ = store.ReleaseID(id)
		}
	}

	r.out.Version = store.ReadView().Version()
	r.out.Sets = len(cs.Sets)
	r.out.Removes = len(cs.Removes)
	e.logger.Debug("merge applied",
		"buffers", len(buffers),
		"sets", r.out.Sets,
		"removes", r.out.Removes,
		"spawned", len(r.out.Spawned),
		"destroyed", len(r.out.Destroyed),
		"combined", r.out.Combined,
		"dropped", r.out.Dropped,
		"version", r.out.Version,
	)
	return r.out, nil
}

func (r *replay) releaseAll() {
	for _, id := range r.spawned {
		_ = r.store.ReleaseID(id)
	}
}

// buffer replays one buffer. base records, per slot this buffer touched,
// what earlier buffers had staged, so that a later op in the same buffer
// supersedes this buffer's earlier op instead of combining with it.
func (r *replay) buffer(i int, buf *buffer.Buffer) error {
	placeholders := make(map[entity.ID]entity.ID)
	r.out.Placeholders[i] = placeholders
	base := make(map[storage.Slot]*staged)

	resolve := func(id entity.ID) (entity.ID, error) {
		if !id.IsPlaceholder() {
			return id, nil
		}
		rid, ok := placeholders[id]
		if !ok {
			return entity.ID{}, errs.WithSystem(
				errs.InvalidEntity(id.String(), "placeholder not minted by this buffer"), buf.System)
		}
		return rid, nil
	}

	for _, op := range buf.Ops() {
		if op.Kind == buffer.OpSpawn {
			rid := r.store.ReserveID()
			placeholders[op.Entity] = rid
			r.spawned = append(r.spawned, rid)
			r.spawnedSet[rid] = struct{}{}
			for _, v := range op.Values {
				if err := r.write(buf.System, base, storage.Slot{Entity: rid, Type: v.Type}, v.Data); err != nil {
					return err
				}
			}
			continue
		}

		id, err := resolve(op.Entity)
		if err != nil {
			return err
		}
		if mark, gone := r.destroyed[id]; gone {
			// Under FailOnConflict a write or remove after another buffer's
			// destroy is a conflict. Repeated destroys agree and are dropped.
			if r.e.strategy == FailOnConflict && mark.buffer != i && op.Kind != buffer.OpDestroy {
				return r.destroyConflict(id, op.Type, mark.system, buf.System)
			}
			r.out.Dropped++
			continue
		}

		switch op.Kind {
		case buffer.OpUpdate, buffer.OpInsert:
			if err := r.write(buf.System, base, storage.Slot{Entity: id, Type: op.Type}, op.Value); err != nil {
				return err
			}
		case buffer.OpRemove:
			if err := r.remove(buf.System, base, storage.Slot{Entity: id, Type: op.Type}); err != nil {
				return err
			}
		case buffer.OpDestroy:
			if err := r.destroy(i, buf.System, base, id); err != nil {
				return err
			}
		default:
			return fmt.Errorf("merge: unknown op %s", op.Kind)
		}
	}
	return nil
}

func (r *replay) remember(base map[storage.Slot]*staged, slot storage.Slot) {
	if _, ok := base[slot]; ok {
		return
	}
	if prev, ok := r.staging[slot]; ok {
		base[slot] = &prev
		return
	}
	base[slot] = nil
}

// conflict is called on the first op of a buffer on slot, so anything
// already staged or removed there came from an earlier buffer.
func (r *replay) conflict(system string, slot storage.Slot) error {
	if r.e.strategy != FailOnConflict {
		return nil
	}
	first, removed := r.tombstones[slot]
	if prev, ok := r.staging[slot]; ok {
		first = prev.system
	} else if !removed {
		return nil
	}
	name := fmt.Sprintf("#%d", slot.Type)
	if info, err := r.e.registry.Lookup(slot.Type); err == nil {
		name = info.Name
	}
	return errs.Conflict(slot.Entity.String(), name, first, system)
}

func (r *replay) write(system string, base map[storage.Slot]*staged, slot storage.Slot, v any) error {
	info, err := r.e.registry.Lookup(slot.Type)
	if err != nil {
		return err
	}
	_, seen := base[slot]
	if !seen {
		if err := r.conflict(system, slot); err != nil {
			return err
		}
	}
	r.remember(base, slot)
	prev := base[slot]

	value := v
	if prev != nil && r.e.strategy == Combine && info.CanCombine() {
		combined, err := info.Combine(prev.value, v)
		if err != nil {
			return err
		}
		value = combined
		r.out.Combined++
	}
	r.staging[slot] = staged{value: value, system: system}
	delete(r.tombstones, slot)
	return nil
}

func (r *replay) remove(system string, base map[storage.Slot]*staged, slot storage.Slot) error {
	if _, seen := base[slot]; !seen {
		if err := r.conflict(system, slot); err != nil {
			return err
		}
	}
	// A write later in this buffer starts from nothing.
	base[slot] = nil
	delete(r.staging, slot)
	r.tombstones[slot] = system
	return nil
}

// destroy stages the removal of id. Under FailOnConflict any slot of id
// that an earlier buffer wrote or removed, and this buffer never touched,
// conflicts with the destroy.
func (r *replay) destroy(i int, system string, base map[storage.Slot]*staged, id entity.ID) error {
	if r.e.strategy == FailOnConflict {
		var slots []storage.Slot
		for slot := range r.staging {
			if _, seen := base[slot]; slot.Entity == id && !seen {
				slots = append(slots, slot)
			}
		}
		for slot := range r.tombstones {
			if _, seen := base[slot]; slot.Entity == id && !seen {
				slots = append(slots, slot)
			}
		}
		if len(slots) > 0 {
			slot := slices.MinFunc(slots, func(a, b storage.Slot) int { return cmp.Compare(a.Type, b.Type) })
			return r.conflict(system, slot)
		}
	}

	r.destroyed[id] = destroyMark{buffer: i, system: system}
	r.order = append(r.order, id)
	for slot := range r.staging {
		if slot.Entity == id {
			delete(r.staging, slot)
		}
	}
	for slot := range r.tombstones {
		if slot.Entity == id {
			delete(r.tombstones, slot)
		}
	}
	return nil
}

// destroyConflict reports an op on an entity an earlier buffer destroyed.
func (r *replay) destroyConflict(id entity.ID, typ component.TypeID, first, second string) error {
	name := fmt.Sprintf("#%d", typ)
	if info, err := r.e.registry.Lookup(typ); err == nil {
		name = info.Name
	}
	err := errs.Conflict(id.String(), name, first, second)
	err.Message = fmt.Sprintf("%q destroyed the entity before %q wrote to it", first, second)
	return err
}

func (r *replay) changeset() *storage.Changeset {
	cs := storage.NewChangeset()
	for _, id := range r.spawned {
		if _, gone := r.destroyed[id]; !gone {
			cs.Spawned = append(cs.Spawned, id)
		}
	}
	for _, id := range r.order {
		if _, fresh := r.spawnedSet[id]; !fresh {
			cs.Destroyed = append(cs.Destroyed, id)
		}
	}
	for slot, s := range r.staging {
		cs.Sets[slot] = s.value
	}
	for slot := range r.tombstones {
		if _, fresh := r.spawnedSet[slot.Entity]; fresh {
			continue
		}
		cs.Removes[slot] = struct{}{}
	}

	r.out.Destroyed = slices.Clone(cs.Destroyed)
	r.out.Spawned = slices.Clone(cs.Spawned)
	return cs
}
