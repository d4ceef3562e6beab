// Package access implements the per-activation view a system works through.
//
// A Scoped access binds three things for one activation: the group's frozen
// snapshot, a fresh write buffer, and the system's declared rights. Reads see
// the snapshot overlaid with the activation's own buffered writes and never
// the writes of peers. Writes are validated against the rights and appended
// to the buffer; nothing touches storage until the merge step.
package access

import (
	"fmt"
	"iter"
	"slices"

	"github.com/extensivelabs/agentecs/internal/buffer"
	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
	"github.com/extensivelabs/agentecs/internal/errs"
	"github.com/extensivelabs/agentecs/internal/storage"
)

// Reader is the read surface shared by scoped and read-only access.
type Reader interface {
	Read(id entity.ID, t component.TypeID) (any, bool, error)
	Query(q Query) (iter.Seq2[entity.ID, Row], error)
	Exists(id entity.ID) bool
	Components(id entity.ID) ([]component.TypeID, error)
	Registry() *component.Registry
}

// Query selects entities whose component set contains every Required type
// and none of the Excluded ones.
type Query struct {
	Required []component.TypeID
	Excluded []component.TypeID
}

// Row holds copies of the required components of one query match.
type Row map[component.TypeID]any

// reader implements Reader over a snapshot and an optional overlay buffer.
type reader struct {
	registry *component.Registry
	snap     storage.Snapshot
	buf      *buffer.Buffer
	rights   Rights
	system   string
}

func (r *reader) Registry() *component.Registry { return r.registry }

func (r *reader) violation(t component.TypeID, verb string) error {
	name := fmt.Sprintf("#%d", t)
	if info, err := r.registry.Lookup(t); err == nil {
		name = info.Name
	}
	e := errs.AccessViolation(name, fmt.Sprintf("%s of undeclared type", verb))
	e.System = r.system
	return e
}

func (r *reader) invalid(id entity.ID, msg string) error {
	e := errs.InvalidEntity(id.String(), msg)
	e.System = r.system
	return e
}

func (r *reader) owns(id entity.ID) bool {
	return r.buf != nil && r.buf.Owns(id)
}

func (r *reader) destroyed(id entity.ID) bool {
	return r.buf != nil && r.buf.IsDestroyed(id)
}

// Exists reports whether id is visible to this activation.
func (r *reader) Exists(id entity.ID) bool {
	if r.destroyed(id) {
		return false
	}
	return r.snap.Alive(id) || r.owns(id)
}

// Read returns a copy of the value at (id, t). The activation's own buffer
// takes precedence over the snapshot.
func (r *reader) Read(id entity.ID, t component.TypeID) (any, bool, error) {
	if !r.rights.CanRead(t) {
		return nil, false, r.violation(t, "read")
	}
	if !r.snap.Alive(id) && !r.owns(id) {
		return nil, false, r.invalid(id, "entity is not alive in this snapshot")
	}
	if r.buf != nil {
		v, state := r.buf.Lookup(id, t)
		switch state {
		case buffer.SlotStaged:
			return r.registry.MustLookup(t).Clone(v), true, nil
		case buffer.SlotRemoved:
			return nil, false, nil
		}
	}
	v, ok := r.snap.Get(id, t)
	return v, ok, nil
}

// Components lists the types visible on id.
func (r *reader) Components(id entity.ID) ([]component.TypeID, error) {
	if !r.Exists(id) {
		return nil, r.invalid(id, "entity is not alive in this snapshot")
	}
	return r.visibleTypes(id), nil
}

func (r *reader) visibleTypes(id entity.ID) []component.TypeID {
	types := r.snap.Components(id)
	if r.buf == nil {
		return types
	}
	staged, removed := r.buf.TouchedTypes(id)
	out := make([]component.TypeID, 0, len(types)+len(staged))
	for _, t := range types {
		if !slices.Contains(removed, t) {
			out = append(out, t)
		}
	}
	for _, t := range staged {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// Query lazily enumerates matches in ascending id order, overlaying the
// activation's own inserts, removes, spawns and destroys on the snapshot.
// Every required type must be readable.
func (r *reader) Query(q Query) (iter.Seq2[entity.ID, Row], error) {
	for _, t := range q.Required {
		if !r.rights.CanRead(t) {
			return nil, r.violation(t, "query")
		}
	}

	return func(yield func(entity.ID, Row) bool) {
		for _, id := range r.candidates(q) {
			if r.destroyed(id) {
				continue
			}
			mask := storage.MaskOf(r.visibleTypes(id))
			if !storage.Matches(mask, q.Required, q.Excluded) {
				continue
			}
			row := make(Row, len(q.Required))
			for _, t := range q.Required {
				v, ok, err := r.Read(id, t)
				if err != nil || !ok {
					continue
				}
				row[t] = v
			}
			if !yield(id, row) {
				return
			}
		}
	}, nil
}

func (r *reader) candidates(q Query) []entity.ID {
	ids := slices.Collect(r.snap.EntitiesMatching(q.Required, nil))
	if r.buf == nil {
		return ids
	}
	for _, id := range r.buf.TouchedEntities() {
		if r.snap.Alive(id) && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, entity.Compare)
	return append(ids, r.buf.Spawned()...)
}

// Scoped is the full read/write access of a buffered system activation.
type Scoped struct {
	reader
}

// NewScoped binds an activation to a snapshot, a fresh buffer and rights.
func NewScoped(reg *component.Registry, snap storage.Snapshot, buf *buffer.Buffer, rights Rights) *Scoped {
	return &Scoped{reader: reader{
		registry: reg,
		snap:     snap,
		buf:      buf,
		rights:   rights,
		system:   buf.System,
	}}
}

// Buffer returns the activation's write buffer.
func (a *Scoped) Buffer() *buffer.Buffer {
	return a.buf
}

// Rights returns the rights the access enforces.
func (a *Scoped) Rights() Rights {
	return a.rights
}

// Write stages v at (id, t) as an insert if the slot does not exist in the
// snapshot overlaid with the buffer, or as an update otherwise.
func (a *Scoped) Write(id entity.ID, t component.TypeID, v any) error {
	if !a.rights.CanWrite(t) {
		return a.violation(t, "write")
	}
	info, err := a.registry.Lookup(t)
	if err != nil {
		return err
	}
	if err := info.Check(v); err != nil {
		return err
	}
	if !a.Exists(id) {
		return a.invalid(id, "write to an entity that is not alive")
	}

	owned := info.Clone(v)
	if a.slotExists(id, t) {
		a.buf.Update(id, t, owned)
	} else {
		a.buf.Insert(id, t, owned)
	}
	return nil
}

func (a *Scoped) slotExists(id entity.ID, t component.TypeID) bool {
	_, state := a.buf.Lookup(id, t)
	switch state {
	case buffer.SlotStaged:
		return true
	case buffer.SlotRemoved:
		return false
	}
	return a.snap.Has(id, t)
}

// Remove stages the removal of (id, t). Removing an absent slot is a no-op.
func (a *Scoped) Remove(id entity.ID, t component.TypeID) error {
	if !a.rights.CanWrite(t) {
		return a.violation(t, "remove")
	}
	if !a.Exists(id) {
		return a.invalid(id, "remove on an entity that is not alive")
	}
	if !a.slotExists(id, t) {
		return nil
	}
	a.buf.Remove(id, t)
	return nil
}

// Spawn stages a new entity with the given components and returns its
// placeholder. Values are Go component values or component.Value pairs;
// a repeated type keeps the last value.
func (a *Scoped) Spawn(values ...any) (entity.ID, error) {
	resolved := make([]component.Value, 0, len(values))
	for _, v := range values {
		t, err := a.registry.TypeOfValue(v)
		if err != nil {
			return entity.ID{}, err
		}
		data := v
		if cv, ok := v.(component.Value); ok {
			data = cv.Data
		}
		if !a.rights.CanWrite(t) {
			return entity.ID{}, a.violation(t, "spawn")
		}
		info := a.registry.MustLookup(t)
		if err := info.Check(data); err != nil {
			return entity.ID{}, err
		}
		resolved = slices.DeleteFunc(resolved, func(existing component.Value) bool {
			return existing.Type == t
		})
		resolved = append(resolved, component.Value{Type: t, Data: info.Clone(data)})
	}
	return a.buf.Spawn(resolved), nil
}

// Destroy stages the destruction of id. Every component currently visible on
// the entity must be writable.
func (a *Scoped) Destroy(id entity.ID) error {
	if id.IsReserved() {
		return a.invalid(id, "reserved entities cannot be destroyed")
	}
	if !a.Exists(id) {
		return a.invalid(id, "destroy of an entity that is not alive")
	}
	for _, t := range a.visibleTypes(id) {
		if !a.rights.CanWrite(t) {
			return a.violation(t, "destroy")
		}
	}
	a.buf.Destroy(id)
	return nil
}

// ReadOnly is the access given to pure and read-only activations. It has no
// write methods and no buffer.
type ReadOnly struct {
	reader
}

// NewReadOnly binds a read-only view to a snapshot.
func NewReadOnly(reg *component.Registry, snap storage.Snapshot, rights Rights, system string) *ReadOnly {
	return &ReadOnly{reader: reader{
		registry: reg,
		snap:     snap,
		rights:   rights,
		system:   system,
	}}
}
