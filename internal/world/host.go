package world

import (
	"context"
	"iter"

	"github.com/extensivelabs/agentecs/internal/access"
	"github.com/extensivelabs/agentecs/internal/buffer"
	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
	"github.com/extensivelabs/agentecs/internal/merge"
	"github.com/extensivelabs/agentecs/internal/ops"
)

const hostSystem = "host"

var hostRights = access.Rights{Dev: true}

// apply stages host writes through fn and commits them as one group.
func (w *World) apply(ctx context.Context, fn func(a *access.Scoped) error) (*merge.Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	a := access.NewScoped(w.registry, w.store.ReadView(), buffer.New(hostSystem), hostRights)
	if err := fn(a); err != nil {
		return nil, err
	}
	return w.merger.Apply(ctx, []*buffer.Buffer{a.Buffer()}, w.store)
}

// Reader returns unrestricted read access to the current committed state.
func (w *World) Reader() access.Reader {
	return access.NewReadOnly(w.registry, w.store.ReadView(), hostRights, hostSystem)
}

// Spawn creates an entity with the given component values.
func (w *World) Spawn(ctx context.Context, values ...any) (entity.ID, error) {
	var ph entity.ID
	out, err := w.apply(ctx, func(a *access.Scoped) error {
		var err error
		ph, err = a.Spawn(values...)
		return err
	})
	if err != nil {
		return entity.ID{}, err
	}
	id, _ := out.Resolve(0, ph)
	return id, nil
}

// Destroy removes an entity and all its components.
func (w *World) Destroy(ctx context.Context, id entity.ID) error {
	_, err := w.apply(ctx, func(a *access.Scoped) error {
		return a.Destroy(id)
	})
	return err
}

// Set writes v to id. The component type is taken from v.
func (w *World) Set(ctx context.Context, id entity.ID, v any) error {
	_, err := w.apply(ctx, func(a *access.Scoped) error {
		if cv, ok := v.(component.Value); ok {
			return a.Write(id, cv.Type, cv.Data)
		}
		t, err := w.registry.TypeOfValue(v)
		if err != nil {
			return err
		}
		return a.Write(id, t, v)
	})
	return err
}

// Remove clears component t from id.
func (w *World) Remove(ctx context.Context, id entity.ID, t component.TypeID) error {
	_, err := w.apply(ctx, func(a *access.Scoped) error {
		return a.Remove(id, t)
	})
	return err
}

// Get reads component t of id from the current committed state.
func (w *World) Get(id entity.ID, t component.TypeID) (any, bool, error) {
	return w.Reader().Read(id, t)
}

// Exists reports whether id is alive in the current committed state.
func (w *World) Exists(id entity.ID) bool {
	return w.Reader().Exists(id)
}

// Query iterates the entities matching q in the current committed state.
func (w *World) Query(q access.Query) (iter.Seq2[entity.ID, access.Row], error) {
	return w.Reader().Query(q)
}

// MergeEntities destroys a and b and spawns one entity with their combined
// components.
func (w *World) MergeEntities(ctx context.Context, a, b entity.ID, opts ...ops.MergeOption) (entity.ID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ops.MergeEntities(ctx, a, b, opts...)
}

// SplitEntity destroys a and spawns two entities sharing its components.
func (w *World) SplitEntity(ctx context.Context, a entity.ID, opts ...ops.SplitOption) (entity.ID, entity.ID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ops.SplitEntity(ctx, a, opts...)
}

// Get reads the T component of id.
func Get[T any](w *World, id entity.ID) (T, bool, error) {
	return access.Get[T](w.Reader(), id)
}

// Set writes the T component of id.
func Set[T any](ctx context.Context, w *World, id entity.ID, v T) error {
	_, err := w.apply(ctx, func(a *access.Scoped) error {
		return access.Set(a, id, v)
	})
	return err
}

// Singleton reads the world-level T component.
func Singleton[T any](w *World) (T, bool, error) {
	return access.Singleton[T](w.Reader())
}

// SetSingleton writes the world-level T component.
func SetSingleton[T any](ctx context.Context, w *World, v T) error {
	_, err := w.apply(ctx, func(a *access.Scoped) error {
		return access.SetSingleton(a, v)
	})
	return err
}
