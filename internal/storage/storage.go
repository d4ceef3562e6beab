// Package storage defines the storage collaborator consumed by the engine and
// ships an in-memory implementation.
//
// Storage is the one shared mutable resource. It is read through immutable
// snapshots and written only through Commit, which the merge and apply step
// calls once per execution group. Commit is the sole transaction boundary.
package storage

import (
	"context"
	"iter"

	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
)

// Slot addresses one component value.
type Slot struct {
	Entity entity.ID
	Type   component.TypeID
}

// Snapshot is a frozen read view of storage. Every accessor returns copies;
// nothing a caller does with a returned value affects the snapshot.
type Snapshot interface {
	// Get returns a copy of the value at (id, t).
	Get(id entity.ID, t component.TypeID) (any, bool)

	// Has reports whether (id, t) holds a value.
	Has(id entity.ID, t component.TypeID) bool

	// Alive reports whether id exists in this view.
	Alive(id entity.ID) bool

	// Components lists the types present on id in ascending TypeID order.
	Components(id entity.ID) []component.TypeID

	// Entities lists every entity in ascending id order.
	Entities() []entity.ID

	// EntitiesMatching yields, in ascending id order, the entities whose
	// component set contains every required type and none of the excluded ones.
	EntitiesMatching(required, excluded []component.TypeID) iter.Seq[entity.ID]

	// Version identifies the commit this view was taken after.
	Version() uint64
}

// Changeset is a resolved state transition produced by the merge engine.
//
// Commit applies it atomically in this order: spawned entities are created,
// Sets are written, Removes are cleared, Destroyed entities are dropped with
// all their values and their ids released to the allocator.
type Changeset struct {
	Sets      map[Slot]any
	Removes   map[Slot]struct{}
	Spawned   []entity.ID
	Destroyed []entity.ID
}

// NewChangeset returns an empty changeset.
func NewChangeset() *Changeset {
	return &Changeset{
		Sets:    make(map[Slot]any),
		Removes: make(map[Slot]struct{}),
	}
}

// Empty reports whether the changeset would not change anything.
func (c *Changeset) Empty() bool {
	return len(c.Sets) == 0 && len(c.Removes) == 0 && len(c.Spawned) == 0 && len(c.Destroyed) == 0
}

// Storage is the narrow interface the engine consumes.
type Storage interface {
	// ReadView captures a frozen snapshot of the current committed state.
	ReadView() Snapshot

	// Commit applies a changeset atomically. Either every change becomes
	// visible to later snapshots or none does.
	Commit(ctx context.Context, cs *Changeset) error

	// ReserveID allocates an id for an entity about to be spawned.
	ReserveID() entity.ID

	// ReleaseID returns an id to the allocator.
	ReleaseID(id entity.ID) error

	// IsAlive reports whether id is live according to the allocator.
	IsAlive(id entity.ID) bool

	// Registry returns the type registry the storage was built with.
	Registry() *component.Registry
}
