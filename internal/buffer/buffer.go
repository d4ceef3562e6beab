// Package buffer implements the per-activation write buffer: an append-only
// log of intended mutations plus an overlay index that gives the owning
// activation read-your-own-writes.
//
// A buffer is owned by exactly one activation until it is handed to the merge
// engine. It is not safe for concurrent use.
package buffer

import (
	"fmt"
	"maps"
	"slices"

	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
	"github.com/extensivelabs/agentecs/internal/storage"
)

// OpKind identifies a buffered operation.
type OpKind uint8

const (
	OpUpdate OpKind = iota + 1
	OpInsert
	OpRemove
	OpSpawn
	OpDestroy
)

func (k OpKind) String() string {
	switch k {
	case OpUpdate:
		return "update"
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	case OpSpawn:
		return "spawn"
	case OpDestroy:
		return "destroy"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// Op is one buffered mutation.
type Op struct {
	Kind OpKind

	// Entity is the target, or the placeholder minted for a spawn.
	Entity entity.ID

	// Type and Value are set for update, insert and remove (Value unset).
	Type  component.TypeID
	Value any

	// Values holds the initial components of a spawn.
	Values []component.Value
}

// SlotState describes what the overlay knows about a slot.
type SlotState uint8

const (
	// SlotUnknown means the buffer has no opinion; fall back to the snapshot.
	SlotUnknown SlotState = iota
	// SlotStaged means the buffer holds a newer value.
	SlotStaged
	// SlotRemoved means the buffer removed the value.
	SlotRemoved
)

// Buffer is an append-only operation log with an overlay index.
type Buffer struct {
	// System names the activation that owns the buffer.
	System string

	ops          []Op
	placeholders uint32

	staged    map[storage.Slot]any
	removed   map[storage.Slot]struct{}
	destroyed map[entity.ID]struct{}
	spawned   []entity.ID
}

// New creates an empty buffer for the named system.
func New(system string) *Buffer {
	return &Buffer{
		System:    system,
		staged:    make(map[storage.Slot]any),
		removed:   make(map[storage.Slot]struct{}),
		destroyed: make(map[entity.ID]struct{}),
	}
}

// Update records a write to an existing slot. v must already be owned by
// the buffer (callers clone before handing values in).
func (b *Buffer) Update(id entity.ID, t component.TypeID, v any) {
	b.ops = append(b.ops, Op{Kind: OpUpdate, Entity: id, Type: t, Value: v})
	b.stage(id, t, v)
}

// Insert records a write to a slot that did not exist.
func (b *Buffer) Insert(id entity.ID, t component.TypeID, v any) {
	b.ops = append(b.ops, Op{Kind: OpInsert, Entity: id, Type: t, Value: v})
	b.stage(id, t, v)
}

// Remove records the removal of a slot.
func (b *Buffer) Remove(id entity.ID, t component.TypeID) {
	b.ops = append(b.ops, Op{Kind: OpRemove, Entity: id, Type: t})
	slot := storage.Slot{Entity: id, Type: t}
	delete(b.staged, slot)
	b.removed[slot] = struct{}{}
}

// Spawn records a new entity and returns its placeholder. The placeholder
// resolves to a real id only when the buffer is applied.
func (b *Buffer) Spawn(values []component.Value) entity.ID {
	id := entity.Placeholder(b.placeholders)
	b.placeholders++
	b.ops = append(b.ops, Op{Kind: OpSpawn, Entity: id, Values: slices.Clone(values)})
	b.spawned = append(b.spawned, id)
	for _, v := range values {
		b.stage(id, v.Type, v.Data)
	}
	return id
}

// Destroy records the destruction of an entity.
func (b *Buffer) Destroy(id entity.ID) {
	b.ops = append(b.ops, Op{Kind: OpDestroy, Entity: id})
	b.destroyed[id] = struct{}{}
	for slot := range b.staged {
		if slot.Entity == id {
			delete(b.staged, slot)
		}
	}
}

func (b *Buffer) stage(id entity.ID, t component.TypeID, v any) {
	slot := storage.Slot{Entity: id, Type: t}
	delete(b.removed, slot)
	b.staged[slot] = v
}

// Lookup reports what the overlay knows about a slot. For SlotStaged the
// buffer's own value is returned; callers must copy it before exposing it.
func (b *Buffer) Lookup(id entity.ID, t component.TypeID) (any, SlotState) {
	if b.IsDestroyed(id) {
		return nil, SlotRemoved
	}
	slot := storage.Slot{Entity: id, Type: t}
	if v, ok := b.staged[slot]; ok {
		return v, SlotStaged
	}
	if _, ok := b.removed[slot]; ok {
		return nil, SlotRemoved
	}
	return nil, SlotUnknown
}

// IsDestroyed reports whether the buffer destroyed id.
func (b *Buffer) IsDestroyed(id entity.ID) bool {
	_, ok := b.destroyed[id]
	return ok
}

// Owns reports whether id is a placeholder minted by this buffer.
func (b *Buffer) Owns(id entity.ID) bool {
	return id.IsPlaceholder() && id.Index < b.placeholders
}

// Spawned lists the placeholders minted by this buffer in spawn order.
func (b *Buffer) Spawned() []entity.ID {
	return slices.Clone(b.spawned)
}

// TouchedTypes returns, for entity id, the types the buffer staged and the
// types it removed, each in ascending order.
func (b *Buffer) TouchedTypes(id entity.ID) (staged, removed []component.TypeID) {
	for slot := range b.staged {
		if slot.Entity == id {
			staged = append(staged, slot.Type)
		}
	}
	for slot := range b.removed {
		if slot.Entity == id {
			removed = append(removed, slot.Type)
		}
	}
	slices.Sort(staged)
	slices.Sort(removed)
	return staged, removed
}

// TouchedEntities lists entities with staged values that are not
// placeholders, in ascending id order.
func (b *Buffer) TouchedEntities() []entity.ID {
	set := make(map[entity.ID]struct{})
	for slot := range b.staged {
		if !slot.Entity.IsPlaceholder() {
			set[slot.Entity] = struct{}{}
		}
	}
	ids := slices.Collect(maps.Keys(set))
	slices.SortFunc(ids, entity.Compare)
	return ids
}

// Ops returns the operation log in append order.
func (b *Buffer) Ops() []Op {
	return b.ops
}

// Len returns the number of buffered operations.
func (b *Buffer) Len() int {
	return len(b.ops)
}

// Empty reports whether the buffer holds no operations.
func (b *Buffer) Empty() bool {
	return len(b.ops) == 0
}
