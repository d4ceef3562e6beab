package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
)

var target = entity.ID{Index: entity.ReservedCount}

func TestBuffer_LogIsAppendOnly(t *testing.T) {
	b := New("sys")
	b.Insert(target, 1, "a")
	b.Update(target, 1, "b")
	b.Remove(target, 2)
	ph := b.Spawn([]component.Value{{Type: 1, Data: "c"}})
	b.Destroy(target)

	kinds := make([]OpKind, 0, b.Len())
	for _, op := range b.Ops() {
		kinds = append(kinds, op.Kind)
	}
	assert.Equal(t, []OpKind{OpInsert, OpUpdate, OpRemove, OpSpawn, OpDestroy}, kinds)
	assert.Equal(t, ph, b.Ops()[3].Entity)
	assert.False(t, b.Empty())
}

func TestBuffer_Overlay(t *testing.T) {
	b := New("sys")

	_, st := b.Lookup(target, 1)
	assert.Equal(t, SlotUnknown, st)

	b.Update(target, 1, 10)
	v, st := b.Lookup(target, 1)
	assert.Equal(t, SlotStaged, st)
	assert.Equal(t, 10, v)

	b.Remove(target, 1)
	_, st = b.Lookup(target, 1)
	assert.Equal(t, SlotRemoved, st)

	b.Insert(target, 1, 11)
	v, st = b.Lookup(target, 1)
	assert.Equal(t, SlotStaged, st)
	assert.Equal(t, 11, v)
}

func TestBuffer_DestroyHidesEverything(t *testing.T) {
	b := New("sys")
	b.Update(target, 1, 10)
	b.Destroy(target)

	_, st := b.Lookup(target, 1)
	assert.Equal(t, SlotRemoved, st)
	_, st = b.Lookup(target, 7)
	assert.Equal(t, SlotRemoved, st)
	assert.True(t, b.IsDestroyed(target))
	assert.Empty(t, b.TouchedEntities())
}

func TestBuffer_SpawnPlaceholders(t *testing.T) {
	b := New("sys")
	first := b.Spawn(nil)
	second := b.Spawn([]component.Value{{Type: 3, Data: 1.5}})

	assert.True(t, first.IsPlaceholder())
	assert.NotEqual(t, first, second)
	assert.True(t, b.Owns(first))
	assert.True(t, b.Owns(second))
	assert.False(t, b.Owns(entity.Placeholder(5)))
	assert.False(t, b.Owns(target))
	assert.Equal(t, []entity.ID{first, second}, b.Spawned())

	v, st := b.Lookup(second, 3)
	require.Equal(t, SlotStaged, st)
	assert.Equal(t, 1.5, v)
}

func TestBuffer_TouchedTypes(t *testing.T) {
	b := New("sys")
	b.Insert(target, 4, "x")
	b.Update(target, 2, "y")
	b.Remove(target, 3)

	staged, removed := b.TouchedTypes(target)
	assert.Equal(t, []component.TypeID{2, 4}, staged)
	assert.Equal(t, []component.TypeID{3}, removed)
	assert.Equal(t, []entity.ID{target}, b.TouchedEntities())
}

func TestOpKind_String(t *testing.T) {
	assert.Equal(t, "spawn", OpSpawn.String())
	assert.Equal(t, "op(99)", OpKind(99).String())
}
