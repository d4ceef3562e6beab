// Package entity provides generational entity identities and their allocator.
//
// Allocation is single-writer by discipline: only the merge and apply step
// (and host-side operations outside a tick) call Allocate and Deallocate.
// The allocator still guards its tables with a mutex so liveness checks from
// running activations never race with an apply.
package entity

import (
	"fmt"
	"sync"

	"github.com/extensivelabs/agentecs/internal/errs"
)

// Allocator issues and recycles entity ids for one shard.
type Allocator struct {
	mu    sync.Mutex
	shard uint16

	// next is the next never-issued index.
	next uint32

	// generations holds the current generation of every issued index,
	// offset by ReservedCount.
	generations []uint32

	// dead marks issued indices currently on the free list.
	dead []bool

	// free is a LIFO stack of recyclable indices.
	free []uint32
}

// State is the serializable form of an allocator.
type State struct {
	Shard       uint16   `json:"shard"`
	Next        uint32   `json:"next"`
	Generations []uint32 `json:"generations"`
	Free        []uint32 `json:"free"`
}

// NewAllocator creates an allocator for the given shard. The first
// ReservedCount indices are never issued.
func NewAllocator(shard uint16) *Allocator {
	return &Allocator{
		shard: shard,
		next:  ReservedCount,
	}
}

// Shard returns the shard this allocator issues ids for.
func (a *Allocator) Shard() uint16 {
	return a.shard
}

// Allocate returns a fresh id, reusing a freed index when one is available.
// A reused index comes back with its generation bumped by one; a new index
// starts at generation 0.
func (a *Allocator) Allocate() ID {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		index := a.free[n-1]
		a.free = a.free[:n-1]
		slot := index - ReservedCount
		a.generations[slot]++
		a.dead[slot] = false
		return ID{Shard: a.shard, Index: index, Generation: a.generations[slot]}
	}

	index := a.next
	a.next++
	a.generations = append(a.generations, 0)
	a.dead = append(a.dead, false)
	return ID{Shard: a.shard, Index: index, Generation: 0}
}

// Deallocate releases a live id. Its index goes on the free list; the stored
// generation is bumped at the next Allocate of that index.
func (a *Allocator) Deallocate(id ID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id.IsReserved() {
		return errs.InvalidEntity(id.String(), "reserved entities cannot be deallocated")
	}
	if err := a.check(id); err != nil {
		return err
	}
	slot := id.Index - ReservedCount
	a.dead[slot] = true
	a.free = append(a.free, id.Index)
	return nil
}

// IsAlive reports whether id is currently live. Unknown ids are not alive.
func (a *Allocator) IsAlive(id ID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.check(id) == nil
}

// Check returns an InvalidEntity error describing why id is not live, or nil.
func (a *Allocator) Check(id ID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.check(id)
}

// Generation returns the current generation recorded for index.
func (a *Allocator) Generation(index uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if index < ReservedCount {
		return 0, nil
	}
	if index >= a.next {
		return 0, errs.InvalidEntity(fmt.Sprintf("%d:%d:?", a.shard, index), "index never issued")
	}
	return a.generations[index-ReservedCount], nil
}

func (a *Allocator) check(id ID) error {
	switch {
	case id.IsPlaceholder():
		return errs.InvalidEntity(id.String(), "placeholder has not been applied")
	case id.IsReserved():
		// Reserved entities exist on shard 0 whatever shard allocates.
		if id.Shard != 0 {
			return errs.InvalidEntity(id.String(), "reserved entities live on shard 0")
		}
		if id.Generation != 0 {
			return errs.InvalidEntity(id.String(), "reserved entities have generation 0")
		}
		return nil
	case id.Shard != a.shard:
		return errs.InvalidEntity(id.String(), fmt.Sprintf("entity belongs to shard %d, allocator serves %d", id.Shard, a.shard))
	case id.Index >= a.next:
		return errs.InvalidEntity(id.String(), "index never issued")
	}

	slot := id.Index - ReservedCount
	if a.generations[slot] != id.Generation {
		return errs.InvalidEntity(id.String(), "stale generation")
	}
	if a.dead[slot] {
		return errs.InvalidEntity(id.String(), "entity was destroyed")
	}
	return nil
}

// State exports a copy of the allocator tables.
func (a *Allocator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return State{
		Shard:       a.shard,
		Next:        a.next,
		Generations: append([]uint32(nil), a.generations...),
		Free:        append([]uint32(nil), a.free...),
	}
}

// Restore replaces the allocator tables with s.
func (a *Allocator) Restore(s State) error {
	if s.Next < ReservedCount {
		return fmt.Errorf("restore allocator: next index %d below reserved range", s.Next)
	}
	if int(s.Next-ReservedCount) != len(s.Generations) {
		return fmt.Errorf("restore allocator: %d generations for %d issued indices",
			len(s.Generations), s.Next-ReservedCount)
	}
	dead := make([]bool, len(s.Generations))
	for _, index := range s.Free {
		if index < ReservedCount || index >= s.Next {
			return fmt.Errorf("restore allocator: free index %d out of range", index)
		}
		dead[index-ReservedCount] = true
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.shard = s.Shard
	a.next = s.Next
	a.generations = append([]uint32(nil), s.Generations...)
	a.dead = dead
	a.free = append([]uint32(nil), s.Free...)
	return nil
}
