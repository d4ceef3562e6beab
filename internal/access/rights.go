package access

import (
	"maps"
	"slices"

	"github.com/extensivelabs/agentecs/internal/component"
)

// TypeSet is a set of component types, or the distinguished set of all types.
type TypeSet struct {
	all   bool
	types map[component.TypeID]struct{}
}

// AllTypes returns the set containing every type.
func AllTypes() TypeSet {
	return TypeSet{all: true}
}

// Types returns the set of the given types.
func Types(ts ...component.TypeID) TypeSet {
	set := TypeSet{types: make(map[component.TypeID]struct{}, len(ts))}
	for _, t := range ts {
		set.types[t] = struct{}{}
	}
	return set
}

// Contains reports whether t is in the set.
func (s TypeSet) Contains(t component.TypeID) bool {
	if s.all {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// IsAll reports whether the set is the set of all types.
func (s TypeSet) IsAll() bool {
	return s.all
}

// List returns the explicit members in ascending order. It is nil for AllTypes.
func (s TypeSet) List() []component.TypeID {
	if s.all {
		return nil
	}
	out := slices.Collect(maps.Keys(s.types))
	slices.Sort(out)
	return out
}

// Union returns the union of s and other.
func (s TypeSet) Union(other TypeSet) TypeSet {
	if s.all || other.all {
		return AllTypes()
	}
	out := Types(s.List()...)
	for t := range other.types {
		out.types[t] = struct{}{}
	}
	return out
}

// Overlaps reports whether the two sets share a type.
func (s TypeSet) Overlaps(other TypeSet) bool {
	if s.all {
		return other.all || len(other.types) > 0
	}
	if other.all {
		return len(s.types) > 0
	}
	for t := range s.types {
		if _, ok := other.types[t]; ok {
			return true
		}
	}
	return false
}

// Rights are the declared access rights of a system. Writing implies reading.
// Dev rights bypass every check.
type Rights struct {
	Reads  TypeSet
	Writes TypeSet
	Dev    bool
}

// CanRead reports whether t may be read.
func (r Rights) CanRead(t component.TypeID) bool {
	return r.Dev || r.Reads.Contains(t) || r.Writes.Contains(t)
}

// CanWrite reports whether t may be written, removed or spawned.
func (r Rights) CanWrite(t component.TypeID) bool {
	return r.Dev || r.Writes.Contains(t)
}

// Readable returns every type that may be read.
func (r Rights) Readable() TypeSet {
	if r.Dev {
		return AllTypes()
	}
	return r.Reads.Union(r.Writes)
}
