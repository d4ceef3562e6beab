// Package component holds the explicit type registry and the capability table
// consulted by the merge engine and the combine/split operations.
//
// A Registry is constructed once by the host and passed to storage, the
// scheduler and the merge engine. There is no process-wide registry, so every
// test can build a fresh one.
package component

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/extensivelabs/agentecs/internal/canon"
	"github.com/extensivelabs/agentecs/internal/errs"
)

// TypeID is the dense, registration-ordered identity of a component type
// within one registry.
type TypeID uint32

// Info describes one registered component type.
type Info struct {
	// ID is the dense identity within the registry.
	ID TypeID

	// Name is the display and serialization name.
	Name string

	// Key is a stable fingerprint of the qualified type name.
	Key string

	// GoType is nil for dynamic types.
	GoType reflect.Type

	caps   Capabilities
	decode func(data []byte) (any, error)
	check  func(v any) error
}

// CanCombine reports whether the type has a combine capability.
func (i *Info) CanCombine() bool { return i.caps.Combine != nil }

// CanSplit reports whether the type has a split capability.
func (i *Info) CanSplit() bool { return i.caps.Split != nil }

// CanReduce reports whether the type has a dedicated n-ary reduction.
func (i *Info) CanReduce() bool { return i.caps.Reduce != nil }

// Combine resolves two values in order. Fails with NotCombinable if the
// type has no combine capability.
func (i *Info) Combine(a, b any) (any, error) {
	if i.caps.Combine == nil {
		return nil, errs.NotCombinable(i.Name)
	}
	return i.caps.Combine(a, b), nil
}

// Split divides v. Fails with NotSplittable if the type has no split capability.
func (i *Info) Split(v any, ratio float64) (any, any, error) {
	if i.caps.Split == nil {
		return nil, nil, errs.NotSplittable(i.Name)
	}
	a, b := i.caps.Split(v, ratio)
	return a, b, nil
}

// Reduce folds values with the dedicated reduction when present, otherwise
// pairwise with Combine in list order.
func (i *Info) Reduce(values []any) (any, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("reduce %s: no values", i.Name)
	}
	if i.caps.Reduce != nil {
		return i.caps.Reduce(values), nil
	}
	if i.caps.Combine == nil {
		return nil, errs.NotCombinable(i.Name)
	}
	acc := values[0]
	for _, v := range values[1:] {
		acc = i.caps.Combine(acc, v)
	}
	return acc, nil
}

// Clone returns an independent copy of v.
func (i *Info) Clone(v any) any {
	if i.caps.Clone == nil {
		return v
	}
	return i.caps.Clone(v)
}

// Check verifies that v is a value of this type.
func (i *Info) Check(v any) error {
	return i.check(v)
}

// Encode serializes v as JSON.
func (i *Info) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", i.Name, err)
	}
	return data, nil
}

// Decode deserializes a value of this type.
func (i *Info) Decode(data []byte) (any, error) {
	v, err := i.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", i.Name, err)
	}
	return v, nil
}

// Registry maps component types to their identity and capability entry.
//
// Registration normally happens once at startup; lookups are safe for
// concurrent use by running activations.
type Registry struct {
	mu     sync.RWMutex
	types  []*Info
	byName map[string]*Info
	byType map[reflect.Type]*Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Info),
		byType: make(map[reflect.Type]*Info),
	}
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id TypeID) (*Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if int(id) >= len(r.types) {
		return nil, errs.InvalidType(fmt.Sprintf("#%d", id), "type id not registered")
	}
	return r.types[id], nil
}

// MustLookup is like Lookup but panics on an unknown id.
// Use only where the id came from this registry.
func (r *Registry) MustLookup(id TypeID) *Info {
	info, err := r.Lookup(id)
	if err != nil {
		panic(err)
	}
	return info
}

// ByName returns the entry registered under name.
func (r *Registry) ByName(name string) (*Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.byName[name]
	if !ok {
		return nil, errs.InvalidType(name, "type name not registered")
	}
	return info, nil
}

// TypeOfValue resolves the registered type of a Go value. Dynamic types
// cannot be resolved this way; wrap them in a Value instead.
func (r *Registry) TypeOfValue(v any) (TypeID, error) {
	if cv, ok := v.(Value); ok {
		if _, err := r.Lookup(cv.Type); err != nil {
			return 0, err
		}
		return cv.Type, nil
	}
	t := reflect.TypeOf(v)
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.byType[t]
	if !ok {
		return 0, errs.InvalidType(fmt.Sprint(t), "go type not registered")
	}
	return info.ID, nil
}

// Types returns all entries in registration order.
func (r *Registry) Types() []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Info(nil), r.types...)
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

func (r *Registry) add(info *Info) (TypeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[info.Name]; ok {
		if info.GoType != nil && existing.GoType == info.GoType {
			return existing.ID, nil
		}
		return 0, errs.InvalidType(info.Name, "name already registered")
	}
	if info.GoType != nil {
		if existing, ok := r.byType[info.GoType]; ok {
			return existing.ID, nil
		}
	}

	info.ID = TypeID(len(r.types))
	info.Key = canon.Fingerprint(canon.DomainType, []byte(qualifiedName(info)))
	r.types = append(r.types, info)
	r.byName[info.Name] = info
	if info.GoType != nil {
		r.byType[info.GoType] = info
	}
	return info.ID, nil
}

func qualifiedName(info *Info) string {
	if info.GoType == nil {
		return "dynamic:" + info.Name
	}
	return info.GoType.PkgPath() + "." + info.GoType.String()
}

// Value pairs a component value with its type. Spawn and result helpers
// accept Values where the type cannot be inferred from the Go value.
type Value struct {
	Type TypeID
	Data any
}
