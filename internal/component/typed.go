package component

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/extensivelabs/agentecs/internal/errs"
)

// Option configures the registration of a Go component type.
type Option[T any] func(*options[T])

type options[T any] struct {
	name    string
	combine func(a, b T) T
	split   func(v T, ratio float64) (T, T)
	reduce  func(values []T) T
	clone   func(v T) T
}

// WithName overrides the registered name (default: the Go type string).
func WithName[T any](name string) Option[T] {
	return func(o *options[T]) { o.name = name }
}

// WithCombine supplies a combine capability for a type that does not
// implement Combiner, or overrides the one it does implement.
func WithCombine[T any](fn func(a, b T) T) Option[T] {
	return func(o *options[T]) { o.combine = fn }
}

// WithSplit supplies a split capability.
func WithSplit[T any](fn func(v T, ratio float64) (T, T)) Option[T] {
	return func(o *options[T]) { o.split = fn }
}

// WithReduce supplies a dedicated n-ary reduction.
func WithReduce[T any](fn func(values []T) T) Option[T] {
	return func(o *options[T]) { o.reduce = fn }
}

// WithClone supplies a deep copy function for a type holding references.
func WithClone[T any](fn func(v T) T) Option[T] {
	return func(o *options[T]) { o.clone = fn }
}

// Register adds T to the registry and fills its capability entry.
//
// Capabilities are resolved here, once: the Combiner, Splitter, Reducer and
// Cloner interfaces are checked on both T and *T, and options take
// precedence over interface implementations. Types that hold references must
// provide a clone, otherwise reads could alias stored values.
//
// Register is idempotent per Go type.
func Register[T any](r *Registry, opts ...Option[T]) (TypeID, error) {
	o := &options[T]{}
	for _, opt := range opts {
		opt(o)
	}

	goType := reflect.TypeFor[T]()
	name := o.name
	if name == "" {
		name = goType.String()
	}

	combine := o.combine
	if combine == nil {
		combine = resolveCombine[T]()
	}
	split := o.split
	if split == nil {
		split = resolveSplit[T]()
	}
	reduce := o.reduce
	if reduce == nil {
		reduce = resolveReduce[T]()
	}
	clone := o.clone
	if clone == nil {
		clone = resolveClone[T]()
	}
	if clone == nil && hasReferences(goType, map[reflect.Type]bool{}) {
		return 0, errs.InvalidType(name, "type holds references and provides no clone")
	}

	info := &Info{
		Name:   name,
		GoType: goType,
		check: func(v any) error {
			if _, ok := v.(T); !ok {
				return errs.InvalidType(name, fmt.Sprintf("value of type %T", v))
			}
			return nil
		},
		decode: func(data []byte) (any, error) {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	if combine != nil {
		info.caps.Combine = func(a, b any) any { return combine(a.(T), b.(T)) }
	}
	if split != nil {
		info.caps.Split = func(v any, ratio float64) (any, any) {
			x, y := split(v.(T), ratio)
			return x, y
		}
	}
	if reduce != nil {
		info.caps.Reduce = func(values []any) any {
			typed := make([]T, len(values))
			for i, v := range values {
				typed[i] = v.(T)
			}
			return reduce(typed)
		}
	}
	if clone != nil {
		info.caps.Clone = func(v any) any { return clone(v.(T)) }
	}

	return r.add(info)
}

// TypeOf returns the TypeID registered for T.
func TypeOf[T any](r *Registry) (TypeID, error) {
	goType := reflect.TypeFor[T]()
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.byType[goType]
	if !ok {
		return 0, errs.InvalidType(goType.String(), "go type not registered")
	}
	return info.ID, nil
}

// MustTypeOf is like TypeOf but panics if T is not registered.
func MustTypeOf[T any](r *Registry) TypeID {
	id, err := TypeOf[T](r)
	if err != nil {
		panic(err)
	}
	return id
}

func resolveCombine[T any]() func(a, b T) T {
	var zero T
	if _, ok := any(zero).(Combiner[T]); ok {
		return func(a, b T) T { return any(a).(Combiner[T]).Combine(b) }
	}
	if _, ok := any(&zero).(Combiner[T]); ok {
		return func(a, b T) T { return any(&a).(Combiner[T]).Combine(b) }
	}
	return nil
}

func resolveSplit[T any]() func(v T, ratio float64) (T, T) {
	var zero T
	if _, ok := any(zero).(Splitter[T]); ok {
		return func(v T, ratio float64) (T, T) { return any(v).(Splitter[T]).Split(ratio) }
	}
	if _, ok := any(&zero).(Splitter[T]); ok {
		return func(v T, ratio float64) (T, T) { return any(&v).(Splitter[T]).Split(ratio) }
	}
	return nil
}

func resolveReduce[T any]() func(values []T) T {
	var zero T
	if _, ok := any(zero).(Reducer[T]); ok {
		return func(values []T) T { return any(values[0]).(Reducer[T]).Reduce(values[1:]) }
	}
	if _, ok := any(&zero).(Reducer[T]); ok {
		return func(values []T) T {
			first := values[0]
			return any(&first).(Reducer[T]).Reduce(values[1:])
		}
	}
	return nil
}

func resolveClone[T any]() func(v T) T {
	var zero T
	if _, ok := any(zero).(Cloner[T]); ok {
		return func(v T) T { return any(v).(Cloner[T]).Clone() }
	}
	if _, ok := any(&zero).(Cloner[T]); ok {
		return func(v T) T { return any(&v).(Cloner[T]).Clone() }
	}
	return nil
}

// hasReferences reports whether values of t can share memory when copied.
func hasReferences(t reflect.Type, seen map[reflect.Type]bool) bool {
	if seen[t] {
		return false
	}
	seen[t] = true

	switch t.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan,
		reflect.Func, reflect.Interface, reflect.UnsafePointer:
		return true
	case reflect.Array:
		return hasReferences(t.Elem(), seen)
	case reflect.Struct:
		for i := range t.NumField() {
			if hasReferences(t.Field(i).Type, seen) {
				return true
			}
		}
	}
	return false
}
