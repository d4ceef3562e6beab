package access

import (
	"fmt"

	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
	"github.com/extensivelabs/agentecs/internal/errs"
)

// Get reads the T component of id.
func Get[T any](r Reader, id entity.ID) (T, bool, error) {
	var zero T
	t, err := component.TypeOf[T](r.Registry())
	if err != nil {
		return zero, false, err
	}
	v, ok, err := r.Read(id, t)
	if err != nil || !ok {
		return zero, ok, err
	}
	typed, isT := v.(T)
	if !isT {
		return zero, false, errs.InvalidType(fmt.Sprintf("%T", zero), fmt.Sprintf("stored value has type %T", v))
	}
	return typed, true, nil
}

// Set writes v as the T component of id.
func Set[T any](a *Scoped, id entity.ID, v T) error {
	t, err := component.TypeOf[T](a.Registry())
	if err != nil {
		return err
	}
	return a.Write(id, t, v)
}

// Remove removes the T component of id.
func Remove[T any](a *Scoped, id entity.ID) error {
	t, err := component.TypeOf[T](a.Registry())
	if err != nil {
		return err
	}
	return a.Remove(id, t)
}

// Singleton reads the T component of the world entity.
func Singleton[T any](r Reader) (T, bool, error) {
	return Get[T](r, entity.World)
}

// SetSingleton writes v as the T component of the world entity.
func SetSingleton[T any](a *Scoped, v T) error {
	return Set(a, entity.World, v)
}
