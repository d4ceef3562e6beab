// Package errs defines the error taxonomy shared by every layer of the engine.
//
// All classified errors are *Error values carrying a Code. Callers test for a
// category with the Is* helpers, which use errors.As so wrapped errors still
// classify correctly.
package errs

import (
	"errors"
	"fmt"
)

// Code categorizes engine errors.
type Code string

const (
	// CodeInvalidEntity indicates a stale or never-issued entity id.
	CodeInvalidEntity Code = "INVALID_ENTITY"

	// CodeAccessViolation indicates access to a component type outside the
	// declared rights of a system.
	CodeAccessViolation Code = "ACCESS_VIOLATION"

	// CodeNotCombinable indicates a combine was required but the type has no
	// combine capability and the fallback policy demands failure.
	CodeNotCombinable Code = "NOT_COMBINABLE"

	// CodeNotSplittable is the split counterpart of CodeNotCombinable.
	CodeNotSplittable Code = "NOT_SPLITTABLE"

	// CodeConflict indicates a write-write overlap under a fail-fast merge strategy.
	CodeConflict Code = "CONFLICT"

	// CodeTransientActivation marks a retryable activation failure.
	CodeTransientActivation Code = "TRANSIENT_ACTIVATION"

	// CodeFatalActivation marks an activation failure that is never retried.
	CodeFatalActivation Code = "FATAL_ACTIVATION"

	// CodeInvalidType indicates a component type that cannot be registered or
	// was never registered.
	CodeInvalidType Code = "INVALID_TYPE"
)

// Error is a classified engine error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Entity is the affected entity, rendered as shard:index:generation.
	Entity string

	// Type is the affected component type name.
	Type string

	// System is the name of the system whose activation raised the error.
	System string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Entity != "" {
		msg += fmt.Sprintf(" (entity=%s)", e.Entity)
	}
	if e.Type != "" {
		msg += fmt.Sprintf(" (type=%s)", e.Type)
	}
	if e.System != "" {
		msg += fmt.Sprintf(" (system=%s)", e.System)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" if
// err is not classified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasCode(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsInvalidEntity reports whether err is an InvalidEntity error.
func IsInvalidEntity(err error) bool { return hasCode(err, CodeInvalidEntity) }

// IsAccessViolation reports whether err is an AccessViolation error.
func IsAccessViolation(err error) bool { return hasCode(err, CodeAccessViolation) }

// IsNotCombinable reports whether err is a NotCombinable error.
func IsNotCombinable(err error) bool { return hasCode(err, CodeNotCombinable) }

// IsNotSplittable reports whether err is a NotSplittable error.
func IsNotSplittable(err error) bool { return hasCode(err, CodeNotSplittable) }

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool { return hasCode(err, CodeConflict) }

// IsInvalidType reports whether err is an InvalidType error.
func IsInvalidType(err error) bool { return hasCode(err, CodeInvalidType) }

// IsFatal reports whether err was explicitly marked fatal.
func IsFatal(err error) bool { return hasCode(err, CodeFatalActivation) }

// IsTransient reports whether err was marked transient and not later marked
// fatal by an outer wrapper.
func IsTransient(err error) bool {
	if CodeOf(err) == CodeFatalActivation {
		return false
	}
	return hasCode(err, CodeTransientActivation)
}

// InvalidEntity creates an InvalidEntity error for the given entity string.
func InvalidEntity(entity, message string) *Error {
	return &Error{Code: CodeInvalidEntity, Message: message, Entity: entity}
}

// AccessViolation creates an AccessViolation error.
func AccessViolation(typeName, message string) *Error {
	return &Error{Code: CodeAccessViolation, Message: message, Type: typeName}
}

// NotCombinable creates a NotCombinable error.
func NotCombinable(typeName string) *Error {
	return &Error{
		Code:    CodeNotCombinable,
		Message: "type has no combine or reduce capability",
		Type:    typeName,
	}
}

// NotSplittable creates a NotSplittable error.
func NotSplittable(typeName string) *Error {
	return &Error{
		Code:    CodeNotSplittable,
		Message: "type has no split capability",
		Type:    typeName,
	}
}

// Conflict creates a ConflictError for a write-write overlap on one slot.
func Conflict(entity, typeName, first, second string) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: fmt.Sprintf("write-write conflict between %q and %q", first, second),
		Entity:  entity,
		Type:    typeName,
	}
}

// InvalidType creates an InvalidType error.
func InvalidType(typeName, message string) *Error {
	return &Error{Code: CodeInvalidType, Message: message, Type: typeName}
}

// Transient marks err as a retryable activation failure.
// Returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeTransientActivation, Message: "transient activation failure", Err: err}
}

// Fatal marks err as an activation failure that must not be retried.
// Returns nil if err is nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeFatalActivation, Message: "fatal activation failure", Err: err}
}

// WithSystem returns a copy of err annotated with the system name when err is
// an *Error, or wraps it in a FatalActivationFailure otherwise.
func WithSystem(err error, system string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.System = system
		return &cp
	}
	return &Error{Code: CodeFatalActivation, Message: "activation failed", System: system, Err: err}
}
