// Package testutil provides shared fixtures for tests across packages.
package testutil

import (
	"testing"

	"github.com/extensivelabs/agentecs/internal/component"
)

// Credits is a numeric component that sums on combine and splits by ratio.
type Credits struct {
	Amount float64 `json:"amount"`
}

// Combine adds other to c.
func (c Credits) Combine(other Credits) Credits {
	return Credits{Amount: c.Amount + other.Amount}
}

// Split gives ratio of the amount to the first result and the rest to the second.
func (c Credits) Split(ratio float64) (Credits, Credits) {
	first := c.Amount * ratio
	return Credits{Amount: first}, Credits{Amount: c.Amount - first}
}

// Trail records visited steps. Its combine concatenates, so the order in
// which writes are combined is visible in the result.
type Trail struct {
	Steps string `json:"steps"`
}

// Combine appends other's steps after t's.
func (t Trail) Combine(other Trail) Trail {
	return Trail{Steps: t.Steps + other.Steps}
}

// Position has no capabilities: concurrent writes resolve last-writer-wins.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Tags holds a slice and therefore provides a deep copy.
type Tags struct {
	Values []string `json:"values"`
}

// Clone copies the underlying slice.
func (t Tags) Clone() Tags {
	return Tags{Values: append([]string(nil), t.Values...)}
}

// Types holds the ids of the fixture components in one registry.
type Types struct {
	Credits  component.TypeID
	Trail    component.TypeID
	Position component.TypeID
	Tags     component.TypeID
}

// NewRegistry returns a fresh registry with every fixture type registered.
func NewRegistry(t testing.TB) (*component.Registry, Types) {
	t.Helper()

	reg := component.NewRegistry()
	var types Types
	var err error

	if types.Credits, err = component.Register[Credits](reg, component.WithName[Credits]("Credits")); err != nil {
		t.Fatalf("register Credits: %v", err)
	}
	if types.Trail, err = component.Register[Trail](reg, component.WithName[Trail]("Trail")); err != nil {
		t.Fatalf("register Trail: %v", err)
	}
	if types.Position, err = component.Register[Position](reg, component.WithName[Position]("Position")); err != nil {
		t.Fatalf("register Position: %v", err)
	}
	if types.Tags, err = component.Register[Tags](reg, component.WithName[Tags]("Tags")); err != nil {
		t.Fatalf("register Tags: %v", err)
	}
	return reg, types
}
