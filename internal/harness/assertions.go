package harness

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/extensivelabs/agentecs/internal/canon"
)

// ExpectationError describes one expectation that did not hold.
type ExpectationError struct {
	Kind     string // effect, alive or value
	Subject  string // tick number, label or label.component
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *ExpectationError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Expectation failed: %s %s\n", e.Kind, e.Subject)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// Evaluate checks expect against the run and returns one message per failed
// expectation, in a stable order.
func (h *Harness) Evaluate(result *Result, expect Expectations) []string {
	var failures []string
	fail := func(err error) {
		if err != nil {
			failures = append(failures, err.Error())
		}
	}

	for i, want := range expect.Effects {
		fail(checkEffect(result, i, want))
	}

	for _, label := range sortedKeys(expect.Alive) {
		fail(h.checkAlive(label, expect.Alive[label]))
	}

	for _, label := range sortedKeys(expect.Values) {
		values := expect.Values[label]
		for _, name := range sortedKeys(values) {
			fail(checkValue(result.State, label, name, values[name]))
		}
	}
	return failures
}

func checkEffect(result *Result, i int, want string) error {
	actual := "no tick"
	if i < len(result.Ticks) {
		actual = result.Ticks[i].Effect
		if actual == want {
			return nil
		}
		if msg := result.Ticks[i].Error; msg != "" {
			actual += " (" + msg + ")"
		}
	}
	return &ExpectationError{
		Kind:     "effect",
		Subject:  fmt.Sprintf("tick %d", i+1),
		Expected: want,
		Actual:   actual,
	}
}

func (h *Harness) checkAlive(label string, want bool) error {
	id, ok := h.labels[label]
	if !ok {
		return &ExpectationError{Kind: "alive", Subject: label, Expected: "known label", Actual: "unknown label"}
	}
	if got := h.world.Exists(id); got != want {
		return &ExpectationError{
			Kind:     "alive",
			Subject:  label,
			Expected: fmt.Sprintf("%t", want),
			Actual:   fmt.Sprintf("%t", got),
		}
	}
	return nil
}

// checkValue compares canonical JSON, so 150 and 150.0 are the same value.
func checkValue(state State, label, name string, want any) error {
	subject := label + "." + name
	expected, err := canon.Normalize(want)
	if err != nil {
		return fmt.Errorf("expectation %s: %w", subject, err)
	}

	components, ok := state[label]
	if !ok {
		return &ExpectationError{Kind: "value", Subject: subject, Expected: string(expected), Actual: "entity not alive"}
	}
	raw, ok := components[name]
	if !ok {
		return &ExpectationError{Kind: "value", Subject: subject, Expected: string(expected), Actual: "component missing"}
	}
	actual, err := canon.FromJSON(raw)
	if err != nil {
		return fmt.Errorf("expectation %s: %w", subject, err)
	}
	if !bytes.Equal(expected, actual) {
		return &ExpectationError{Kind: "value", Subject: subject, Expected: string(expected), Actual: string(actual)}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
