package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/extensivelabs/agentecs/internal/canon"
)

// GoldenDir is where golden files live, relative to the test's package.
const GoldenDir = "testdata/golden"

// Snapshot is the golden form of a run: tick summaries and the final state.
// The state hash is left out so that a golden file stays readable when a
// value changes.
type Snapshot struct {
	Scenario string        `json:"scenario"`
	Ticks    []TickSummary `json:"ticks"`
	State    State         `json:"state"`
}

// Canonical renders the golden snapshot of result as canonical JSON.
func Canonical(name string, result *Result) ([]byte, error) {
	return canon.Normalize(Snapshot{
		Scenario: name,
		Ticks:    result.Ticks,
		State:    result.State,
	})
}

// RunWithGolden runs scenario and compares its snapshot with
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := Canonical(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
