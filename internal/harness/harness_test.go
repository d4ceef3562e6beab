package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extensivelabs/agentecs/internal/config"
	"github.com/extensivelabs/agentecs/internal/history"
	"github.com/extensivelabs/agentecs/internal/ops"
	"github.com/extensivelabs/agentecs/internal/scheduler"
)

func loadEconomy(t *testing.T) *Scenario {
	t.Helper()
	s, err := LoadScenario("testdata/scenarios/economy.yaml")
	require.NoError(t, err)
	return s
}

func TestRun_Economy(t *testing.T) {
	result, err := Run(context.Background(), loadEconomy(t))
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Ticks, 2)
	assert.Equal(t, "full", result.Ticks[1].Effect)
	assert.Equal(t, 3, result.Ticks[0].Groups)
	assert.NotContains(t, result.State, "bob")
	assert.JSONEq(t, `120`, string(result.State["alice"]["credits"]))
	assert.Len(t, result.StateHash, 64)
}

func TestRun_FailedExpectation(t *testing.T) {
	s := loadEconomy(t)
	s.Expect.Values["alice"]["credits"] = 999
	s.Expect.Alive["bob"] = true

	result, err := Run(context.Background(), s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "alive bob")
	assert.Contains(t, result.Errors[1], "value alice.credits")
	assert.Contains(t, result.Errors[1], "Expected: 999")
	assert.Contains(t, result.Errors[1], "Actual: 120")
}

func TestRun_FatalFailureAbortsTick(t *testing.T) {
	s, err := ParseYAML([]byte(`
name: fatal
description: "a broken script aborts the only group"
components:
  - name: credits
entities:
  - label: alice
    values: { credits: 1 }
systems:
  - name: payday
    writes: [credits]
    script: "function update(e) return { credits = 2 } end"
  - name: broken
    writes: [credits]
    script: "function update(e) return e.nothing.here end"
ticks: 1
expect:
  effects: [none]
  values:
    alice: { credits: 1 }
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Ticks, 1)
	assert.Equal(t, []string{"broken"}, result.Ticks[0].Failed)
	assert.Contains(t, result.Ticks[0].Error, "broken")
}

func TestRun_SkipOnExhausted(t *testing.T) {
	s, err := ParseYAML([]byte(`
name: skip
description: "a system that never recovers is skipped"
config: |
  [scheduler.retry]
  max_attempts = 2
  on_exhausted = "skip"
components:
  - name: credits
    combine: sum
entities:
  - label: alice
    values: { credits: 1 }
systems:
  - name: flaky
    writes: [credits]
    transient_failures: 5
    script: "function update(e) return { credits = 100 } end"
  - name: steady
    writes: [credits]
    script: "function update(e) return { credits = e.credits + 1 } end"
ticks: 1
expect:
  effects: [full]
  values:
    alice: { credits: 2 }
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []string{"flaky"}, result.Ticks[0].Skipped)
	assert.Equal(t, []string{"flaky"}, result.Ticks[0].Retried)
}

func TestRun_Options(t *testing.T) {
	s := loadEconomy(t)
	h := history.NewMemory(16)
	defer h.Close()

	var observed []uint64
	cfg := config.Defaults()
	result, err := Run(context.Background(), s,
		WithConfig(cfg),
		WithTicks(1),
		WithHistory(h),
		WithTickObserver(func(r *scheduler.TickReport) { observed = append(observed, r.Tick) }),
	)
	require.NoError(t, err)

	assert.Equal(t, []uint64{1}, observed)
	require.Len(t, result.Ticks, 1)
	// The default builder runs all three systems in one group.
	assert.Equal(t, 1, result.Ticks[0].Groups)

	runs, err := h.Runs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"economy"}, runs)

	rec, err := h.GetTick(context.Background(), "economy", 1)
	require.NoError(t, err)
	assert.Equal(t, "economy", rec.Metadata["scenario"])
	assert.Equal(t, result.StateHash, rec.StateHash)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, loadEconomy(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSetup_Errors(t *testing.T) {
	s := loadEconomy(t)
	s.Systems[0].Script = "function update(e"
	_, err := Setup(context.Background(), s)
	assert.ErrorContains(t, err, "script bankrupt")

	s = loadEconomy(t)
	s.Entities[1].Values["credits"] = "lots"
	_, err = Setup(context.Background(), s)
	assert.ErrorContains(t, err, "entity bob")
}

func TestSetup_SplitUsesComponentModes(t *testing.T) {
	ctx := context.Background()
	h, err := Setup(ctx, loadEconomy(t))
	require.NoError(t, err)

	alice, ok := h.Entity("alice")
	require.True(t, ok)
	first, second, err := h.World().SplitEntity(ctx, alice, ops.WithRatio(0.25))
	require.NoError(t, err)

	state, err := h.State()
	require.NoError(t, err)
	assert.NotContains(t, state, "alice")
	assert.Equal(t, map[string]json.RawMessage{
		"credits": json.RawMessage(`25`),
		"title":   json.RawMessage(`"founder"`),
	}, state[first.String()])
	assert.Equal(t, map[string]json.RawMessage{
		"credits": json.RawMessage(`75`),
		"title":   json.RawMessage(`"founder"`),
	}, state[second.String()])
}

func TestDynamicFor(t *testing.T) {
	sum := dynamicFor(ComponentSpec{Name: "n", Combine: CombineSum})
	assert.Equal(t, 5.0, sum.Combine(2.0, 3.0))
	assert.Nil(t, sum.Split)
	require.NotNil(t, sum.Validate)
	assert.Error(t, sum.Validate("x"))

	assert.Equal(t, 3.0, dynamicFor(ComponentSpec{Combine: CombineMax}).Combine(2.0, 3.0))
	assert.Equal(t, 2.0, dynamicFor(ComponentSpec{Combine: CombineMin}).Combine(2.0, 3.0))

	last := dynamicFor(ComponentSpec{Name: "s", Combine: CombineLast, Split: SplitDuplicate})
	assert.Nil(t, last.Combine)
	assert.Nil(t, last.Split)
	assert.Nil(t, last.Validate)

	a, b := dynamicFor(ComponentSpec{Split: SplitProportional}).Split(8.0, 0.25)
	assert.Equal(t, 2.0, a)
	assert.Equal(t, 6.0, b)
}
