package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden(t *testing.T) {
	for _, path := range []string{
		"testdata/scenarios/economy.yaml",
		"testdata/scenarios/retry_drill.cue",
	} {
		t.Run(path, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestCanonical_IsStable(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/economy.yaml")
	require.NoError(t, err)

	var outputs []string
	for range 3 {
		result, err := Run(t.Context(), scenario)
		require.NoError(t, err)
		data, err := Canonical(scenario.Name, result)
		require.NoError(t, err)
		outputs = append(outputs, string(data))
	}
	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, outputs[0], outputs[2])
}
