package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	economyScenario = "testdata/scenarios/economy.yaml"
	retryScenario   = "testdata/scenarios/retry_drill.cue"
)

func TestRun_Text(t *testing.T) {
	out, stderr, err := execute(t, "run", economyScenario)
	require.NoError(t, err)

	assert.Contains(t, out, "Scenario economy (run economy)")
	assert.Contains(t, out, "tick 1: full, 3 groups")
	assert.Contains(t, out, "tick 2: full, 3 groups")
	assert.Contains(t, out, "PASS")
	assert.Contains(t, stderr, "running scenario")
}

func TestRun_JSON(t *testing.T) {
	out, _, err := execute(t, "run", retryScenario, "--format", "json")
	require.NoError(t, err)

	var report RunReport
	decodeData(t, out, &report)
	assert.Equal(t, "retry_drill", report.Scenario)
	assert.True(t, report.Pass)
	require.Len(t, report.Ticks, 1)
	assert.Equal(t, []string{"heal"}, report.Ticks[0].Retried)
	assert.JSONEq(t, `13`, string(report.State["knight"]["hp"]))
	assert.Len(t, report.StateHash, 64)
}

func TestRun_FailedExpectations(t *testing.T) {
	// One tick leaves alice with 110 credits instead of the expected 120.
	out, _, err := execute(t, "run", economyScenario, "--ticks", "1")
	require.Error(t, err)

	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "value alice.credits")
	assert.Contains(t, out, "FAIL")
}

func TestRun_ConfigOverridesScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentecs.toml")
	require.NoError(t, os.WriteFile(path, []byte("[scheduler]\nbuilder = \"dev-isolating\"\n"), 0o644))

	out, _, err := execute(t, "run", economyScenario, "--config", path, "--format", "json")
	require.NoError(t, err)

	var report RunReport
	decodeData(t, out, &report)
	require.Len(t, report.Ticks, 2)
	assert.Equal(t, 1, report.Ticks[0].Groups)
}

func TestRun_RecordsHistory(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.db")

	out, _, err := execute(t, "run", economyScenario, "--db", db, "--format", "json")
	require.NoError(t, err)
	var first RunReport
	decodeData(t, out, &first)

	out, _, err = execute(t, "run", economyScenario, "--db", db, "--format", "json")
	require.NoError(t, err)
	var second RunReport
	decodeData(t, out, &second)

	assert.NotEqual(t, "economy", first.RunID)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.StateHash, second.StateHash)

	out, _, err = execute(t, "history", "runs", "--db", db, "--format", "json")
	require.NoError(t, err)
	var runs RunList
	decodeData(t, out, &runs)
	assert.Equal(t, []string{second.RunID, first.RunID}, runs.Runs)
}

func TestRun_Profile(t *testing.T) {
	dir := t.TempDir()
	_, _, err := execute(t, "run", retryScenario, "--profile", "mem", "--profile-dir", dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "mem.pprof"))

	_, _, err = execute(t, "run", retryScenario, "--profile", "trace")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing scenario", []string{"run", "testdata/scenarios/nope.yaml"}, "failed to load scenario"},
		{"missing config", []string{"run", economyScenario, "--config", "testdata/nope.toml"}, "failed to load config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Contains(t, out, "Error [")
		})
	}
}

func TestRun_RequiresOneArg(t *testing.T) {
	_, _, err := execute(t, "run")
	assert.Error(t, err)
}
