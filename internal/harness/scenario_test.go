package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
name: minimal
description: "one component, one system"
components:
  - name: credits
    combine: sum
entities:
  - label: alice
    values: { credits: 1 }
systems:
  - name: noop
    writes: [credits]
    script: "function update(e) end"
ticks: 1
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_YAML(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/economy.yaml")
	require.NoError(t, err)

	assert.Equal(t, "economy", scenario.Name)
	assert.Len(t, scenario.Components, 2)
	assert.Equal(t, CombineSum, scenario.Components[0].Combine)
	assert.Len(t, scenario.Entities, 3)
	assert.Equal(t, "alice", scenario.Entities[0].Label)
	assert.Equal(t, "founder", scenario.Entities[0].Values["title"])
	assert.Equal(t, []string{"title"}, scenario.Systems[2].Query)
	assert.Equal(t, 2, scenario.Ticks)
	assert.Equal(t, []string{"full", "full"}, scenario.Expect.Effects)
	assert.False(t, scenario.Expect.Alive["bob"])
	assert.Contains(t, scenario.Config, `builder = "sequential"`)
}

func TestLoadScenario_CUE(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/retry_drill.cue")
	require.NoError(t, err)

	assert.Equal(t, "retry_drill", scenario.Name)
	require.Len(t, scenario.Systems, 4)
	assert.Equal(t, 2, scenario.Systems[0].TransientFailures)
	assert.Equal(t, []string{"hp"}, scenario.Systems[0].Writes)
	assert.Equal(t, SplitProportional, scenario.Components[1].Split)
	assert.Contains(t, scenario.Config, "max_attempts = 3")
	assert.Equal(t, []string{"full"}, scenario.Expect.Effects)
	assert.Contains(t, scenario.Expect.Values, "knight")
}

func TestLoadScenario_CUEErrors(t *testing.T) {
	_, err := LoadScenario(writeFile(t, "broken.cue", `name: "x" description: `))
	assert.ErrorContains(t, err, "failed to compile CUE")

	_, err = LoadScenario(writeFile(t, "open.cue", `
name: string
description: "not concrete"
systems: []
ticks: 1
`))
	assert.ErrorContains(t, err, "failed to evaluate CUE")
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	_, err := LoadScenario(writeFile(t, "typo.yaml", minimalYAML+"expectations: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
	assert.Contains(t, err.Error(), "expectations")
}

func TestParseYAML_Minimal(t *testing.T) {
	scenario, err := ParseYAML([]byte(minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "minimal", scenario.Name)
	assert.Empty(t, scenario.Config)
}

func TestValidate(t *testing.T) {
	valid := func() *Scenario {
		s, err := ParseYAML([]byte(minimalYAML))
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name   string
		mutate func(s *Scenario)
		want   string
	}{
		{"missing name", func(s *Scenario) { s.Name = "" }, "name is required"},
		{"negative ticks", func(s *Scenario) { s.Ticks = -1 }, "ticks must be non-negative"},
		{"bad config", func(s *Scenario) { s.Config = "[scheduler]\nbuilder = \"random\"\n" }, "scheduler.builder"},
		{"duplicate component", func(s *Scenario) {
			s.Components = append(s.Components, ComponentSpec{Name: "credits"})
		}, `duplicate component "credits"`},
		{"unknown combine", func(s *Scenario) { s.Components[0].Combine = "avg" }, `unknown combine "avg"`},
		{"unknown split", func(s *Scenario) { s.Components[0].Split = "halves" }, `unknown split "halves"`},
		{"missing label", func(s *Scenario) { s.Entities[0].Label = "" }, "entities[0]: label is required"},
		{"duplicate label", func(s *Scenario) {
			s.Entities = append(s.Entities, EntitySpec{Label: "alice"})
		}, `duplicate label "alice"`},
		{"unknown entity component", func(s *Scenario) {
			s.Entities[0].Values["mana"] = 3
		}, `entities[0]: unknown component "mana"`},
		{"no systems", func(s *Scenario) { s.Systems = nil }, "systems list is required"},
		{"duplicate system", func(s *Scenario) {
			s.Systems = append(s.Systems, s.Systems[0])
		}, `duplicate system "noop"`},
		{"missing script", func(s *Scenario) { s.Systems[0].Script = "  " }, "script is required"},
		{"unknown write", func(s *Scenario) { s.Systems[0].Writes = []string{"mana"} }, `systems[0].writes: unknown component "mana"`},
		{"negative failures", func(s *Scenario) { s.Systems[0].TransientFailures = -1 }, "transient_failures"},
		{"effects length", func(s *Scenario) { s.Expect.Effects = []string{"full", "full"} }, "2 entries for 1 ticks"},
		{"unknown effect", func(s *Scenario) { s.Expect.Effects = []string{"done"} }, `unknown effect "done"`},
		{"unknown alive label", func(s *Scenario) { s.Expect.Alive = map[string]bool{"zed": true} }, `expect.alive: unknown label "zed"`},
		{"unknown value component", func(s *Scenario) {
			s.Expect.Values = map[string]map[string]any{"alice": {"mana": 1}}
		}, `expect.values.alice: unknown component "mana"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := Validate(s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Validate(valid()))
}
