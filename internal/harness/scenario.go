package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/extensivelabs/agentecs/internal/config"
	"github.com/extensivelabs/agentecs/internal/scheduler"
)

// Scenario is a world setup, a number of ticks and the expected outcome.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`

	// Config is inline TOML in the config file format. Empty means defaults.
	Config string `yaml:"config,omitempty" json:"config,omitempty"`

	Components []ComponentSpec `yaml:"components" json:"components"`
	Entities   []EntitySpec    `yaml:"entities,omitempty" json:"entities,omitempty"`
	Systems    []SystemSpec    `yaml:"systems" json:"systems"`

	// Ticks is the number of ticks to run.
	Ticks  int          `yaml:"ticks" json:"ticks"`
	Expect Expectations `yaml:"expect,omitempty" json:"expect,omitempty"`
}

// ComponentSpec declares a dynamic component type.
type ComponentSpec struct {
	Name    string `yaml:"name" json:"name"`
	Combine string `yaml:"combine,omitempty" json:"combine,omitempty"` // sum, max, min, last
	Split   string `yaml:"split,omitempty" json:"split,omitempty"`     // proportional, duplicate
}

// EntitySpec is an entity spawned before the first tick.
type EntitySpec struct {
	// Label names the entity in expectations and in the final state.
	Label  string         `yaml:"label" json:"label"`
	Values map[string]any `yaml:"values" json:"values"`
}

// SystemSpec is a scripted system.
type SystemSpec struct {
	Name   string   `yaml:"name" json:"name"`
	Query  []string `yaml:"query,omitempty" json:"query,omitempty"`
	Reads  []string `yaml:"reads,omitempty" json:"reads,omitempty"`
	Writes []string `yaml:"writes,omitempty" json:"writes,omitempty"`
	Dev    bool     `yaml:"dev,omitempty" json:"dev,omitempty"`
	Script string   `yaml:"script" json:"script"`

	// TransientFailures fails the first N activations with a retryable error.
	TransientFailures int `yaml:"transient_failures,omitempty" json:"transient_failures,omitempty"`
}

// Expectations are checked after the last tick. Every field is optional.
type Expectations struct {
	// Effects lists the expected effect (none, partial, full) of each tick.
	Effects []string `yaml:"effects,omitempty" json:"effects,omitempty"`

	// Alive maps entity labels to whether they must exist.
	Alive map[string]bool `yaml:"alive,omitempty" json:"alive,omitempty"`

	// Values maps entity labels to expected component values. Components not
	// listed are not checked.
	Values map[string]map[string]any `yaml:"values,omitempty" json:"values,omitempty"`
}

// Combine modes.
const (
	CombineSum  = "sum"
	CombineMax  = "max"
	CombineMin  = "min"
	CombineLast = "last"
)

// Split modes.
const (
	SplitProportional = "proportional"
	SplitDuplicate    = "duplicate"
)

// LoadScenario reads a scenario file. Files ending in .cue are evaluated as
// CUE; anything else is parsed as YAML with unknown fields rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario *Scenario
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		scenario, err = ParseCUE(data, path)
	} else {
		scenario, err = ParseYAML(data)
	}
	if err != nil {
		return nil, err
	}
	return scenario, nil
}

// ParseYAML decodes and validates a YAML scenario.
func ParseYAML(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := Validate(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// ParseCUE evaluates a CUE scenario. The file's top-level value is the
// scenario; it must be concrete.
func ParseCUE(data []byte, filename string) (*Scenario, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile CUE: %w", err)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("failed to evaluate CUE: %w", err)
	}

	var scenario Scenario
	if err := value.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to decode CUE: %w", err)
	}
	if err := Validate(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// Validate checks required fields and cross references between components,
// entities, systems and expectations. Scripts are compiled later by Run.
func Validate(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Ticks < 0 {
		return fmt.Errorf("ticks must be non-negative")
	}
	if s.Config != "" {
		if _, err := config.Parse([]byte(s.Config), "scenario config"); err != nil {
			return err
		}
	}

	components := make(map[string]bool, len(s.Components))
	for i, c := range s.Components {
		if c.Name == "" {
			return fmt.Errorf("components[%d]: name is required", i)
		}
		if components[c.Name] {
			return fmt.Errorf("components[%d]: duplicate component %q", i, c.Name)
		}
		components[c.Name] = true
		switch c.Combine {
		case "", CombineSum, CombineMax, CombineMin, CombineLast:
		default:
			return fmt.Errorf("components[%d]: unknown combine %q", i, c.Combine)
		}
		switch c.Split {
		case "", SplitProportional, SplitDuplicate:
		default:
			return fmt.Errorf("components[%d]: unknown split %q", i, c.Split)
		}
	}
	known := func(names []string, where string) error {
		for _, name := range names {
			if !components[name] {
				return fmt.Errorf("%s: unknown component %q", where, name)
			}
		}
		return nil
	}

	labels := make(map[string]bool, len(s.Entities))
	for i, e := range s.Entities {
		if e.Label == "" {
			return fmt.Errorf("entities[%d]: label is required", i)
		}
		if labels[e.Label] {
			return fmt.Errorf("entities[%d]: duplicate label %q", i, e.Label)
		}
		labels[e.Label] = true
		for name := range e.Values {
			if !components[name] {
				return fmt.Errorf("entities[%d]: unknown component %q", i, name)
			}
		}
	}

	if len(s.Systems) == 0 {
		return fmt.Errorf("systems list is required and must be non-empty")
	}
	systems := make(map[string]bool, len(s.Systems))
	for i, sys := range s.Systems {
		where := fmt.Sprintf("systems[%d]", i)
		if sys.Name == "" {
			return fmt.Errorf("%s: name is required", where)
		}
		if systems[sys.Name] {
			return fmt.Errorf("%s: duplicate system %q", where, sys.Name)
		}
		systems[sys.Name] = true
		if strings.TrimSpace(sys.Script) == "" {
			return fmt.Errorf("%s: script is required", where)
		}
		if sys.TransientFailures < 0 {
			return fmt.Errorf("%s: transient_failures must be non-negative", where)
		}
		for _, err := range []error{
			known(sys.Query, where+".query"),
			known(sys.Reads, where+".reads"),
			known(sys.Writes, where+".writes"),
		} {
			if err != nil {
				return err
			}
		}
	}

	if n := len(s.Expect.Effects); n > 0 && n != s.Ticks {
		return fmt.Errorf("expect.effects: %d entries for %d ticks", n, s.Ticks)
	}
	effects := []string{
		scheduler.EffectNone.String(),
		scheduler.EffectPartial.String(),
		scheduler.EffectFull.String(),
	}
	for i, effect := range s.Expect.Effects {
		if !slices.Contains(effects, effect) {
			return fmt.Errorf("expect.effects[%d]: unknown effect %q", i, effect)
		}
	}
	for label := range s.Expect.Alive {
		if !labels[label] {
			return fmt.Errorf("expect.alive: unknown label %q", label)
		}
	}
	for label, values := range s.Expect.Values {
		if !labels[label] {
			return fmt.Errorf("expect.values: unknown label %q", label)
		}
		for name := range values {
			if !components[name] {
				return fmt.Errorf("expect.values.%s: unknown component %q", label, name)
			}
		}
	}
	return nil
}
