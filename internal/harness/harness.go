package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/extensivelabs/agentecs/internal/access"
	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/config"
	"github.com/extensivelabs/agentecs/internal/entity"
	"github.com/extensivelabs/agentecs/internal/errs"
	"github.com/extensivelabs/agentecs/internal/history"
	"github.com/extensivelabs/agentecs/internal/scheduler"
	"github.com/extensivelabs/agentecs/internal/script"
	"github.com/extensivelabs/agentecs/internal/storage"
	"github.com/extensivelabs/agentecs/internal/system"
	"github.com/extensivelabs/agentecs/internal/world"
)

// ErrInjected is the cause of failures requested by transient_failures.
var ErrInjected = errors.New("injected failure")

type runOptions struct {
	config  *config.Config
	history history.Store
	ticks   int
	runID   string
	logger  *slog.Logger
	onTick  func(*scheduler.TickReport)
}

// Option configures Run.
type Option func(*runOptions)

// WithConfig replaces the scenario's inline config.
func WithConfig(cfg *config.Config) Option {
	return func(o *runOptions) { o.config = cfg }
}

// WithHistory records every tick of the run in h.
func WithHistory(h history.Store) Option {
	return func(o *runOptions) { o.history = h }
}

// WithTicks overrides the scenario's tick count. Per-tick effect
// expectations are skipped when the count differs.
func WithTicks(n int) Option {
	return func(o *runOptions) { o.ticks = n }
}

// WithRunID records the run under id instead of the scenario name.
func WithRunID(id string) Option {
	return func(o *runOptions) { o.runID = id }
}

// WithLogger sets the world's logger. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// WithTickObserver calls fn after every tick.
func WithTickObserver(fn func(*scheduler.TickReport)) Option {
	return func(o *runOptions) { o.onTick = fn }
}

// Harness holds one scenario's world between setup and evaluation.
type Harness struct {
	scenario *Scenario
	world    *world.World
	labels   map[string]entity.ID
	names    map[entity.ID]string
	logger   *slog.Logger
}

// Run executes a scenario in a fresh world and evaluates its expectations.
// The returned error covers setup problems (bad scripts, invalid values);
// failed expectations and aborted ticks are reported in the Result.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	o := newRunOptions(opts)
	h, err := Setup(ctx, s, opts...)
	if err != nil {
		return nil, err
	}

	ticks := s.Ticks
	if o.ticks >= 0 {
		ticks = o.ticks
	}

	result := NewResult()
	for range ticks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report, err := h.world.RunTick(ctx)
		if report == nil {
			return nil, err
		}
		summary := summarize(report)
		if err != nil {
			summary.Error = err.Error()
		}
		result.Ticks = append(result.Ticks, summary)
		if o.onTick != nil {
			o.onTick(report)
		}
		h.logger.Info("tick completed",
			"tick", report.Tick,
			"effect", report.Effect,
			"groups", len(report.Groups),
		)
	}

	if result.State, err = h.State(); err != nil {
		return nil, err
	}
	if result.StateHash, err = h.world.StateHash(); err != nil {
		return nil, err
	}

	expect := s.Expect
	if ticks != s.Ticks {
		expect.Effects = nil
	}
	for _, msg := range h.Evaluate(result, expect) {
		result.AddError(msg)
	}
	return result, nil
}

func newRunOptions(opts []Option) runOptions {
	o := runOptions{ticks: -1, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Setup builds the scenario's world: component types, entities and systems.
// WithTicks and WithTickObserver have no effect here.
func Setup(ctx context.Context, s *Scenario, opts ...Option) (*Harness, error) {
	o := newRunOptions(opts)
	if err := Validate(s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	cfg := o.config
	if cfg == nil {
		cfg = config.Defaults()
		if s.Config != "" {
			var err error
			if cfg, err = config.Parse([]byte(s.Config), s.Name); err != nil {
				return nil, err
			}
		}
	}

	reg := component.NewRegistry()
	for _, c := range s.Components {
		if _, err := component.RegisterDynamic(reg, c.Name, dynamicFor(c)); err != nil {
			return nil, fmt.Errorf("component %s: %w", c.Name, err)
		}
	}

	wopts, err := cfg.WorldOptions()
	if err != nil {
		return nil, err
	}
	runID := o.runID
	if runID == "" {
		runID = s.Name
	}
	logger := o.logger
	wopts = append(wopts,
		world.WithRegistry(reg),
		world.WithRunID(runID),
		world.WithMetadata(map[string]string{"scenario": s.Name}),
		world.WithLogger(logger),
	)
	if o.history != nil {
		wopts = append(wopts, world.WithHistory(o.history))
	}
	w, err := world.New(wopts...)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		scenario: s,
		world:    w,
		labels:   make(map[string]entity.ID, len(s.Entities)),
		names:    make(map[entity.ID]string, len(s.Entities)),
		logger:   logger,
	}

	for _, e := range s.Entities {
		values, err := decodeValues(reg, e.Values)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", e.Label, err)
		}
		id, err := w.Spawn(ctx, values...)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", e.Label, err)
		}
		h.labels[e.Label] = id
		h.names[id] = e.Label
	}

	for _, spec := range s.Systems {
		d, err := script.System(reg, script.Spec{
			Name:   spec.Name,
			Source: spec.Script,
			Query:  spec.Query,
			Reads:  spec.Reads,
			Writes: spec.Writes,
			Dev:    spec.Dev,
		})
		if err != nil {
			return nil, err
		}
		if spec.TransientFailures > 0 {
			injectFailures(d, spec.TransientFailures)
		}
		if err := w.Register(d); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// World returns the harness world.
func (h *Harness) World() *world.World {
	return h.world
}

// Entity returns the id spawned for label.
func (h *Harness) Entity(label string) (entity.ID, bool) {
	id, ok := h.labels[label]
	return id, ok
}

// State renders every live non-reserved entity.
func (h *Harness) State() (State, error) {
	dump, err := storage.DumpSnapshot(h.world.Registry(), h.world.Storage().ReadView())
	if err != nil {
		return nil, err
	}
	state := make(State, len(dump))
	for _, ed := range dump {
		id, err := entity.ParseID(ed.ID)
		if err != nil {
			return nil, err
		}
		if id.IsReserved() {
			continue
		}
		key := ed.ID
		if label, ok := h.names[id]; ok {
			key = label
		}
		state[key] = ed.Components
	}
	return state, nil
}

func summarize(report *scheduler.TickReport) TickSummary {
	summary := TickSummary{
		Tick:   report.Tick,
		Effect: report.Effect.String(),
		Groups: len(report.Groups),
	}
	for _, g := range report.Groups {
		for _, sr := range g.Systems {
			if sr.Attempts > 1 {
				summary.Retried = append(summary.Retried, sr.Name)
			}
			switch sr.Status {
			case scheduler.StatusSkipped:
				summary.Skipped = append(summary.Skipped, sr.Name)
			case scheduler.StatusFailed:
				summary.Failed = append(summary.Failed, sr.Name)
			}
		}
	}
	return summary
}

// injectFailures makes the first n activations of d fail transiently.
func injectFailures(d *system.Descriptor, n int) {
	remaining := new(atomic.Int64)
	remaining.Store(int64(n))
	run := d.Run
	d.Run = func(ctx context.Context, a *access.Scoped) error {
		if remaining.Add(-1) >= 0 {
			return errs.Transient(fmt.Errorf("%s: %w", d.Name, ErrInjected))
		}
		return run(ctx, a)
	}
}

// decodeValues converts scenario values into component values through their
// JSON form, so integers read from YAML become float64 like every other
// dynamic number.
func decodeValues(reg *component.Registry, values map[string]any) ([]any, error) {
	out := make([]any, 0, len(values))
	for name, raw := range values {
		info, err := reg.ByName(name)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		v, err := info.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, component.Value{Type: info.ID, Data: v})
	}
	return out, nil
}

func dynamicFor(c ComponentSpec) component.Dynamic {
	var d component.Dynamic
	switch c.Combine {
	case CombineSum:
		d.Combine = numeric(func(a, b float64) float64 { return a + b })
	case CombineMax:
		d.Combine = numeric(math.Max)
	case CombineMin:
		d.Combine = numeric(math.Min)
	}
	if c.Split == SplitProportional {
		d.Split = func(v any, ratio float64) (any, any) {
			f, _ := v.(float64)
			first := f * ratio
			return first, f - first
		}
	}
	if d.Combine != nil || d.Split != nil {
		d.Validate = func(v any) error {
			if _, ok := v.(float64); !ok {
				return fmt.Errorf("%s holds numbers, got %T", c.Name, v)
			}
			return nil
		}
	}
	return d
}

func numeric(fn func(a, b float64) float64) func(a, b any) any {
	return func(a, b any) any {
		x, _ := a.(float64)
		y, _ := b.(float64)
		return fn(x, y)
	}
}
