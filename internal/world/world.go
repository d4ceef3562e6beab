// Package world is the host surface of the engine.
//
// A World owns the type registry, the storage, the registered system
// descriptors and the scheduler. Hosts register systems, then drive ticks with
// RunTick or RunTickAsync. Outside of ticks, hosts read and write state with
// the helpers in host.go; every host write is applied through the merge
// engine as a single-buffer commit, exactly like one execution group.
//
// Thread-safety model:
//   - All methods are safe for concurrent use.
//   - Ticks and host writes are serialized by one mutex, so a host write never
//     lands between two groups of a running tick.
//   - Reads take a snapshot and never block on a running tick.
package world

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
	"github.com/extensivelabs/agentecs/internal/history"
	"github.com/extensivelabs/agentecs/internal/merge"
	"github.com/extensivelabs/agentecs/internal/ops"
	"github.com/extensivelabs/agentecs/internal/plan"
	"github.com/extensivelabs/agentecs/internal/scheduler"
	"github.com/extensivelabs/agentecs/internal/storage"
	"github.com/extensivelabs/agentecs/internal/system"
)

// Store is the storage a world runs against: the engine's storage interface
// plus the export and import used by Snapshot and Restore.
type Store interface {
	storage.Storage
	Export() (*storage.Dump, error)
	Import(d *storage.Dump) error
}

// World is a running simulation.
type World struct {
	mu sync.Mutex

	registry *component.Registry
	store    Store
	builder  plan.Builder
	merger   *merge.Engine
	sched    *scheduler.Scheduler
	ops      *ops.Ops

	shard     uint16
	schedCfg  scheduler.Config
	strategy  merge.Strategy
	transient func(error) bool

	history  history.Store
	runID    string
	metadata map[string]string
	now      func() time.Time
	tokens   TokenGenerator
	logger   *slog.Logger

	systems []*system.Descriptor
	names   map[string]struct{}
	plan    plan.Plan

	pendingMu sync.Mutex
	pending   map[string]context.CancelFunc
}

// Option configures a World.
type Option func(*World)

// WithRegistry uses reg instead of a fresh registry.
func WithRegistry(reg *component.Registry) Option {
	return func(w *World) {
		w.registry = reg
	}
}

// WithStorage uses s instead of an in-memory storage. s must be built on the
// world's registry.
func WithStorage(s Store) Option {
	return func(w *World) {
		w.store = s
	}
}

// WithShard sets the allocator shard of the default in-memory storage.
func WithShard(shard uint16) Option {
	return func(w *World) {
		w.shard = shard
	}
}

// WithBuilder sets the execution group builder (default plan.DevIsolating).
func WithBuilder(b plan.Builder) Option {
	return func(w *World) {
		w.builder = b
	}
}

// WithSchedulerConfig sets the admission limit and retry policy.
func WithSchedulerConfig(cfg scheduler.Config) Option {
	return func(w *World) {
		w.schedCfg = cfg
	}
}

// WithMergeStrategy sets how concurrent writes to one slot are resolved.
func WithMergeStrategy(s merge.Strategy) Option {
	return func(w *World) {
		w.strategy = s
	}
}

// WithTransientClassifier replaces the rule deciding which activation errors
// are retried.
func WithTransientClassifier(fn func(error) bool) Option {
	return func(w *World) {
		w.transient = fn
	}
}

// WithHistory records every tick into h. The world does not close h.
func WithHistory(h history.Store) Option {
	return func(w *World) {
		w.history = h
	}
}

// WithRunID sets the run id recorded in history (default: a generated token).
func WithRunID(id string) Option {
	return func(w *World) {
		w.runID = id
	}
}

// WithMetadata attaches key/value pairs to every history record.
func WithMetadata(md map[string]string) Option {
	return func(w *World) {
		w.metadata = md
	}
}

// WithNow sets the wall clock used for history timestamps.
func WithNow(now func() time.Time) Option {
	return func(w *World) {
		w.now = now
	}
}

// WithTokenGenerator sets the generator for async tick tokens and run ids.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(w *World) {
		w.tokens = g
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(w *World) {
		w.logger = l
	}
}

// New creates a world.
func New(opts ...Option) (*World, error) {
	w := &World{
		builder:  plan.DevIsolating{},
		schedCfg: scheduler.DefaultConfig(),
		strategy: merge.Combine,
		now:      time.Now,
		tokens:   UUIDv7Generator{},
		logger:   slog.Default(),
		names:    make(map[string]struct{}),
		pending:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.schedCfg.Validate(); err != nil {
		return nil, err
	}
	if w.shard == entity.PlaceholderShard {
		return nil, fmt.Errorf("world: shard %d is reserved for placeholders", w.shard)
	}
	if w.registry == nil {
		w.registry = component.NewRegistry()
	}
	if w.store == nil {
		w.store = storage.NewMemory(w.registry, storage.WithShard(w.shard))
	} else if w.store.Registry() != w.registry {
		return nil, fmt.Errorf("world: storage is built on a different registry")
	}
	if w.runID == "" {
		w.runID = w.tokens.Generate()
	}

	w.merger = merge.New(w.registry, merge.WithStrategy(w.strategy), merge.WithLogger(w.logger))
	schedOpts := []scheduler.Option{scheduler.WithLogger(w.logger), scheduler.WithMerge(w.merger)}
	if w.transient != nil {
		schedOpts = append(schedOpts, scheduler.WithTransientClassifier(w.transient))
	}
	w.sched = scheduler.New(w.registry, w.schedCfg, schedOpts...)
	w.ops = ops.New(w.store, w.merger)
	return w, nil
}

// Registry returns the world's type registry.
func (w *World) Registry() *component.Registry {
	return w.registry
}

// Storage returns the world's storage.
func (w *World) Storage() Store {
	return w.store
}

// RunID returns the id under which ticks are recorded.
func (w *World) RunID() string {
	return w.runID
}

// Tick returns the number of the last tick started.
func (w *World) Tick() uint64 {
	return w.sched.Clock().Current()
}

// Register validates d and adds it to the world. Names must be unique.
// Registration order is the tie-break order of merging.
func (w *World) Register(d *system.Descriptor) error {
	if d == nil {
		return fmt.Errorf("register: nil descriptor")
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.names[d.Name]; dup {
		return fmt.Errorf("register: system %q already registered", d.Name)
	}
	w.names[d.Name] = struct{}{}
	w.systems = append(w.systems, d)
	w.plan = nil
	w.logger.Debug("system registered", "system", d.Name, "mode", d.Mode)
	return nil
}

// Systems lists registered system names in registration order.
func (w *World) Systems() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.systems))
	for i, d := range w.systems {
		out[i] = d.Name
	}
	return out
}

// Plan returns the execution plan for the registered systems.
func (w *World) Plan() plan.Plan {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPlan()
}

func (w *World) currentPlan() plan.Plan {
	if w.plan == nil {
		w.plan = w.builder.Build(w.systems)
	}
	return w.plan
}

// RunTick runs one tick of every registered system. Groups committed before
// an abort stay committed; the report's Effect says how far the tick got.
// When a history store is configured, the tick is recorded even if it aborted.
func (w *World) RunTick(ctx context.Context) (*scheduler.TickReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	report, err := w.sched.RunTick(ctx, w.currentPlan(), w.store)
	if w.history != nil {
		if herr := w.record(context.WithoutCancel(ctx), report); herr != nil {
			w.logger.Error("history record failed", "tick", report.Tick, "error", herr)
			if err == nil {
				err = fmt.Errorf("record tick %d: %w", report.Tick, herr)
			}
		}
	}
	return report, err
}

// Pending is an asynchronous tick.
type Pending struct {
	// Token identifies the tick for Cancel.
	Token string

	done   chan struct{}
	report *scheduler.TickReport
	err    error
}

// Done is closed when the tick has finished.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the tick has finished and returns its result.
func (p *Pending) Wait() (*scheduler.TickReport, error) {
	<-p.done
	return p.report, p.err
}

// RunTickAsync starts a tick in the background. The tick observes both ctx
// and Cancel with the returned token.
func (w *World) RunTickAsync(ctx context.Context) *Pending {
	tctx, cancel := context.WithCancel(ctx)
	p := &Pending{Token: w.tokens.Generate(), done: make(chan struct{})}

	w.pendingMu.Lock()
	w.pending[p.Token] = cancel
	w.pendingMu.Unlock()

	go func() {
		defer close(p.done)
		defer func() {
			w.pendingMu.Lock()
			delete(w.pending, p.Token)
			w.pendingMu.Unlock()
			cancel()
		}()
		p.report, p.err = w.RunTick(tctx)
	}()
	return p
}

// Cancel cancels the asynchronous tick with the given token. It reports
// whether such a tick was still pending.
func (w *World) Cancel(token string) bool {
	w.pendingMu.Lock()
	cancel, ok := w.pending[token]
	w.pendingMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
