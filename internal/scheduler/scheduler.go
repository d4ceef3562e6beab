// Package scheduler runs execution plans.
//
// A tick runs the plan's groups strictly in order. Each group takes one
// snapshot, fans its activations out under an admission limit, retries
// transient failures, then hands the surviving buffers to the merge engine in
// registration order. The next group snapshots the committed result.
//
// Thread-safety model:
//   - RunTick may be called from any goroutine, but ticks on the same storage
//     must not overlap; the world serializes them.
//   - Activations of one group run concurrently and share only the frozen
//     snapshot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/extensivelabs/agentecs/internal/buffer"
	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/errs"
	"github.com/extensivelabs/agentecs/internal/merge"
	"github.com/extensivelabs/agentecs/internal/plan"
	"github.com/extensivelabs/agentecs/internal/storage"
	"github.com/extensivelabs/agentecs/internal/system"
)

// ErrCancelled is returned when a tick is cancelled between groups or while
// a group is in flight.
var ErrCancelled = errors.New("tick cancelled")

// Scheduler executes plans against a storage.
type Scheduler struct {
	registry  *component.Registry
	cfg       Config
	merger    *merge.Engine
	clock     *Clock
	logger    *slog.Logger
	transient func(error) bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithMerge sets the merge engine (default merge.New with the Combine strategy).
func WithMerge(m *merge.Engine) Option {
	return func(s *Scheduler) {
		s.merger = m
	}
}

// WithClock sets the tick clock.
func WithClock(c *Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithTransientClassifier replaces the rule deciding which activation errors
// are retried. The default retries only errors marked with errs.Transient.
func WithTransientClassifier(fn func(error) bool) Option {
	return func(s *Scheduler) {
		s.transient = fn
	}
}

// New creates a scheduler.
func New(reg *component.Registry, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry:  reg,
		cfg:       cfg,
		clock:     NewClock(),
		logger:    slog.Default(),
		transient: errs.IsTransient,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.merger == nil {
		s.merger = merge.New(reg, merge.WithLogger(s.logger))
	}
	return s
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Clock returns the tick clock.
func (s *Scheduler) Clock() *Clock {
	return s.clock
}

// RunTick runs every group of p in order. On abort, groups already committed
// stay committed; the report's Effect says how far the tick got. The returned
// error equals report.Err.
func (s *Scheduler) RunTick(ctx context.Context, p plan.Plan, store storage.Storage) (*TickReport, error) {
	start := time.Now()
	report := &TickReport{Tick: s.clock.Next()}
	log := s.logger.With("tick", report.Tick)

	finish := func(err error) (*TickReport, error) {
		report.Duration = time.Since(start)
		report.Err = err
		switch committed := report.Committed(); {
		case err == nil:
			report.Effect = EffectFull
		case committed == 0:
			report.Effect = EffectNone
		default:
			report.Effect = EffectPartial
		}
		if err != nil {
			log.Error("tick aborted", "effect", report.Effect, "error", err)
		} else {
			log.Debug("tick complete", "groups", len(report.Groups), "duration", report.Duration)
		}
		return report, err
	}

	for gi, group := range p {
		if err := ctx.Err(); err != nil {
			return finish(fmt.Errorf("%w before group %d: %w", ErrCancelled, gi, err))
		}
		gr, err := s.runGroup(ctx, log.With("group", gi), gi, group, store)
		report.Groups = append(report.Groups, gr)
		if err != nil {
			return finish(err)
		}
	}
	return finish(nil)
}

func (s *Scheduler) runGroup(ctx context.Context, log *slog.Logger, index int, group plan.Group, store storage.Storage) (GroupReport, error) {
	start := time.Now()
	gr := GroupReport{Index: index, Systems: make([]SystemReport, len(group))}
	for i, d := range group {
		gr.Systems[i] = SystemReport{Name: d.Name, Status: StatusCancelled}
	}

	snap := store.ReadView()
	log.Debug("group start", "systems", len(group), "version", snap.Version())

	var sem *semaphore.Weighted
	if s.cfg.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(s.cfg.MaxConcurrent))
	}

	buffers := make([]*buffer.Buffer, len(group))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range group {
		g.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			buf, rep, err := s.activate(gctx, log.With("system", d.Name), d, snap)
			gr.Systems[i] = rep
			buffers[i] = buf
			return err
		})
	}

	err := g.Wait()
	gr.Duration = time.Since(start)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			return gr, fmt.Errorf("%w in group %d: %w", ErrCancelled, index, ctx.Err())
		}
		return gr, err
	}

	// Registration order, not completion order.
	ordered := make([]*buffer.Buffer, 0, len(buffers))
	for _, b := range buffers {
		if b != nil {
			ordered = append(ordered, b)
		}
	}

	outcome, err := s.merger.Apply(ctx, ordered, store)
	if err != nil {
		return gr, fmt.Errorf("group %d: %w", index, err)
	}
	gr.Outcome = outcome
	gr.Committed = true
	gr.Duration = time.Since(start)
	log.Debug("group committed", "buffers", len(ordered), "version", outcome.Version)
	return gr, nil
}

// activate runs one descriptor with retries. A nil buffer with a nil error
// means the activation was skipped.
func (s *Scheduler) activate(ctx context.Context, log *slog.Logger, d *system.Descriptor, snap storage.Snapshot) (*buffer.Buffer, SystemReport, error) {
	policy := s.cfg.Retry
	rep := SystemReport{Name: d.Name}
	start := time.Now()

	var buf *buffer.Buffer
	var last error
	err := retry.Do(ctx, policy.NewBackoff(), func(ctx context.Context) error {
		rep.Attempts++
		b, err := d.Activate(ctx, s.registry, snap)
		if err == nil {
			buf = b
			return nil
		}
		last = err
		if !s.transient(err) {
			return err
		}
		if rep.Attempts < policy.MaxAttempts {
			log.Warn("activation failed, retrying", "attempt", rep.Attempts, "error", err)
		}
		return retry.RetryableError(err)
	})
	rep.Duration = time.Since(start)

	if err == nil {
		rep.Status = StatusOK
		return buf, rep, nil
	}
	if last == nil || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		rep.Status = StatusCancelled
		rep.Err = err
		return nil, rep, err
	}

	rep.Err = last
	if policy.OnExhausted == ExhaustedSkip {
		rep.Status = StatusSkipped
		log.Warn("activation skipped", "attempts", rep.Attempts, "error", last)
		return nil, rep, nil
	}
	rep.Status = StatusFailed
	return nil, rep, fmt.Errorf("system %q failed after %d attempts: %w", d.Name, rep.Attempts, last)
}
