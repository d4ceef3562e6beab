package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/spf13/cobra"

	"github.com/extensivelabs/agentecs/internal/config"
	"github.com/extensivelabs/agentecs/internal/history"
)

// openStore opens the history database named by db. A postgres:// or
// postgresql:// URL selects PostgreSQL, anything else is a SQLite path. With
// no db the configured backend is used; a nil store means history is off.
func openStore(ctx context.Context, db string, cfg *config.Config) (history.Store, error) {
	switch {
	case strings.HasPrefix(db, "postgres://"), strings.HasPrefix(db, "postgresql://"):
		return history.Open(ctx, history.Options{Driver: history.DriverPostgres, DSN: db})
	case db != "":
		return history.Open(ctx, history.Options{Driver: history.DriverSQLite, Path: db})
	case cfg != nil && cfg.HistoryEnabled():
		return cfg.OpenHistory(ctx)
	}
	return nil, nil
}

// HistoryOptions holds flags shared by the history subcommands.
type HistoryOptions struct {
	*RootOptions
	Database string
	RunID    string
}

// NewHistoryCommand creates the history command group.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded tick history",
		Long: `Inspect the tick records written by "agentecs run --db".

Examples:
  agentecs history runs --db ./history.db
  agentecs history show --db ./history.db --tick 3 --snapshot
  agentecs history range --db ./history.db --run <id> --from 1 --to 10
  agentecs history events --db ./history.db --from 2 --to 4
  agentecs history clear --db ./history.db --run <id>`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "history database (SQLite path or postgres:// URL)")
	cmd.PersistentFlags().StringVar(&opts.RunID, "run", "", "run id (defaults to the latest run)")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(newHistoryRunsCommand(opts))
	cmd.AddCommand(newHistoryShowCommand(opts))
	cmd.AddCommand(newHistoryRangeCommand(opts))
	cmd.AddCommand(newHistoryEventsCommand(opts))
	cmd.AddCommand(newHistoryClearCommand(opts))

	return cmd
}

// RunList is the output of "history runs".
type RunList struct {
	Runs  []string                `json:"runs"`
	Ticks map[string]history.Span `json:"ticks"`
}

// RenderText implements TextRenderer.
func (l *RunList) RenderText(w io.Writer) {
	if len(l.Runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	for _, r := range l.Runs {
		span := l.Ticks[r]
		fmt.Fprintf(w, "%s  ticks %d-%d (%d)\n", r, span.First, span.Last, span.Count)
	}
}

// EventRange is the output of "history events".
type EventRange struct {
	RunID string               `json:"run_id"`
	Ticks []history.TickEvents `json:"ticks"`
}

// RenderText implements TextRenderer.
func (r *EventRange) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Run %s: %d ticks\n", r.RunID, len(r.Ticks))
	for _, te := range r.Ticks {
		fmt.Fprintf(w, "tick %d events=%d\n", te.Tick, len(te.Events))
		renderEvents(w, te.Events)
	}
}

// ClearResult is the output of "history clear".
type ClearResult struct {
	Cleared []string `json:"cleared"`
}

// RenderText implements TextRenderer.
func (c *ClearResult) RenderText(w io.Writer) {
	if len(c.Cleared) == 0 {
		fmt.Fprintln(w, "Nothing to clear.")
		return
	}
	for _, r := range c.Cleared {
		fmt.Fprintf(w, "Cleared run %s\n", r)
	}
}

// TickView is the output of "history show".
type TickView struct {
	*history.Record
	showSnapshot bool
}

// RenderText implements TextRenderer.
func (v *TickView) RenderText(w io.Writer) {
	renderRecord(w, v.Record)
	renderEvents(w, v.Events)
	for _, t := range v.Timings {
		fmt.Fprintf(w, "  system %s group=%d attempts=%d %s %s\n", t.System, t.Group, t.Attempts, t.Status, t.Duration)
	}
	if v.showSnapshot {
		fmt.Fprintf(w, "  snapshot %s\n", v.Snapshot)
	}
}

// TickRange is the output of "history range".
type TickRange struct {
	RunID string            `json:"run_id"`
	Ticks []*history.Record `json:"ticks"`
}

// RenderText implements TextRenderer.
func (r *TickRange) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Run %s: %d ticks\n", r.RunID, len(r.Ticks))
	for _, rec := range r.Ticks {
		renderRecord(w, rec)
	}
}

func renderEvents(w io.Writer, events []history.Event) {
	for _, e := range events {
		fmt.Fprintf(w, "  event %s group=%d", e.Kind, e.Group)
		if e.Entity != "" {
			fmt.Fprintf(w, " entity=%s", e.Entity)
		}
		if e.System != "" {
			fmt.Fprintf(w, " system=%s", e.System)
		}
		if e.Detail != "" {
			fmt.Fprintf(w, " (%s)", e.Detail)
		}
		fmt.Fprintln(w)
	}
}

func renderRecord(w io.Writer, r *history.Record) {
	fmt.Fprintf(w, "tick %d %s %s events=%d systems=%d\n", r.Tick, r.Effect, r.StateHash, len(r.Events), len(r.Timings))
}

func newHistoryRunsCommand(opts *HistoryOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "runs",
		Short:         "List recorded runs, most recent first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(opts, cmd, func(ctx context.Context, out *OutputFormatter, store history.Store) error {
				runs, err := store.Runs(ctx)
				if err != nil {
					return out.Fail(ExitCommandError, ErrCodeHistory, "failed to list runs", err)
				}
				list := &RunList{Runs: runs, Ticks: make(map[string]history.Span, len(runs))}
				for _, r := range runs {
					span, err := store.Ticks(ctx, r)
					if err != nil {
						return out.Fail(ExitCommandError, ErrCodeHistory, "failed to count ticks of run "+r, err)
					}
					list.Ticks[r] = span
				}
				return out.Success(list)
			})
		},
	}
}

func newHistoryShowCommand(opts *HistoryOptions) *cobra.Command {
	var tick uint64
	var snapshot bool

	cmd := &cobra.Command{
		Use:           "show",
		Short:         "Show one recorded tick",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(opts, cmd, func(ctx context.Context, out *OutputFormatter, store history.Store) error {
				runID, err := resolveRun(ctx, store, opts.RunID)
				if err != nil {
					return out.Fail(ExitCommandError, ErrCodeHistory, "failed to resolve run", err)
				}
				rec, err := store.GetTick(ctx, runID, tick)
				if err != nil {
					return out.Fail(ExitCommandError, ErrCodeHistory, fmt.Sprintf("tick %d of run %s", tick, runID), err)
				}
				if !snapshot {
					rec.Snapshot = json.RawMessage("null")
				}
				return out.Success(&TickView{Record: rec, showSnapshot: snapshot})
			})
		},
	}

	cmd.Flags().Uint64Var(&tick, "tick", 1, "tick number")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "include the committed state")

	return cmd
}

func newHistoryRangeCommand(opts *HistoryOptions) *cobra.Command {
	var from, to uint64

	cmd := &cobra.Command{
		Use:           "range",
		Short:         "List the recorded ticks between --from and --to",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if to < from {
				return NewExitError(ExitCommandError, fmt.Sprintf("--to (%d) is before --from (%d)", to, from))
			}
			return withHistory(opts, cmd, func(ctx context.Context, out *OutputFormatter, store history.Store) error {
				runID, err := resolveRun(ctx, store, opts.RunID)
				if err != nil {
					return out.Fail(ExitCommandError, ErrCodeHistory, "failed to resolve run", err)
				}
				recs, err := store.GetTickRange(ctx, runID, from, to)
				if err != nil {
					return out.Fail(ExitCommandError, ErrCodeHistory, "failed to read ticks", err)
				}
				for _, r := range recs {
					r.Snapshot = json.RawMessage("null")
				}
				return out.Success(&TickRange{RunID: runID, Ticks: recs})
			})
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 1, "first tick")
	cmd.Flags().Uint64Var(&to, "to", math.MaxInt64, "last tick")

	return cmd
}

func newHistoryEventsCommand(opts *HistoryOptions) *cobra.Command {
	var from, to uint64

	cmd := &cobra.Command{
		Use:           "events",
		Short:         "List the events of the ticks between --from and --to",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if to < from {
				return NewExitError(ExitCommandError, fmt.Sprintf("--to (%d) is before --from (%d)", to, from))
			}
			return withHistory(opts, cmd, func(ctx context.Context, out *OutputFormatter, store history.Store) error {
				runID, err := resolveRun(ctx, store, opts.RunID)
				if err != nil {
					return out.Fail(ExitCommandError, ErrCodeHistory, "failed to resolve run", err)
				}
				ticks, err := store.GetEventRange(ctx, runID, from, to)
				if err != nil {
					return out.Fail(ExitCommandError, ErrCodeHistory, "failed to read events", err)
				}
				return out.Success(&EventRange{RunID: runID, Ticks: ticks})
			})
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 1, "first tick")
	cmd.Flags().Uint64Var(&to, "to", math.MaxInt64, "last tick")

	return cmd
}

func newHistoryClearCommand(opts *HistoryOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:           "clear",
		Short:         "Delete the records of one run, or of every run with --all",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (opts.RunID != "") {
				return NewExitError(ExitCommandError, "exactly one of --run or --all is required")
			}
			return withHistory(opts, cmd, func(ctx context.Context, out *OutputFormatter, store history.Store) error {
				cleared := []string{opts.RunID}
				if all {
					runs, err := store.Runs(ctx)
					if err != nil {
						return out.Fail(ExitCommandError, ErrCodeHistory, "failed to list runs", err)
					}
					cleared = runs
				} else if _, err := store.Ticks(ctx, opts.RunID); err != nil {
					return out.Fail(ExitCommandError, ErrCodeHistory, "failed to resolve run", err)
				}
				if err := store.Clear(ctx, opts.RunID); err != nil {
					return out.Fail(ExitCommandError, ErrCodeHistory, "failed to clear history", err)
				}
				out.VerboseLog("cleared %d runs", len(cleared))
				return out.Success(&ClearResult{Cleared: cleared})
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "clear every run")

	return cmd
}

func withHistory(opts *HistoryOptions, cmd *cobra.Command, fn func(context.Context, *OutputFormatter, history.Store) error) error {
	out := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := openStore(ctx, opts.Database, nil)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeHistory, "failed to open history", err)
	}
	if store == nil {
		return NewExitError(ExitCommandError, "--db is required")
	}
	defer store.Close()

	return fn(ctx, out, store)
}

func resolveRun(ctx context.Context, store history.Store, runID string) (string, error) {
	if runID != "" {
		return runID, nil
	}
	return history.Latest(ctx, store)
}
