package cli

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"

	"github.com/extensivelabs/agentecs/internal/harness"
	"github.com/extensivelabs/agentecs/internal/history"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Config   string
	Database string
	RunID    string // optional - defaults to the latest run
}

// TickComparison compares one recorded tick with its replay.
type TickComparison struct {
	Tick           uint64 `json:"tick"`
	RecordedEffect string `json:"recorded_effect"`
	ReplayedEffect string `json:"replayed_effect"`
	RecordedHash   string `json:"recorded_hash"`
	ReplayedHash   string `json:"replayed_hash"`
	Match          bool   `json:"match"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	RunID         string           `json:"run_id"`
	Scenario      string           `json:"scenario"`
	Ticks         []TickComparison `json:"ticks"`
	Deterministic bool             `json:"deterministic"`
}

// RenderText implements TextRenderer.
func (r *ReplayResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Replay of run %s (%s): %d ticks\n", r.RunID, r.Scenario, len(r.Ticks))
	for _, t := range r.Ticks {
		if t.Match {
			fmt.Fprintf(w, "  ✓ tick %d %s\n", t.Tick, t.RecordedHash)
			continue
		}
		fmt.Fprintf(w, "  ✗ tick %d recorded %s %s, replayed %s %s\n",
			t.Tick, t.RecordedEffect, t.RecordedHash, t.ReplayedEffect, t.ReplayedHash)
	}
	if r.Deterministic {
		fmt.Fprintln(w, "Deterministic: yes")
		return
	}
	fmt.Fprintln(w, "Deterministic: NO")
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <scenario>",
		Short: "Re-run a recorded scenario and verify determinism",
		Long: `Re-run the scenario of a recorded run in a fresh world and compare every
tick's effect and state hash with the recorded history.

Exit codes:
  0 - Every tick matches
  1 - Determinism verification failed (differences detected)
  2 - Command error (database not found, scenario mismatch, etc.)

Examples:
  agentecs replay ./scenarios/economy.yaml --db ./history.db
  agentecs replay ./scenarios/economy.yaml --db ./history.db --run <id> --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to engine configuration used by the recorded run")
	cmd.Flags().StringVar(&opts.Database, "db", "", "history database (SQLite path or postgres:// URL)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id (defaults to the latest run)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runReplay(opts *ReplayOptions, path string, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeScenario, "failed to load scenario", err)
	}

	store, err := openStore(ctx, opts.Database, nil)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeHistory, "failed to open history", err)
	}
	defer store.Close()

	runID, err := resolveRun(ctx, store, opts.RunID)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeHistory, "failed to resolve run", err)
	}
	recorded, err := store.GetTickRange(ctx, runID, 1, math.MaxInt64)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeHistory, "failed to read ticks", err)
	}
	if len(recorded) == 0 {
		return out.Fail(ExitCommandError, ErrCodeHistory, fmt.Sprintf("run %s has no ticks", runID), history.ErrNotFound)
	}
	if name := recorded[0].Metadata["scenario"]; name != "" && name != scenario.Name {
		return out.Fail(ExitCommandError, ErrCodeScenario,
			fmt.Sprintf("run %s recorded scenario %q, not %q", runID, name, scenario.Name), nil)
	}
	out.VerboseLog("Replaying %d ticks of run %s", len(recorded), runID)

	replay := history.NewMemory(len(recorded))
	defer replay.Close()
	last := recorded[len(recorded)-1].Tick
	runOpts := []harness.Option{
		harness.WithHistory(replay),
		harness.WithRunID(runID),
		harness.WithTicks(int(last)),
	}
	if opts.Config != "" {
		runOpts = append(runOpts, harness.WithConfig(cfg))
	}
	if _, err := harness.Run(ctx, scenario, runOpts...); err != nil {
		return out.Fail(ExitCommandError, ErrCodeScenario, "replay failed", err)
	}

	result := &ReplayResult{RunID: runID, Scenario: scenario.Name, Deterministic: true}
	for _, rec := range recorded {
		cmp := TickComparison{Tick: rec.Tick, RecordedEffect: rec.Effect, RecordedHash: rec.StateHash}
		if again, err := replay.GetTick(ctx, runID, rec.Tick); err == nil {
			cmp.ReplayedEffect = again.Effect
			cmp.ReplayedHash = again.StateHash
		}
		cmp.Match = cmp.RecordedEffect == cmp.ReplayedEffect && cmp.RecordedHash == cmp.ReplayedHash
		if !cmp.Match {
			result.Deterministic = false
		}
		result.Ticks = append(result.Ticks, cmp)
	}

	if err := out.Success(result); err != nil {
		return err
	}
	if !result.Deterministic {
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return nil
}
