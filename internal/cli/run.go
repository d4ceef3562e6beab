package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/extensivelabs/agentecs/internal/harness"
	"github.com/extensivelabs/agentecs/internal/scheduler"
	"github.com/extensivelabs/agentecs/internal/world"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config     string
	Database   string
	Ticks      int
	Profile    string // "", "cpu" or "mem"
	ProfileDir string

	// RunIDs allows overriding the run id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs world.TokenGenerator
}

// RunReport is the output of the run command.
type RunReport struct {
	Scenario  string                `json:"scenario"`
	RunID     string                `json:"run_id"`
	Pass      bool                  `json:"pass"`
	Errors    []string              `json:"errors,omitempty"`
	Ticks     []harness.TickSummary `json:"ticks"`
	StateHash string                `json:"state_hash"`
	State     harness.State         `json:"state,omitempty"`
}

// RenderText implements TextRenderer.
func (r *RunReport) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Scenario %s (run %s)\n", r.Scenario, r.RunID)
	for _, t := range r.Ticks {
		fmt.Fprintf(w, "  tick %d: %s, %d groups", t.Tick, t.Effect, t.Groups)
		if len(t.Retried) > 0 {
			fmt.Fprintf(w, ", retried %v", t.Retried)
		}
		if len(t.Skipped) > 0 {
			fmt.Fprintf(w, ", skipped %v", t.Skipped)
		}
		if len(t.Failed) > 0 {
			fmt.Fprintf(w, ", failed %v", t.Failed)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "State hash: %s\n", r.StateHash)
	if r.Pass {
		fmt.Fprintln(w, "PASS")
		return
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	fmt.Fprintln(w, "FAIL")
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Run a scenario and check its expectations",
		Long: `Run a scenario file (YAML or CUE) in a fresh world.

Every tick can be recorded in a history database: a file path selects
SQLite, a postgres:// URL selects PostgreSQL. Each invocation records a
new run with a time-sortable id.

Exit codes:
  0 - All expectations held
  1 - One or more expectations failed
  2 - Command error (bad scenario, unreachable database, etc.)

Examples:
  agentecs run ./scenarios/economy.yaml
  agentecs run ./scenarios/economy.yaml --db ./history.db --ticks 50
  agentecs run ./scenarios/economy.yaml --profile cpu --profile-dir ./prof`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("ticks") {
				opts.Ticks = -1
			}
			return runScenario(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to engine configuration (TOML)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "history database (SQLite path or postgres:// URL)")
	cmd.Flags().IntVar(&opts.Ticks, "ticks", 0, "override the scenario's tick count")
	cmd.Flags().StringVar(&opts.Profile, "profile", "", "write a profile (cpu|mem)")
	cmd.Flags().StringVar(&opts.ProfileDir, "profile-dir", ".", "directory for profile output")

	return cmd
}

func runScenario(opts *RunOptions, path string, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	logger, err := newLogger(opts.RootOptions, cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "invalid log configuration", err)
	}

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeScenario, "failed to load scenario", err)
	}

	stopProfile, err := startProfile(opts.Profile, opts.ProfileDir)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to start profiling", err)
	}
	defer stopProfile()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, opts.Database, cfg)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeHistory, "failed to open history", err)
	}

	runIDs := opts.RunIDs
	if runIDs == nil {
		runIDs = world.UUIDv7Generator{}
	}
	runID := scenario.Name
	runOpts := []harness.Option{
		harness.WithLogger(logger),
		harness.WithTicks(opts.Ticks),
		harness.WithTickObserver(func(r *scheduler.TickReport) {
			out.VerboseLog("tick %d: %s", r.Tick, r.Effect)
		}),
	}
	if opts.Config != "" {
		runOpts = append(runOpts, harness.WithConfig(cfg))
	}
	if store != nil {
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				logger.Error("error closing history", "error", closeErr)
			}
		}()
		runID = runIDs.Generate()
		runOpts = append(runOpts, harness.WithHistory(store), harness.WithRunID(runID))
	}

	logger.Info("running scenario", slog.String("scenario", scenario.Name), slog.String("run_id", runID))
	result, err := harness.Run(ctx, scenario, runOpts...)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return out.Fail(ExitFailure, ErrCodeGeneric, "run interrupted", err)
		}
		return out.Fail(ExitCommandError, ErrCodeScenario, "scenario setup failed", err)
	}

	report := &RunReport{
		Scenario:  scenario.Name,
		RunID:     runID,
		Pass:      result.Pass,
		Errors:    result.Errors,
		Ticks:     result.Ticks,
		StateHash: result.StateHash,
	}
	if opts.Verbose || opts.Format == "json" {
		report.State = result.State
	}
	if err := out.Success(report); err != nil {
		return err
	}
	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed %d expectation(s)", scenario.Name, len(result.Errors)))
	}
	return nil
}

// startProfile starts pprof collection for mode and returns its stop
// function. An empty mode is a no-op.
func startProfile(mode, dir string) (func(), error) {
	var kind func(*profile.Profile)
	switch mode {
	case "":
		return func() {}, nil
	case "cpu":
		kind = profile.CPUProfile
	case "mem":
		kind = profile.MemProfileAllocs
	default:
		return nil, fmt.Errorf("unknown profile mode %q: must be cpu or mem", mode)
	}
	p := profile.Start(kind, profile.ProfilePath(dir), profile.Quiet, profile.NoShutdownHook)
	return p.Stop, nil
}
