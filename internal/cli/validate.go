package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/extensivelabs/agentecs/internal/harness"
)

// FileValidation is the validation outcome of one scenario file.
type FileValidation struct {
	Path     string `json:"path"`
	Scenario string `json:"scenario,omitempty"`
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// RenderText implements TextRenderer.
func (r *ValidationResult) RenderText(w io.Writer) {
	for _, f := range r.Files {
		if f.Valid {
			fmt.Fprintf(w, "✓ %s (%s)\n", f.Path, f.Scenario)
			continue
		}
		fmt.Fprintf(w, "✗ %s: %s\n", f.Path, f.Error)
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario>...",
		Short: "Check scenario files without running ticks",
		Long: `Load each scenario, check its structure, compile its scripts and spawn
its entities in a throwaway world. No tick is run.

Exit codes:
  0 - All scenarios are valid
  1 - One or more scenarios are invalid`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result := &ValidationResult{Valid: true, Files: make([]FileValidation, 0, len(paths))}
	for _, path := range paths {
		out.VerboseLog("Validating %s", path)
		fv := validateFile(ctx, path)
		if !fv.Valid {
			result.Valid = false
		}
		result.Files = append(result.Files, fv)
	}

	if err := out.Success(result); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

func validateFile(ctx context.Context, path string) FileValidation {
	fv := FileValidation{Path: path}
	s, err := harness.LoadScenario(path)
	if err != nil {
		fv.Error = err.Error()
		return fv
	}
	fv.Scenario = s.Name
	if _, err := harness.Setup(ctx, s); err != nil {
		fv.Error = err.Error()
		return fv
	}
	fv.Valid = true
	return fv
}
