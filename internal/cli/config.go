package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/extensivelabs/agentecs/internal/config"
)

// ConfigView is the output of "config show".
type ConfigView struct {
	*config.Config
	toml string
}

// RenderText implements TextRenderer.
func (v *ConfigView) RenderText(w io.Writer) {
	fmt.Fprint(w, v.toml)
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect engine configuration",
	}
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	return cmd
}

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration the engine would run with: the defaults, overlaid
with --config when given. Text output is TOML.

Examples:
  agentecs config show
  agentecs config show --config ./agentecs.toml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			cfg, err := loadConfig(path)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
			}
			text, err := cfg.Encode()
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeConfig, "failed to encode config", err)
			}
			return out.Success(&ConfigView{Config: cfg, toml: text})
		},
	}

	cmd.Flags().StringVar(&path, "config", "", "path to engine configuration (TOML)")

	return cmd
}
