package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tOgg1/chatsync/internal/config"
	"github.com/tOgg1/chatsync/internal/logging"
)

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration as YAML",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, loader, closeLog, err := loadConfig(flags)
				if err != nil {
					return err
				}
				defer closeLog()
				out, err := renderConfig(cfg)
				if err != nil {
					return Exitf(ExitCodeFailure, "encode config: %v", err)
				}
				if used := loader.ConfigFileUsed(); used != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", used)
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file in use",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				_, loader, closeLog, err := loadConfig(flags)
				if err != nil {
					return err
				}
				defer closeLog()
				used := loader.ConfigFileUsed()
				if used == "" {
					used = "(defaults)"
				}
				fmt.Fprintln(cmd.OutOrStdout(), used)
				return nil
			},
		},
	)
	return cmd
}

// renderConfig encodes cfg with the token redacted.
func renderConfig(cfg *config.Config) ([]byte, error) {
	shown := *cfg
	if shown.Backend.Token != "" {
		shown.Backend.Token = logging.RedactedValue
	}
	shown.Backend.BaseURL = logging.RedactURL(shown.Backend.BaseURL)
	return yaml.Marshal(&shown)
}
