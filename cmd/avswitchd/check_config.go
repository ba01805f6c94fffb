package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewCheckConfigCommand validates the configuration and prints the result
// with every default filled in.
func NewCheckConfigCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s: ok\n%s", opts.ConfigPath, out)
			return nil
		},
	}
}
