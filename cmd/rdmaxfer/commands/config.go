package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmaxfer/internal/config"
)

// NewConfigCmd creates the config command
func NewConfigCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(newConfigShowCmd(g))

	return cmd
}

func newConfigShowCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the configuration after files, environment and flags are applied",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(config.Options{})
			if err != nil {
				return err
			}

			if g.jsonOutput {
				return g.print(cmd.OutOrStdout(), output{report: cfg})
			}

			data, err := cfg.YAML()
			if err != nil {
				return err
			}

			_, err = fmt.Fprint(cmd.OutOrStdout(), string(data))

			return err
		},
	}
}
