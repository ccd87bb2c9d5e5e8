package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for inconsistent settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			return nil
		},
	})
	return cmd
}

func (r *Root) configShow(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	cfgPath := os.Getenv("FLARELOCATE_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/flarelocate/config.json"
	}
	fmt.Fprintf(out, "# config file: %s\n", cfgPath)

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(r.cfg); err != nil {
		return err
	}
	return enc.Close()
}
