package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newValidateCmd(c *cli) *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := c.loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			if !show {
				return nil
			}
			config.Redis.Password = ""
			out, err := yaml.Marshal(config)
			if err != nil {
				return fmt.Errorf("failed to render configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "print the effective configuration with defaults applied")
	return cmd
}
