package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"snapname/internal/config"
)

const defaultConfigPath = "snapname.yaml"

func newConfigCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with every default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if c.configPath != "" {
				path = c.configPath
			}
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			c.out.Info("Wrote %s", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Check a configuration file and report problems",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.configPath
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			result := config.ValidateConfig(cfg)
			if c.out.IsJSON() {
				return c.out.JSON(result)
			}
			for _, w := range result.Warnings {
				c.out.Info("warning: %s: %s", w.Field, w.Message)
			}
			c.out.Info("Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
