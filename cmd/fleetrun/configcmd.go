package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agent462/fleetrun/internal/config"
	"github.com/agent462/fleetrun/internal/step"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the fleetrun config file",
		// The file may not exist yet, so only the logger is set up here.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setupLogger(cmd)
		},
	}
	cmd.AddCommand(newConfigInitCmd(a))
	return cmd
}

func newConfigInitCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config with the built-in steps",
		Long: `Write the default config, including the update_checkout step, to --config
or $XDG_CONFIG_HOME/fleetrun/config.yaml. An existing file is kept unless
--force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.configPath()
			if path == "" {
				return step.Fatalf("config init", errors.New("cannot determine a config path; pass --config"))
			}
			if _, err := os.Stat(path); err == nil && !force {
				return step.Fatalf("config init", fmt.Errorf("%s already exists (use --force to overwrite)", path))
			}
			if err := config.Save(path, config.DefaultConfig()); err != nil {
				return step.Fatalf("config init", err)
			}
			a.logger.Debug("config written", zap.String("path", path))
			fmt.Fprintln(a.stdout, "wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}
