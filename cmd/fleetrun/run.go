package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent462/fleetrun/internal/config"
	"github.com/agent462/fleetrun/internal/executor"
)

// targetFlags registers the host selection flags shared by round commands.
func targetFlags(cmd *cobra.Command, t *target) {
	f := cmd.Flags()
	f.StringVarP(&t.group, "group", "g", "", "inventory group (default: defaults.group)")
	f.StringSliceVar(&t.hosts, "hosts", nil, "extra hosts, comma-separated (user@host allowed)")
	f.StringVar(&t.only, "only", "", `glob filter, e.g. "build*,!build3"`)
}

func newRunCmd(a *app) *cobra.Command {
	var (
		t           target
		timeout     time.Duration
		concurrency int
		failure     string
	)
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run an ad-hoc command on every selected host",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if timeout < 0 {
				return fmt.Errorf("%w: --timeout must not be negative", errUsage)
			}
			return a.runRound(cmd.Context(), round{
				target:        t,
				command:       executor.Command(args),
				timeout:       timeout,
				concurrency:   concurrency,
				failurePrefix: failure,
			})
		},
	}
	cmd.Flags().SetInterspersed(false)
	targetFlags(cmd, &t)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-host timeout (default from config)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max hosts at once (0: no cap)")
	cmd.Flags().StringVar(&failure, "failure-message", "", "prefix for the failing host list")
	return cmd
}

func newStepCmd(a *app) *cobra.Command {
	var (
		t       target
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "step <name>",
		Short: "Run a configured maintenance step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.stepRound(args[0], t, timeout)
			if err != nil {
				return err
			}
			return a.runRound(cmd.Context(), r)
		},
	}
	targetFlags(cmd, &t)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-host timeout (default from step or config)")
	return cmd
}

func newUpdateCheckoutCmd(a *app) *cobra.Command {
	var (
		t       target
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "update-checkout",
		Short: "Force-update the buildbot checkout on every host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.stepRound(config.UpdateCheckoutStep, t, timeout)
			if err != nil {
				return err
			}
			return a.runRound(cmd.Context(), r)
		},
	}
	targetFlags(cmd, &t)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-host timeout (default from step or config)")
	return cmd
}
