package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/agent462/fleetrun/internal/config"
	"github.com/agent462/fleetrun/internal/logging"
	"github.com/agent462/fleetrun/internal/step"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// app is the state shared by every subcommand once flags and config are read.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if a.logger != nil {
		_ = a.logger.Sync()
	}

	codes := step.DefaultExitCodes()
	if a.cfg != nil {
		codes = a.cfg.ExitCodes
	}
	switch step.SignalOf(err) {
	case step.SignalNone:
	case step.SignalWarning:
		fmt.Fprintln(stderr, "warning:", err)
	default:
		fmt.Fprintln(stderr, "error:", err)
	}
	return step.ExitCode(err, codes)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetrun",
		Short:         "Run a command on every host of a fleet and classify the round",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default $XDG_CONFIG_HOME/fleetrun/config.yaml)")
	pf.Bool("debug", false, "enable debug logging")
	pf.String("log-format", "console", "log format: console or json")
	pf.Bool("json", false, "print the report as JSON")
	pf.Bool("insecure", false, "skip known_hosts verification")

	// FLEETRUN_CONFIG, FLEETRUN_LOG_FORMAT and friends override flag defaults.
	a.v.SetEnvPrefix("FLEETRUN")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	_ = a.v.BindPFlags(pf)

	root.AddCommand(
		newRunCmd(a),
		newStepCmd(a),
		newUpdateCheckoutCmd(a),
		newHostsCmd(a),
		newConfigCmd(a),
	)
	return root
}

// setup loads config and builds the logger. Failures here happen before any
// round, so they are step-halting.
func (a *app) setup(cmd *cobra.Command) error {
	if err := a.setupLogger(cmd); err != nil {
		return err
	}

	var (
		cfg *config.Config
		err error
	)
	if path := a.v.GetString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return step.Fatalf("config", err)
	}
	a.cfg = cfg

	a.logger.Debug("config loaded", zap.Int("groups", len(cfg.Inventory)), zap.Int("steps", len(cfg.Steps)))
	return nil
}

func (a *app) setupLogger(cmd *cobra.Command) error {
	logger, err := logging.New(logging.Config{
		Debug:  a.v.GetBool("debug"),
		Format: a.v.GetString("log-format"),
		Output: a.stderr,
	})
	if err != nil {
		return step.Fatalf("logging", err)
	}
	a.logger = logger
	cmd.SetContext(logging.WithLogger(cmd.Context(), logger))
	return nil
}

// configPath is --config, or the default location.
func (a *app) configPath() string {
	if path := a.v.GetString("config"); path != "" {
		return path
	}
	return config.DefaultConfigPath()
}

// outputFormat is "json" when --json is set, else the configured default.
func (a *app) outputFormat() string {
	if a.v.GetBool("json") {
		return "json"
	}
	return a.cfg.Defaults.Output
}

func (a *app) insecure() bool {
	return a.v.GetBool("insecure") || a.cfg.Defaults.Insecure
}

// color reports whether stdout is a terminal that should get ANSI colours.
func (a *app) color() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := a.stdout.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// errUsage marks command-line mistakes.
var errUsage = errors.New("usage")
