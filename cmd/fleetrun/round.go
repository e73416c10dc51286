package main

import (
	"context"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agent462/fleetrun/internal/aggregate"
	"github.com/agent462/fleetrun/internal/config"
	"github.com/agent462/fleetrun/internal/executor"
	"github.com/agent462/fleetrun/internal/logging"
	"github.com/agent462/fleetrun/internal/report"
	"github.com/agent462/fleetrun/internal/selector"
	"github.com/agent462/fleetrun/internal/ssh"
	"github.com/agent462/fleetrun/internal/step"
	"github.com/agent462/fleetrun/internal/transfer"
)

// newRunner builds the transport for a round. Tests swap it for a fake.
var newRunner = func(conf ssh.ClientConfig, opts ...ssh.RunnerOption) executor.Runner {
	return ssh.NewRunner(conf, opts...)
}

// scriptDir is where staged scripts land when a step names no destination.
const scriptDir = "/tmp/fleetrun"

// target selects the hosts of a round.
type target struct {
	group string
	hosts []string
	only  string
}

// round describes one dispatch: which hosts, what to run, how to report it.
type round struct {
	target
	command       executor.Command
	timeout       time.Duration
	concurrency   int
	script        string
	scriptDest    string
	failurePrefix string
	reportHeader  string
}

// resolve turns a target into the host set handed to the dispatcher.
func (a *app) resolve(t target) ([]executor.Host, error) {
	hosts, err := config.ResolveHosts(a.cfg, t.group, t.hosts)
	if err != nil {
		return nil, step.Fatalf("resolve hosts", err)
	}
	if t.only == "" {
		return hosts, nil
	}
	patterns, err := selector.Parse(t.only)
	if err != nil {
		return nil, step.Fatalf("parse --only", err)
	}
	hosts, err = selector.Filter(hosts, patterns)
	if err != nil {
		return nil, step.Fatalf("filter hosts", err)
	}
	return hosts, nil
}

// stepRound builds a round from a configured step. Flag values that are set
// override the step's own.
func (a *app) stepRound(name string, t target, timeout time.Duration) (round, error) {
	sc, err := a.cfg.Step(name)
	if err != nil {
		return round{}, step.Fatalf("step", err)
	}
	if timeout <= 0 {
		timeout = a.cfg.Timeout(t.group, &sc)
	}
	r := round{
		target:        t,
		command:       executor.Command(sc.Command),
		timeout:       timeout,
		script:        sc.Script,
		scriptDest:    sc.ScriptDest,
		failurePrefix: sc.FailureMessage,
		reportHeader:  sc.ReportHeader,
	}
	if r.script != "" && r.scriptDest == "" {
		r.scriptDest = path.Join(scriptDir, filepath.Base(r.script))
	}
	return r, nil
}

// runRound dispatches r, prints the report to stdout and returns the step
// outcome: nil, a *step.WarningError or a *step.FatalError.
func (a *app) runRound(ctx context.Context, r round) error {
	log := logging.FromContext(ctx)

	hosts, err := a.resolve(r.target)
	if err != nil {
		return err
	}

	opts := []ssh.RunnerOption{ssh.WithLogger(log)}
	if r.script != "" {
		stager, err := transfer.NewStager(r.script, r.scriptDest, log)
		if err != nil {
			return step.Fatalf("stage script", err)
		}
		opts = append(opts, ssh.WithStager(stager))
	}
	runner := newRunner(ssh.ClientConfig{
		AcceptUnknownHosts: a.insecure(),
		Retry:              ssh.DefaultRetryPolicy(),
	}, opts...)
	defer ssh.CloseAgent()

	concurrency := r.concurrency
	if concurrency <= 0 {
		concurrency = a.cfg.Defaults.Concurrency
	}
	timeout := r.timeout
	if timeout <= 0 {
		timeout = a.cfg.Timeout(r.group, nil)
	}
	exec := executor.New(runner,
		executor.WithConcurrency(concurrency),
		executor.WithTimeout(timeout),
		executor.WithLogger(log),
	)

	// A dispatch error (empty command, or a round cut short by a signal)
	// means the round did not complete; it is always Fatal.
	results, err := exec.Dispatch(ctx, hosts, r.command)
	var c aggregate.Classification
	if err != nil {
		log.Error("dispatch failed", zap.Error(err))
		c = aggregate.Aborted(err)
	} else {
		c = aggregate.Classify(hosts, results, aggregate.Policy{
			RequireHosts:  a.cfg.Defaults.RequireHosts,
			FailurePrefix: r.failurePrefix,
		})
	}

	f := report.NewFormatter(a.color())
	if r.reportHeader != "" {
		f.FailureHeader = r.reportHeader
	}
	if err := f.Write(a.stdout, a.outputFormat(), results, c); err != nil {
		return step.Fatalf("write report", err)
	}

	log.Debug("round classified",
		zap.Stringer("kind", c.Kind),
		zap.Strings("failing", c.FailingHosts),
	)
	return step.Outcome(c)
}
