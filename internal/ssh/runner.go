package ssh

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/agent462/fleetrun/internal/executor"
)

// Stager prepares a host before the command runs, for example by uploading
// the script the command invokes.
type Stager interface {
	Stage(ctx context.Context, client *ssh.Client, host string) error
}

// Runner implements executor.Runner over one fresh SSH connection per call.
type Runner struct {
	base   ClientConfig
	stager Stager
	logger *zap.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStager runs s on every host after connecting and before the command.
func WithStager(s Stager) RunnerOption {
	return func(r *Runner) { r.stager = s }
}

// WithLogger sets the logger for connection-level events.
func WithLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a Runner. base carries the settings shared by every
// host; per-host values from executor.Host override it.
func NewRunner(base ClientConfig, opts ...RunnerOption) *Runner {
	r := &Runner{base: base, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run connects to host, optionally stages files, and runs cmd. Connection,
// staging and session failures are reported through HostResult.Err.
func (r *Runner) Run(ctx context.Context, host executor.Host, cmd executor.Command) *executor.HostResult {
	result := &executor.HostResult{Host: host.Name, ExitCode: executor.ExitUnreachable}

	client, err := Dial(ctx, host.Address(), r.hostConfig(host))
	if err != nil {
		result.Err = WrapConnectError(host.Name, fmt.Errorf("connect: %w", err))
		return result
	}
	defer client.Close()

	if r.stager != nil {
		if err := r.stager.Stage(ctx, client.SSHClient(), host.Name); err != nil {
			result.Err = fmt.Errorf("stage: %w", err)
			return result
		}
	}

	out, err := client.RunCommand(ctx, cmd.String())
	result.Stdout = out.Stdout
	result.Stderr = out.Stderr
	result.ExitCode = out.ExitCode
	result.Err = err
	if err != nil {
		r.logger.Debug("session ended without exit status",
			zap.String("host", host.Name),
			zap.Error(err),
		)
	}
	return result
}

// hostConfig overlays the host's own connection settings on the base config.
func (r *Runner) hostConfig(host executor.Host) ClientConfig {
	conf := r.base
	if host.User != "" {
		conf.User = host.User
	}
	if host.Port != 0 {
		conf.Port = host.Port
	}
	if host.IdentityFile != "" {
		conf.IdentityFiles = []string{host.IdentityFile}
	}
	if host.ProxyJump != "" {
		conf.ProxyJump = host.ProxyJump
	}
	return conf
}
