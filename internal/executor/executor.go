package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrEmptyCommand is returned by Dispatch when the command names no program.
	ErrEmptyCommand = errors.New("empty command")

	// ErrInternal marks failures of the dispatch machinery itself (a runner
	// that panicked or returned nothing) rather than of the remote host.
	ErrInternal = errors.New("internal dispatch error")

	// ErrInterrupted is returned by Dispatch, with the partial Results, when
	// the caller's context ended before the round finished.
	ErrInterrupted = errors.New("round interrupted")
)

// DefaultTimeout is the per-host timeout when WithTimeout is not given. The
// config layer uses the same value for defaults.timeout.
const DefaultTimeout = 10 * time.Minute

// abandonGrace is how long a unit waits, after its deadline, for a runner
// that ignores cancellation before recording a timeout without it.
const abandonGrace = 200 * time.Millisecond

// Runner is the interface that the SSH layer implements to execute a command
// on a single host. The context carries the per-host deadline. Expected
// failures (unreachable host, timeout) are reported through HostResult.Err,
// never by panicking.
type Runner interface {
	Run(ctx context.Context, host Host, cmd Command) *HostResult
}

// Executor fans out command execution across a host set, one goroutine per
// host, and collects a complete Results mapping.
type Executor struct {
	runner      Runner
	concurrency int // 0 means one goroutine per host with no cap
	timeout     time.Duration
	logger      *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithConcurrency caps the number of hosts running at once. The per-host
// timeout starts when a host gets a slot, not when Dispatch is called.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTimeout sets the per-host command timeout. Non-positive values keep
// DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger used for per-host and round-level events.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Executor with the given Runner and options.
func New(runner Runner, opts ...Option) *Executor {
	e := &Executor{
		runner:  runner,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch runs cmd on every host concurrently and blocks until each host has
// finished or timed out. Duplicate host names collapse to their first
// occurrence. An empty host set yields an empty Results and no error.
//
// ErrEmptyCommand is returned before anything is launched. If ctx ends while
// the round is running, every host still gets its slot and Dispatch returns
// the Results together with ErrInterrupted. A per-host timeout is not an
// interruption: it is recorded on that host only.
//
// Every deduplicated host gets exactly one HostResult, even when its runner
// panics, returns nil or ignores its deadline.
func (e *Executor) Dispatch(ctx context.Context, hosts []Host, cmd Command) (*Results, error) {
	if !cmd.Valid() {
		return nil, ErrEmptyCommand
	}

	unique := Dedup(hosts)
	results := newResults(unique)
	log := e.logger.With(zap.String("round", results.RoundID.String()))

	if len(unique) == 0 {
		log.Debug("no hosts to dispatch to")
		return results, nil
	}

	log.Info("dispatching",
		zap.Int("hosts", len(unique)),
		zap.String("command", cmd.String()),
		zap.Duration("timeout", e.timeout),
	)

	start := time.Now()
	var g errgroup.Group
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for i, host := range unique {
		g.Go(func() error {
			res := e.runHost(ctx, host, cmd)
			results.slots[i] = res
			log.Debug("host finished",
				zap.String("host", host.Name),
				zap.Int("exit_code", res.ExitCode),
				zap.Duration("duration", res.Duration),
				zap.Error(res.Err),
			)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results.slots {
		if r.Failed() {
			failed++
		}
	}
	if err := ctx.Err(); err != nil {
		log.Warn("dispatch interrupted",
			zap.Int("hosts", len(unique)),
			zap.Int("failed", failed),
			zap.Error(err),
		)
		return results, fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	log.Info("dispatch complete",
		zap.Int("hosts", len(unique)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return results, nil
}

// runHost executes one unit of work and always returns a non-nil result.
func (e *Executor) runHost(ctx context.Context, host Host, cmd Command) *HostResult {
	if err := ctx.Err(); err != nil {
		res := &HostResult{Host: host.Name}
		res.markUnreachable(err)
		return res
	}

	// Create a per-host timeout context derived from the parent.
	hostCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan *HostResult, 1)
	go func() {
		done <- e.invoke(hostCtx, host, cmd)
	}()

	var res *HostResult
	select {
	case res = <-done:
	case <-hostCtx.Done():
		select {
		case res = <-done:
		case <-time.After(abandonGrace):
			// The runner is not honouring its deadline. Its eventual result
			// lands in the buffered channel and is dropped.
			res = &HostResult{Host: host.Name, Err: hostCtx.Err()}
		}
	}

	res.Host = host.Name
	res.Duration = time.Since(start)

	// If the per-host context expired but the runner didn't set an error, record it.
	if res.Err == nil && hostCtx.Err() != nil && errors.Is(hostCtx.Err(), context.DeadlineExceeded) {
		res.Err = context.DeadlineExceeded
	}
	if res.Err != nil {
		res.markUnreachable(res.Err)
	}
	return res
}

// invoke calls the runner, converting a panic or a nil result into an
// internal-error result so the host's slot is never left empty.
func (e *Executor) invoke(ctx context.Context, host Host, cmd Command) (res *HostResult) {
	defer func() {
		if p := recover(); p != nil {
			res = &HostResult{
				Host: host.Name,
				Err:  fmt.Errorf("%w: runner panicked: %v", ErrInternal, p),
			}
		}
	}()

	res = e.runner.Run(ctx, host, cmd)
	if res == nil {
		res = &HostResult{
			Host: host.Name,
			Err:  fmt.Errorf("%w: runner returned no result", ErrInternal),
		}
	}
	return res
}
