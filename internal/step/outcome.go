// Package step translates a round's classification into the signal a build
// step reports to the framework that runs it: nothing, a warning that lets
// the sequence continue, or an error that halts it.
package step

import (
	"errors"
	"strings"

	"github.com/agent462/fleetrun/internal/aggregate"
)

// Signal is the kind of outcome a step reports.
type Signal int

const (
	SignalNone Signal = iota
	SignalWarning
	SignalError
)

func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalWarning:
		return "warning"
	default:
		return "error"
	}
}

// WarningError reports a degraded round: some hosts failed but the step
// completed. The enclosing sequence should keep going.
type WarningError struct {
	Hosts []string
	Msg   string
}

func (e *WarningError) Error() string {
	return e.Msg
}

// FatalError reports a round that could not be dispatched at all.
type FatalError struct {
	Msg string
	Err error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Outcome returns nil for Success, a *WarningError for Degraded and a
// *FatalError for Fatal.
func Outcome(c aggregate.Classification) error {
	switch c.Kind {
	case aggregate.Success:
		return nil
	case aggregate.Degraded:
		hosts := make([]string, len(c.FailingHosts))
		copy(hosts, c.FailingHosts)
		return &WarningError{Hosts: hosts, Msg: c.Summary()}
	default:
		msg := strings.TrimSpace(c.Summary())
		if msg == "" {
			msg = "dispatch failed"
		}
		return &FatalError{Msg: msg}
	}
}

// Fatalf wraps err as a step-halting error. Use it for failures that happen
// before a round is dispatched (bad config, unknown group).
func Fatalf(msg string, err error) error {
	return &FatalError{Msg: msg, Err: err}
}

// SignalOf classifies an error returned by a step. Any error that is not a
// *WarningError is treated as an error signal.
func SignalOf(err error) Signal {
	if err == nil {
		return SignalNone
	}
	var warn *WarningError
	if errors.As(err, &warn) {
		return SignalWarning
	}
	return SignalError
}

// ExitCodes maps signals to process exit codes. The framework running the
// step owns the actual numbers.
type ExitCodes struct {
	Warning int `yaml:"warning" validate:"gt=0,lt=256"`
	Error   int `yaml:"error" validate:"gt=0,lt=256,nefield=Warning"`
}

// DefaultExitCodes follows the buildbot step convention: 88 for warnings.
func DefaultExitCodes() ExitCodes {
	return ExitCodes{Warning: 88, Error: 1}
}

// ExitCode returns the process exit code for a step's error.
func ExitCode(err error, codes ExitCodes) int {
	switch SignalOf(err) {
	case SignalNone:
		return 0
	case SignalWarning:
		return codes.Warning
	default:
		return codes.Error
	}
}
