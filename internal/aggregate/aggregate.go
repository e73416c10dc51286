// Package aggregate reduces the per-host results of one dispatch round to a
// single Success / Degraded / Fatal classification.
package aggregate

import (
	"fmt"
	"strings"

	"github.com/agent462/fleetrun/internal/executor"
)

// Kind is the outcome class of a dispatch round.
type Kind int

const (
	// Success means every host exited 0.
	Success Kind = iota
	// Degraded means dispatch completed but at least one host failed.
	Degraded
	// Fatal means dispatch could not run, or produced a structurally
	// invalid mapping.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Degraded:
		return "degraded"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// DefaultFailurePrefix introduces the failing host list in Summary.
const DefaultFailurePrefix = "Could not update the following hosts"

// Policy holds the caller's rules for what counts as structurally invalid.
type Policy struct {
	// RequireHosts makes an empty host set Fatal instead of a vacuous Success.
	RequireHosts bool

	// FailurePrefix replaces DefaultFailurePrefix in Degraded summaries.
	FailurePrefix string
}

// Classification is the result of Classify.
type Classification struct {
	Kind Kind

	// FailingHosts lists hosts with a non-zero exit code (including
	// executor.ExitUnreachable) in the caller's host order. Always empty for
	// Success and Fatal.
	FailingHosts []string

	// Message is the diagnostic for Fatal classifications.
	Message string

	prefix string
}

// Summary renders a one-line human-readable description.
func (c Classification) Summary() string {
	switch c.Kind {
	case Success:
		return "all hosts succeeded"
	case Degraded:
		prefix := c.prefix
		if prefix == "" {
			prefix = DefaultFailurePrefix
		}
		return prefix + ": " + strings.Join(c.FailingHosts, ", ")
	default:
		return c.Message
	}
}

// Aborted is the Fatal classification of a round that did not run to
// completion, such as one interrupted by a signal. Whatever results it
// produced are not classified.
func Aborted(err error) Classification {
	msg := "dispatch aborted"
	if err != nil {
		msg = "dispatch aborted: " + err.Error()
	}
	return Classification{Kind: Fatal, FailingHosts: []string{}, Message: msg}
}

// Classify inspects results against the requested host set. It is a pure
// function: the same inputs always produce the same Classification.
//
// hosts is the set handed to the dispatcher, before deduplication; the
// failing host list follows its order, not completion order.
func Classify(hosts []executor.Host, results *executor.Results, policy Policy) Classification {
	fatal := func(format string, args ...any) Classification {
		return Classification{Kind: Fatal, FailingHosts: []string{}, Message: fmt.Sprintf(format, args...)}
	}

	if results == nil {
		return fatal("dispatch produced no result mapping")
	}

	unique := executor.Dedup(hosts)
	if len(unique) == 0 {
		if policy.RequireHosts {
			return fatal("no hosts to dispatch to")
		}
		return Classification{Kind: Success, FailingHosts: []string{}}
	}

	if results.Len() != len(unique) {
		return fatal("result mapping has %d entries for %d hosts", results.Len(), len(unique))
	}

	failing := []string{}
	for _, h := range unique {
		r, ok := results.Get(h.Name)
		if !ok {
			return fatal("no result recorded for host %s", h.Name)
		}
		if r.Failed() {
			failing = append(failing, h.Name)
		}
	}

	if len(failing) == 0 {
		return Classification{Kind: Success, FailingHosts: failing}
	}
	return Classification{
		Kind:         Degraded,
		FailingHosts: failing,
		prefix:       policy.FailurePrefix,
	}
}
