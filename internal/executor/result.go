package executor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ExitUnreachable is the exit code recorded when no real process exit status
// could be obtained: the host was unreachable, the command could not be
// started, the per-host timeout elapsed, or the runner itself faulted.
const ExitUnreachable = -1

// HostResult holds the result of executing a command on a single host.
type HostResult struct {
	Host     string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	Err      error // connection/timeout/internal errors; ExitCode is ExitUnreachable when set
}

// Failed reports whether the host counts as failing: any non-zero exit code,
// including ExitUnreachable.
func (r *HostResult) Failed() bool {
	return r.ExitCode != 0
}

// TimedOut reports whether the host hit its per-host deadline.
func (r *HostResult) TimedOut() bool {
	return errors.Is(r.Err, context.DeadlineExceeded)
}

// markUnreachable records err as the failure reason, forces the sentinel exit
// code and appends a one-line annotation to Stderr. Partial output captured
// before the failure is kept.
func (r *HostResult) markUnreachable(err error) {
	r.Err = err
	r.ExitCode = ExitUnreachable

	stderr := make([]byte, 0, len(r.Stderr)+len(err.Error())+12)
	stderr = append(stderr, r.Stderr...)
	if len(stderr) > 0 && stderr[len(stderr)-1] != '\n' {
		stderr = append(stderr, '\n')
	}
	stderr = append(stderr, "fleetrun: "...)
	stderr = append(stderr, err.Error()...)
	stderr = append(stderr, '\n')
	r.Stderr = stderr
}

// Results maps every host of a round to its HostResult. Slots are allocated
// from the deduplicated host list before fan-out, and each slot is written by
// exactly one goroutine.
type Results struct {
	RoundID uuid.UUID

	hosts []string
	index map[string]int
	slots []*HostResult
}

func newResults(hosts []Host) *Results {
	r := &Results{
		RoundID: uuid.New(),
		hosts:   Names(hosts),
		index:   make(map[string]int, len(hosts)),
		slots:   make([]*HostResult, len(hosts)),
	}
	for i, name := range r.hosts {
		r.index[name] = i
	}
	return r
}

// NewResults assembles a Results from already-completed host results, in the
// given order. Later duplicates of a host are ignored.
func NewResults(results ...*HostResult) *Results {
	r := &Results{
		RoundID: uuid.New(),
		index:   make(map[string]int, len(results)),
	}
	for _, res := range results {
		if res == nil {
			continue
		}
		if _, ok := r.index[res.Host]; ok {
			continue
		}
		r.index[res.Host] = len(r.hosts)
		r.hosts = append(r.hosts, res.Host)
		r.slots = append(r.slots, res)
	}
	return r
}

// Len returns the number of hosts in the mapping.
func (r *Results) Len() int {
	return len(r.hosts)
}

// Hosts returns the host names in dispatch order.
func (r *Results) Hosts() []string {
	out := make([]string, len(r.hosts))
	copy(out, r.hosts)
	return out
}

// Get returns the result recorded for host.
func (r *Results) Get(host string) (*HostResult, bool) {
	i, ok := r.index[host]
	if !ok || r.slots[i] == nil {
		return nil, false
	}
	return r.slots[i], true
}

// All returns every recorded result in dispatch order.
func (r *Results) All() []*HostResult {
	out := make([]*HostResult, 0, len(r.slots))
	for _, s := range r.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
