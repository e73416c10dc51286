// Package grouper collapses hosts that produced identical results, so a
// report shows one block for twenty hosts failing the same way.
package grouper

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/agent462/fleetrun/internal/executor"
)

// OutputGroup is a set of hosts with byte-identical stdout, stderr and exit
// code.
type OutputGroup struct {
	Hosts    []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Group buckets results by output. Groups appear in the order their first
// host appears in results, and hosts keep their order within a group.
func Group(results []*executor.HostResult) []OutputGroup {
	var groups []OutputGroup
	index := make(map[[sha256.Size]byte]int)

	for _, r := range results {
		if r == nil {
			continue
		}
		key := outputKey(r)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, OutputGroup{
				Stdout:   r.Stdout,
				Stderr:   r.Stderr,
				ExitCode: r.ExitCode,
			})
		}
		groups[i].Hosts = append(groups[i].Hosts, r.Host)
	}
	return groups
}

// Failures groups only the failing results.
func Failures(results []*executor.HostResult) []OutputGroup {
	failed := make([]*executor.HostResult, 0, len(results))
	for _, r := range results {
		if r != nil && r.Failed() {
			failed = append(failed, r)
		}
	}
	return Group(failed)
}

// outputKey hashes stdout, stderr and the exit code. Length prefixes keep
// ("ab", "c") and ("a", "bc") apart.
func outputKey(r *executor.HostResult) [sha256.Size]byte {
	h := sha256.New()
	var n [8]byte
	for _, part := range [][]byte{r.Stdout, r.Stderr} {
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write(part)
	}
	binary.BigEndian.PutUint64(n[:], uint64(int64(r.ExitCode)))
	h.Write(n[:])

	var key [sha256.Size]byte
	copy(key[:], h.Sum(nil))
	return key
}
