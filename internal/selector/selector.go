// Package selector narrows a resolved host set with glob patterns.
package selector

import (
	"fmt"
	"path"
	"strings"

	"github.com/agent462/fleetrun/internal/executor"
)

// Parse splits a comma-separated selector ("build*,!build3") into patterns
// and validates each glob.
func Parse(sel string) ([]string, error) {
	var patterns []string
	for _, p := range strings.Split(sel, ",") {
		p = strings.TrimSpace(p)
		if p == "" || p == "!" {
			continue
		}
		if _, err := path.Match(strings.TrimPrefix(p, "!"), ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

// Filter keeps hosts whose Name or Hostname matches at least one include
// pattern and no "!" exclude pattern. With no include patterns every host
// not excluded is kept. Order is preserved. An empty result is not an error.
func Filter(hosts []executor.Host, patterns []string) ([]executor.Host, error) {
	var include, exclude []string
	for _, p := range patterns {
		if rest, ok := strings.CutPrefix(p, "!"); ok {
			exclude = append(exclude, rest)
		} else {
			include = append(include, p)
		}
	}
	for _, p := range append(append([]string(nil), include...), exclude...) {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}

	out := make([]executor.Host, 0, len(hosts))
	for _, h := range hosts {
		if len(include) > 0 && !matchAny(include, h) {
			continue
		}
		if matchAny(exclude, h) {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func matchAny(patterns []string, h executor.Host) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, h.Name); ok {
			return true
		}
		if h.Hostname != "" {
			if ok, _ := path.Match(p, h.Hostname); ok {
				return true
			}
		}
	}
	return false
}
