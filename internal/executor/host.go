package executor

import "strings"

// Host identifies one fleet member and carries the parameters a Runner needs
// to reach it. The dispatcher treats Name as the identity key; everything
// else is opaque to it.
type Host struct {
	Name         string // identity and display label (e.g. "admin@build3")
	Hostname     string // actual address to dial; empty means Name
	User         string
	Port         int
	IdentityFile string
	ProxyJump    string
}

// Address returns the hostname a transport should dial.
func (h Host) Address() string {
	if h.Hostname != "" {
		return h.Hostname
	}
	return h.Name
}

// Dedup drops hosts whose Name was already seen, keeping the first
// occurrence and the caller's order.
func Dedup(hosts []Host) []Host {
	seen := make(map[string]bool, len(hosts))
	out := make([]Host, 0, len(hosts))
	for _, h := range hosts {
		if seen[h.Name] {
			continue
		}
		seen[h.Name] = true
		out = append(out, h)
	}
	return out
}

// Names returns the Name of every host, in order.
func Names(hosts []Host) []string {
	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Name
	}
	return names
}

// Command is a program followed by its arguments. The same Command is sent
// to every host of a round.
type Command []string

// Valid reports whether the command names a program.
func (c Command) Valid() bool {
	return len(c) > 0 && strings.TrimSpace(c[0]) != ""
}

// String renders the command as a single POSIX shell line, quoting each
// argument that needs it. Remote shells (ssh exec) receive this form.
func (c Command) String() string {
	parts := make([]string, len(c))
	for i, arg := range c {
		parts[i] = shellQuote(arg)
	}
	return strings.Join(parts, " ")
}

// shellQuote single-quotes s unless it consists only of characters that are
// safe unquoted, escaping embedded single quotes as '\''.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := strings.IndexFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		}
		switch r {
		case '-', '_', '.', '/', '@', ':', ',', '+', '=':
			return false
		}
		return true
	}) == -1
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
