package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"

	"github.com/agent462/fleetrun/internal/executor"
	"github.com/agent462/fleetrun/internal/pathutil"
)

// ResolveHosts resolves the host set for a round from an inventory group and
// CLI-provided host names. If groupName is empty the configured default group
// is used. Group hosts come first, then CLI hosts not already present.
//
// An empty result is not an error here; whether zero hosts is acceptable is
// decided by the classification policy.
func ResolveHosts(cfg *Config, groupName string, cliHosts []string) ([]executor.Host, error) {
	if groupName == "" && len(cliHosts) == 0 {
		groupName = cfg.Defaults.Group
	}

	var hostnames []string
	var groupUser string

	if groupName != "" {
		group, ok := cfg.Inventory[groupName]
		if !ok {
			available := make([]string, 0, len(cfg.Inventory))
			for name := range cfg.Inventory {
				available = append(available, name)
			}
			if len(available) == 0 {
				return nil, fmt.Errorf("group %q not found (no groups defined)", groupName)
			}
			sort.Strings(available)
			return nil, fmt.Errorf("group %q not found (available: %s)", groupName, strings.Join(available, ", "))
		}
		hostnames = append(hostnames, group.Hosts...)
		groupUser = group.User
	}

	// Append CLI hosts, deduplicating against group hosts.
	all := make([]string, 0, len(hostnames)+len(cliHosts))
	all = append(all, hostnames...)
	all = append(all, cliHosts...)

	seen := make(map[string]bool, len(all))
	unique := make([]string, 0, len(all))
	for _, h := range all {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		unique = append(unique, h)
	}

	hosts := make([]executor.Host, 0, len(unique))
	for _, name := range unique {
		host := executor.Host{Name: name, Hostname: name, Port: 22}

		// Parse user@host syntax.
		if user, hostname, ok := parseUserAtHost(name); ok {
			host.Hostname = hostname
			host.User = user
			// Name stays as the original "user@host" for display and dedup.
		}

		// Apply group-level user override to hosts without an explicit user.
		if groupUser != "" && host.User == "" {
			host.User = groupUser
		}

		// Merge SSH config values (fills in missing fields).
		MergeSSHConfig(&host)

		hosts = append(hosts, host)
	}

	return hosts, nil
}

// MergeSSHConfig reads ~/.ssh/config and fills in User, Port, IdentityFile,
// and ProxyJump for the host if they are not already set. Lookups use
// the Hostname field (the actual SSH target), not the display Name. A
// HostName directive replaces Hostname when the two are still equal.
func MergeSSHConfig(host *executor.Host) {
	lookup := host.Address()

	if alias := sshConfigGet(lookup, "HostName"); alias != "" && host.Hostname == lookup {
		host.Hostname = alias
	}

	if host.User == "" {
		if user := sshConfigGet(lookup, "User"); user != "" {
			host.User = user
		}
	}

	if host.Port == 22 || host.Port == 0 {
		if portStr := sshConfigGet(lookup, "Port"); portStr != "" {
			if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
				host.Port = port
			}
		}
	}

	if host.IdentityFile == "" {
		if identity := sshConfigGet(lookup, "IdentityFile"); identity != "" {
			expanded := pathutil.ExpandHome(identity)
			if _, err := os.Stat(expanded); err == nil {
				host.IdentityFile = expanded
			}
		}
	}

	if host.ProxyJump == "" {
		if proxy := sshConfigGet(lookup, "ProxyJump"); proxy != "" {
			host.ProxyJump = proxy
		}
	}
}

// sshConfigGet looks up a key for a host in the user's SSH config.
// It is a variable so tests can substitute a fixed config.
var sshConfigGet = func(hostname, key string) string {
	val, err := ssh_config.GetStrict(hostname, key)
	if err != nil {
		return ""
	}
	return val
}

// parseUserAtHost splits "user@host" into its components.
// Returns ("", "", false) if the input doesn't contain @ or if the user part is empty.
func parseUserAtHost(s string) (user, host string, ok bool) {
	i := strings.Index(s, "@")
	if i <= 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
