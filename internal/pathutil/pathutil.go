// Package pathutil expands user-supplied paths from config files and flags.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading "~" or "~/" with the current user's home
// directory. "~otheruser/..." is returned unchanged.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// Expand substitutes $VAR and ${VAR} references, then expands a leading ~.
// An empty path stays empty.
func Expand(path string) string {
	if path == "" {
		return ""
	}
	return ExpandHome(os.ExpandEnv(path))
}
