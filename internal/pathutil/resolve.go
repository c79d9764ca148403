// Package pathutil resolves user-supplied paths from config files and flags.
package pathutil

import (
	"os"
	"path/filepath"
)

// ResolveAbsolutePath converts a relative or ~-prefixed path to an absolute
// path. Symlinks in the existing portion of the path are resolved and any
// components that do not exist yet are appended unchanged, so a state
// directory under a linked home folder resolves before it is created.
func ResolveAbsolutePath(path string) (string, error) {
	if path == "" {
		return os.Getwd()
	}

	// Expand ~ to home directory
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = home + path[1:]
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	// Fast path if the whole path exists
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		return resolved, nil
	}

	// Find the deepest existing ancestor, resolve it, then append the rest
	current := absPath
	var remainder []string
	for {
		if _, err := os.Stat(current); err == nil {
			resolved, err := filepath.EvalSymlinks(current)
			if err != nil {
				resolved = current
			}
			for i := len(remainder) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, remainder[i])
			}
			return resolved, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return absPath, nil
		}
		remainder = append(remainder, filepath.Base(current))
		current = parent
	}
}

// ResolveUserPath is ResolveAbsolutePath for optional settings: empty and
// absolute paths are returned as given, and resolution errors keep the input.
func ResolveUserPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	resolved, err := ResolveAbsolutePath(path)
	if err != nil {
		return path
	}
	return resolved
}
