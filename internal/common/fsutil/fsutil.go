// Package fsutil has small filesystem helpers for user-supplied paths.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading '~' to the user's home directory and cleans
// the result. Other paths are returned unchanged.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	rest := strings.TrimLeft(path[1:], `/\`)
	if len(rest) == len(path)-1 {
		// ~user forms are not supported
		return path, nil
	}
	return filepath.Join(home, rest), nil
}

// DirExists reports whether path exists and is a directory.
func DirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
