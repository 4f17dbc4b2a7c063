// Package appdir locates the application's persistent state directory.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
)

const dirName = ".evobench-jobs"

// GlobalAppStateDir returns ~/.evobench-jobs, creating it (and its parents)
// if it does not already exist.
func GlobalAppStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("appdir: resolving home directory: %w", err)
	}
	dir := filepath.Join(home, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("appdir: creating %s: %w", dir, err)
	}
	return dir, nil
}

// Sub returns a named subdirectory of the global app state dir, creating it
// if needed, e.g. Sub("queues") or Sub("already_inserted").
func Sub(name string) (string, error) {
	base, err := GlobalAppStateDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("appdir: creating %s: %w", dir, err)
	}
	return dir, nil
}
