// Package tempfile implements the staged-write discipline used throughout
// this tool: write to a sibling temp file, then atomically rename it over
// the real target so a reader never observes a partial write. It also runs
// a background sweep that removes stale temp files a crashed process left
// behind.
package tempfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

var tmpCounter atomic.Uint64

// StagedName returns the staging path for target, <dir>/.<base>.tmp~<pid>-<n>:
// a hidden sibling in the <path>.tmp~<pid>-<tid> style (Go has no stable OS-thread
// identity from user code, so a per-call monotonic counter stands in for
// the tid component; uniqueness per process is all atomicity requires).
func StagedName(target string) string {
	dir, base := filepath.Split(target)
	return filepath.Join(dir, fmt.Sprintf(".%s.tmp~%d-%d", base, os.Getpid(), tmpCounter.Add(1)))
}

// IsStagedName reports whether name (a base name, not a full path) looks
// like a staging file produced by StagedName, for use by the cleanup
// sweep.
func IsStagedName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp~")
}

// WriteFile stages data into a temp file beside target, then renames it
// into place, so readers never observe a partially written file.
func WriteFile(target string, data []byte, perm os.FileMode) error {
	tmp := StagedName(target)
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("tempfile: staging write for %s: %w", target, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("tempfile: renaming into place for %s: %w", target, err)
	}
	return nil
}

// Staged is a staging file beside target, opened by Create for streaming
// writes; the caller must call Commit (to rename into place) or Discard
// (to remove it) when done.
type Staged struct {
	target string
	tmp    string
	file   *os.File
}

// Create opens target's staging file for writing.
func Create(target string, perm os.FileMode) (*Staged, error) {
	tmp := StagedName(target)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return nil, fmt.Errorf("tempfile: creating staging file for %s: %w", target, err)
	}
	return &Staged{target: target, tmp: tmp, file: f}, nil
}

func (s *Staged) Write(p []byte) (int, error) { return s.file.Write(p) }

// Commit closes the staging file and renames it over the target.
func (s *Staged) Commit() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("tempfile: closing staging file for %s: %w", s.target, err)
	}
	if err := os.Rename(s.tmp, s.target); err != nil {
		os.Remove(s.tmp)
		return fmt.Errorf("tempfile: renaming into place for %s: %w", s.target, err)
	}
	return nil
}

// Discard closes and removes the staging file without committing it.
func (s *Staged) Discard() error {
	s.file.Close()
	return os.Remove(s.tmp)
}

// CleanStale removes staging files in dir whose modification time is older
// than maxAge, meant to be called periodically (e.g. from a cleanup
// goroutine started alongside the daemon command) to recover space a
// crashed writer left behind.
func CleanStale(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("tempfile: listing %s: %w", dir, err)
	}
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() || !IsStagedName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// RunCleanupLoop runs CleanStale against dir every interval until stop is
// closed. Meant to run on its own goroutine for the process's lifetime:
// it shares the parent's lifetime and shuts down cleanly on channel close.
func RunCleanupLoop(dir string, interval, maxAge time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			CleanStale(dir, maxAge)
		}
	}
}
