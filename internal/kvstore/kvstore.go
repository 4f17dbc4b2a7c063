// Package kvstore implements a directory-backed key/value store: one
// regular file per entry, staged writes with atomic rename, and advisory
// per-entry file locks so concurrent job-runner and evaluator processes
// can coordinate without a database server.
package kvstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"
)

var (
	ErrKeyExists  = errors.New("kvstore: key already exists")
	ErrNotFound   = errors.New("kvstore: key not found")
	ErrInvalidKey = errors.New("kvstore: invalid key")
)

const maxKeyBytes = 254

// ValidateKey enforces the filename-safety contract every key must meet:
// 1-254 bytes, no leading dot, no slash, no NUL byte. Store.Put/Get/Delete
// apply it to every key they are handed.
func ValidateKey(key string) error {
	if len(key) == 0 || len(key) > maxKeyBytes {
		return fmt.Errorf("%w: %q is %d bytes, want 1-%d", ErrInvalidKey, key, len(key), maxKeyBytes)
	}
	if strings.HasPrefix(key, ".") {
		return fmt.Errorf("%w: %q has a leading dot", ErrInvalidKey, key)
	}
	if strings.ContainsRune(key, '/') {
		return fmt.Errorf("%w: %q contains a slash", ErrInvalidKey, key)
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidKey, key)
	}
	return nil
}

// Store is one key/value directory.
type Store struct {
	Dir string
}

// Open ensures dir exists and returns a Store rooted at it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: creating %s: %w", dir, err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.Dir, key)
}

func (s *Store) lockPath(key string) string {
	return filepath.Join(s.Dir, key+".lock")
}

func (s *Store) tmpPath(key string) string {
	return filepath.Join(s.Dir, fmt.Sprintf(".%s.tmp~%d-%d", key, os.Getpid(), goroutineTag()))
}

// goroutineTag stands in for a thread id in the tempfile suffix; Go has no
// stable thread identity, so a per-call monotonic counter combined with
// the pid is enough to make concurrent writers' temp names unique.
var tmpCounter atomic.Uint64

func goroutineTag() uint64 {
	return tmpCounter.Add(1)
}

// Put writes value under key, staging into a temp file and renaming it
// into place. If overwrite is false and key already exists, returns
// ErrKeyExists without modifying the store.
func (s *Store) Put(key string, value []byte, overwrite bool) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	target := s.path(key)
	if !overwrite {
		if _, err := os.Lstat(target); err == nil {
			return fmt.Errorf("%w: %q", ErrKeyExists, key)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("kvstore: stat %s: %w", target, err)
		}
	}

	tmp := s.tmpPath(key)
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("kvstore: staging write for %q: %w", key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("kvstore: renaming into place for %q: %w", key, err)
	}
	return nil
}

// Get reads the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: reading %q: %w", key, err)
	}
	return data, nil
}

// Delete removes key's entry and its lock file, if any.
func (s *Store) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		return fmt.Errorf("kvstore: deleting %q: %w", key, err)
	}
	os.Remove(s.lockPath(key))
	return nil
}

// Keys lists every entry's key, sorted (or reverse-sorted) by filename.
func (s *Store) Keys(reverse bool) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("kvstore: listing %s: %w", s.Dir, err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".lock") || strings.HasPrefix(name, ".") {
			continue
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	return keys, nil
}

// Lock returns the advisory lock guarding key's entry. Callers take a
// shared lock to read, an exclusive lock to write, via the returned
// *flock.Flock's Lock/RLock/TryLock/TryRLock methods.
func (s *Store) Lock(key string) *flock.Flock {
	return flock.New(s.lockPath(key))
}

// DirLock returns the advisory lock guarding the whole store, taken
// exclusively during mass migration so no other writer observes a
// partially migrated directory.
func (s *Store) DirLock() *flock.Flock {
	return flock.New(filepath.Join(s.Dir, ".dir.lock"))
}

// IsLocked reports whether key's entry is currently exclusively locked by
// another process, via a non-blocking trial lock.
func (s *Store) IsLocked(key string) (bool, error) {
	l := s.Lock(key)
	ok, err := l.TryLock()
	if err != nil {
		return false, fmt.Errorf("kvstore: trial lock on %q: %w", key, err)
	}
	if ok {
		l.Unlock()
		return false, nil
	}
	return true, nil
}
