// Package queue implements a persistent, priority-ordered, multi-reader
// work queue layered directly on package kvstore: priority and arrival
// order are both encoded into the entry filename, so a plain lexicographic
// directory listing is already the queue's processing order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"evobench-jobs/internal/kvstore"

	"github.com/google/uuid"
)

// ErrLocked is returned by Pop when ErrorWhenLocked is set and the next
// candidate entry is held by another process.
var ErrLocked = errors.New("queue: next entry is locked")

// ErrEmpty is returned by Pop when the queue has no entries and Wait is
// false, or when Wait is set and StopAt has passed.
var ErrEmpty = errors.New("queue: empty")

// Queue is a priority queue backed by one kvstore.Store directory.
type Queue struct {
	store *kvstore.Store
}

// Open opens (creating if needed) a queue directory.
func Open(dir string) (*Queue, error) {
	s, err := kvstore.Open(dir)
	if err != nil {
		return nil, err
	}
	return &Queue{store: s}, nil
}

// entryName encodes <timestamp>-<priority-key>-<random> so that
// lexicographic filename order is priority-then-arrival order: priorityKey
// must itself sort so that more urgent entries sort first (callers
// typically zero-pad an inverted priority number).
func entryName(priorityKey string, now time.Time) string {
	return fmt.Sprintf("%020d-%s-%s", now.UnixNano(), priorityKey, uuid.NewString())
}

// Push adds value to the queue under the given priority key.
func (q *Queue) Push(priorityKey string, value []byte) (string, error) {
	name := entryName(priorityKey, time.Now())
	if err := q.store.Put(name, value, false); err != nil {
		return "", fmt.Errorf("queue: push: %w", err)
	}
	return name, nil
}

// PushAt is like Push but lets the caller control the timestamp embedded
// in the entry name, used by re-queued jobs that must sort as if they had
// arrived earlier or later than "now".
func (q *Queue) PushAt(priorityKey string, value []byte, at time.Time) (string, error) {
	name := entryName(priorityKey, at)
	if err := q.store.Put(name, value, false); err != nil {
		return "", fmt.Errorf("queue: push: %w", err)
	}
	return name, nil
}

// Entry is one popped queue item: its filename (stable identity used to
// Delete or Requeue it) and its stored value.
type Entry struct {
	Name  string
	Value []byte
}

// PopOptions configures Pop's waiting and contention behavior.
type PopOptions struct {
	// Wait polls the directory at PollInterval until an entry appears or
	// ctx is done, instead of returning ErrEmpty immediately.
	Wait bool
	// PollInterval bounds how often Wait re-lists the directory.
	PollInterval time.Duration
	// StopAt bounds how long Wait will keep polling; zero means no bound
	// beyond ctx's own deadline.
	StopAt time.Time
	// ErrorWhenLocked turns contention on the head entry into ErrLocked
	// instead of falling through to the next entry.
	ErrorWhenLocked bool
}

// Pop returns the first entry in filename order without removing it. It holds the
// entry's lock while reading the value and releases it before returning,
// so the entry stays visible to other Pop calls until the caller deletes
// it once processing succeeds.
func (q *Queue) Pop(ctx context.Context, opts PopOptions) (*Entry, error) {
	for {
		entry, err := q.tryPopOnce(opts.ErrorWhenLocked)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrEmpty) || !opts.Wait {
			return nil, err
		}
		if !opts.StopAt.IsZero() && time.Now().After(opts.StopAt) {
			return nil, ErrEmpty
		}

		interval := opts.PollInterval
		if interval <= 0 {
			interval = time.Second
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (q *Queue) tryPopOnce(errorWhenLocked bool) (*Entry, error) {
	keys, err := q.store.Keys(false)
	if err != nil {
		return nil, fmt.Errorf("queue: listing: %w", err)
	}
	for _, name := range keys {
		lock := q.store.Lock(name)
		ok, lockErr := lock.TryLock()
		if lockErr != nil {
			return nil, fmt.Errorf("queue: locking %q: %w", name, lockErr)
		}
		if !ok {
			if errorWhenLocked {
				return nil, ErrLocked
			}
			continue
		}

		value, getErr := q.store.Get(name)
		if getErr != nil {
			lock.Unlock()
			if errors.Is(getErr, kvstore.ErrNotFound) {
				// raced with another consumer's delete; try the next one
				continue
			}
			return nil, getErr
		}
		lock.Unlock()
		return &Entry{Name: name, Value: value}, nil
	}
	return nil, ErrEmpty
}

// Delete removes a popped entry permanently.
func (q *Queue) Delete(name string) error {
	return q.store.Delete(name)
}

// Len reports how many entries are currently queued.
func (q *Queue) Len() (int, error) {
	keys, err := q.store.Keys(false)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// List returns up to limit entries in priority order without removing or
// locking them, for read-only inspection commands (`evobench-jobs list`).
// A limit of 0 returns every entry.
func (q *Queue) List(limit int) ([]Entry, error) {
	keys, err := q.store.Keys(false)
	if err != nil {
		return nil, fmt.Errorf("queue: listing: %w", err)
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	entries := make([]Entry, 0, len(keys))
	for _, name := range keys {
		value, err := q.store.Get(name)
		if errors.Is(err, kvstore.ErrNotFound) {
			continue // raced with a concurrent pop+delete
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: name, Value: value})
	}
	return entries, nil
}
