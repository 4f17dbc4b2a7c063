// Package insert implements the job-insertion path: deduplicating against
// previously inserted parameter sets, verifying the requested commit
// actually exists upstream, and pushing the new job onto the first queue
// of the pipeline.
package insert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"evobench-jobs/internal/gitutil"
	"evobench-jobs/internal/kvstore"
	"evobench-jobs/internal/queue"
)

// ContentHash returns the hex-encoded SHA-256 digest of params' canonical
// JSON encoding, used as the already_inserted table's key. 256 bits of
// hash space makes an accidental collision between two distinct parameter
// sets practically impossible.
func ContentHash(params any) (string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("insert: hashing parameters: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// AlreadyInserted wraps the already_inserted table: one entry per distinct
// content hash, whose value is the list of times that hash was inserted.
type AlreadyInserted struct {
	store *kvstore.Store
}

func NewAlreadyInserted(store *kvstore.Store) *AlreadyInserted {
	return &AlreadyInserted{store: store}
}

// Times returns the recorded insertion times for hash, or nil if hash has
// never been inserted.
func (a *AlreadyInserted) Times(hash string) ([]time.Time, error) {
	data, err := a.store.Get(hash)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var times []time.Time
	if err := json.Unmarshal(data, &times); err != nil {
		return nil, fmt.Errorf("insert: decoding insertion times for %s: %w", hash, err)
	}
	return times, nil
}

// Append records one more insertion time for hash.
func (a *AlreadyInserted) Append(hash string, at time.Time) error {
	existing, err := a.Times(hash)
	if err != nil {
		return err
	}
	existing = append(existing, at)
	data, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	return a.store.Put(hash, data, true)
}

// ErrAlreadyInserted is returned when hash was previously inserted and
// neither Force nor Quiet was set.
type ErrAlreadyInserted struct {
	Hash  string
	Times []time.Time
}

func (e *ErrAlreadyInserted) Error() string {
	return fmt.Sprintf("insert: parameters already inserted (hash %s) at %v", e.Hash, e.Times)
}

// Options configures Insert.
type Options struct {
	Force  bool
	Quiet  bool
	DryRun bool
}

// Request is the fully-resolved job about to be pushed onto the pipeline.
type Request struct {
	Commit   string
	Params   any
	Priority string // priority key as encoded into the queue entry filename
	Value    []byte // the serialized job record to store
}

// VerifyCommitExists checks commit exists in repo, trying a local lookup
// first, then (if missing) a `git remote update` followed by one retry,
// mirroring a single-slot polling pool: at most one remote round-trip is
// attempted per call.
func VerifyCommitExists(ctx context.Context, repo *gitutil.Repo, commit string) (bool, error) {
	if repo.HasCommit(ctx, commit) {
		return true, nil
	}
	if err := repo.RemoteUpdate(ctx); err != nil {
		return false, fmt.Errorf("insert: remote update: %w", err)
	}
	return repo.HasCommit(ctx, commit), nil
}

// Insert deduplicates req against the already_inserted table, verifies the
// commit exists (via exists, typically VerifyCommitExists bound to a
// repo), and pushes req onto firstQueue. In DryRun mode, every check still
// runs but nothing is written.
func Insert(a *AlreadyInserted, firstQueue *queue.Queue, req Request, exists func() (bool, error), opts Options) error {
	hash, err := ContentHash(req.Params)
	if err != nil {
		return err
	}

	times, err := a.Times(hash)
	if err != nil {
		return err
	}
	if len(times) > 0 && !opts.Force && !opts.Quiet {
		return &ErrAlreadyInserted{Hash: hash, Times: times}
	}

	ok, err := exists()
	if err != nil {
		return fmt.Errorf("insert: verifying commit exists: %w", err)
	}
	if !ok {
		return fmt.Errorf("insert: commit %s does not exist upstream", req.Commit)
	}

	if opts.DryRun {
		return nil
	}

	if _, err := firstQueue.Push(req.Priority, req.Value); err != nil {
		return fmt.Errorf("insert: pushing to queue: %w", err)
	}
	return a.Append(hash, time.Now())
}
