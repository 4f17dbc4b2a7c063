// Package wdpool manages a bounded pool of checked-out git working trees
// shared across benchmarking runs, so repeated jobs against the same
// commit reuse an already-built tree instead of re-cloning and rebuilding
// every time.
package wdpool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"evobench-jobs/internal/gitutil"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// State is a working directory's position in its build/run lifecycle.
// Higher values are more ready to serve a request without extra work.
type State int

const (
	CheckedOut State = iota
	Built
	Benchmarked
)

func (s State) String() string {
	switch s {
	case CheckedOut:
		return "checked_out"
	case Built:
		return "built"
	case Benchmarked:
		return "benchmarked"
	}
	return "unknown"
}

const metaFileName = ".wd-meta.yaml"

type meta struct {
	Commit string `yaml:"commit"`
	State  State  `yaml:"state"`
}

// WorkingDirectory is one entry in the pool.
type WorkingDirectory struct {
	Dir    string
	Commit string
	State  State
}

func (w *WorkingDirectory) metaPath() string { return filepath.Join(w.Dir, metaFileName) }

func (w *WorkingDirectory) saveMeta() error {
	data, err := yaml.Marshal(meta{Commit: w.Commit, State: w.State})
	if err != nil {
		return err
	}
	return os.WriteFile(w.metaPath(), data, 0o644)
}

// SetState persists a new lifecycle state for this working directory.
func (w *WorkingDirectory) SetState(s State) error {
	w.State = s
	return w.saveMeta()
}

// Pool holds up to Capacity WorkingDirectory entries under BaseDir.
// Only one process may own a Pool at a time, enforced by an exclusive
// lock on BaseDir held for the Pool's lifetime.
type Pool struct {
	BaseDir      string
	RepoURL      string
	Capacity     int
	lock         *flock.Flock
	entries      []*WorkingDirectory
}

// Open acquires the pool's exclusive base-directory lock and loads any
// existing working-directory entries found under baseDir.
func Open(ctx context.Context, baseDir, repoURL string, capacity int) (*Pool, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("wdpool: creating %s: %w", baseDir, err)
	}
	lock := flock.New(filepath.Join(baseDir, ".pool.lock"))
	ok, err := lock.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("wdpool: locking %s: %w", baseDir, err)
	}
	if !ok {
		return nil, fmt.Errorf("wdpool: %s is already owned by another process", baseDir)
	}

	p := &Pool{BaseDir: baseDir, RepoURL: repoURL, Capacity: capacity, lock: lock}
	if err := p.scan(); err != nil {
		lock.Unlock()
		return nil, err
	}
	return p, nil
}

// Close releases the pool's base-directory lock.
func (p *Pool) Close() error {
	return p.lock.Unlock()
}

// Entries lists every working directory currently tracked by the pool, for
// inspection commands (`evobench-jobs wd`).
func (p *Pool) Entries() []*WorkingDirectory {
	return append([]*WorkingDirectory(nil), p.entries...)
}

func (p *Pool) scan() error {
	entries, err := os.ReadDir(p.BaseDir)
	if err != nil {
		return fmt.Errorf("wdpool: listing %s: %w", p.BaseDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(p.BaseDir, e.Name())
		m, err := readMeta(dir)
		if err != nil {
			continue // not a working-directory entry (e.g. leftover error sideline)
		}
		p.entries = append(p.entries, &WorkingDirectory{Dir: dir, Commit: m.Commit, State: m.State})
	}
	return nil
}

func readMeta(dir string) (meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return meta{}, err
	}
	var m meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return meta{}, err
	}
	return m, nil
}

func mtimeOf(dir string) time.Time {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Acquire selects a working directory for commit: prefer an entry already
// on that commit (highest state wins among ties), else clone a new one if
// the pool isn't full, else evict the least-recently-used entry (by
// directory mtime) and clone into its place.
func (p *Pool) Acquire(ctx context.Context, commit string) (*WorkingDirectory, error) {
	var best *WorkingDirectory
	for _, e := range p.entries {
		if e.Commit != commit {
			continue
		}
		if best == nil || e.State > best.State {
			best = e
		}
	}
	if best != nil {
		return best, nil
	}

	if len(p.entries) < p.Capacity {
		return p.clone(ctx, commit)
	}

	victim := p.leastRecentlyUsed()
	if err := p.evict(victim); err != nil {
		return nil, err
	}
	return p.clone(ctx, commit)
}

func (p *Pool) leastRecentlyUsed() *WorkingDirectory {
	sorted := append([]*WorkingDirectory(nil), p.entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return mtimeOf(sorted[i].Dir).Before(mtimeOf(sorted[j].Dir))
	})
	return sorted[0]
}

func (p *Pool) evict(victim *WorkingDirectory) error {
	if err := os.RemoveAll(victim.Dir); err != nil {
		return fmt.Errorf("wdpool: evicting %s: %w", victim.Dir, err)
	}
	p.removeEntry(victim)
	return nil
}

func (p *Pool) removeEntry(victim *WorkingDirectory) {
	out := p.entries[:0]
	for _, e := range p.entries {
		if e != victim {
			out = append(out, e)
		}
	}
	p.entries = out
}

func (p *Pool) clone(ctx context.Context, commit string) (*WorkingDirectory, error) {
	dir := filepath.Join(p.BaseDir, fmt.Sprintf("wd-%d", len(p.entries)+1))
	for {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			break
		}
		dir += "x"
	}
	if _, err := gitutil.Clone(ctx, p.RepoURL, dir); err != nil {
		return nil, fmt.Errorf("wdpool: cloning for %s: %w", commit, err)
	}
	wd := &WorkingDirectory{Dir: dir, Commit: "", State: CheckedOut}
	if err := wd.saveMeta(); err != nil {
		return nil, err
	}
	p.entries = append(p.entries, wd)
	return wd, nil
}

// Checkout brings wd onto commit (a no-op if already there), sidelining
// wd on any git failure.
func (p *Pool) Checkout(ctx context.Context, wd *WorkingDirectory, commit string) error {
	if wd.Commit == commit {
		return nil
	}
	repo := &gitutil.Repo{Dir: wd.Dir}
	if err := repo.Checkout(ctx, commit); err != nil {
		sidelineErr := p.Sideline(wd, err)
		if sidelineErr != nil {
			return fmt.Errorf("wdpool: checkout failed (%w) and sideline failed: %v", err, sidelineErr)
		}
		return fmt.Errorf("wdpool: checkout %s: %w", commit, err)
	}
	wd.Commit = commit
	return wd.SetState(CheckedOut)
}

// Sideline moves a failed working directory out of the pool: the
// directory is renamed with an `.error_at_<timestamp>` suffix, a sibling
// `.processing_error` YAML file records the error, and the entry is
// dropped from the pool so it is never selected again.
func (p *Pool) Sideline(wd *WorkingDirectory, cause error) error {
	suffix := fmt.Sprintf(".error_at_%d", time.Now().Unix())
	sidelined := wd.Dir + suffix
	if err := os.Rename(wd.Dir, sidelined); err != nil {
		return fmt.Errorf("wdpool: sidelining %s: %w", wd.Dir, err)
	}

	record := struct {
		Error string `yaml:"error"`
		At    int64  `yaml:"at_unix"`
	}{Error: cause.Error(), At: time.Now().Unix()}
	data, err := yaml.Marshal(record)
	if err == nil {
		os.WriteFile(sidelined+".processing_error", data, 0o644)
	}

	p.removeEntry(wd)
	return nil
}

// CleanSidelined removes working directories a previous daemon run
// sidelined (renamed with an ".error_at_" suffix) along with their
// ".processing_error" records, reclaiming disk space once the failure has
// been diagnosed or given up on. Returns how many were removed.
func (p *Pool) CleanSidelined() (int, error) {
	entries, err := os.ReadDir(p.BaseDir)
	if err != nil {
		return 0, fmt.Errorf("wdpool: listing %s: %w", p.BaseDir, err)
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.Contains(name, ".error_at_") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.BaseDir, name)); err != nil {
			return removed, fmt.Errorf("wdpool: removing sidelined %s: %w", name, err)
		}
		if !strings.HasSuffix(name, ".processing_error") {
			removed++
		}
	}
	return removed, nil
}

// DatasetDir resolves the closest ancestor (in commit-graph order, tags
// fetched first) of wd's current commit that names an existing
// subdirectory under <versionedDatasetsBaseDir>/<dataset>/, returning its
// path. Returns an error if no ancestor tag matches.
func DatasetDir(ctx context.Context, wd *WorkingDirectory, versionedDatasetsBaseDir, dataset string) (string, error) {
	repo := &gitutil.Repo{Dir: wd.Dir}
	if err := repo.FetchTags(ctx); err != nil {
		return "", fmt.Errorf("wdpool: fetching tags: %w", err)
	}
	tags, err := repo.Tags(ctx)
	if err != nil {
		return "", fmt.Errorf("wdpool: listing tags: %w", err)
	}

	datasetBase := filepath.Join(versionedDatasetsBaseDir, dataset)
	var candidates []string
	for _, tag := range tags {
		entryDir := filepath.Join(datasetBase, tag)
		if info, err := os.Stat(entryDir); err == nil && info.IsDir() {
			if repo.IsAncestor(ctx, tag, wd.Commit) {
				candidates = append(candidates, tag)
			}
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("wdpool: no ancestor tag under %s has a dataset directory for %q", datasetBase, dataset)
	}

	// Among ancestor candidates, the closest is the one with no other
	// candidate as its own descendant.
	closest := candidates[0]
	for _, c := range candidates[1:] {
		if repo.IsAncestor(ctx, closest, c) {
			closest = c
		}
	}
	return filepath.Join(datasetBase, closest), nil
}
