// Package migration re-keys and rewrites a kvstore table from a legacy
// on-disk record format to the current one, under the table's dir-wide
// exclusive lock so no other process observes a partially migrated
// directory.
package migration

import (
	"fmt"
	"sort"

	"evobench-jobs/internal/kvstore"
)

// Parser attempts to decode raw into a value of the current format.
// Parsers are tried in order (current format first, then each known
// legacy format) until one succeeds.
type Parser func(key string, raw []byte) (value any, ok bool, err error)

// Rekey computes the new key and the new serialized form for a
// successfully parsed value. Called once per staged entry and again
// whenever a Reducer merges two colliding entries, so the on-disk bytes
// always reflect the current value rather than a stale pre-merge one.
type Rekey func(value any) (newKey string, newValue []byte, err error)

// Reducer picks which of two values colliding on the same new key wins
// (or merges them). It must be commutative and associative, since entries
// are folded in filename order, not insertion order.
type Reducer func(a, b any) any

// Report summarizes one migration run.
type Report struct {
	Scanned   int
	Migrated  int
	Unchanged int
	Collided  int
	Skipped   []string
}

// Migrate scans every entry in store, tries parsers in order against each
// raw record, and for the first parser that succeeds and is not parsers[0]
// (the current format, which needs no migration) rekeys and stages the
// converted value via rekey. Entries whose new key collides with another
// migrated entry are resolved via reduce; entries that no parser accepts
// are left untouched and recorded in Report.Skipped.
//
// The whole scan runs under store.DirLock()'s exclusive lock so a
// concurrent queue/runner process never observes a half-migrated
// directory.
func Migrate(store *kvstore.Store, parsers []Parser, rekey Rekey, reduce Reducer) (Report, error) {
	lock := store.DirLock()
	if err := lock.Lock(); err != nil {
		return Report{}, fmt.Errorf("migration: acquiring table lock: %w", err)
	}
	defer lock.Unlock()

	keys, err := store.Keys(false)
	if err != nil {
		return Report{}, fmt.Errorf("migration: listing keys: %w", err)
	}

	var report Report
	staged := make(map[string]any) // new key -> decoded value (not yet reduced to bytes)

	for _, key := range keys {
		report.Scanned++
		raw, err := store.Get(key)
		if err != nil {
			return report, fmt.Errorf("migration: reading %q: %w", key, err)
		}

		value, parserIndex, err := parseWithKnownFormats(key, raw, parsers)
		if err != nil {
			return report, fmt.Errorf("migration: parsing %q: %w", key, err)
		}
		if value == nil {
			report.Skipped = append(report.Skipped, key)
			continue
		}
		if parserIndex == 0 {
			report.Unchanged++
			continue
		}

		newKey, _, err := rekey(value)
		if err != nil {
			return report, fmt.Errorf("migration: rekeying %q: %w", key, err)
		}

		if existing, ok := staged[newKey]; ok {
			staged[newKey] = reduce(existing, value)
			report.Collided++
			continue
		}
		staged[newKey] = value
		report.Migrated++
	}

	return commit(store, staged, rekey, report)
}

func commit(store *kvstore.Store, staged map[string]any, rekey Rekey, report Report) (Report, error) {
	keys := make([]string, 0, len(staged))
	for k := range staged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		finalKey, bytes, err := rekey(staged[k])
		if err != nil {
			return report, fmt.Errorf("migration: re-encoding migrated %q: %w", k, err)
		}
		if err := store.Put(finalKey, bytes, true); err != nil {
			return report, fmt.Errorf("migration: writing migrated %q: %w", finalKey, err)
		}
	}
	return report, nil
}

func parseWithKnownFormats(key string, raw []byte, parsers []Parser) (any, int, error) {
	for i, p := range parsers {
		value, ok, err := p(key, raw)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			return value, i, nil
		}
	}
	return nil, -1, nil
}
