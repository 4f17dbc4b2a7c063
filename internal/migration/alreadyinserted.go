package migration

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// alreadyInsertedRecord pairs a parsed value with the key it was read
// from. The already_inserted table's key (a content hash) never changes
// across format versions, but Migrate's Rekey hook only ever sees the
// decoded value, so the key travels along inside it.
type alreadyInsertedRecord struct {
	Hash  string
	Times []time.Time
}

// LegacyAlreadyInsertedV1 is a retired on-disk shape for the already
// inserted table: a single timestamp per key instead of the current
// format's list of timestamps, from before re-insertion with --force was
// supported.
type LegacyAlreadyInsertedV1 struct {
	InsertedAt time.Time `json:"inserted_at"`
}

// CurrentAlreadyInserted parses the present-day already_inserted record: a
// JSON array of insertion times.
func CurrentAlreadyInserted(key string, raw []byte) (any, bool, error) {
	var times []time.Time
	if err := json.Unmarshal(raw, &times); err != nil {
		return nil, false, nil
	}
	return alreadyInsertedRecord{Hash: key, Times: times}, true, nil
}

// LegacyAlreadyInsertedParser parses the single-timestamp v1 shape.
func LegacyAlreadyInsertedParser(key string, raw []byte) (any, bool, error) {
	var v1 LegacyAlreadyInsertedV1
	if err := json.Unmarshal(raw, &v1); err != nil || v1.InsertedAt.IsZero() {
		return nil, false, nil
	}
	return alreadyInsertedRecord{Hash: key, Times: []time.Time{v1.InsertedAt}}, true, nil
}

// AlreadyInsertedRekey re-serializes a parsed already_inserted record
// under its own content-hash key: migration changes the value's shape,
// never the already_inserted table's keying scheme.
func AlreadyInsertedRekey(value any) (string, []byte, error) {
	rec, ok := value.(alreadyInsertedRecord)
	if !ok {
		return "", nil, fmt.Errorf("migration: already_inserted: unexpected value type %T", value)
	}
	data, err := json.Marshal(rec.Times)
	if err != nil {
		return "", nil, err
	}
	return rec.Hash, data, nil
}

// AlreadyInsertedReduceKeepOlder merges two colliding already_inserted
// timestamp lists by union and sorting ascending, so the oldest recorded
// insertion always appears first and no insertion history is dropped.
func AlreadyInsertedReduceKeepOlder(a, b any) any {
	ar := a.(alreadyInsertedRecord)
	br := b.(alreadyInsertedRecord)
	merged := append(append([]time.Time{}, ar.Times...), br.Times...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Before(merged[j]) })
	return alreadyInsertedRecord{Hash: ar.Hash, Times: merged}
}
