package migration

import (
	"encoding/json"
	"testing"
	"time"

	"evobench-jobs/internal/kvstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateAlreadyInsertedV1ToCurrent(t *testing.T) {
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	v1, err := json.Marshal(LegacyAlreadyInsertedV1{InsertedAt: t0})
	require.NoError(t, err)
	require.NoError(t, store.Put("hash-a", v1, false))

	current, err := json.Marshal([]time.Time{t1})
	require.NoError(t, err)
	require.NoError(t, store.Put("hash-b", current, false))

	parsers := []Parser{CurrentAlreadyInserted, LegacyAlreadyInsertedParser}
	report, err := Migrate(store, parsers, AlreadyInsertedRekey, AlreadyInsertedReduceKeepOlder)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Migrated)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, 0, report.Collided)

	raw, err := store.Get("hash-a")
	require.NoError(t, err)
	var gotTimes []time.Time
	require.NoError(t, json.Unmarshal(raw, &gotTimes))
	assert.Equal(t, []time.Time{t0}, gotTimes)
}

func TestMigrateCollisionReducesWithReducer(t *testing.T) {
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	v1a, err := json.Marshal(LegacyAlreadyInsertedV1{InsertedAt: t0})
	require.NoError(t, err)
	require.NoError(t, store.Put("legacy-a", v1a, false))
	v1b, err := json.Marshal(LegacyAlreadyInsertedV1{InsertedAt: t1})
	require.NoError(t, err)
	require.NoError(t, store.Put("legacy-b", v1b, false))

	// Both legacy entries re-key onto "same-hash"; the second one, holding
	// the earlier timestamp t1, is merged by the reducer rather than
	// overwriting the first.
	sameKey := func(value any) (string, []byte, error) {
		_, data, err := AlreadyInsertedRekey(value)
		return "same-hash", data, err
	}
	parsers := []Parser{CurrentAlreadyInserted, LegacyAlreadyInsertedParser}
	report, err := Migrate(store, parsers, sameKey, AlreadyInsertedReduceKeepOlder)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Collided)

	raw, err := store.Get("same-hash")
	require.NoError(t, err)
	var times []time.Time
	require.NoError(t, json.Unmarshal(raw, &times))
	assert.Equal(t, []time.Time{t1, t0}, times)
}

func TestMigrateSkipsUnrecognizedFormat(t *testing.T) {
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Put("garbage", []byte("not json at all {{{"), false))

	parsers := []Parser{CurrentAlreadyInserted, LegacyAlreadyInsertedParser}
	report, err := Migrate(store, parsers, AlreadyInsertedRekey, AlreadyInsertedReduceKeepOlder)
	require.NoError(t, err)
	assert.Equal(t, []string{"garbage"}, report.Skipped)
}
