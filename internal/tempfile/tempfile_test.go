package tempfile

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	require.NoError(t, WriteFile(target, []byte("hello"), 0o644))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1) // no leftover staging file
}

func TestStagedCommit(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	s, err := Create(target, 0o644)
	require.NoError(t, err)
	_, err = s.Write([]byte("streamed"))
	require.NoError(t, err)
	require.NoError(t, s.Commit())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "streamed", string(data))
}

func TestStagedDiscard(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	s, err := Create(target, 0o644)
	require.NoError(t, err)
	require.NoError(t, s.Discard())

	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanStaleRemovesOldStagingFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, ".foo.tmp~1-1")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(dir, ".bar.tmp~1-2")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))

	removed, err := CleanStale(dir, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestRunCleanupLoopStopsOnChannelClose(t *testing.T) {
	dir := t.TempDir()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		RunCleanupLoop(dir, time.Millisecond, time.Minute, stop)
	}()
	close(stop)
	wg.Wait()
}
