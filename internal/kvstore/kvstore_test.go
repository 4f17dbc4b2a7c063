package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	require.NoError(t, ValidateKey("abc"))
	assert.ErrorIs(t, ValidateKey(""), ErrInvalidKey)
	assert.ErrorIs(t, ValidateKey(".hidden"), ErrInvalidKey)
	assert.ErrorIs(t, ValidateKey("a/b"), ErrInvalidKey)
	assert.ErrorIs(t, ValidateKey("a\x00b"), ErrInvalidKey)

	long := make([]byte, 255)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, ValidateKey(string(long)), ErrInvalidKey)
}

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("k1", []byte("v1"), false))
	got, err := s.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
}

func TestPutRejectsOverwriteWithoutFlag(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("k1", []byte("v1"), false))
	err = s.Put("k1", []byte("v2"), false)
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestPutAllowsOverwriteWithFlag(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("k1", []byte("v1"), false))
	require.NoError(t, s.Put("k1", []byte("v2"), true))
	got, err := s.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesEntryAndLock(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Put("k1", []byte("v1"), false))
	l := s.Lock("k1")
	ok, err := l.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Unlock())

	require.NoError(t, s.Delete("k1"))
	_, err = s.Get("k1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, filepath.Join(s.Dir, "k1.lock"))
}

func TestKeysSortedAndReversed(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Put("b", []byte("1"), false))
	require.NoError(t, s.Put("a", []byte("1"), false))
	require.NoError(t, s.Put("c", []byte("1"), false))

	keys, err := s.Keys(false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	rkeys, err := s.Keys(true)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, rkeys)
}

func TestLockIsLocked(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Put("k1", []byte("v1"), false))

	locked, err := s.IsLocked("k1")
	require.NoError(t, err)
	assert.False(t, locked)

	l := s.Lock("k1")
	ok, err := l.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer l.Unlock()

	locked, err = s.IsLocked("k1")
	require.NoError(t, err)
	assert.True(t, locked)
}
