package appdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalAppStateDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir, err := GlobalAppStateDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".evobench-jobs"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSubCreatesNamedDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir, err := Sub("queues")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".evobench-jobs", "queues"), dir)
}
