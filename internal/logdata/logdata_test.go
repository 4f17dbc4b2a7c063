package logdata

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, dir, name string, lines []string, compress bool) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var w io.Writer = f
	if compress {
		zw, err := zstd.NewWriter(f)
		require.NoError(t, err)
		defer zw.Close()
		w = zw
	}
	for _, line := range lines {
		_, err := w.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	return path
}

func fixtureLines() []string {
	return []string{
		`{"Start":{"evobench_log_version":1,"evobench_version":"0.9.3"}}`,
		`{"Metadata":{"hostname":"h","username":"u","uname":{"sysname":"Linux","nodename":"h","release":"r","version":"v","machine":"x86_64"},"compiler":"GCC 12"}}`,
		`{"TS":{"pn":"m|a","pid":1,"tid":1,"r":{"sec":0,"nsec":0},"u":{"sec":0,"usec":0},"s":{"sec":0,"usec":0}}}`,
		`{"TE":{"pn":"m|a","pid":1,"tid":1,"r":{"sec":0,"nsec":100},"u":{"sec":0,"usec":0},"s":{"sec":0,"usec":0}}}`,
		`{"TEnd":{"pn":"m|a","pid":1,"tid":1,"r":{"sec":0,"nsec":100},"u":{"sec":0,"usec":0},"s":{"sec":0,"usec":0}}}`,
	}
}

func TestLoadPlain(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "evobench.log", fixtureLines(), false)

	data, err := Load(path, Options{})
	require.NoError(t, err)
	require.EqualValues(t, 1, data.EvobenchLogVersion)
	msgs := data.Messages()
	require.Len(t, msgs, 3)
}

func TestLoadZstd(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "evobench.log.zstd", fixtureLines(), true)

	data, err := Load(path, Options{})
	require.NoError(t, err)
	msgs := data.Messages()
	require.Len(t, msgs, 3)
}

func TestLoadBareZstdExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "evobench.zstd", fixtureLines(), true)

	_, err := Load(path, Options{})
	require.NoError(t, err)
}

func TestLoadRejectsUnexpectedInnerExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "evobench.txt.zstd", fixtureLines(), true)

	_, err := Load(path, Options{})
	require.Error(t, err)
}

func TestLoadRejectsTruncated(t *testing.T) {
	dir := t.TempDir()
	lines := fixtureLines()
	lines = lines[:len(lines)-1] // drop TEnd
	path := writeFixture(t, dir, "evobench.log", lines, false)

	_, err := Load(path, Options{})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestLoadRejectsMissingMetadata(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "evobench.log", []string{fixtureLines()[0]}, false)

	_, err := Load(path, Options{})
	require.Error(t, err)
}
