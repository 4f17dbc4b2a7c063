package postprocess

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"evobench-jobs/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCaptureLines(t *testing.T, path string, lines []string) {
	t.Helper()
	var out string
	for _, l := range lines {
		out += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(out), 0o644))
}

func TestPerRunInvokesBothExportsAndWritesSidecar(t *testing.T) {
	dir := t.TempDir()
	capturePath := filepath.Join(dir, "capture.log")

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(2 * time.Second)
	writeCaptureLines(t, capturePath, []string{
		t0.Format(time.RFC3339Nano) + " O:begin phase",
		t1.Format(time.RFC3339Nano) + " O:end phase",
	})

	var invoked []string
	single := func(runDir, kind string) error {
		invoked = append(invoked, kind)
		return nil
	}

	extracts := []config.LogExtract{
		{Name: "phase", StartRegex: "^begin phase$", EndRegex: "^end phase$"},
	}
	require.NoError(t, PerRun(dir, capturePath, single, extracts))

	assert.ElementsMatch(t, []string{"excel", "flame"}, invoked)

	data, err := os.ReadFile(filepath.Join(dir, "phase.duration"))
	require.NoError(t, err)
	assert.Equal(t, "2s\n", string(data))
}

func TestPerRunSameLineExtractReadsTwoNamedGroups(t *testing.T) {
	dir := t.TempDir()
	capturePath := filepath.Join(dir, "capture.log")

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(500 * time.Millisecond)
	line := "request start=" + t0.Format(time.RFC3339Nano) + " end=" + t1.Format(time.RFC3339Nano)
	writeCaptureLines(t, capturePath, []string{
		time.Now().Format(time.RFC3339Nano) + " O:" + line,
	})

	single := func(runDir, kind string) error { return nil }
	extracts := []config.LogExtract{
		{Name: "request", SameLineRegex: `start=(?P<start>\S+) end=(?P<end>\S+)`},
	}
	require.NoError(t, PerRun(dir, capturePath, single, extracts))

	data, err := os.ReadFile(filepath.Join(dir, "request.duration"))
	require.NoError(t, err)
	assert.Equal(t, "500ms\n", string(data))
}

func TestScheduleConditionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteScheduleCondition(dir, "nightly"))
	got, ok := ReadScheduleCondition(dir)
	require.True(t, ok)
	assert.Equal(t, "nightly", got)

	_, ok = ReadScheduleCondition(t.TempDir())
	assert.False(t, ok)
}

func TestPerKeyDirRunsAcrossAllAndPerSituation(t *testing.T) {
	keyDir := t.TempDir()
	run1 := filepath.Join(keyDir, "run1")
	require.NoError(t, os.MkdirAll(run1, 0o755))
	require.NoError(t, WriteScheduleCondition(run1, "nightly"))

	var calls []string
	summary := func(keyDir, situation, selector string, kinds []string) error {
		calls = append(calls, situation+"/"+selector)
		return nil
	}

	require.NoError(t, PerKeyDir(keyDir, summary))
	assert.Contains(t, calls, "/sum")
	assert.Contains(t, calls, "/avg")
	assert.Contains(t, calls, "nightly/sum")
	assert.Contains(t, calls, "nightly/avg")
}
