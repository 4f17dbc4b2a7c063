package daemon

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"evobench-jobs/internal/config"
	"evobench-jobs/internal/jobrunner"
	"evobench-jobs/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
}

func newOriginRepo(t *testing.T) (dir, commit string) {
	t.Helper()
	dir = t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("a"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "init")

	out, err := exec.Command("git", "-C", dir, "rev-parse", "HEAD").Output()
	require.NoError(t, err)
	commit = string(out[:len(out)-1])
	return dir, commit
}

func newTestConfig(origin string) *config.Config {
	return &config.Config{
		RemoteRepository: config.RemoteRepository{URL: origin},
		Targets:          map[string]config.Target{"demo": {BenchmarkingCommand: "bench"}},
		Queues: []config.QueueSpec{
			{FileName: "q0", ScheduleCondition: config.ScheduleCondition{Kind: config.Immediately}},
			{FileName: "q1", ScheduleCondition: config.ScheduleCondition{Kind: config.GraveYard}},
		},
		WorkingDirectoryPool: config.WorkingDirectoryPool{Capacity: 1},
		OutputDir:            config.OutputDir{Path: ""}, // set per-test
	}
}

func TestRunOnceExecutesJobAndRoutesToNextQueueOnSuccess(t *testing.T) {
	origin, commit := newOriginRepo(t)
	cfg := newTestConfig(origin)
	cfg.OutputDir.Path = t.TempDir()

	d, err := Open(context.Background(), cfg, t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer d.Close()

	job := StoredJob{
		Job: jobrunner.Job{
			Commit:         commit,
			TargetName:     "demo",
			Command:        config.BenchmarkingCommand{Command: "true"},
			RemainingCount: 2,
			ErrorBudget:    1,
		},
		Priority: 0,
	}
	data, err := json.Marshal(job)
	require.NoError(t, err)
	_, err = d.Queues[0].Push(job.PriorityKey(), data)
	require.NoError(t, err)

	ran, err := d.RunOnce(context.Background(), time.Now(), RunOnceOptions{})
	require.NoError(t, err)
	assert.True(t, ran)

	// The job had more runs remaining, so the runner decrements the count
	// and hands it to the next queue in the pipeline.
	_, err = d.Queues[0].Pop(context.Background(), queue.PopOptions{})
	assert.ErrorIs(t, err, queue.ErrEmpty)

	entry, err := d.Queues[1].Pop(context.Background(), queue.PopOptions{})
	require.NoError(t, err)
	var routed StoredJob
	require.NoError(t, json.Unmarshal(entry.Value, &routed))
	assert.Equal(t, 1, routed.RemainingCount)

	// A successful run records its situation and host identity beside the
	// compressed logs.
	sidecars, err := filepath.Glob(filepath.Join(cfg.OutputDir.Path, "demo", "*", commit, "*", "schedule_condition.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, sidecars)
	identities, err := filepath.Glob(filepath.Join(cfg.OutputDir.Path, "demo", "*", commit, "*", "run_identity.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, identities)
}

func TestRunOnceRequeuesOnFailureWithRemainingBudget(t *testing.T) {
	origin, commit := newOriginRepo(t)
	cfg := newTestConfig(origin)
	cfg.OutputDir.Path = t.TempDir()

	d, err := Open(context.Background(), cfg, t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer d.Close()

	job := StoredJob{
		Job: jobrunner.Job{
			Commit:         commit,
			TargetName:     "demo",
			Command:        config.BenchmarkingCommand{Command: "false"},
			RemainingCount: 1,
			ErrorBudget:    2,
		},
	}
	data, err := json.Marshal(job)
	require.NoError(t, err)
	_, err = d.Queues[0].Push(job.PriorityKey(), data)
	require.NoError(t, err)

	ran, err := d.RunOnce(context.Background(), time.Now(), RunOnceOptions{})
	require.NoError(t, err)
	assert.True(t, ran)

	entry, err := d.Queues[0].Pop(context.Background(), queue.PopOptions{})
	require.NoError(t, err)
	var requeued StoredJob
	require.NoError(t, json.Unmarshal(entry.Value, &requeued))
	assert.Equal(t, 1, requeued.ErrorBudget)
}

func TestRunOnceSkipsInactiveQueues(t *testing.T) {
	origin, _ := newOriginRepo(t)
	cfg := newTestConfig(origin)
	cfg.Queues[0].ScheduleCondition.Kind = config.GraveYard
	cfg.OutputDir.Path = t.TempDir()

	d, err := Open(context.Background(), cfg, t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer d.Close()

	ran, err := d.RunOnce(context.Background(), time.Now(), RunOnceOptions{})
	require.NoError(t, err)
	assert.False(t, ran)
}
