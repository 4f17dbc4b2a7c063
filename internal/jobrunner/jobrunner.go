// Package jobrunner executes one BenchmarkingJob end to end: borrowing a
// working directory, resolving the dataset directory, spawning the
// configured command with its probe log wired up, capturing its output,
// and routing the job onward (requeue, next queue, or drop) based on the
// exit outcome.
package jobrunner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"evobench-jobs/internal/bashquote"
	"evobench-jobs/internal/capture"
	"evobench-jobs/internal/config"
	"evobench-jobs/internal/wdpool"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// compressInto zstd-compresses src into dstDir, keeping src's base name
// with a ".zstd" suffix appended, matching the on-disk naming convention
// package logdata expects when it later reads these files back.
func compressInto(src, dstDir string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("jobrunner: opening %s: %w", src, err)
	}
	defer in.Close()

	dst := filepath.Join(dstDir, filepath.Base(src)+".zstd")
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("jobrunner: creating %s: %w", dst, err)
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("jobrunner: opening zstd stream for %s: %w", dst, err)
	}
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		return fmt.Errorf("jobrunner: compressing %s: %w", src, err)
	}
	return zw.Close()
}

// Job is one unit of work to execute: a commit, the command to run
// against it, and the bookkeeping needed to route it after completion.
type Job struct {
	Commit           string
	TargetName       string
	Command          config.BenchmarkingCommand
	CustomParameters map[string]string
	RemainingCount   int
	ErrorBudget      int
	QueueName        string
}

// Outcome reports what happened to a job and where it should go next. The
// caller (the daemon loop owning the queues) is responsible for actually
// moving the job based on these flags; Runner only decides the routing,
// since it has no queue handles of its own.
type Outcome struct {
	Success     bool
	ExitErr     error
	OutputDir   string
	RequeueSame bool
	RouteNext   bool
	Drop        bool

	// NewErrorBudget and NewRemainingCount are the decremented values the
	// caller should carry into the requeued/routed job's copy.
	NewErrorBudget    int
	NewRemainingCount int
}

// Runner executes jobs against a working-directory pool.
type Runner struct {
	Pool                     *wdpool.Pool
	OutputBaseDir            string
	VersionedDatasetsBaseDir string
	Logger                   *zap.Logger
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

// scratchDir returns this process's scratch directory: /dev/shm/<user> on
// Linux (tmpfs, avoiding disk I/O for throwaway probe logs), ./tmp
// elsewhere.
func scratchDir() (string, error) {
	if runtime.GOOS == "linux" {
		user := os.Getenv("USER")
		if user == "" {
			user = "unknown"
		}
		dir := filepath.Join("/dev/shm", user)
		if err := os.MkdirAll(dir, 0o755); err == nil {
			return dir, nil
		}
		// fall through to ./tmp if /dev/shm isn't writable in this
		// environment (e.g. a container without tmpfs mounted there).
	}
	dir := "./tmp"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("jobrunner: creating scratch dir %s: %w", dir, err)
	}
	return dir, nil
}

// Run executes job once and reports its outcome. Errors returned are
// infrastructure failures (working-directory pool, filesystem); a failed
// child process is reported via Outcome.Success=false, not an error.
func (r *Runner) Run(ctx context.Context, job Job) (Outcome, error) {
	wd, err := r.Pool.Acquire(ctx, job.Commit)
	if err != nil {
		return Outcome{}, fmt.Errorf("jobrunner: acquiring working directory: %w", err)
	}
	if err := r.Pool.Checkout(ctx, wd, job.Commit); err != nil {
		return Outcome{}, fmt.Errorf("jobrunner: checkout: %w", err)
	}

	datasetDir := ""
	if dataset, ok := job.CustomParameters["DATASET"]; ok && r.VersionedDatasetsBaseDir != "" {
		dir, err := wdpool.DatasetDir(ctx, wd, r.VersionedDatasetsBaseDir, dataset)
		if err != nil {
			return Outcome{}, fmt.Errorf("jobrunner: resolving dataset dir: %w", err)
		}
		datasetDir = dir
	}

	scratch, err := scratchDir()
	if err != nil {
		return Outcome{}, err
	}
	runScratch, err := os.MkdirTemp(scratch, "evobench-run-")
	if err != nil {
		return Outcome{}, fmt.Errorf("jobrunner: creating run scratch dir: %w", err)
	}
	defer os.RemoveAll(runScratch)

	evobenchLog := filepath.Join(runScratch, "evobench.log")
	benchOutputLog := filepath.Join(runScratch, "bench_output.log")
	captureLog := filepath.Join(runScratch, "standard.log")

	cmd := r.buildCommand(ctx, job, wd, datasetDir, evobenchLog, benchOutputLog)

	captureFile, err := os.Create(captureLog)
	if err != nil {
		return Outcome{}, fmt.Errorf("jobrunner: creating capture file: %w", err)
	}
	defer captureFile.Close()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, err
	}

	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("jobrunner: starting command: %w", err)
	}

	captureErr := capture.RunBoth(stdout, stderr, []io.Writer{captureFile})
	waitErr := cmd.Wait()

	success := waitErr == nil && captureErr == nil

	if !success {
		r.logger().Warn("job failed", zap.String("commit", job.Commit), zap.Error(waitErr))
		return r.onFailure(job, waitErr)
	}

	outDir, err := r.finalizeSuccess(job, wd, evobenchLog, benchOutputLog, captureLog)
	if err != nil {
		return Outcome{}, err
	}
	return r.onSuccess(job, outDir)
}

func (r *Runner) buildCommand(ctx context.Context, job Job, wd *wdpool.WorkingDirectory, datasetDir, evobenchLog, benchOutputLog string) *exec.Cmd {
	workDir := wd.Dir
	if job.Command.Subdir != "" {
		workDir = filepath.Join(wd.Dir, job.Command.Subdir)
	}

	var cmd *exec.Cmd
	if job.Command.PreExecBashCode != "" {
		script := fmt.Sprintf("set -meuo pipefail; IFS=$'\\n\\t'; %s; exec %s %s",
			job.Command.PreExecBashCode, bashquote.Single(job.Command.Command), bashquote.JoinArgs(job.Command.Arguments))
		cmd = exec.CommandContext(ctx, "bash", "-c", script)
	} else {
		cmd = exec.CommandContext(ctx, job.Command.Command, job.Command.Arguments...)
	}
	cmd.Dir = workDir

	env := os.Environ()
	for k, v := range job.CustomParameters {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		"EVOBENCH_LOG="+evobenchLog,
		"BENCH_OUTPUT_LOG="+benchOutputLog,
		"COMMIT_ID="+job.Commit,
		"DATASET_DIR="+datasetDir,
	)
	cmd.Env = env
	return cmd
}

func (r *Runner) onFailure(job Job, cause error) (Outcome, error) {
	remaining := job.ErrorBudget - 1
	if remaining > 0 {
		return Outcome{Success: false, ExitErr: cause, RequeueSame: true, NewErrorBudget: remaining}, nil
	}
	return Outcome{Success: false, ExitErr: cause, Drop: true}, nil
}

func (r *Runner) onSuccess(job Job, outputDir string) (Outcome, error) {
	remaining := job.RemainingCount - 1
	return Outcome{Success: true, OutputDir: outputDir, RouteNext: remaining > 0, NewRemainingCount: remaining}, nil
}

func (r *Runner) finalizeSuccess(job Job, wd *wdpool.WorkingDirectory, evobenchLog, benchOutputLog, captureLog string) (string, error) {
	kv := sortedKV(job.CustomParameters)
	outDir := filepath.Join(r.OutputBaseDir, job.TargetName, kv, job.Commit, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("jobrunner: creating output dir: %w", err)
	}

	for _, src := range []string{evobenchLog, benchOutputLog, captureLog} {
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := compressInto(src, outDir); err != nil {
			return "", err
		}
	}

	if err := wd.SetState(wdpool.Benchmarked); err != nil {
		return "", err
	}
	return outDir, nil
}

func sortedKV(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s=%s", k, params[k])
	}
	if out == "" {
		return "default"
	}
	return out
}
