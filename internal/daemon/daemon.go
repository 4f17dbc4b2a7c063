// Package daemon wires together the queue pipeline, the working-directory
// pool, the job runner, and the post-processor into the main loop
// `evobench-jobs daemon` runs: pick the highest-priority job from the
// first active queue, run it, route the outcome onward, repeat.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"evobench-jobs/internal/config"
	"evobench-jobs/internal/jobrunner"
	"evobench-jobs/internal/postprocess"
	"evobench-jobs/internal/queue"
	"evobench-jobs/internal/runctx"
	"evobench-jobs/internal/wdpool"

	"go.uber.org/zap"
)

// StoredJob is the JSON shape persisted in a queue entry: jobrunner.Job
// plus the bookkeeping (priority, boost) the daemon loop needs to decide
// where the job's next copy is routed and how it sorts within its queue.
type StoredJob struct {
	jobrunner.Job
	Reason   string `json:"reason"`
	Priority int    `json:"priority"`
	Boost    int    `json:"boost"`
}

// PriorityKey encodes priority+boost into the queue's filename-sortable
// priority key: higher effective priority must sort first, so the value
// is inverted and zero-padded.
func (j StoredJob) PriorityKey() string {
	effective := j.Priority + j.Boost
	const offset = 1 << 30 // keeps the inverted value non-negative for realistic priorities
	return fmt.Sprintf("%010d", offset-effective)
}

// Daemon holds every long-lived handle the main loop needs.
type Daemon struct {
	Config *config.Config
	Queues []*queue.Queue // parallel to Config.Queues, by index
	Pool   *wdpool.Pool
	Runner *jobrunner.Runner
	RunCtx *runctx.Context
	Logger *zap.Logger
}

// Open builds a Daemon from cfg: opens one queue directory per
// config.QueueSpec under queuesBaseDir, opens the working-directory pool,
// and constructs a Runner bound to it.
func Open(ctx context.Context, cfg *config.Config, queuesBaseDir string, logger *zap.Logger) (*Daemon, error) {
	queues := make([]*queue.Queue, len(cfg.Queues))
	for i, spec := range cfg.Queues {
		q, err := queue.Open(filepath.Join(queuesBaseDir, spec.FileName))
		if err != nil {
			return nil, fmt.Errorf("daemon: opening queue %q: %w", spec.FileName, err)
		}
		queues[i] = q
	}

	baseDir := cfg.WorkingDirectoryPool.BaseDir
	if baseDir == "" {
		baseDir = filepath.Join(queuesBaseDir, "..", "working_directories")
	}
	pool, err := wdpool.Open(ctx, baseDir, cfg.RemoteRepository.URL, int(cfg.WorkingDirectoryPool.Capacity))
	if err != nil {
		return nil, fmt.Errorf("daemon: opening working directory pool: %w", err)
	}
	if cfg.WorkingDirectoryPool.AutoClean {
		if n, err := pool.CleanSidelined(); err != nil {
			logger.Warn("cleaning sidelined working directories failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("removed sidelined working directories", zap.Int("count", n))
		}
	}

	return &Daemon{
		Config: cfg,
		Queues: queues,
		Pool:   pool,
		Runner: &jobrunner.Runner{
			Pool:                     pool,
			OutputBaseDir:            cfg.OutputDir.Path,
			VersionedDatasetsBaseDir: cfg.VersionedDatasetsBaseDir,
			Logger:                   logger,
		},
		RunCtx: runctx.New(),
		Logger: logger,
	}, nil
}

// Close releases the working-directory pool's exclusive lock.
func (d *Daemon) Close() error {
	return d.Pool.Close()
}

// erroneousJobsQueue returns the queue named by
// Config.ErroneousJobsQueue, if any.
func (d *Daemon) erroneousJobsQueue() *queue.Queue {
	if d.Config.ErroneousJobsQueue == "" {
		return nil
	}
	for i, spec := range d.Config.Queues {
		if spec.FileName == d.Config.ErroneousJobsQueue {
			return d.Queues[i]
		}
	}
	return nil
}

// stopStartOf converts a queue's configured stop_start command string (one
// shell command invoked with a "stop" or "start" argument) into a
// runctx.StopStart, or nil if unset.
func stopStartOf(spec config.QueueSpec) *runctx.StopStart {
	cmd := spec.ScheduleCondition.StopStart
	if cmd == "" {
		return nil
	}
	return &runctx.StopStart{Stop: cmd + " stop", Start: cmd + " start"}
}

// PerRunEvaluator and PerKeyDirEvaluator let the caller bind the concrete
// evaluator invocation (e.g. shelling out to `evobench-evaluator`) without
// this package depending on a CLI entrypoint.
type PerRunEvaluator = postprocess.EvaluatorSingle
type PerKeyDirEvaluator = postprocess.EvaluatorSummary

// RunOnceOptions configures one iteration of the daemon loop.
type RunOnceOptions struct {
	Runner     func(cmd string) error // executes a stop/start lifecycle command
	Single     PerRunEvaluator
	Summary    PerKeyDirEvaluator
}

// RunOnce scans the queue pipeline in order for the first active queue
// with a waiting entry, runs that one job, and routes its outcome. It
// returns (false, nil) when no queue currently has eligible work.
func (d *Daemon) RunOnce(ctx context.Context, now time.Time, opts RunOnceOptions) (bool, error) {
	for i, spec := range d.Config.Queues {
		active, err := spec.ScheduleCondition.Active(now)
		if err != nil {
			return false, fmt.Errorf("daemon: evaluating schedule for queue %q: %w", spec.FileName, err)
		}
		if !active {
			continue
		}

		entry, err := d.Queues[i].Pop(ctx, queue.PopOptions{})
		if err != nil {
			if err == queue.ErrEmpty {
				continue
			}
			return false, fmt.Errorf("daemon: popping queue %q: %w", spec.FileName, err)
		}

		if err := d.RunCtx.Transition(stopStartOf(spec), opts.Runner); err != nil {
			return false, err
		}

		if err := d.runEntry(ctx, i, entry, opts); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (d *Daemon) runEntry(ctx context.Context, queueIdx int, entry *queue.Entry, opts RunOnceOptions) error {
	var stored StoredJob
	if err := json.Unmarshal(entry.Value, &stored); err != nil {
		return fmt.Errorf("daemon: decoding queue entry %q: %w", entry.Name, err)
	}

	outcome, err := d.Runner.Run(ctx, stored.Job)
	if err != nil {
		return fmt.Errorf("daemon: running job for commit %s: %w", stored.Commit, err)
	}
	if err := d.Queues[queueIdx].Delete(entry.Name); err != nil {
		return fmt.Errorf("daemon: deleting processed entry %q: %w", entry.Name, err)
	}

	if outcome.Success && outcome.OutputDir != "" {
		if err := postprocess.WriteScheduleCondition(outcome.OutputDir, d.Config.Queues[queueIdx].Situation()); err != nil {
			d.Logger.Warn("recording schedule condition failed", zap.Error(err))
		}
		if err := runctx.WriteIdentity(outcome.OutputDir, runctx.CollectIdentity()); err != nil {
			d.Logger.Warn("recording run identity failed", zap.Error(err))
		}
	}

	switch {
	case outcome.Drop && !outcome.Success:
		if errQ := d.erroneousJobsQueue(); errQ != nil {
			if _, err := errQ.Push(stored.PriorityKey(), entry.Value); err != nil {
				return fmt.Errorf("daemon: routing to erroneous jobs queue: %w", err)
			}
		}
	case outcome.RequeueSame:
		stored.ErrorBudget = outcome.NewErrorBudget
		if err := d.push(queueIdx, stored); err != nil {
			return err
		}
	case outcome.Success && outcome.RouteNext:
		stored.RemainingCount = outcome.NewRemainingCount
		if err := d.routeSuccess(queueIdx, stored); err != nil {
			return err
		}
	}

	if opts.Single != nil && outcome.OutputDir != "" {
		capture := filepath.Join(outcome.OutputDir, "standard.log.zstd")
		if err := postprocess.PerRun(outcome.OutputDir, capture, opts.Single, d.logExtractsFor(stored.TargetName)); err != nil {
			d.Logger.Warn("postprocess per-run failed", zap.Error(err))
		}
	}
	if opts.Summary != nil && outcome.OutputDir != "" {
		keyDir := filepath.Dir(outcome.OutputDir)
		if err := postprocess.PerKeyDir(keyDir, opts.Summary); err != nil {
			d.Logger.Warn("postprocess per-key-dir failed", zap.Error(err))
		}
	}
	return nil
}

func (d *Daemon) logExtractsFor(targetName string) []config.LogExtract {
	target, ok := d.Config.Targets[targetName]
	if !ok {
		return nil
	}
	return target.LogExtracts
}

func (d *Daemon) push(queueIdx int, stored StoredJob) error {
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("daemon: encoding requeued job: %w", err)
	}
	if _, err := d.Queues[queueIdx].Push(stored.PriorityKey(), data); err != nil {
		return fmt.Errorf("daemon: requeueing job: %w", err)
	}
	return nil
}

// routeSuccess moves stored onward: stay in the same queue if that queue's
// schedule repeats and is still in its window, otherwise advance to the
// next pipeline queue; dropped silently if this was the last queue.
func (d *Daemon) routeSuccess(queueIdx int, stored StoredJob) error {
	spec := d.Config.Queues[queueIdx]
	if spec.ScheduleCondition.Kind == config.LocalNaiveTimeWindow && spec.ScheduleCondition.Repeatedly {
		active, err := spec.ScheduleCondition.Active(time.Now())
		if err == nil && active {
			return d.push(queueIdx, stored)
		}
	}
	next := queueIdx + 1
	if next >= len(d.Queues) {
		return nil
	}
	return d.push(next, stored)
}

// WindowEndSweep checks every queue whose schedule condition is a
// LocalNaiveTimeWindow configured with MoveWhenTimeWindowEnds and whose
// window is not active at now, moving every job waiting in it to the next
// pipeline queue. The moment of closing is not detected: a job that reaches
// such a queue while its window is closed is moved on by the next sweep.
// Called once per daemon loop iteration.
func (d *Daemon) WindowEndSweep(now time.Time) error {
	for i, spec := range d.Config.Queues {
		if spec.ScheduleCondition.Kind != config.LocalNaiveTimeWindow || !spec.ScheduleCondition.MoveWhenTimeWindowEnds {
			continue
		}
		active, err := spec.ScheduleCondition.Active(now)
		if err != nil || active {
			continue
		}
		if i+1 >= len(d.Queues) {
			continue
		}
		if err := runctx.WindowEnd(true, func() error { return d.moveAll(i, i+1) }); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) moveAll(from, to int) error {
	for {
		entry, err := d.Queues[from].Pop(context.Background(), queue.PopOptions{})
		if err == queue.ErrEmpty {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := d.Queues[to].Push(entry.Name, entry.Value); err != nil {
			return err
		}
		if err := d.Queues[from].Delete(entry.Name); err != nil {
			return err
		}
	}
}

// Loop runs RunOnce repeatedly until ctx is done or stopAt (if non-zero)
// has passed, sleeping pollInterval between empty iterations so it
// doesn't busy-spin when every queue is idle.
func (d *Daemon) Loop(ctx context.Context, stopAt time.Time, pollInterval time.Duration, opts RunOnceOptions) error {
	for {
		if !stopAt.IsZero() && time.Now().After(stopAt) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := d.WindowEndSweep(time.Now()); err != nil {
			d.Logger.Warn("window-end sweep failed", zap.Error(err))
		}

		ran, err := d.RunOnce(ctx, time.Now(), opts)
		if err != nil {
			return err
		}
		if !ran {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollInterval):
			}
		}
	}
}
