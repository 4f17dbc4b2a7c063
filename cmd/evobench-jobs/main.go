// Command evobench-jobs drives the benchmarking job pipeline: inserting new
// jobs, inspecting queues and working directories, running the daemon loop,
// and migrating on-disk tables to their current format.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"evobench-jobs/internal/appdir"
	"evobench-jobs/internal/config"
	"evobench-jobs/internal/daemon"
	"evobench-jobs/internal/envutil"
	"evobench-jobs/internal/gitutil"
	"evobench-jobs/internal/insert"
	"evobench-jobs/internal/jobrunner"
	"evobench-jobs/internal/kvstore"
	"evobench-jobs/internal/migration"
	"evobench-jobs/internal/postprocess"
	"evobench-jobs/internal/queue"
	"evobench-jobs/internal/tempfile"
	"evobench-jobs/internal/wdpool"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func main() {
	app := &cli.App{
		Name:  "evobench-jobs",
		Usage: "insert, run, and inspect benchmarking jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "configuration file path",
				Value:   "evobench-jobs.yaml",
			},
			&cli.StringFlag{
				Name:  "queues-dir",
				Usage: "base directory holding one subdirectory per queue (default: ~/.evobench-jobs/queues)",
			},
		},
		Commands: []*cli.Command{
			insertCommand("insert"),
			insertCommand("insert-local"),
			insertFileCommand(),
			listCommand("list", 20),
			listCommand("list-all", 0),
			listCommand("list-unlimited", 0),
			wdCommand(),
			wdLogCommand("wd-log", false),
			wdLogCommand("wd-logf", true),
			daemonCommand(),
			configFormatsCommand(),
			migrateCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "evobench-jobs: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode propagates a child process's exit status: its own code when it
// exited, 128+signal when it was killed, 1 for every other error.
func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		if code := ee.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	return config.Load(c.String("config"))
}

// queuesDir resolves the queue pipeline's base directory: the --queues-dir
// flag if given, otherwise "queues" under the global app state directory.
func queuesDir(c *cli.Context) (string, error) {
	if dir := c.String("queues-dir"); dir != "" {
		return dir, nil
	}
	return appdir.Sub("queues")
}

// alreadyInsertedDir resolves the deduplication table's directory, a
// sibling of the queue pipeline.
func alreadyInsertedDir(c *cli.Context) (string, error) {
	if dir := c.String("queues-dir"); dir != "" {
		return filepath.Join(dir, "..", "already_inserted"), nil
	}
	return appdir.Sub("already_inserted")
}

// newLogger builds the process-wide logger. The level is set exactly once
// here, at startup, from EVOBENCH_LOG_LEVEL (zap's atomic level handles
// concurrent reads from every worker thread thereafter).
func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	if envutil.Bool("EVOBENCH_DEBUG", false) {
		cfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(envutil.String("EVOBENCH_LOG_LEVEL", "")); err == nil {
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// customParametersFlag parses repeated "KEY=VALUE" --custom-parameter flags
// into a map, the same shape jobrunner.Job.CustomParameters expects.
func customParametersFlag(c *cli.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, kv := range c.StringSlice("custom-parameter") {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				goto next
			}
		}
		return nil, fmt.Errorf("invalid --custom-parameter %q, want KEY=VALUE", kv)
	next:
	}
	return out, nil
}

func insertFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "commit", Required: true, Usage: "commit hash to benchmark"},
		&cli.StringFlag{Name: "target", Required: true, Usage: "target name, as registered in the config's targets table"},
		&cli.StringFlag{Name: "command", Usage: "benchmarking command name (defaults to the target's registered command)"},
		&cli.StringSliceFlag{Name: "custom-parameter", Usage: "KEY=VALUE, repeatable"},
		&cli.StringFlag{Name: "reason", Usage: "free-text note recorded with the job"},
		&cli.IntFlag{Name: "priority", Usage: "base priority (higher runs first)"},
		&cli.IntFlag{Name: "initial-boost", Usage: "one-time priority boost added on top of --priority"},
		&cli.IntFlag{Name: "count", Value: 1, Usage: "how many times to repeat this job end to end"},
		&cli.IntFlag{Name: "error-budget", Value: 1, Usage: "how many consecutive failures this job tolerates before it is dropped"},
		&cli.BoolFlag{Name: "force", Usage: "insert even if identical parameters were already inserted"},
		&cli.BoolFlag{Name: "quiet", Usage: "insert even if already inserted, without erroring"},
		&cli.BoolFlag{Name: "dry-run", Usage: "run every check but do not write anything"},
	}
}

// insertParams is the value ContentHash is computed over: the job's public,
// semantically-relevant parameters. Reason, priority, and boost are
// deliberately excluded so two insertions differing only in those fields
// are still recognized as the same job for deduplication purposes.
type insertParams struct {
	Commit           string            `json:"commit"`
	TargetName       string            `json:"target_name"`
	CommandName      string            `json:"command_name"`
	CustomParameters map[string]string `json:"custom_parameters"`
}

func buildJob(c *cli.Context, cfg *config.Config) (jobrunner.Job, string, error) {
	targetName := c.String("target")
	target, err := config.ResolveRef("target", targetName, cfg.Targets)
	if err != nil {
		return jobrunner.Job{}, "", err
	}

	commandName := c.String("command")
	if commandName == "" {
		commandName = target.BenchmarkingCommand
	}
	command, err := config.ResolveRef("benchmarking command", commandName, cfg.BenchmarkingCommands)
	if err != nil {
		return jobrunner.Job{}, "", err
	}

	params, err := customParametersFlag(c)
	if err != nil {
		return jobrunner.Job{}, "", err
	}
	if err := target.ValidateCustomParameters(params); err != nil {
		return jobrunner.Job{}, "", err
	}

	job := jobrunner.Job{
		Commit:           c.String("commit"),
		TargetName:       targetName,
		Command:          command,
		CustomParameters: params,
		RemainingCount:   settingOrFlag(c, "count", cfg.BenchmarkingJobSettings.Count),
		ErrorBudget:      settingOrFlag(c, "error-budget", cfg.BenchmarkingJobSettings.ErrorBudget),
		QueueName:        cfg.Queues[0].FileName,
	}
	return job, commandName, nil
}

// settingOrFlag prefers an explicitly passed flag, then the config's
// benchmarking_job_settings default, then the flag's built-in default.
func settingOrFlag(c *cli.Context, flag string, setting int) int {
	if c.IsSet(flag) || setting == 0 {
		return c.Int(flag)
	}
	return setting
}

// insertCommand backs both "insert" (verifies the commit exists upstream,
// via a remote-mirror repo cloned under the working-directory pool base)
// and "insert-local" (trusts --repo-path's local checkout instead).
func insertCommand(name string) *cli.Command {
	flags := insertFlags()
	if name == "insert-local" {
		flags = append(flags, &cli.StringFlag{Name: "repo-path", Required: true, Usage: "local working tree to verify the commit against"})
	}
	return &cli.Command{
		Name:  name,
		Usage: "insert one benchmarking job onto the first queue",
		Flags: flags,
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			job, commandName, err := buildJob(c, cfg)
			if err != nil {
				return err
			}

			var repo *gitutil.Repo
			if name == "insert-local" {
				repo = &gitutil.Repo{Dir: c.String("repo-path")}
			} else {
				repo, err = mirrorRepo(c.Context, cfg)
				if err != nil {
					return err
				}
			}

			return runInsert(c, cfg, job, commandName, func() (bool, error) {
				return insert.VerifyCommitExists(c.Context, repo, job.Commit)
			})
		},
	}
}

// insertFileCommand expands config.JobTemplates (via their ParameterSets)
// into concrete jobs and inserts them as one batch: templates come from
// --file when given, otherwise from the config's own
// job_templates_for_insert list.
func insertFileCommand() *cli.Command {
	flags := append(insertFlags(), &cli.StringFlag{Name: "file", Usage: "job template file (YAML); defaults to the config's job_templates_for_insert"})
	return &cli.Command{
		Name:  "insert-file",
		Usage: "insert every job expanded from job templates",
		Flags: flags,
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			var templates []config.JobTemplate
			if path := c.String("file"); path != "" {
				tmpl, err := loadJobTemplate(path)
				if err != nil {
					return err
				}
				templates = []config.JobTemplate{tmpl}
			} else {
				templates = cfg.JobTemplatesForInsert
			}
			if len(templates) == 0 {
				return fmt.Errorf("no job templates: pass --file or add job_templates_for_insert to the config")
			}

			repo, err := mirrorRepo(c.Context, cfg)
			if err != nil {
				return err
			}

			commit := c.String("commit")
			targetName := c.String("target")
			target, err := config.ResolveRef("target", targetName, cfg.Targets)
			if err != nil {
				return err
			}

			for _, tmpl := range templates {
				commandName := tmpl.Command
				if commandName == "" {
					commandName = target.BenchmarkingCommand
				}
				command, err := config.ResolveRef("benchmarking command", commandName, cfg.BenchmarkingCommands)
				if err != nil {
					return err
				}

				priority := tmpl.Priority
				if c.IsSet("priority") {
					priority = c.Int("priority")
				}
				boost := tmpl.InitialBoost
				if c.IsSet("initial-boost") {
					boost = c.Int("initial-boost")
				}

				for _, params := range tmpl.Expand() {
					if err := target.ValidateCustomParameters(params); err != nil {
						return err
					}
					job := jobrunner.Job{
						Commit:           commit,
						TargetName:       targetName,
						Command:          command,
						CustomParameters: params,
						RemainingCount:   settingOrFlag(c, "count", cfg.BenchmarkingJobSettings.Count),
						ErrorBudget:      settingOrFlag(c, "error-budget", cfg.BenchmarkingJobSettings.ErrorBudget),
						QueueName:        cfg.Queues[0].FileName,
					}
					err := runInsertWith(c, cfg, job, commandName, priority, boost, func() (bool, error) {
						return insert.VerifyCommitExists(c.Context, repo, job.Commit)
					})
					if err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

func loadJobTemplate(path string) (config.JobTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.JobTemplate{}, fmt.Errorf("reading job template %s: %w", path, err)
	}
	// The template file holds one job_templates_for_insert entry, nested
	// under a top-level job_template key.
	var wrapper struct {
		JobTemplate config.JobTemplate `yaml:"job_template"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return config.JobTemplate{}, fmt.Errorf("parsing job template %s: %w", path, err)
	}
	return wrapper.JobTemplate, nil
}

func runInsert(c *cli.Context, cfg *config.Config, job jobrunner.Job, commandName string, exists func() (bool, error)) error {
	priority := settingOrFlag(c, "priority", cfg.BenchmarkingJobSettings.Priority)
	return runInsertWith(c, cfg, job, commandName, priority, c.Int("initial-boost"), exists)
}

func runInsertWith(c *cli.Context, cfg *config.Config, job jobrunner.Job, commandName string, priority, boost int, exists func() (bool, error)) error {
	tableDir, err := alreadyInsertedDir(c)
	if err != nil {
		return err
	}
	store, err := kvstore.Open(tableDir)
	if err != nil {
		return err
	}
	already := insert.NewAlreadyInserted(store)

	qDir, err := queuesDir(c)
	if err != nil {
		return err
	}
	firstQueue, err := queue.Open(filepath.Join(qDir, cfg.Queues[0].FileName))
	if err != nil {
		return err
	}

	stored := daemon.StoredJob{
		Job:      job,
		Reason:   c.String("reason"),
		Priority: priority,
		Boost:    boost,
	}
	value, err := json.Marshal(stored)
	if err != nil {
		return err
	}

	req := insert.Request{
		Commit: job.Commit,
		Params: insertParams{
			Commit:           job.Commit,
			TargetName:       job.TargetName,
			CommandName:      commandName,
			CustomParameters: job.CustomParameters,
		},
		Priority: stored.PriorityKey(),
		Value:    value,
	}

	opts := insert.Options{
		Force:  c.Bool("force"),
		Quiet:  c.Bool("quiet"),
		DryRun: c.Bool("dry-run"),
	}
	if err := insert.Insert(already, firstQueue, req, exists, opts); err != nil {
		return err
	}
	if !opts.DryRun {
		fmt.Fprintf(os.Stdout, "inserted job for commit %s onto %s\n", job.Commit, cfg.Queues[0].FileName)
	}
	return nil
}

// poolBaseDir resolves the working-directory pool's base directory,
// defaulting to "working_directories" under the global app state dir when
// the config leaves it unset.
func poolBaseDir(cfg *config.Config) (string, error) {
	if cfg.WorkingDirectoryPool.BaseDir != "" {
		return cfg.WorkingDirectoryPool.BaseDir, nil
	}
	return appdir.Sub("working_directories")
}

// mirrorRepo returns a local bare-ish mirror of cfg's remote repository,
// cloning it once under the working-directory pool's base directory and
// reusing it on subsequent calls, so --commit verification never needs to
// touch a benchmarking working directory.
func mirrorRepo(ctx context.Context, cfg *config.Config) (*gitutil.Repo, error) {
	base, err := poolBaseDir(cfg)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(base, ".verify-mirror")
	if _, err := os.Stat(dir); err == nil {
		return &gitutil.Repo{Dir: dir}, nil
	}
	return gitutil.Clone(ctx, cfg.RemoteRepository.URL, dir)
}

func listCommand(name string, defaultLimit int) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: "list jobs waiting in the queue pipeline",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: defaultLimit, Usage: "max entries per queue (0 = unlimited)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			qDir, err := queuesDir(c)
			if err != nil {
				return err
			}
			for _, spec := range cfg.Queues {
				q, err := queue.Open(filepath.Join(qDir, spec.FileName))
				if err != nil {
					return err
				}
				entries, err := q.List(c.Int("limit"))
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "%s (%d entries)\n", spec.FileName, len(entries))
				for _, e := range entries {
					var stored daemon.StoredJob
					if err := json.Unmarshal(e.Value, &stored); err != nil {
						fmt.Fprintf(os.Stdout, "  %s: <undecodable>\n", e.Name)
						continue
					}
					fmt.Fprintf(os.Stdout, "  %s  commit=%s target=%s remaining=%d reason=%q\n",
						e.Name, stored.Commit, stored.TargetName, stored.RemainingCount, stored.Reason)
				}
			}
			return nil
		},
	}
}

func wdCommand() *cli.Command {
	return &cli.Command{
		Name:  "wd",
		Usage: "inspect the working-directory pool",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			base, err := poolBaseDir(cfg)
			if err != nil {
				return err
			}
			pool, err := wdpool.Open(c.Context, base, cfg.RemoteRepository.URL, int(cfg.WorkingDirectoryPool.Capacity))
			if err != nil {
				return err
			}
			defer pool.Close()
			for _, wd := range pool.Entries() {
				fmt.Fprintf(os.Stdout, "%s  commit=%s state=%s\n", wd.Dir, wd.Commit, wd.State)
			}
			return nil
		},
	}
}

// wdLogCommand backs wd-log (print the last captured stdout/stderr once)
// and wd-logf (follow it as it grows, like tail -F).
func wdLogCommand(name string, follow bool) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     "show the most recently captured run's output",
		ArgsUsage: "<standard.log path>",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("usage: evobench-jobs %s <standard.log path>", name)
			}
			return tailFile(c.Context, path, follow)
		},
	}
}

func tailFile(ctx context.Context, path string, follow bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil {
			if !follow {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
}

// evaluatorBinary locates the evobench-evaluator executable: beside this
// binary if installed together, otherwise whatever $PATH resolves.
func evaluatorBinary() string {
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "evobench-evaluator")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return "evobench-evaluator"
}

func runEvaluator(bin string, args ...string) error {
	cmd := exec.Command(bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", bin, args, err, out)
	}
	return nil
}

// evaluatorSingle invokes the evaluator's "single" mode against one run
// directory, producing single.xlsx or single.*.folded there.
func evaluatorSingle(bin string) daemon.PerRunEvaluator {
	return func(runDir, kind string) error {
		args := []string{"single", "--format", "none"}
		switch kind {
		case "excel":
			args = append(args, "--excel", filepath.Join(runDir, "single.xlsx"))
		case "flame":
			args = append(args, "--flame", filepath.Join(runDir, "single"))
		default:
			return fmt.Errorf("unknown single export kind %q", kind)
		}
		args = append(args, filepath.Join(runDir, "evobench.log.zstd"))
		return runEvaluator(bin, args...)
	}
}

// evaluatorSummary invokes the evaluator's "summary" mode across the run
// directories under one key directory, optionally restricted to runs
// recorded under one situation, producing e.g. avg-summary.xlsx or
// sum-summary-nightly.folded beside them.
func evaluatorSummary(bin string) daemon.PerKeyDirEvaluator {
	selectorFields := map[string]string{"sum": "sum", "avg": "average"}
	return func(keyDir, situation, selector string, kinds []string) error {
		field, ok := selectorFields[selector]
		if !ok {
			return fmt.Errorf("unknown summary selector %q", selector)
		}

		entries, err := os.ReadDir(keyDir)
		if err != nil {
			return fmt.Errorf("listing %s: %w", keyDir, err)
		}
		var runs []string
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			runDir := filepath.Join(keyDir, e.Name())
			if situation != "" {
				s, ok := postprocess.ReadScheduleCondition(runDir)
				if !ok || s != situation {
					continue
				}
			}
			runs = append(runs, runDir)
		}
		if len(runs) == 0 {
			return nil
		}

		base := selector + "-summary"
		if situation != "" {
			base += "-" + situation
		}
		args := []string{"summary", "--format", "none", "--summary-field", field}
		for _, kind := range kinds {
			switch kind {
			case "excel":
				args = append(args, "--excel", filepath.Join(keyDir, base+".xlsx"))
			case "flame":
				args = append(args, "--flame", filepath.Join(keyDir, base))
			default:
				return fmt.Errorf("unknown summary export kind %q", kind)
			}
		}
		args = append(args, runs...)
		return runEvaluator(bin, args...)
	}
}

func daemonCommand() *cli.Command {
	return &cli.Command{
		Name:  "daemon",
		Usage: "run the main job-processing loop",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "poll-interval", Value: 5 * time.Second, Usage: "how often to re-check idle queues"},
			&cli.TimestampFlag{Name: "stop-at", Layout: time.RFC3339, Usage: "stop the loop after this time"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			qDir, err := queuesDir(c)
			if err != nil {
				return err
			}
			d, err := daemon.Open(c.Context, cfg, qDir, newLogger())
			if err != nil {
				return err
			}
			defer d.Close()

			// Sweep staged files a crashed writer may have left behind in
			// the output tree.
			cleanupStop := make(chan struct{})
			defer close(cleanupStop)
			go tempfile.RunCleanupLoop(cfg.OutputDir.Path, 10*time.Minute, time.Hour, cleanupStop)

			bin := evaluatorBinary()
			opts := daemon.RunOnceOptions{
				Runner: func(cmd string) error {
					out, err := exec.Command("bash", "-c", cmd).CombinedOutput()
					if err != nil {
						return fmt.Errorf("lifecycle command %q: %w: %s", cmd, err, out)
					}
					return nil
				},
				Single:  evaluatorSingle(bin),
				Summary: evaluatorSummary(bin),
			}

			var stopAt time.Time
			if ts := c.Timestamp("stop-at"); ts != nil {
				stopAt = *ts
			}
			return d.Loop(c.Context, stopAt, c.Duration("poll-interval"), opts)
		},
	}
}

func configFormatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "config-formats",
		Usage: "print the fields this binary's configuration file accepts",
		Action: func(c *cli.Context) error {
			fmt.Fprintln(os.Stdout, "evobench-jobs reads a YAML configuration document with top-level keys:")
			fmt.Fprintln(os.Stdout, "  remote_repository, targets, benchmarking_commands, job_templates_for_insert,")
			fmt.Fprintln(os.Stdout, "  queues, erroneous_jobs_queue, working_directory_pool, benchmarking_job_settings,")
			fmt.Fprintln(os.Stdout, "  output_dir, versioned_datasets_base_dir")
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "migrate an on-disk table to its current format",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "table", Value: "already_inserted", Usage: "which table to migrate (currently only already_inserted)"},
		},
		Action: func(c *cli.Context) error {
			if c.String("table") != "already_inserted" {
				return fmt.Errorf("migrate: unknown table %q", c.String("table"))
			}
			tableDir, err := alreadyInsertedDir(c)
			if err != nil {
				return err
			}
			store, err := kvstore.Open(tableDir)
			if err != nil {
				return err
			}
			report, err := migration.Migrate(store,
				[]migration.Parser{migration.CurrentAlreadyInserted, migration.LegacyAlreadyInsertedParser},
				migration.AlreadyInsertedRekey,
				migration.AlreadyInsertedReduceKeepOlder,
			)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "scanned=%d migrated=%d unchanged=%d collided=%d skipped=%v\n",
				report.Scanned, report.Migrated, report.Unchanged, report.Collided, report.Skipped)
			return nil
		},
	}
}
