// Package config loads and validates the YAML document that drives a
// benchmarking run: remote repository, targets, job templates, queue
// pipeline, working-directory pool, and output location.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RemoteRepository names the upstream git remote commits are checked out
// from.
type RemoteRepository struct {
	URL string `yaml:"url" validate:"required"`
}

// LogExtract pairs a start/end regular expression; the post-processor
// records the duration between the first matching start line and the
// first subsequent matching end line as a sidecar measurement.
//
// SameLineRegex selects the alternate single-line form: a regular
// expression with two named capture groups, "start" and "end", each
// matching an RFC 3339 timestamp within one line (e.g. a log line that
// prints both a request's arrival and completion time). When set, it is
// used instead of StartRegex/EndRegex and the duration is the difference
// between the two captured timestamps on the first matching line.
type LogExtract struct {
	Name          string `yaml:"name" validate:"required"`
	StartRegex    string `yaml:"start_regex,omitempty"`
	EndRegex      string `yaml:"end_regex,omitempty"`
	SameLineRegex string `yaml:"same_line_regex,omitempty"`
}

// CustomParameterType names the checked value shape a custom parameter
// accepts.
type CustomParameterType string

const (
	ParamString     CustomParameterType = "string"
	ParamFileName   CustomParameterType = "filename"
	ParamDirName    CustomParameterType = "dirname"
	ParamBool       CustomParameterType = "bool"
	ParamNonZeroU32 CustomParameterType = "non_zero_u32"
	ParamU32        CustomParameterType = "u32"
)

// Target is one benchmarking target: which command builds/runs it, which
// custom parameters callers may set (and their checked types), and which
// log extracts apply to its captured output.
type Target struct {
	BenchmarkingCommand     string                         `yaml:"benchmarking_command" validate:"required"`
	AllowedCustomParameters map[string]CustomParameterType `yaml:"allowed_custom_parameters"`
	LogExtracts             []LogExtract                   `yaml:"log_extracts"`
}

// reservedEnvNames are the environment variables the job runner itself
// sets for every child; custom parameters must not collide with them.
var reservedEnvNames = map[string]bool{
	"EVOBENCH_LOG":     true,
	"BENCH_OUTPUT_LOG": true,
	"COMMIT_ID":        true,
	"DATASET_DIR":      true,
}

var envNameRe = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// ValidateCustomParameters checks params against the target's allowed set:
// every key must be env-var-name-like, outside the reserved set, declared
// in AllowedCustomParameters, and its value must parse as the declared
// type.
func (t Target) ValidateCustomParameters(params map[string]string) error {
	for name, value := range params {
		if !envNameRe.MatchString(name) {
			return fmt.Errorf("config: custom parameter %q is not a valid environment variable name", name)
		}
		if reservedEnvNames[name] {
			return fmt.Errorf("config: custom parameter %q collides with a reserved environment variable", name)
		}
		typ, ok := t.AllowedCustomParameters[name]
		if !ok {
			return fmt.Errorf("config: custom parameter %q is not allowed for this target (have: %v)", name, keysOf(t.AllowedCustomParameters))
		}
		if err := checkParameterValue(typ, value); err != nil {
			return fmt.Errorf("config: custom parameter %s: %w", name, err)
		}
	}
	return nil
}

func checkParameterValue(typ CustomParameterType, value string) error {
	switch typ {
	case ParamString, "":
		return nil
	case ParamFileName:
		if value == "" || strings.ContainsAny(value, "/\x00") {
			return fmt.Errorf("%q is not a valid file name", value)
		}
		return nil
	case ParamDirName:
		if value == "" || strings.ContainsRune(value, 0) {
			return fmt.Errorf("%q is not a valid directory name", value)
		}
		return nil
	case ParamBool:
		if value != "0" && value != "1" {
			return fmt.Errorf("%q is not a valid bool (want \"0\" or \"1\")", value)
		}
		return nil
	case ParamU32, ParamNonZeroU32:
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("%q is not a valid u32: %v", value, err)
		}
		if typ == ParamNonZeroU32 && n == 0 {
			return fmt.Errorf("%q must be non-zero", value)
		}
		return nil
	default:
		return fmt.Errorf("unknown parameter type %q", typ)
	}
}

// BenchmarkingCommand is a named, reusable command invocation.
type BenchmarkingCommand struct {
	TargetName      string   `yaml:"target_name" validate:"required"`
	Subdir          string   `yaml:"subdir"`
	Command         string   `yaml:"command" validate:"required"`
	Arguments       []string `yaml:"arguments"`
	PreExecBashCode string   `yaml:"pre_exec_bash_code"`
}

// CustomParametersSetOpts lets one job template expand into several jobs,
// one per entry, each overlaying its own custom parameters on top of the
// template's base set. This generalizes the upstream single-parameter-set
// template into a small sweep mechanism without requiring a separate
// template per parameter combination.
type CustomParametersSetOpts struct {
	Name             string            `yaml:"name" validate:"required"`
	CustomParameters map[string]string `yaml:"custom_parameters"`
}

// JobTemplate describes one (or, via ParameterSets, several) jobs to
// insert.
type JobTemplate struct {
	Priority         int                        `yaml:"priority"`
	InitialBoost     int                        `yaml:"initial_boost"`
	Command          string                     `yaml:"command" validate:"required"`
	CustomParameters map[string]string          `yaml:"custom_parameters"`
	ParameterSets    []CustomParametersSetOpts  `yaml:"parameter_sets,omitempty"`
}

// Expand returns one set of custom parameters per concrete job this
// template produces: the template's own CustomParameters if ParameterSets
// is empty, or one merged map per entry in ParameterSets otherwise.
func (jt JobTemplate) Expand() []map[string]string {
	if len(jt.ParameterSets) == 0 {
		return []map[string]string{jt.CustomParameters}
	}
	out := make([]map[string]string, len(jt.ParameterSets))
	for i, set := range jt.ParameterSets {
		merged := make(map[string]string, len(jt.CustomParameters)+len(set.CustomParameters))
		for k, v := range jt.CustomParameters {
			merged[k] = v
		}
		for k, v := range set.CustomParameters {
			merged[k] = v
		}
		out[i] = merged
	}
	return out
}

// ScheduleConditionKind discriminates the ScheduleCondition union.
type ScheduleConditionKind string

const (
	Immediately           ScheduleConditionKind = "immediately"
	LocalNaiveTimeWindow  ScheduleConditionKind = "local_naive_time_window"
	GraveYard             ScheduleConditionKind = "grave_yard"
)

// ScheduleCondition selects when a queue is active for dequeue. Only the
// fields relevant to Kind are meaningful.
type ScheduleCondition struct {
	Kind ScheduleConditionKind `yaml:"kind" validate:"required,oneof=immediately local_naive_time_window grave_yard"`

	// Situation is the user-assigned label recorded with each run drained
	// from this queue, used to bucket summary tables.
	Situation string `yaml:"situation,omitempty"`

	// LocalNaiveTimeWindow fields.
	StopStart              string `yaml:"stop_start,omitempty"`
	Repeatedly             bool   `yaml:"repeatedly,omitempty"`
	MoveWhenTimeWindowEnds bool   `yaml:"move_when_time_window_ends,omitempty"`
	From                   string `yaml:"from,omitempty"`
	To                     string `yaml:"to,omitempty"`
}

// QueueSpec is one stage of the queue pipeline.
type QueueSpec struct {
	FileName          string            `yaml:"file_name" validate:"required"`
	ScheduleCondition ScheduleCondition `yaml:"schedule_condition" validate:"required"`
}

// Situation returns the queue's situation label, defaulting to the queue's
// own file name when the schedule condition does not set one explicitly.
func (q QueueSpec) Situation() string {
	if q.ScheduleCondition.Situation != "" {
		return q.ScheduleCondition.Situation
	}
	return q.FileName
}

// WorkingDirectoryPool configures the pool of checked-out working trees.
type WorkingDirectoryPool struct {
	BaseDir   string `yaml:"base_dir,omitempty"`
	Capacity  uint8  `yaml:"capacity" validate:"required,min=1"`
	AutoClean bool   `yaml:"auto_clean"`
}

// BenchmarkingJobSettings are defaults applied when inserting a job.
type BenchmarkingJobSettings struct {
	Count        int `yaml:"count" validate:"omitempty,min=1"`
	ErrorBudget  int `yaml:"error_budget" validate:"min=0"`
	Priority     int `yaml:"priority"`
}

// OutputDir names where completed-run artifacts are written.
type OutputDir struct {
	Path string `yaml:"path" validate:"required"`
	URL  string `yaml:"url,omitempty"`
}

// Config is the whole configuration document. VersionedDatasetsBaseDir,
// when set, enables dataset-directory resolution by commit-graph ancestry
// during job execution.
type Config struct {
	RemoteRepository        RemoteRepository                `yaml:"remote_repository" validate:"required"`
	Targets                 map[string]Target                `yaml:"targets" validate:"required,dive"`
	BenchmarkingCommands    map[string]BenchmarkingCommand    `yaml:"benchmarking_commands" validate:"required,dive"`
	JobTemplatesForInsert   []JobTemplate                     `yaml:"job_templates_for_insert"`
	Queues                  []QueueSpec                       `yaml:"queues" validate:"required,min=1,dive"`
	ErroneousJobsQueue      string                            `yaml:"erroneous_jobs_queue,omitempty"`
	WorkingDirectoryPool    WorkingDirectoryPool              `yaml:"working_directory_pool" validate:"required"`
	BenchmarkingJobSettings BenchmarkingJobSettings           `yaml:"benchmarking_job_settings"`
	OutputDir               OutputDir                         `yaml:"output_dir" validate:"required"`
	VersionedDatasetsBaseDir string                           `yaml:"versioned_datasets_base_dir,omitempty"`
}

// Load reads, parses, and validates a configuration document from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document already in memory.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validating: %w", err)
	}
	return &cfg, nil
}

// ResolveRef looks up name in table, erroring with the available names on
// a miss. This is the "value-or-ref" helper the CLI uses to resolve the
// targets and benchmarking commands that job templates and insert flags
// name elsewhere in the document.
func ResolveRef[T any](kind, name string, table map[string]T) (T, error) {
	v, ok := table[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("config: unknown %s %q (have: %v)", kind, name, keysOf(table))
	}
	return v, nil
}

func keysOf[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
