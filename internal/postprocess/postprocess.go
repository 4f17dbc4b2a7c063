// Package postprocess runs the evaluator and log-extraction steps that
// follow a successful benchmarking run: per-run Excel/flamegraph exports
// and regex-based duration sidecars, then per-key-directory summary
// exports over every run recorded so far.
package postprocess

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"evobench-jobs/internal/config"
	"evobench-jobs/internal/tempfile"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// EvaluatorSingle invokes the evaluator in "single" mode against one run's
// output directory, producing the named output kind ("excel" or "flame").
type EvaluatorSingle func(runDir, kind string) error

// EvaluatorSummary invokes the evaluator in "summary" mode against a key
// directory (commit + custom parameters), restricted to situation if
// non-empty, computing selector ("sum" or "avg") across every matching
// run, for each of the named output kinds.
type EvaluatorSummary func(keyDir, situation, selector string, kinds []string) error

// PerRun runs both evaluator exports for one completed run, then every
// configured log extract against its captured output, writing one
// "<name>.duration" sidecar file per extract that found both lines.
func PerRun(runDir, capturePath string, single EvaluatorSingle, extracts []config.LogExtract) error {
	for _, kind := range []string{"excel", "flame"} {
		if err := single(runDir, kind); err != nil {
			return fmt.Errorf("postprocess: evaluator %s export: %w", kind, err)
		}
	}

	for _, ex := range extracts {
		var dur time.Duration
		var found bool
		var err error
		if ex.SameLineRegex != "" {
			dur, found, err = extractSameLineDuration(capturePath, ex.SameLineRegex)
		} else {
			dur, found, err = extractDuration(capturePath, ex.StartRegex, ex.EndRegex)
		}
		if err != nil {
			return fmt.Errorf("postprocess: log extract %q: %w", ex.Name, err)
		}
		if !found {
			continue
		}
		sidecar := filepath.Join(runDir, ex.Name+".duration")
		if err := tempfile.WriteFile(sidecar, []byte(dur.String()+"\n"), 0o644); err != nil {
			return fmt.Errorf("postprocess: writing sidecar %s: %w", sidecar, err)
		}
	}
	return nil
}

// extractDuration scans path line by line for the first line matching
// startRegex, then the first subsequent line matching endRegex, and
// returns the wall-clock gap between the two lines' own ISO-8601
// timestamp prefixes (as written by package capture).
func extractDuration(path, startRegex, endRegex string) (time.Duration, bool, error) {
	start, err := regexp.Compile(startRegex)
	if err != nil {
		return 0, false, fmt.Errorf("compiling start regex: %w", err)
	}
	end, err := regexp.Compile(endRegex)
	if err != nil {
		return 0, false, fmt.Errorf("compiling end regex: %w", err)
	}

	r, closeFn, err := openCapture(path)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	var startTime time.Time
	var haveStart bool
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		ts, text := splitCaptureLine(line)
		if !haveStart {
			if start.MatchString(text) {
				startTime = ts
				haveStart = true
			}
			continue
		}
		if end.MatchString(text) {
			return ts.Sub(startTime), true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, false, err
	}
	return 0, false, nil
}

// extractSameLineDuration scans path for the first line matching lineRegex
// (which must define two named capture groups, "start" and "end", each an
// RFC 3339 timestamp) and returns the difference between them. This is the
// single-line counterpart to extractDuration, for log formats that print
// both ends of an interval on one line rather than as two separate lines.
func extractSameLineDuration(path, lineRegex string) (time.Duration, bool, error) {
	re, err := regexp.Compile(lineRegex)
	if err != nil {
		return 0, false, fmt.Errorf("compiling same-line regex: %w", err)
	}
	startIdx := re.SubexpIndex("start")
	endIdx := re.SubexpIndex("end")
	if startIdx < 0 || endIdx < 0 {
		return 0, false, fmt.Errorf("same-line regex %q must define \"start\" and \"end\" named groups", lineRegex)
	}

	r, closeFn, err := openCapture(path)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		_, text := splitCaptureLine(scanner.Text())
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		start, err := time.Parse(time.RFC3339Nano, m[startIdx])
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339Nano, m[endIdx])
		if err != nil {
			continue
		}
		return end.Sub(start), true, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, false, err
	}
	return 0, false, nil
}

// openCapture opens a capture file for line scanning, transparently
// decompressing it when it carries the ".zstd" suffix (the form the job
// runner leaves behind in a run's output directory).
func openCapture(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".zstd") {
		return f, func() { f.Close() }, nil
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("opening zstd stream %s: %w", path, err)
	}
	return zr, func() { zr.Close(); f.Close() }, nil
}

// splitCaptureLine splits a capture.Line-formatted line ("<rfc3339nano>
// O:<text>" or "... E:<text>") into its timestamp and payload.
func splitCaptureLine(line string) (time.Time, string) {
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' {
			ts, err := time.Parse(time.RFC3339Nano, line[:i])
			if err != nil {
				return time.Time{}, line
			}
			rest := line[i+1:]
			if len(rest) > 2 {
				rest = rest[2:] // drop "O:" / "E:" tag
			}
			return ts, rest
		}
	}
	return time.Time{}, line
}

// PerKeyDir runs the evaluator's summary mode once across every run under
// keyDir and once per distinct situation (schedule-condition name)
// recorded there, for both the "sum" and "avg" selectors and both export
// kinds.
func PerKeyDir(keyDir string, summary EvaluatorSummary) error {
	situations, err := situationsIn(keyDir)
	if err != nil {
		return fmt.Errorf("postprocess: listing situations: %w", err)
	}

	selectors := []string{"sum", "avg"}
	kinds := []string{"excel", "flame"}

	for _, sel := range selectors {
		if err := summary(keyDir, "", sel, kinds); err != nil {
			return fmt.Errorf("postprocess: summary across all runs (%s): %w", sel, err)
		}
		for _, situation := range situations {
			if err := summary(keyDir, situation, sel, kinds); err != nil {
				return fmt.Errorf("postprocess: summary for situation %q (%s): %w", situation, sel, err)
			}
		}
	}
	return nil
}

// scheduleConditionFile is the per-run sidecar recording which queue
// situation (schedule-condition label) produced the run, used to bucket
// summary tables.
const scheduleConditionFile = "schedule_condition.yaml"

type scheduleConditionRecord struct {
	Situation string `yaml:"situation"`
}

// WriteScheduleCondition records situation as runDir's schedule-condition
// sidecar.
func WriteScheduleCondition(runDir, situation string) error {
	data, err := yaml.Marshal(scheduleConditionRecord{Situation: situation})
	if err != nil {
		return fmt.Errorf("postprocess: encoding schedule condition: %w", err)
	}
	path := filepath.Join(runDir, scheduleConditionFile)
	if err := tempfile.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("postprocess: writing %s: %w", path, err)
	}
	return nil
}

// ReadScheduleCondition returns the situation recorded for runDir, or
// false if the run has no schedule-condition sidecar.
func ReadScheduleCondition(runDir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(runDir, scheduleConditionFile))
	if err != nil {
		return "", false
	}
	var rec scheduleConditionRecord
	if err := yaml.Unmarshal(data, &rec); err != nil || rec.Situation == "" {
		return "", false
	}
	return rec.Situation, true
}

// situationsIn scans keyDir's run subdirectories for schedule-condition
// sidecars and returns the distinct situation names found.
func situationsIn(keyDir string) ([]string, error) {
	entries, err := os.ReadDir(keyDir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, ok := ReadScheduleCondition(filepath.Join(keyDir, e.Name()))
		if !ok {
			continue
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}
