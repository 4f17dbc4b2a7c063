// Package evalpipeline ties together the measurement-ingestion packages
// (logdata, spantree, callpath, stats, table) into the three operations
// the evaluator CLI exposes: analyzing one run's log ("single"), combining
// several runs under one key directory ("summary"), and tracking one call
// path's value across a commit history ("trend").
package evalpipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"evobench-jobs/internal/callpath"
	"evobench-jobs/internal/logdata"
	"evobench-jobs/internal/spantree"
	"evobench-jobs/internal/stats"
	"evobench-jobs/internal/table"
	"evobench-jobs/internal/tempfile"
)

// Field names one of the measured quantities a span carries.
type Field string

const (
	FieldReal Field = "real"
	FieldCPU  Field = "cpu"
	FieldSys  Field = "sys"
	FieldCtx  Field = "ctx"
)

// Fields lists every measured field in presentation order.
var Fields = []Field{FieldReal, FieldCPU, FieldSys, FieldCtx}

// ValueOf returns span's measured value for field, in nanoseconds for
// FieldReal, microseconds for FieldCPU/FieldSys (the probe log's own
// units), and a context-switch count (voluntary + involuntary) for
// FieldCtx.
func ValueOf(s *spantree.Span, field Field) uint64 {
	switch field {
	case FieldCPU:
		cpu, _ := s.End.U.CheckedSub(s.Start.U)
		return cpu.ToUsec()
	case FieldSys:
		sys, _ := s.End.S.CheckedSub(s.Start.S)
		return sys.ToUsec()
	case FieldCtx:
		return counterDelta(s.Start.NVCSW, s.End.NVCSW) + counterDelta(s.Start.NIVCSW, s.End.NIVCSW)
	default:
		return s.DurationNsec()
	}
}

// counterDelta subtracts two optional resource counters, treating absent
// or regressing values as zero.
func counterDelta(start, end *int64) uint64 {
	if start == nil || end == nil || *end < *start {
		return 0
	}
	return uint64(*end - *start)
}

// PathValues is one run's per-call-path value lists, keyed by field, for
// every call path observed across that run's threads. It is the unit
// summary/trend aggregation operates on, and is what Single persists as a
// sidecar so later summary/trend invocations don't need to re-parse the
// raw probe log. Keys carry their variant prefix ("A:" across threads,
// "N:" numbered threads), so both variants coexist without colliding.
type PathValues map[string]map[Field][]uint64

// AnalyzeOptions configures which call-path variants a single-run
// analysis indexes.
type AnalyzeOptions struct {
	// ShowThreadNumber additionally indexes every span under its
	// numbered-thread path ("N:#<ordinal>:...").
	ShowThreadNumber bool
}

func (o AnalyzeOptions) variants() []callpath.Variant {
	variants := []callpath.Variant{callpath.Across}
	if o.ShowThreadNumber {
		variants = append(variants, callpath.Numbered)
	}
	return variants
}

// SingleResult is everything one "single" invocation produces.
type SingleResult struct {
	Tree    *spantree.Tree
	Indexes []*callpath.Index
	Values  PathValues
}

// AnalyzeSingle loads and fully indexes one run's probe log.
func AnalyzeSingle(logPath string, opts AnalyzeOptions) (*SingleResult, error) {
	data, err := logdata.Load(logPath, logdata.Options{})
	if err != nil {
		return nil, fmt.Errorf("evalpipeline: loading %s: %w", logPath, err)
	}
	tree, err := spantree.Build(data.Messages())
	if err != nil {
		return nil, fmt.Errorf("evalpipeline: building span tree for %s: %w", logPath, err)
	}
	indexes := callpath.Build(tree, opts.variants())

	values := make(PathValues)
	for _, idx := range indexes {
		for _, path := range idx.Paths() {
			fields := make(map[Field][]uint64, len(Fields))
			for _, id := range idx.SpansForPath(path) {
				span := tree.Span(id)
				for _, f := range Fields {
					fields[f] = append(fields[f], ValueOf(span, f))
				}
			}
			values[path] = fields
		}
	}

	return &SingleResult{Tree: tree, Indexes: indexes, Values: values}, nil
}

// SumForField totals the given spans' values for one field, the weight
// function folded-stack exports use.
func (r *SingleResult) SumForField(ids []spantree.SpanID, f Field) uint64 {
	var sum uint64
	for _, id := range ids {
		sum += ValueOf(r.Tree.Span(id), f)
	}
	return sum
}

// sidecarName is the JSON file single-run analysis writes beside its
// Excel/folded exports, read back by SummaryAcross/Trend so repeated
// summary computation doesn't require re-parsing every member run's raw
// probe log.
const sidecarName = "values.json"

// WriteSidecar persists values as runDir/values.json, staged and renamed
// into place so a concurrent summary run never reads a partial sidecar.
func WriteSidecar(runDir string, values PathValues) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("evalpipeline: encoding sidecar: %w", err)
	}
	return tempfile.WriteFile(filepath.Join(runDir, sidecarName), data, 0o644)
}

// ReadSidecar loads a PathValues sidecar previously written by
// WriteSidecar.
func ReadSidecar(runDir string) (PathValues, error) {
	data, err := os.ReadFile(filepath.Join(runDir, sidecarName))
	if err != nil {
		return nil, fmt.Errorf("evalpipeline: reading sidecar: %w", err)
	}
	var values PathValues
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("evalpipeline: decoding sidecar: %w", err)
	}
	return values, nil
}

// RenderOptions configures how call-path row labels are rendered.
type RenderOptions struct {
	// Reversed renders call paths leaf-first.
	Reversed bool
}

func (o RenderOptions) label(path string) string {
	if o.Reversed {
		return callpath.ReverseKey(path)
	}
	return path
}

// Tables renders a SingleResult into one View per measured field, each row
// being one span instance's value under its call path.
func (r *SingleResult) Tables(opts RenderOptions) []table.View {
	paths := make([]string, 0, len(r.Values))
	for p := range r.Values {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	views := make([]table.View, 0, len(Fields))
	for _, f := range Fields {
		var samples []table.FieldSample
		for _, path := range paths {
			for i, v := range r.Values[path][f] {
				samples = append(samples, table.FieldSample{
					RunLabel: fmt.Sprintf("%s#%d", opts.label(path), i),
					Value:    v,
				})
			}
		}
		views = append(views, table.PerFieldTable(string(f), titleOf(f), unitOf(f), samples))
	}
	return views
}

func titleOf(f Field) string {
	if f == FieldCtx {
		return "context switches"
	}
	return string(f) + " time"
}

func unitOf(f Field) string {
	switch f {
	case FieldReal:
		return "ns"
	case FieldCtx:
		return "count"
	default:
		return "us"
	}
}

// SummaryAcross combines every run's PathValues (e.g. read via
// ReadSidecar from each member run directory) into one stats.Stats per
// call path, then renders a SummaryStatsTable listing the requested
// stats.Field set for each path.
func SummaryAcross(runs []PathValues, fields []stats.Field, statsField Field, opts RenderOptions) ([]table.View, error) {
	merged := mergeRuns(runs, statsField)

	paths := make([]string, 0, len(merged))
	for p := range merged {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	views := make([]table.View, 0, len(paths))
	for _, path := range paths {
		s, err := stats.FromValues(merged[path])
		if err != nil {
			return nil, fmt.Errorf("evalpipeline: stats for %q: %w", path, err)
		}
		label := opts.label(path)
		v, err := table.SummaryStatsTable(label, label, unitOf(statsField), fields, s)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// SummaryFolded reduces every run's values for one measured field down to
// a single number per call path via the chosen stats field, the shape
// WriteFoldedMap consumes for summary flamegraphs.
func SummaryFolded(runs []PathValues, field stats.Field, statsField Field) (map[string]uint64, error) {
	merged := mergeRuns(runs, statsField)
	out := make(map[string]uint64, len(merged))
	for path, values := range merged {
		s, err := stats.FromValues(values)
		if err != nil {
			return nil, fmt.Errorf("evalpipeline: folded stats for %q: %w", path, err)
		}
		v, err := field.Value(s)
		if err != nil {
			return nil, err
		}
		out[path] = v
	}
	return out, nil
}

func mergeRuns(runs []PathValues, statsField Field) map[string][]uint64 {
	merged := make(map[string][]uint64)
	for _, run := range runs {
		for path, byField := range run {
			merged[path] = append(merged[path], byField[statsField]...)
		}
	}
	return merged
}

// Trend renders one call path's chosen stats.Field value across an
// ordered sequence of commits, each commit represented by the merged
// runs recorded for it.
func Trend(commits []string, runsByCommit map[string][]PathValues, path string, field stats.Field, statsField Field) (table.View, error) {
	points := make([]table.TrendPoint, 0, len(commits))
	for _, commit := range commits {
		var values []uint64
		for _, run := range runsByCommit[commit] {
			values = append(values, run[path][statsField]...)
		}
		if len(values) == 0 {
			continue
		}
		s, err := stats.FromValues(values)
		if err != nil {
			return nil, fmt.Errorf("evalpipeline: trend stats for commit %s: %w", commit, err)
		}
		v, err := field.Value(s)
		if err != nil {
			return nil, err
		}
		points = append(points, table.TrendPoint{CommitLabel: commit, Value: v})
	}
	return table.TrendTable("trend", path+" trend ("+field.String()+")", unitOf(statsField), points), nil
}

// Changes renders the to/from ratio between each adjacent commit pair for
// one call path, colored by direction. Returns false when fewer than two
// commits have data.
func Changes(commits []string, runsByCommit map[string][]PathValues, path string, field stats.Field, statsField Field) (table.View, bool, error) {
	type point struct {
		commit string
		value  uint64
	}
	var points []point
	for _, commit := range commits {
		var values []uint64
		for _, run := range runsByCommit[commit] {
			values = append(values, run[path][statsField]...)
		}
		if len(values) == 0 {
			continue
		}
		s, err := stats.FromValues(values)
		if err != nil {
			return nil, false, fmt.Errorf("evalpipeline: change stats for commit %s: %w", commit, err)
		}
		v, err := field.Value(s)
		if err != nil {
			return nil, false, err
		}
		points = append(points, point{commit: commit, value: v})
	}
	if len(points) < 2 {
		return nil, false, nil
	}

	rows := make([]table.ChangeRow, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		rows = append(rows, table.ChangeRow{
			Label: points[i-1].commit + " -> " + points[i].commit,
			From:  points[i-1].value,
			To:    points[i].value,
		})
	}
	return table.ChangeTable("change", path+" change ("+field.String()+")", unitOf(statsField), rows), true, nil
}
