package table

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"evobench-jobs/internal/callpath"
	"evobench-jobs/internal/spantree"
)

// FoldedOptions configures the folded-stack emitters.
type FoldedOptions struct {
	// Reversed renders each stack leaf-first.
	Reversed bool
}

// WriteFoldedStacks emits one "a;b;c value" line per distinct call path in
// idx, in the folded-stack format flamegraph.pl and its successors expect,
// using valueOf to extract the numeric weight for each span group (e.g. a
// sum of durations).
func WriteFoldedStacks(w io.Writer, idx *callpath.Index, valueOf func([]spantree.SpanID) uint64, opts FoldedOptions) error {
	for _, path := range idx.Paths() {
		value := valueOf(idx.SpansForPath(path))
		if _, err := fmt.Fprintf(w, "%s %d\n", foldedPath(path, opts.Reversed), value); err != nil {
			return err
		}
	}
	return nil
}

// WriteFoldedMap is the folded-stack emitter for pre-aggregated values
// (e.g. a summary across runs), keyed by call-path strings.
func WriteFoldedMap(w io.Writer, values map[string]uint64, opts FoldedOptions) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s %d\n", foldedPath(k, opts.Reversed), values[k]); err != nil {
			return err
		}
	}
	return nil
}

// foldedPath rewrites a call-path key's "/" segment separator into the
// folded-stack format's ";" separator, leaving any "A:"/"N:" prefix intact
// since it is informative (which aggregation variant this line came from).
func foldedPath(key string, reversed bool) string {
	prefix, segs := callpath.SplitKey(key)
	if reversed {
		for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
			segs[i], segs[j] = segs[j], segs[i]
		}
	}
	return prefix + strings.Join(segs, ";")
}
