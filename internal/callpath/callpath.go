// Package callpath groups span ids from a spantree.Tree by their rendered
// call-path string, one index per configured option variant (e.g. "across
// threads" vs "numbered threads"), so downstream statistics can be computed
// per distinct call path.
package callpath

import (
	"sort"
	"strings"

	"evobench-jobs/internal/spantree"
)

// Variant names one call-path rendering option and the prefix it attaches
// to disambiguate it from other variants indexed over the same tree.
type Variant struct {
	Name   string
	Prefix string
	Opts   spantree.CallPathOptions
}

// Across groups every span under the thread-agnostic path (no pid/tid/
// ordinal prefix), distinguished by prefix "A:".
var Across = Variant{Name: "across", Prefix: "A:", Opts: spantree.CallPathOptions{}}

// Numbered groups spans per-thread, distinguished by prefix "N:", using the
// thread's stable first-seen ordinal rather than its raw tid.
var Numbered = Variant{Name: "numbered", Prefix: "N:", Opts: spantree.CallPathOptions{IncludeOrdinal: true}}

// Index maps a rendered call-path key (prefix + path) to the span ids that
// produced it, for one variant.
type Index struct {
	Variant Variant
	byPath  map[string][]spantree.SpanID
}

// Build constructs one Index per variant over every span in tree.
func Build(tree *spantree.Tree, variants []Variant) []*Index {
	indexes := make([]*Index, len(variants))
	for i, v := range variants {
		idx := &Index{Variant: v, byPath: make(map[string][]spantree.SpanID)}
		for _, span := range tree.Spans {
			key := v.Prefix + tree.PathString(span.ID, v.Opts)
			idx.byPath[key] = append(idx.byPath[key], span.ID)
		}
		indexes[i] = idx
	}
	return indexes
}

// SpansForPath returns the span ids grouped under key, or nil if absent.
func (idx *Index) SpansForPath(key string) []spantree.SpanID {
	return idx.byPath[key]
}

// Paths returns every call-path key present, sorted lexicographically, so
// iteration order is stable across runs.
func (idx *Index) Paths() []string {
	keys := make([]string, 0, len(idx.byPath))
	for k := range idx.byPath {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len reports how many distinct call paths this index holds.
func (idx *Index) Len() int {
	return len(idx.byPath)
}

// SplitKey separates a call-path key into its variant/thread prefix (up to
// and including the last ':' of the first segment; probe names themselves
// never contain ':') and its slash-separated probe-name segments.
func SplitKey(key string) (prefix string, segments []string) {
	segments = strings.Split(key, "/")
	if i := strings.LastIndexByte(segments[0], ':'); i >= 0 {
		prefix = segments[0][:i+1]
		segments[0] = segments[0][i+1:]
	}
	return prefix, segments
}

// ReverseKey re-renders a call-path key leaf-first, keeping any prefix in
// place, for the --show-reversed output mode.
func ReverseKey(key string) string {
	prefix, segs := SplitKey(key)
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return prefix + strings.Join(segs, "/")
}
