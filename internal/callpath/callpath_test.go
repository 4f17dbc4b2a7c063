package callpath

import (
	"testing"

	"evobench-jobs/internal/logmsg"
	"evobench-jobs/internal/spantree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timing(pn string, pid, tid uint64) logmsg.Timing {
	return logmsg.Timing{PN: pn, PID: pid, TID: tid}
}

func buildTree(t *testing.T) *spantree.Tree {
	t.Helper()
	messages := []logmsg.Message{
		{Kind: logmsg.KindTS, Timing: timing("outer", 1, 1)},
		{Kind: logmsg.KindTS, Timing: timing("inner", 1, 1)},
		{Kind: logmsg.KindTE, Timing: timing("inner", 1, 1)},
		{Kind: logmsg.KindTE, Timing: timing("outer", 1, 1)},

		{Kind: logmsg.KindTS, Timing: timing("outer", 1, 2)},
		{Kind: logmsg.KindTS, Timing: timing("inner", 1, 2)},
		{Kind: logmsg.KindTE, Timing: timing("inner", 1, 2)},
		{Kind: logmsg.KindTE, Timing: timing("outer", 1, 2)},
	}
	tree, err := spantree.Build(messages)
	require.NoError(t, err)
	return tree
}

func TestBuildAcrossMergesThreads(t *testing.T) {
	tree := buildTree(t)
	indexes := Build(tree, []Variant{Across})
	idx := indexes[0]

	require.Equal(t, 2, idx.Len())
	spans := idx.SpansForPath("A:outer/inner")
	assert.Len(t, spans, 2)
}

func TestBuildNumberedSeparatesThreads(t *testing.T) {
	tree := buildTree(t)
	indexes := Build(tree, []Variant{Numbered})
	idx := indexes[0]

	require.Equal(t, 4, idx.Len())
	assert.Len(t, idx.SpansForPath("N:#0:outer/inner"), 1)
	assert.Len(t, idx.SpansForPath("N:#1:outer/inner"), 1)
}

func TestBuildNoDoubleCountWithinVariant(t *testing.T) {
	tree := buildTree(t)
	indexes := Build(tree, []Variant{Across})
	idx := indexes[0]

	total := 0
	for _, p := range idx.Paths() {
		total += len(idx.SpansForPath(p))
	}
	assert.Equal(t, len(tree.Spans), total)
}

func TestPathsAreSortedAndStable(t *testing.T) {
	tree := buildTree(t)
	indexes := Build(tree, []Variant{Across})
	paths := indexes[0].Paths()
	require.Len(t, paths, 2)
	assert.Equal(t, "A:outer", paths[0])
	assert.Equal(t, "A:outer/inner", paths[1])
}

func TestMultipleVariantsDoNotCollide(t *testing.T) {
	tree := buildTree(t)
	indexes := Build(tree, []Variant{Across, Numbered})
	require.Len(t, indexes, 2)
	assert.Equal(t, 2, indexes[0].Len())
	assert.Equal(t, 4, indexes[1].Len())
}

func TestSplitKeySeparatesPrefixAndSegments(t *testing.T) {
	prefix, segs := SplitKey("A:m|outer/m|inner")
	assert.Equal(t, "A:", prefix)
	assert.Equal(t, []string{"m|outer", "m|inner"}, segs)

	prefix, segs = SplitKey("N:#3:outer/inner")
	assert.Equal(t, "N:#3:", prefix)
	assert.Equal(t, []string{"outer", "inner"}, segs)

	prefix, segs = SplitKey("outer/inner")
	assert.Equal(t, "", prefix)
	assert.Equal(t, []string{"outer", "inner"}, segs)
}

func TestReverseKeyRendersLeafFirst(t *testing.T) {
	assert.Equal(t, "A:c/b/a", ReverseKey("A:a/b/c"))
	assert.Equal(t, "N:#0:inner/outer", ReverseKey("N:#0:outer/inner"))
	assert.Equal(t, "A:only", ReverseKey("A:only"))
}
