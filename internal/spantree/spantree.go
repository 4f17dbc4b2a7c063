// Package spantree builds a per-thread call tree out of the flat, ordered
// message stream produced by package logdata.
//
// A Span is a matched TS/TE pair; spans nest per-thread as a stack, exactly
// as the probe library itself nested them at instrumentation time. Spans
// are stored in a dense arena and referenced by index rather than pointer,
// so the tree is plain data that can be copied, serialized, or indexed
// without lifetime concerns.
package spantree

import (
	"fmt"

	"evobench-jobs/internal/logmsg"
)

// SpanID indexes into Tree.Spans; ids are dense and start at 0. NoParent,
// the largest SpanID value, is a sentinel that never indexes a span.
type SpanID uint32

// NoParent marks a root span (no enclosing TS on its thread).
const NoParent SpanID = ^SpanID(0)

// ThreadKey identifies one OS thread within one process.
type ThreadKey struct {
	PID uint64
	TID uint64
}

// Span is one matched TS/TE pair.
type Span struct {
	ID       SpanID
	Parent   SpanID // NoParent if this is a root
	Depth    int
	ProbeName string
	Thread   ThreadKey
	// ThreadOrdinal is the first-seen order of Thread, stable across a
	// single Tree, used for call-path rendering with `#<ordinal>` instead
	// of a raw, non-deterministic-looking tid.
	ThreadOrdinal int

	Start logmsg.Timing
	End   logmsg.Timing

	// KeyValues attached while this span was the innermost open span on
	// its thread.
	KeyValues []logmsg.KeyValue
}

// DurationNsec returns the span's wall-clock real-time extent, in nanoseconds.
func (s *Span) DurationNsec() uint64 {
	return s.End.R.ToNsec() - s.Start.R.ToNsec()
}

// Tree is the full arena of spans built from one LogData.
type Tree struct {
	Spans []Span
	Roots []SpanID

	// threadOrdinals records first-seen order per thread, including
	// threads that never logged a KeyValue, so callers needing it directly
	// don't have to rescan Spans.
	threadOrdinals map[ThreadKey]int
}

func (t *Tree) Span(id SpanID) *Span { return &t.Spans[id] }

// ThreadOrdinal returns the stable, first-seen ordinal for a thread, or
// false if the thread never appeared.
func (t *Tree) ThreadOrdinal(k ThreadKey) (int, bool) {
	o, ok := t.threadOrdinals[k]
	return o, ok
}

// NestingError reports a TE whose probe name does not match the span it
// closes, i.e. the log file's TS/TE stack discipline was violated.
type NestingError struct {
	Thread   ThreadKey
	Expected string
	Got      string
}

func (e *NestingError) Error() string {
	return fmt.Sprintf("spantree: nesting error on thread %+v: expected TE for %q, got %q", e.Thread, e.Expected, e.Got)
}

// UnbalancedError reports a thread whose stack is non-empty at end of file.
type UnbalancedError struct {
	Thread ThreadKey
	Open   []string // probe names still open, innermost last
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("spantree: thread %+v ended with %d unclosed span(s): %v", e.Thread, len(e.Open), e.Open)
}

type threadState struct {
	stack []SpanID
}

// Build walks messages in file order and constructs the span tree.
func Build(messages []logmsg.Message) (*Tree, error) {
	t := &Tree{threadOrdinals: make(map[ThreadKey]int)}
	threads := make(map[ThreadKey]*threadState)

	ensureOrdinal := func(k ThreadKey) int {
		if o, ok := t.threadOrdinals[k]; ok {
			return o
		}
		o := len(t.threadOrdinals)
		t.threadOrdinals[k] = o
		return o
	}
	threadOf := func(k ThreadKey) *threadState {
		ts, ok := threads[k]
		if !ok {
			ts = &threadState{}
			threads[k] = ts
		}
		return ts
	}

	for _, msg := range messages {
		switch msg.Kind {
		case logmsg.KindTThreadStart, logmsg.KindTThreadEnd:
			k := ThreadKey{PID: msg.Timing.PID, TID: msg.Timing.TID}
			ensureOrdinal(k)

		case logmsg.KindTS:
			k := ThreadKey{PID: msg.Timing.PID, TID: msg.Timing.TID}
			ensureOrdinal(k)
			ts := threadOf(k)

			parent := NoParent
			depth := 0
			if len(ts.stack) > 0 {
				parent = ts.stack[len(ts.stack)-1]
				depth = t.Spans[parent].Depth + 1
			}

			id := SpanID(len(t.Spans))
			t.Spans = append(t.Spans, Span{
				ID:            id,
				Parent:        parent,
				Depth:         depth,
				ProbeName:     msg.Timing.PN,
				Thread:        k,
				ThreadOrdinal: t.threadOrdinals[k],
				Start:         msg.Timing,
			})
			if parent == NoParent {
				t.Roots = append(t.Roots, id)
			}
			ts.stack = append(ts.stack, id)

		case logmsg.KindTE:
			k := ThreadKey{PID: msg.Timing.PID, TID: msg.Timing.TID}
			ts := threadOf(k)
			if len(ts.stack) == 0 {
				return nil, &NestingError{Thread: k, Expected: "<nothing open>", Got: msg.Timing.PN}
			}
			top := ts.stack[len(ts.stack)-1]
			span := &t.Spans[top]
			if span.ProbeName != msg.Timing.PN {
				return nil, &NestingError{Thread: k, Expected: span.ProbeName, Got: msg.Timing.PN}
			}
			span.End = msg.Timing
			ts.stack = ts.stack[:len(ts.stack)-1]

		case logmsg.KindKeyValue:
			k := ThreadKey{TID: msg.KeyValue.TID}
			// KeyValue carries no pid; find a thread state with matching
			// tid regardless of pid (single-process logs are the common
			// case, and the pid is recoverable from any open span).
			ts, id, ok := findOpenThreadByTID(threads, msg.KeyValue.TID)
			if ok {
				span := &t.Spans[id]
				span.KeyValues = append(span.KeyValues, msg.KeyValue)
				_ = ts
			}
			// else: attach to "the root" is a no-op in this arena model;
			// root-level key/values with no open span are simply dropped,
			// since there is no dedicated root span object to hold them.
			_ = k

		default:
			// T, TStart, TEnd, TIO carry timing info consumed elsewhere
			// (e.g. TEnd terminates the file; T/TIO are point events with
			// no span membership) and do not affect the span stack.
		}
	}

	for k, ts := range threads {
		if len(ts.stack) > 0 {
			open := make([]string, len(ts.stack))
			for i, id := range ts.stack {
				open[i] = t.Spans[id].ProbeName
			}
			return nil, &UnbalancedError{Thread: k, Open: open}
		}
	}

	return t, nil
}

func findOpenThreadByTID(threads map[ThreadKey]*threadState, tid uint64) (*threadState, SpanID, bool) {
	for k, ts := range threads {
		if k.TID == tid && len(ts.stack) > 0 {
			return ts, ts.stack[len(ts.stack)-1], true
		}
	}
	return nil, 0, false
}

// CallPathOptions configures how PathString renders a span's ancestry.
type CallPathOptions struct {
	IncludePID    bool
	IncludeTID    bool
	IncludeOrdinal bool
}

// PathString joins probe names from root to span with "/", optionally
// prefixed with "p:<pid>" and/or "t:<tid>" and/or "#<ordinal>".
func (t *Tree) PathString(id SpanID, opts CallPathOptions) string {
	var names []string
	for cur := id; cur != NoParent; cur = t.Spans[cur].Parent {
		names = append(names, t.Spans[cur].ProbeName)
	}
	// reverse into root-to-leaf order
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}

	path := joinSlash(names)
	span := &t.Spans[id]
	prefix := ""
	if opts.IncludePID {
		prefix += fmt.Sprintf("p:%d", span.Thread.PID)
	}
	if opts.IncludeTID {
		prefix += fmt.Sprintf("t:%d", span.Thread.TID)
	}
	if opts.IncludeOrdinal {
		prefix += fmt.Sprintf("#%d", span.ThreadOrdinal)
	}
	if prefix == "" {
		return path
	}
	return prefix + ":" + path
}

func joinSlash(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}
