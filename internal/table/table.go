// Package table defines a small tabular view abstraction shared by every
// report this tool produces (per-field tables, summary-of-stats tables,
// trend tables, before/after change tables), plus the renderers that
// consume it (Excel workbook, CSV files, aligned terminal text) and the
// flamegraph folded-stack emitters, which work from call-path indexes.
package table

import "fmt"

// Highlight annotates a cell for the Excel renderer's coloring pass.
type Highlight int

const (
	Neutral Highlight = iota
	Red
	Green
	Spacer
)

// Cell is one rendered value plus its highlight and whether it should be
// right-aligned as a number.
type Cell struct {
	Text      string
	Highlight Highlight
	Numeric   bool
}

func TextCell(s string) Cell { return Cell{Text: s} }

func NumberCell(format string, v any) Cell {
	return Cell{Text: fmt.Sprintf(format, v), Numeric: true}
}

// Row is one line of rendered cells, aligned 1:1 with a View's headers.
type Row struct {
	Cells []Cell
}

// View is the contract every table implementation satisfies: a title, an
// optional unit string shown beside it, column headers, a table name used
// for worksheet/section naming, and a lazy row producer so large result
// sets are never materialized twice.
type View interface {
	Name() string
	Title() string
	Unit() string
	Headers() []string
	// Rows streams body rows to yield, stopping early if yield returns
	// false (mirroring the standard library's range-over-func iterator
	// shape without requiring Go 1.23).
	Rows(yield func(Row) bool)
}

// IsBetter reports whether a `to/from` change ratio counts as an
// improvement or a regression given thresholds fixed at 1.1 (worse) and
// 0.9 (better): 0.9 or below is better, 1.1 or above is worse, the band
// strictly between them is neutral.
func IsBetter(ratio float64) Highlight {
	switch {
	case ratio <= 0.9:
		return Green
	case ratio >= 1.1:
		return Red
	default:
		return Neutral
	}
}

// Materialize collects every row from a View into a slice, for callers
// (like tests, or the terminal renderer) that want the whole table at
// once instead of streaming it.
func Materialize(v View) []Row {
	var rows []Row
	v.Rows(func(r Row) bool {
		rows = append(rows, r)
		return true
	})
	return rows
}

// SliceView is a trivial View backed by an in-memory row slice, used by
// the simpler table kinds (per-field, summary, trend, change) that don't
// need to stream from disk.
type SliceView struct {
	ViewName    string
	ViewTitle   string
	ViewUnit    string
	ViewHeaders []string
	ViewRows    []Row
}

func (v *SliceView) Name() string       { return v.ViewName }
func (v *SliceView) Title() string      { return v.ViewTitle }
func (v *SliceView) Unit() string       { return v.ViewUnit }
func (v *SliceView) Headers() []string  { return v.ViewHeaders }
func (v *SliceView) Rows(yield func(Row) bool) {
	for _, r := range v.ViewRows {
		if !yield(r) {
			return
		}
	}
}
