package table

import (
	"fmt"

	"evobench-jobs/internal/stats"
)

// FieldSample is one measured run's value for a single field (real, cpu,
// sys, or a context-switch count) on a single call path.
type FieldSample struct {
	RunLabel string
	Value    uint64
}

// PerFieldTable renders one row per run for a single field, e.g. "real
// time" across every run of one call path.
func PerFieldTable(name, fieldName, unit string, samples []FieldSample) View {
	rows := make([]Row, len(samples))
	for i, s := range samples {
		rows[i] = Row{Cells: []Cell{
			TextCell(s.RunLabel),
			NumberCell("%d", s.Value),
		}}
	}
	return &SliceView{
		ViewName:    name,
		ViewTitle:   fieldName,
		ViewUnit:    unit,
		ViewHeaders: []string{"run", fieldName},
		ViewRows:    rows,
	}
}

// SummaryStatsTable renders stats-of-stats across runs: each row is one
// statistics field (n, sum, average, median, sd, a percentile) computed
// over all runs' values for one measured field.
func SummaryStatsTable(name, title, unit string, fields []stats.Field, s *stats.Stats) (View, error) {
	rows := make([]Row, 0, len(fields))
	for _, f := range fields {
		v, err := f.Value(s)
		if err != nil {
			return nil, fmt.Errorf("table: summary stats: %w", err)
		}
		rows = append(rows, Row{Cells: []Cell{
			TextCell(f.String()),
			NumberCell("%d", v),
		}})
	}
	return &SliceView{
		ViewName:    name,
		ViewTitle:   title,
		ViewUnit:    unit,
		ViewHeaders: []string{"field", "value"},
		ViewRows:    rows,
	}, nil
}

// TrendPoint is one commit's stats-of-stats value for a trend table.
type TrendPoint struct {
	CommitLabel string
	Value       uint64
}

// TrendTable renders stats-of-stats across commits, in commit order.
func TrendTable(name, title, unit string, points []TrendPoint) View {
	rows := make([]Row, len(points))
	for i, p := range points {
		rows[i] = Row{Cells: []Cell{
			TextCell(p.CommitLabel),
			NumberCell("%d", p.Value),
		}}
	}
	return &SliceView{
		ViewName:    name,
		ViewTitle:   title,
		ViewUnit:    unit,
		ViewHeaders: []string{"commit", title},
		ViewRows:    rows,
	}
}

// ChangeRow is one call path's before/after comparison.
type ChangeRow struct {
	Label string
	From  uint64
	To    uint64
}

// Ratio returns To/From, or 0 if From is 0 (avoids a division panic on an
// all-zero baseline; callers treat a zero baseline as "no prior data").
func (c ChangeRow) Ratio() float64 {
	if c.From == 0 {
		return 0
	}
	return float64(c.To) / float64(c.From)
}

// ChangeTable renders the ratio of `to/from` for each row, colored by
// IsBetter.
func ChangeTable(name, title, unit string, rows []ChangeRow) View {
	out := make([]Row, len(rows))
	for i, r := range rows {
		ratio := r.Ratio()
		cell := NumberCell("%.3f", ratio)
		cell.Highlight = IsBetter(ratio)
		out[i] = Row{Cells: []Cell{
			TextCell(r.Label),
			NumberCell("%d", r.From),
			NumberCell("%d", r.To),
			cell,
		}}
	}
	return &SliceView{
		ViewName:    name,
		ViewTitle:   title,
		ViewUnit:    unit,
		ViewHeaders: []string{"path", "from", "to", "ratio"},
		ViewRows:    out,
	}
}
