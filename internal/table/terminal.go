package table

import (
	"fmt"
	"io"
	"strings"
)

// WriteTerminal prints v as an ASCII-aligned table to w: a title line (plus
// unit, if any), a header row, a "-" separator, and the body rows, with
// each column padded to its widest cell. This is the `--format=terminal`
// output mode for evobench-evaluator single/summary, for a quick look
// without opening a spreadsheet.
func WriteTerminal(w io.Writer, v View) error {
	title := v.Title()
	if unit := v.Unit(); unit != "" {
		title = fmt.Sprintf("%s (%s)", title, unit)
	}
	if _, err := fmt.Fprintln(w, title); err != nil {
		return err
	}

	headers := v.Headers()
	rows := Materialize(v)
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, r := range rows {
		for i, c := range r.Cells {
			if i < len(widths) && len(c.Text) > widths[i] {
				widths[i] = len(c.Text)
			}
		}
	}

	if err := writeTerminalRow(w, headers, widths); err != nil {
		return err
	}
	sep := make([]string, len(widths))
	for i, width := range widths {
		sep[i] = strings.Repeat("-", width)
	}
	if err := writeTerminalRow(w, sep, widths); err != nil {
		return err
	}
	for _, r := range rows {
		cells := make([]string, len(r.Cells))
		for i, c := range r.Cells {
			cells[i] = c.Text
		}
		if err := writeTerminalRow(w, cells, widths); err != nil {
			return err
		}
	}
	return nil
}

func writeTerminalRow(w io.Writer, cells []string, widths []int) error {
	padded := make([]string, len(cells))
	for i, c := range cells {
		width := 0
		if i < len(widths) {
			width = widths[i]
		}
		padded[i] = fmt.Sprintf("%-*s", width, c)
	}
	_, err := fmt.Fprintln(w, strings.TrimRight(strings.Join(padded, "  "), " "))
	return err
}
