package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteCSV renders one comma-separated file per view: "<path>.<name>.csv"
// when len(views) > 1 so each table gets its own file, or exactly path
// when there's only one view. A header row of v.Headers() precedes the
// body rows. This is the --csv counterpart to WriteExcel, for callers who
// want to pipe a table into another tool instead of opening a workbook.
func WriteCSV(path string, views []View) error {
	for _, v := range views {
		out := path
		if len(views) > 1 {
			ext := filepath.Ext(path)
			base := path[:len(path)-len(ext)]
			out = fmt.Sprintf("%s.%s%s", base, v.Name(), ext)
		}
		if err := writeOneCSV(out, v); err != nil {
			return fmt.Errorf("table: writing csv for %q: %w", v.Name(), err)
		}
	}
	return nil
}

func writeOneCSV(path string, v View) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeCSVTo(f, v)
}

func writeCSVTo(w io.Writer, v View) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(v.Headers()); err != nil {
		return err
	}
	var writeErr error
	v.Rows(func(r Row) bool {
		record := make([]string, len(r.Cells))
		for i, c := range r.Cells {
			record[i] = c.Text
		}
		if err := cw.Write(record); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	if writeErr != nil {
		return writeErr
	}
	cw.Flush()
	return cw.Error()
}
