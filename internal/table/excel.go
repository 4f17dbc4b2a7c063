package table

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"
)

// columnWidthMargin is added to the widest cell in a column so text never
// touches the next column's border.
const columnWidthMargin = 2

// WriteExcel renders one worksheet per view into a single workbook at
// path, writing to a temporary file in the same directory first and
// renaming it into place so a concurrent reader never observes a
// partially written workbook.
func WriteExcel(path string, views []View) error {
	f := excelize.NewFile()
	defer f.Close()

	boldTitle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("table: building title style: %w", err)
	}
	rightAlign, err := f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{Horizontal: "right"}})
	if err != nil {
		return fmt.Errorf("table: building alignment style: %w", err)
	}
	redFill, err := f.NewStyle(&excelize.Style{Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8C0C0"}, Pattern: 1}})
	if err != nil {
		return fmt.Errorf("table: building red style: %w", err)
	}
	greenFill, err := f.NewStyle(&excelize.Style{Fill: excelize.Fill{Type: "pattern", Color: []string{"#C0F0C0"}, Pattern: 1}})
	if err != nil {
		return fmt.Errorf("table: building green style: %w", err)
	}

	firstSheet := ""
	for i, v := range views {
		sheet := sheetName(v, i)
		if firstSheet == "" {
			firstSheet = sheet
			f.SetSheetName("Sheet1", sheet)
		} else {
			if _, err := f.NewSheet(sheet); err != nil {
				return fmt.Errorf("table: creating sheet %q: %w", sheet, err)
			}
		}

		titleText := v.Title()
		if v.Unit() != "" {
			titleText = fmt.Sprintf("%s (%s)", v.Title(), v.Unit())
		}
		if err := f.SetCellValue(sheet, "A1", titleText); err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, "A1", "A1", boldTitle); err != nil {
			return err
		}

		headers := v.Headers()
		widths := make([]int, len(headers))
		for col, h := range headers {
			cellRef, _ := excelize.CoordinatesToCellName(col+1, 2)
			if err := f.SetCellValue(sheet, cellRef, h); err != nil {
				return err
			}
			if err := f.SetCellStyle(sheet, cellRef, cellRef, boldTitle); err != nil {
				return err
			}
			widths[col] = len(h)
		}

		rowNum := 3
		v.Rows(func(r Row) bool {
			for col, cell := range r.Cells {
				cellRef, _ := excelize.CoordinatesToCellName(col+1, rowNum)
				if err := f.SetCellValue(sheet, cellRef, cell.Text); err != nil {
					return false
				}
				style := 0
				if cell.Numeric {
					style = rightAlign
				}
				switch cell.Highlight {
				case Red:
					style = redFill
				case Green:
					style = greenFill
				}
				if style != 0 {
					if err := f.SetCellStyle(sheet, cellRef, cellRef, style); err != nil {
						return false
					}
				}
				if n := len(cell.Text); col < len(widths) && n > widths[col] {
					widths[col] = n
				}
			}
			rowNum++
			return true
		})

		for col, w := range widths {
			colName, _ := excelize.ColumnNumberToName(col + 1)
			if err := f.SetColWidth(sheet, colName, colName, float64(w+columnWidthMargin)); err != nil {
				return err
			}
		}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".table-*.xlsx.tmp")
	if err != nil {
		return fmt.Errorf("table: creating temp workbook: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := f.SaveAs(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("table: writing workbook: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("table: renaming workbook into place: %w", err)
	}
	return nil
}

func sheetName(v View, index int) string {
	name := v.Name()
	if name == "" {
		name = fmt.Sprintf("Sheet%d", index+1)
	}
	if len(name) > 31 {
		name = name[:31] // Excel's worksheet name length limit
	}
	return name
}
