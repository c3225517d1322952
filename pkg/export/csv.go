package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// Dataset is a rendered-format-agnostic table. Rows are positional and must
// line up with Columns; short rows are padded with empty cells.
type Dataset struct {
	Title   string
	Columns []string
	Rows    [][]string
}

// RenderCSV encodes the dataset as a CSV document with a header row.
func RenderCSV(d Dataset) ([]byte, error) {
	if len(d.Columns) == 0 {
		return nil, fmt.Errorf("dataset has no columns")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(d.Columns); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for i, row := range d.Rows {
		if err := w.Write(padRow(row, len(d.Columns))); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}
	return buf.Bytes(), nil
}

func padRow(row []string, width int) []string {
	if len(row) >= width {
		return row[:width]
	}
	padded := make([]string, width)
	copy(padded, row)
	return padded
}
