// Package export writes scan tables and twiss tables to files: CSV,
// parquet and xlsx.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/banshee-data/emittance.scan/internal/scan"
)

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func pointFields(p scan.Point) []string {
	return []string{formatFloat(p.Ex), formatFloat(p.Ey), formatFloat(p.Ez), p.Outcome.String()}
}

// WriteCSV1D writes one row per scan point: the swept value, ex, ey, ez and
// the outcome.
func WriteCSV1D(w io.Writer, t *scan.Table1D) error {
	cw := csv.NewWriter(w)
	header := append([]string{t.Variable}, scan.Columns...)
	if err := cw.Write(append(header, "outcome")); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range t.Rows {
		if err := cw.Write(append([]string{formatFloat(r.Value)}, pointFields(r.Point)...)); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSV2D writes a grid scan in long form, one row per cell, rows
// outermost.
func WriteCSV2D(w io.Writer, t *scan.Table2D) error {
	cw := csv.NewWriter(w)
	header := append([]string{t.RowVariable, t.ColVariable}, scan.Columns...)
	if err := cw.Write(append(header, "outcome")); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i, row := range t.Cells {
		for j, p := range row {
			rec := append([]string{formatFloat(t.RowValues[i]), formatFloat(t.ColValues[j])}, pointFields(p)...)
			if err := cw.Write(rec); err != nil {
				return fmt.Errorf("write csv row: %w", err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
