package export

import (
	"fmt"
	"io"
	"math"

	"github.com/xuri/excelize/v2"

	"github.com/banshee-data/emittance.scan/internal/scan"
)

const summarySheet = "summary"

type sheetWriter struct {
	f   *excelize.File
	err error
}

// set writes v at (col, row), both 1-based. NaN cells are left blank.
func (s *sheetWriter) set(sheet string, col, row int, v interface{}) {
	if s.err != nil {
		return
	}
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return
	}
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		s.err = err
		return
	}
	s.err = s.f.SetCellValue(sheet, cell, v)
}

func (s *sheetWriter) sheet(name string) {
	if s.err != nil {
		return
	}
	_, s.err = s.f.NewSheet(name)
}

func (s *sheetWriter) summary(counts map[scan.Outcome]int, total int) {
	if s.err != nil {
		return
	}
	s.err = s.f.SetSheetName("Sheet1", summarySheet)
	s.set(summarySheet, 1, 1, "Outcome")
	s.set(summarySheet, 2, 1, "Count")
	s.set(summarySheet, 3, 1, "Ratio")
	row := 2
	for _, o := range []scan.Outcome{scan.Converged, scan.NonConvergent, scan.Unclosed, scan.Fault} {
		ratio := 0.0
		if total > 0 {
			ratio = float64(counts[o]) / float64(total)
		}
		s.set(summarySheet, 1, row, o.String())
		s.set(summarySheet, 2, row, counts[o])
		s.set(summarySheet, 3, row, ratio)
		row++
	}
	s.set(summarySheet, 1, row, "all")
	s.set(summarySheet, 2, row, total)
	s.set(summarySheet, 3, row, 1.0)
}

func (s *sheetWriter) finish(w io.Writer) error {
	if s.err != nil {
		return fmt.Errorf("build workbook: %w", s.err)
	}
	if err := s.f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// WriteXLSX1D writes a summary sheet and a "scan" sheet with one row per
// point. Emittances stay in meters.
func WriteXLSX1D(w io.Writer, t *scan.Table1D) error {
	f := excelize.NewFile()
	defer f.Close()
	s := &sheetWriter{f: f}
	s.summary(t.Counts(), len(t.Rows))

	const sheet = "scan"
	s.sheet(sheet)
	for j, h := range append(append([]string{t.Variable}, scan.Columns...), "outcome") {
		s.set(sheet, j+1, 1, h)
	}
	for i, r := range t.Rows {
		row := i + 2
		s.set(sheet, 1, row, r.Value)
		s.set(sheet, 2, row, r.Ex)
		s.set(sheet, 3, row, r.Ey)
		s.set(sheet, 4, row, r.Ez)
		s.set(sheet, 5, row, r.Outcome.String())
	}
	return s.finish(w)
}

// WriteXLSX2D writes a summary sheet and one matrix sheet per emittance,
// row values down column A and column values across row 1.
func WriteXLSX2D(w io.Writer, t *scan.Table2D) error {
	f := excelize.NewFile()
	defer f.Close()
	s := &sheetWriter{f: f}
	s.summary(t.Counts(), t.Len())

	for _, c := range scan.Columns {
		z, err := t.Column(c)
		if err != nil {
			return err
		}
		s.sheet(c)
		s.set(c, 1, 1, t.RowVariable+` \ `+t.ColVariable)
		for j, v := range t.ColValues {
			s.set(c, j+2, 1, v)
		}
		for i, v := range t.RowValues {
			s.set(c, 1, i+2, v)
			if i >= len(z) {
				continue
			}
			for j, e := range z[i] {
				s.set(c, j+2, i+2, e)
			}
		}
	}
	return s.finish(w)
}
