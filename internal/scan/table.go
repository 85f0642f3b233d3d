package scan

import (
	"fmt"
	"math"

	"github.com/banshee-data/emittance.scan/internal/madx"
)

// Point is the result at one scan coordinate, in meters. Failed points carry
// NaN in all three emittances.
type Point struct {
	Ex, Ey, Ez float64
	Outcome    Outcome
	Detail     string // failure message, empty when converged
}

func converged(em madx.Emittances) Point {
	return Point{Ex: em.Ex, Ey: em.Ey, Ez: em.Ez, Outcome: Converged}
}

func failed(o Outcome, err error) Point {
	nan := math.NaN()
	p := Point{Ex: nan, Ey: nan, Ez: nan, Outcome: o}
	if err != nil {
		p.Detail = err.Error()
	}
	return p
}

// Field returns the named emittance: "ex", "ey" or "ez".
func (p Point) Field(name string) (float64, error) {
	switch name {
	case "ex":
		return p.Ex, nil
	case "ey":
		return p.Ey, nil
	case "ez":
		return p.Ez, nil
	}
	return 0, fmt.Errorf("unknown emittance column %q", name)
}

// Columns lists the emittance fields of a Point in output order.
var Columns = []string{"ex", "ey", "ez"}

// Row is one sample of a 1-D scan.
type Row struct {
	Value float64
	Point
}

// Table1D holds a 1-D scan in sweep order.
type Table1D struct {
	Variable string
	Rows     []Row
}

// Values returns the swept values.
func (t *Table1D) Values() []float64 {
	out := make([]float64, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Value
	}
	return out
}

// Column returns one emittance across all rows.
func (t *Table1D) Column(name string) ([]float64, error) {
	out := make([]float64, len(t.Rows))
	for i, r := range t.Rows {
		v, err := r.Field(name)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Counts tallies rows by outcome.
func (t *Table1D) Counts() map[Outcome]int {
	c := make(map[Outcome]int)
	for _, r := range t.Rows {
		c[r.Outcome]++
	}
	return c
}

// Table2D holds a grid scan. Cells[i][j] is the point at
// (RowValues[i], ColValues[j]).
type Table2D struct {
	RowVariable string
	ColVariable string
	RowValues   []float64
	ColValues   []float64
	Cells       [][]Point
}

// Column returns one emittance as a len(RowValues) x len(ColValues) grid.
func (t *Table2D) Column(name string) ([][]float64, error) {
	out := make([][]float64, len(t.Cells))
	for i, row := range t.Cells {
		out[i] = make([]float64, len(row))
		for j, p := range row {
			v, err := p.Field(name)
			if err != nil {
				return nil, err
			}
			out[i][j] = v
		}
	}
	return out, nil
}

// Counts tallies cells by outcome.
func (t *Table2D) Counts() map[Outcome]int {
	c := make(map[Outcome]int)
	for _, row := range t.Cells {
		for _, p := range row {
			c[p.Outcome]++
		}
	}
	return c
}

// Len returns the number of filled cells.
func (t *Table2D) Len() int {
	n := 0
	for _, row := range t.Cells {
		n += len(row)
	}
	return n
}
