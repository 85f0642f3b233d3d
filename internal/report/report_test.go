package report

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/emittance.scan/internal/lattice"
	"github.com/banshee-data/emittance.scan/internal/madx/madxtest"
	"github.com/banshee-data/emittance.scan/internal/scan"
)

func sampleTable1D() *scan.Table1D {
	nan := math.NaN()
	return &scan.Table1D{
		Variable: "k1_vader",
		Rows: []scan.Row{
			{Value: 0.4, Point: scan.Point{Ex: 130e-12, Ey: 13e-12, Ez: 1e-6}},
			{Value: 0.5, Point: scan.Point{Ex: nan, Ey: nan, Ez: nan, Outcome: scan.NonConvergent}},
			{Value: 0.6, Point: scan.Point{Ex: 140e-12, Ey: 14e-12, Ez: 1.1e-6}},
			{Value: 0.7, Point: scan.Point{Ex: 150e-12, Ey: 15e-12, Ez: 1.2e-6}},
		},
	}
}

func sampleTable2D() *scan.Table2D {
	nan := math.NaN()
	return &scan.Table2D{
		RowVariable: "k1_qd1",
		ColVariable: "k1_qf1",
		RowValues:   []float64{-3.421, -3.419},
		ColValues:   []float64{5.734, 5.735, 5.736},
		Cells: [][]scan.Point{
			{{Ex: 1e-10, Ey: 1e-11, Ez: 1e-6}, {Ex: nan, Ey: nan, Ez: nan, Outcome: scan.Fault}, {Ex: 1.2e-10, Ey: 1e-11, Ez: 1e-6}},
			{{Ex: 1.1e-10, Ey: 1e-11, Ez: 1e-6}, {Ex: 1.3e-10, Ey: 1e-11, Ez: 1e-6}, {Ex: 1.4e-10, Ey: 1e-11, Ez: 1e-6}},
		},
	}
}

func TestSegments(t *testing.T) {
	nan := math.NaN()
	segs := segments([]float64{0, 1, 2, 3, 4}, []float64{1, nan, 2, 3, math.Inf(1)}, 10)
	require.Len(t, segs, 2)
	assert.Len(t, segs[0], 1)
	assert.Equal(t, 10.0, segs[0][0].Y)
	assert.Len(t, segs[1], 2)
	assert.Equal(t, 2.0, segs[1][0].X)

	assert.Empty(t, segments([]float64{0}, []float64{nan}, 1))
}

func TestEmittancePlot(t *testing.T) {
	p, err := EmittancePlot(sampleTable1D())
	require.NoError(t, err)
	assert.Contains(t, p.Title.Text, "k1_vader")
	assert.Equal(t, "Emittance (pm)", p.Y.Label.Text)

	_, err = EmittancePlot(sampleTable1D(), "bogus")
	assert.Error(t, err)
}

func TestSaveEmittancePlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots", "vader.png")
	require.NoError(t, SaveEmittancePlot(sampleTable1D(), path, "ez"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestHeatmapPlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quad.png")
	require.NoError(t, SaveHeatmapPlot(sampleTable2D(), "ex", path))
	_, err := os.Stat(path)
	require.NoError(t, err)

	small := sampleTable2D()
	small.RowValues = small.RowValues[:1]
	small.Cells = small.Cells[:1]
	_, err = HeatmapPlot(small, "ex")
	assert.Error(t, err)
}

func TestGridExtrema(t *testing.T) {
	tbl := sampleTable2D()
	z, err := tbl.Column("ex")
	require.NoError(t, err)
	g := grid{t: tbl, z: z, scale: 1e12}

	c, r := g.Dims()
	assert.Equal(t, 3, c)
	assert.Equal(t, 2, r)
	assert.InDelta(t, 100, g.Min(), 1e-9)
	assert.InDelta(t, 140, g.Max(), 1e-9)
	assert.Equal(t, 5.735, g.X(1))
	assert.Equal(t, -3.419, g.Y(1))
}

func TestSaveOpticsPlot(t *testing.T) {
	twiss := madxtest.OpticsTable()
	w, err := lattice.ElementWindow(twiss, "cell", "ll:1", "ll:2")
	require.NoError(t, err)
	lo, hi, err := lattice.DispersionLimits(twiss)
	require.NoError(t, err)

	beta, disp, err := OpticsPlots(twiss, w, lo, hi)
	require.NoError(t, err)
	assert.Equal(t, 1.5, beta.X.Min)
	assert.Equal(t, 4.5, disp.X.Max)
	assert.Equal(t, hi, disp.Y.Max)

	path := filepath.Join(t.TempDir(), "cell.png")
	require.NoError(t, SaveOpticsPlot(twiss, w, lo, hi, path))
	_, err = os.Stat(path)
	require.NoError(t, err)

	assert.Error(t, SaveOpticsPlot(twiss, w, lo, hi, filepath.Join(t.TempDir(), "cell.pdf")))
}

func TestRenderScanLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderScanLine(&buf, sampleTable1D(), "VADER scan"))
	html := buf.String()
	assert.Contains(t, html, "VADER scan")
	assert.Contains(t, html, "ex [pm]")
	assert.Contains(t, html, "ez [um]")
	assert.NotContains(t, html, "NaN")
}

func TestRenderHeatmap(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderHeatmap(&buf, sampleTable2D(), "ex", "Quad scan"))
	html := buf.String()
	assert.Contains(t, html, "Quad scan")
	assert.Contains(t, html, "k1_qf1")
	assert.NotContains(t, html, "NaN")

	assert.Error(t, RenderHeatmap(&buf, sampleTable2D(), "bogus", "x"))
}
