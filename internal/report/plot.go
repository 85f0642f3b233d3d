// Package report draws scan and optics results, as PNG through gonum/plot
// and as interactive HTML through go-echarts.
package report

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/emittance.scan/internal/lattice"
	"github.com/banshee-data/emittance.scan/internal/scan"
	"github.com/banshee-data/emittance.scan/internal/tfs"
)

// Unit scales an emittance in meters for display.
type Unit struct {
	Label string
	Scale float64
}

var (
	Picometer  = Unit{Label: "pm", Scale: 1e12}
	Micrometer = Unit{Label: "um", Scale: 1e6}
)

// DefaultUnits follows the units the optics job prints.
var DefaultUnits = map[string]Unit{"ex": Picometer, "ey": Picometer, "ez": Micrometer}

var seriesColors = map[string]color.Color{
	"ex":   color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 255},
	"ey":   color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 255},
	"ez":   color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 255},
	"betx": color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 255},
	"bety": color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 255},
	"dx":   color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 255},
}

// segments splits xs/ys into runs of finite points so NaN rows leave gaps.
func segments(xs, ys []float64, scale float64) []plotter.XYs {
	var out []plotter.XYs
	var cur plotter.XYs
	for i := range xs {
		y := ys[i] * scale
		if math.IsNaN(y) || math.IsInf(y, 0) {
			if len(cur) > 0 {
				out = append(out, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, plotter.XY{X: xs[i], Y: y})
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func addSeries(p *plot.Plot, label string, xs, ys []float64, scale float64) error {
	first := true
	for _, seg := range segments(xs, ys, scale) {
		line, err := plotter.NewLine(seg)
		if err != nil {
			return fmt.Errorf("%s line: %w", label, err)
		}
		line.Color = seriesColors[label]
		line.Width = vg.Points(1.5)
		p.Add(line)
		if len(seg) == 1 {
			pts, err := plotter.NewScatter(seg)
			if err != nil {
				return fmt.Errorf("%s point: %w", label, err)
			}
			pts.Color = line.Color
			p.Add(pts)
		}
		if first {
			p.Legend.Add(label, line)
			first = false
		}
	}
	return nil
}

func configureLegend(p *plot.Plot) {
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
}

// EmittancePlot builds a plot of the given emittance columns against the
// swept value. All columns share the unit of the first one.
func EmittancePlot(t *scan.Table1D, columns ...string) (*plot.Plot, error) {
	if len(columns) == 0 {
		columns = []string{"ex", "ey"}
	}
	unit := DefaultUnits[columns[0]]

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Emittance vs %s", t.Variable)
	p.X.Label.Text = t.Variable
	p.Y.Label.Text = fmt.Sprintf("Emittance (%s)", unit.Label)

	xs := t.Values()
	for _, c := range columns {
		ys, err := t.Column(c)
		if err != nil {
			return nil, err
		}
		if err := addSeries(p, c, xs, ys, unit.Scale); err != nil {
			return nil, err
		}
	}
	configureLegend(p)
	return p, nil
}

// SaveEmittancePlot writes EmittancePlot to path; the format follows the
// extension (png, svg, pdf, ...).
func SaveEmittancePlot(t *scan.Table1D, path string, columns ...string) error {
	p, err := EmittancePlot(t, columns...)
	if err != nil {
		return err
	}
	if err := ensureDir(path); err != nil {
		return err
	}
	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// grid adapts one emittance column of a Table2D to plotter.GridXYZ.
// Columns of the grid run along the column variable.
type grid struct {
	t     *scan.Table2D
	z     [][]float64
	scale float64
}

func (g grid) Dims() (c, r int) {
	return len(g.t.ColValues), len(g.t.RowValues)
}

func (g grid) Z(c, r int) float64 {
	return g.z[r][c] * g.scale
}

func (g grid) X(c int) float64 {
	return g.t.ColValues[c]
}

func (g grid) Y(r int) float64 {
	return g.t.RowValues[r]
}

func (g grid) Min() float64 {
	lo, _ := g.extrema()
	return lo
}

func (g grid) Max() float64 {
	_, hi := g.extrema()
	return hi
}

func (g grid) extrema() (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, row := range g.z {
		for _, v := range row {
			if v *= g.scale; !math.IsNaN(v) && !math.IsInf(v, 0) {
				lo, hi = math.Min(lo, v), math.Max(hi, v)
			}
		}
	}
	if lo > hi {
		return 0, 1
	}
	if lo == hi {
		return lo - 0.5, hi + 0.5
	}
	return lo, hi
}

// HeatmapPlot draws one emittance column of a grid scan. NaN cells are
// left transparent.
func HeatmapPlot(t *scan.Table2D, column string) (*plot.Plot, error) {
	if len(t.RowValues) < 2 || len(t.ColValues) < 2 {
		return nil, fmt.Errorf("heatmap needs at least 2x2 points, got %dx%d", len(t.RowValues), len(t.ColValues))
	}
	z, err := t.Column(column)
	if err != nil {
		return nil, err
	}
	unit := DefaultUnits[column]
	g := grid{t: t, z: z, scale: unit.Scale}

	pal := palette.Heat(64, 1)
	hm := plotter.NewHeatMap(g, pal)
	hm.NaN = color.Transparent

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (%s) over %s x %s", column, unit.Label, t.RowVariable, t.ColVariable)
	p.X.Label.Text = t.ColVariable
	p.Y.Label.Text = t.RowVariable
	p.Add(hm)
	return p, nil
}

// SaveHeatmapPlot writes HeatmapPlot to path.
func SaveHeatmapPlot(t *scan.Table2D, column, path string) error {
	p, err := HeatmapPlot(t, column)
	if err != nil {
		return err
	}
	if err := ensureDir(path); err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 7*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// OpticsPlots builds the beta function and dispersion panels for a twiss
// table, limited to w and with the dispersion axis fixed to [dLo, dHi].
func OpticsPlots(twiss *tfs.Table, w lattice.Window, dLo, dHi float64) (beta, disp *plot.Plot, err error) {
	s, err := twiss.Floats("s")
	if err != nil {
		return nil, nil, err
	}
	cols := map[string][]float64{}
	for _, c := range []string{"betx", "bety", "dx"} {
		if cols[c], err = twiss.Floats(c); err != nil {
			return nil, nil, err
		}
	}

	xs, idx := windowed(s, w)
	pick := func(c string) []float64 {
		out := make([]float64, len(idx))
		for i, j := range idx {
			out[i] = cols[c][j]
		}
		return out
	}

	beta = plot.New()
	beta.Title.Text = w.Title
	beta.Y.Label.Text = "beta (m)"
	for _, c := range []string{"betx", "bety"} {
		if err := addSeries(beta, c, xs, pick(c), 1); err != nil {
			return nil, nil, err
		}
	}
	configureLegend(beta)

	disp = plot.New()
	disp.X.Label.Text = "s (m)"
	disp.Y.Label.Text = "Dx (m)"
	disp.Y.Min, disp.Y.Max = dLo, dHi
	if err := addSeries(disp, "dx", xs, pick("dx"), 1); err != nil {
		return nil, nil, err
	}
	configureLegend(disp)

	for _, p := range []*plot.Plot{beta, disp} {
		p.X.Min, p.X.Max = w.S0, w.S1
	}
	return beta, disp, nil
}

func windowed(s []float64, w lattice.Window) ([]float64, []int) {
	var xs []float64
	var idx []int
	for i, v := range s {
		if v >= w.S0 && v <= w.S1 {
			xs = append(xs, v)
			idx = append(idx, i)
		}
	}
	return xs, idx
}

// SaveOpticsPlot stacks the optics panels into one PNG.
func SaveOpticsPlot(twiss *tfs.Table, w lattice.Window, dLo, dHi float64, path string) error {
	beta, disp, err := OpticsPlots(twiss, w, dLo, dHi)
	if err != nil {
		return err
	}
	if ext := filepath.Ext(path); ext != ".png" {
		return fmt.Errorf("optics plot must be .png, got %q", ext)
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	img := vgimg.New(22*vg.Inch, 12*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadX: vg.Millimeter, PadY: 3 * vg.Millimeter, PadTop: 2 * vg.Millimeter, PadBottom: 2 * vg.Millimeter, PadLeft: 2 * vg.Millimeter, PadRight: 2 * vg.Millimeter}
	canvases := plot.Align([][]*plot.Plot{{beta}, {disp}}, tiles, dc)
	beta.Draw(canvases[0][0])
	disp.Draw(canvases[1][0])

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	return nil
}
