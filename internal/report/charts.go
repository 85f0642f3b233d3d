package report

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/emittance.scan/internal/scan"
)

// viridis stops, shared by every heatmap.
var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// missing is how echarts spells an absent value.
const missing = "-"

func chartValue(v, scale float64) interface{} {
	v *= scale
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return missing
	}
	return v
}

func labels(vals []float64) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprintf("%.6g", v)
	}
	return out
}

// RenderScanLine writes an HTML line chart of ex, ey (pm) and ez (um)
// against the swept value. NaN rows show as gaps.
func RenderScanLine(w io.Writer, t *scan.Table1D, title string) error {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("variable=%s points=%d", t.Variable, len(t.Rows))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: t.Variable, NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "emittance", NameLocation: "middle", NameGap: 40}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(labels(t.Values()))

	for _, c := range scan.Columns {
		ys, err := t.Column(c)
		if err != nil {
			return err
		}
		unit := DefaultUnits[c]
		data := make([]opts.LineData, len(ys))
		for i, y := range ys {
			data[i] = opts.LineData{Value: chartValue(y, unit.Scale)}
		}
		line.AddSeries(fmt.Sprintf("%s [%s]", c, unit.Label), data)
	}

	if err := line.Render(w); err != nil {
		return fmt.Errorf("render line chart: %w", err)
	}
	return nil
}

// RenderHeatmap writes an HTML heatmap of one emittance column of a grid
// scan. Columns run along the x axis, rows along y.
func RenderHeatmap(w io.Writer, t *scan.Table2D, column, title string) error {
	z, err := t.Column(column)
	if err != nil {
		return err
	}
	unit := DefaultUnits[column]

	lo, hi := math.Inf(1), math.Inf(-1)
	data := make([]opts.HeatMapData, 0, t.Len())
	for i, row := range z {
		for j, v := range row {
			cv := chartValue(v, unit.Scale)
			if f, ok := cv.(float64); ok {
				lo, hi = math.Min(lo, f), math.Max(hi, f)
			}
			data = append(data, opts.HeatMapData{Value: [3]interface{}{j, i, cv}})
		}
	}
	if lo > hi {
		lo, hi = 0, 1
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "800px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("%s [%s] over %s x %s", column, unit.Label, t.RowVariable, t.ColVariable)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: t.ColVariable, Data: labels(t.ColValues), NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Name: t.RowVariable, Data: labels(t.RowValues), NameLocation: "middle", NameGap: 60}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	hm.SetXAxis(labels(t.ColValues))
	hm.AddSeries(column, data)

	if err := hm.Render(w); err != nil {
		return fmt.Errorf("render heatmap: %w", err)
	}
	return nil
}
