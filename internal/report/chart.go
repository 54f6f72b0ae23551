package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/omrloop/internal/calibration"
	"github.com/banshee-data/omrloop/internal/recorder"
)

// echartsAssetsHost serves the echarts javascript bundle.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

func lineData(values []float64) []opts.LineData {
	out := make([]opts.LineData, len(values))
	for i, v := range values {
		out[i] = opts.LineData{Value: v}
	}
	return out
}

func tickAxis(n int) []string {
	x := make([]string, n)
	for i := range x {
		x[i] = strconv.Itoa(i)
	}
	return x
}

func newLineChart(title, subtitle, yName string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "480px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Tick", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: yName}),
	)
	return line
}

func velocityLine(trace recorder.Trace) *charts.Line {
	line := newLineChart("Closed-Loop Velocity", fmt.Sprintf("ticks=%d", trace.Len()), "deg/s")
	line.SetXAxis(tickAxis(trace.Len())).
		AddSeries("stimulus", lineData(trace.Stimulus)).
		AddSeries("fish", lineData(trace.Fish)).
		AddSeries("total", lineData(trace.Total)).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}

func differenceLine(exp *calibration.Export) *charts.Line {
	line := newLineChart("Power Difference", fmt.Sprintf("bias=%.4g scale=%.4g", exp.Params.Bias, exp.Params.Scale), "dp")
	n := 0
	for _, d := range calibration.Directions() {
		if v, ok := exp.Vector("dp_" + d.String()); ok && len(v) > n {
			n = len(v)
		}
	}
	line.SetXAxis(tickAxis(n))
	for _, d := range calibration.Directions() {
		if v, ok := exp.Vector("dp_" + d.String()); ok {
			line.AddSeries(d.String(), lineData(v))
		}
	}
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}

// VelocityChart writes an HTML line chart of the stimulus, fish and total
// velocity series.
func VelocityChart(trace recorder.Trace, w io.Writer) error {
	if err := trace.Validate(); err != nil {
		return err
	}
	if err := velocityLine(trace).Render(w); err != nil {
		return fmt.Errorf("render velocity chart: %w", err)
	}
	return nil
}

// SessionPage writes an HTML page with the power-difference vectors of a
// calibration and, if present, the closed-loop velocity. Either may be
// omitted.
func SessionPage(exp *calibration.Export, trace recorder.Trace, w io.Writer) error {
	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.PageTitle = "omrloop session"
	if exp != nil {
		page.AddCharts(differenceLine(exp))
	}
	if trace.Len() > 0 {
		if err := trace.Validate(); err != nil {
			return err
		}
		page.AddCharts(velocityLine(trace))
	}
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render session page: %w", err)
	}
	return nil
}
