// Package report renders calibration exports and velocity traces for
// offline inspection.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/omrloop/internal/calibration"
)

var directionColors = map[calibration.Direction]color.Color{
	calibration.Rightward: color.RGBA{R: 214, G: 39, B: 40, A: 255},
	calibration.Leftward:  color.RGBA{R: 31, G: 119, B: 180, A: 255},
	calibration.Forward:   color.RGBA{R: 44, G: 160, B: 44, A: 255},
}

// CalibrationPlot writes a PNG with one panel per channel: the thresholded
// window power of every direction and the channel threshold.
func CalibrationPlot(exp *calibration.Export, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create plot: %w", err)
	}
	if err := WriteCalibrationPlot(exp, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteCalibrationPlot is CalibrationPlot for an arbitrary writer.
func WriteCalibrationPlot(exp *calibration.Export, w io.Writer) error {
	if exp == nil {
		return errors.New("report: nil calibration export")
	}
	thresholds := [2]float64{exp.Params.Threshold0, exp.Params.Threshold1}

	rows := make([][]*plot.Plot, 2)
	for ch := 0; ch < 2; ch++ {
		p, err := channelPlot(exp, ch, thresholds[ch])
		if err != nil {
			return err
		}
		rows[ch] = []*plot.Plot{p}
	}

	img := vgimg.New(14*vg.Inch, 9*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadY: vg.Millimeter * 4}
	canvases := plot.Align(rows, tiles, dc)
	for i := range rows {
		rows[i][0].Draw(canvases[i][0])
	}

	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(w); err != nil {
		return fmt.Errorf("write plot: %w", err)
	}
	return nil
}

func channelPlot(exp *calibration.Export, ch int, threshold float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Channel %d - Window Power (bias %.3f, scale %.3g)", ch, exp.Params.Bias, exp.Params.Scale)
	p.X.Label.Text = "Sample"
	p.Y.Label.Text = "Power"

	for _, d := range calibration.Directions() {
		values, ok := exp.Vector(fmt.Sprintf("power%d_%s", ch, d))
		if !ok || len(values) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(values))
		for i, v := range values {
			pts[i] = plotter.XY{X: float64(i), Y: v}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = directionColors[d]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(d.String(), line)
	}

	th := plotter.NewFunction(func(float64) float64 { return threshold })
	th.Color = color.Gray{Y: 80}
	th.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(th)
	p.Legend.Add("threshold", th)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}
