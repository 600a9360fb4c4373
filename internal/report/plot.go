package report

import (
	"image/color"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotLoss writes the loss curve of records to filename. The image format
// follows the extension.
func PlotLoss(records []Record, filename string) error {
	if len(records) == 0 {
		return errors.New("no history to plot")
	}

	p := plot.New()
	p.Title.Text = "Generator loss"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "loss"

	xys := make(plotter.XYs, len(records))
	for i, r := range records {
		xys[i] = plotter.XY{X: float64(r.Iteration), Y: r.Loss}
	}
	line, points, err := plotter.NewLinePoints(xys)
	if err != nil {
		return errors.Wrap(err, "failed to build loss curve")
	}
	line.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	line.Width = vg.Points(1.2)
	points.GlyphStyle.Color = line.Color
	points.GlyphStyle.Radius = vg.Points(1.8)

	p.Add(plotter.NewGrid(), line, points)
	if err := p.Save(8*vg.Inch, 5*vg.Inch, filename); err != nil {
		return errors.Wrapf(err, "failed to save plot %s", filename)
	}
	return nil
}
