// Package plotter renders the series of analysed test cases with
// gonum/plot. Every figure is written to a file whose extension selects the
// image format.
package plotter

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"go-hep.org/x/hep/hplot"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/mengelbart/mrtp-plots/pkg/correlate"
)

const AxisTicks = 15

var (
	DefaultWidth  = vg.Points(1000)
	DefaultHeight = vg.Points(500)
)

// Renderer writes figures of a fixed size in one format ("png", "pdf",
// "svg").
type Renderer struct {
	Width  vg.Length
	Height vg.Length
	Format string
}

func New(format string) *Renderer {
	if format == "" {
		format = "png"
	}
	return &Renderer{Width: DefaultWidth, Height: DefaultHeight, Format: format}
}

func (r *Renderer) file(dir, name string) string {
	return filepath.Join(dir, name+"."+strings.TrimPrefix(r.Format, "."))
}

func newPlot(title, xLabel, yLabel string) (*plot.Plot, error) {
	p, err := plot.New()
	if err != nil {
		return nil, err
	}
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.X.Tick.Marker = hplot.Ticks{N: AxisTicks}
	p.Y.Tick.Marker = hplot.Ticks{N: AxisTicks}
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	configureFontSizes(p)
	return p, nil
}

func configureFontSizes(p *plot.Plot) {
	p.Title.Font.Size = vg.Points(16)
	p.X.Label.Font.Size = vg.Points(14)
	p.Y.Label.Font.Size = vg.Points(14)
	p.X.Tick.Label.Font.Size = vg.Points(12)
	p.Y.Tick.Label.Font.Size = vg.Points(12)
	p.Legend.Font.Size = vg.Points(12)
}

// save writes a single plot.
func (r *Renderer) save(p *plot.Plot, path string) error {
	if err := p.Save(r.Width, r.Height, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// saveGrid draws a matrix of plots onto one canvas. Nil cells stay empty.
func (r *Renderer) saveGrid(plots [][]*plot.Plot, path string) error {
	rows := len(plots)
	if rows == 0 {
		return nil
	}
	cols := len(plots[0])
	c, err := draw.NewFormattedCanvas(r.Width*vg.Length(cols)/2, r.Height*vg.Length(rows), r.Format)
	if err != nil {
		return err
	}
	t := draw.Tiles{
		Rows:      rows,
		Cols:      cols,
		PadX:      vg.Millimeter,
		PadY:      vg.Millimeter,
		PadTop:    vg.Points(2),
		PadBottom: vg.Points(2),
		PadLeft:   vg.Points(2),
		PadRight:  vg.Points(2),
	}
	canvases := plot.Align(plots, t, draw.New(c))
	for i := range plots {
		for j := range plots[i] {
			if plots[i][j] != nil {
				plots[i][j].Draw(canvases[i][j])
			}
		}
	}
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	if _, err := c.WriteTo(w); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func rateXYs(points []correlate.RatePoint) plotter.XYs {
	xys := make(plotter.XYs, len(points))
	for i, p := range points {
		xys[i] = plotter.XY{X: p.Second, Y: p.Value}
	}
	return xys
}

// addLine adds a labelled line in the i-th palette color.
func addLine(p *plot.Plot, label string, i int, xys plotter.XYs) error {
	if len(xys) == 0 {
		return nil
	}
	l, err := plotter.NewLine(xys)
	if err != nil {
		return err
	}
	l.Color = plotutil.Color(i)
	l.Width = vg.Points(1.5)
	p.Add(l)
	p.Legend.Add(label, l)
	return nil
}

// addStep adds a post-step line, used for schedules that hold their value
// until the next change.
func addStep(p *plot.Plot, label string, c color.Color, xys plotter.XYs) error {
	if len(xys) == 0 {
		return nil
	}
	l, err := plotter.NewLine(xys)
	if err != nil {
		return err
	}
	l.StepStyle = plotter.PostStep
	l.Color = c
	l.Width = vg.Points(2)
	p.Add(l)
	p.Legend.Add(label, l)
	return nil
}

// cdfLines adds one CDF line per labelled value set and fits the X axis to
// the visible values.
func cdfLines(p *plot.Plot, labels []string, values [][]float64) error {
	var lines []interface{}
	var mins, maxes []float64
	for i, v := range values {
		xs, ys := correlate.ECDF(v)
		if len(xs) == 0 {
			continue
		}
		toAdd := make(plotter.XYs, len(xs))
		for j := range xs {
			toAdd[j] = plotter.XY{X: xs[j], Y: ys[j]}
		}
		mins = append(mins, xs[0])
		maxes = append(maxes, xs[len(xs)-1])
		lines = append(lines, labels[i], toAdd)
	}
	if len(lines) == 0 {
		return nil
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		return err
	}
	p.X.Min = floats.Min(mins)
	p.X.Max = floats.Max(maxes)
	return nil
}
