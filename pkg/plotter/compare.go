package plotter

import (
	"strconv"

	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/mengelbart/mrtp-plots/pkg/correlate"
)

// Series is one test case in a comparison figure.
type Series struct {
	Label     string
	Latencies []float64
	Rate      []correlate.RatePoint
}

// CompareDelay overlays the delay distributions of several test cases.
func (r *Renderer) CompareDelay(title string, series []Series, path string) (bool, error) {
	labels := make([]string, len(series))
	values := make([][]float64, len(series))
	n := 0
	for i, s := range series {
		labels[i] = s.Label
		values[i] = s.Latencies
		n += len(s.Latencies)
	}
	if n == 0 {
		return false, nil
	}
	p, err := newPlot(title, "Delay (s)", "P(x)")
	if err != nil {
		return false, err
	}
	if err := cdfLines(p, labels, values); err != nil {
		return false, err
	}
	p.Y.Min = 0
	p.Y.Max = 1
	return true, r.save(p, path)
}

// CompareRate overlays the delivery rates of several test cases.
func (r *Renderer) CompareRate(title string, series []Series, path string) (bool, error) {
	p, err := newPlot(title, "Time (s)", "Rate (bit/s)")
	if err != nil {
		return false, err
	}
	drawn := false
	for i, s := range series {
		if len(s.Rate) == 0 {
			continue
		}
		if err := addLine(p, s.Label, i, rateXYs(s.Rate)); err != nil {
			return false, err
		}
		drawn = true
	}
	if !drawn {
		return false, nil
	}
	p.Y.Min = 0
	return true, r.save(p, path)
}

// CompareBox draws one box per test case, labelled with its median.
func (r *Renderer) CompareBox(title string, series []Series, path string) (bool, error) {
	p, err := newPlot(title, "", "Delay (s)")
	if err != nil {
		return false, err
	}
	var nominals []string
	w := vg.Points(40)
	position := 0.0
	for i, s := range series {
		if len(s.Latencies) == 0 {
			continue
		}
		box, err := plotter.NewBoxPlot(w, position, plotter.Values(s.Latencies))
		if err != nil {
			return false, err
		}
		box.FillColor = plotutil.Color(i)
		nominals = append(nominals, s.Label+" (Median: "+strconv.FormatFloat(box.Median, 'f', 3, 64)+")")
		position++
		p.Add(box)
	}
	if len(nominals) == 0 {
		return false, nil
	}
	p.NominalX(nominals...)
	return true, r.save(p, path)
}
