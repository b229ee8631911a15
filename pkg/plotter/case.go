package plotter

import (
	"image/color"
	"sort"

	"go-hep.org/x/hep/hplot"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"k8s.io/klog/v2"

	"github.com/mengelbart/mrtp-plots/pkg/correlate"
	"github.com/mengelbart/mrtp-plots/pkg/eventlog"
	"github.com/mengelbart/mrtp-plots/pkg/records"
	"github.com/mengelbart/mrtp-plots/pkg/testcase"
)

var capacityColor = color.Gray{Y: 128}

type figure struct {
	name string
	fn   func(*testcase.Analysis, string) (bool, error)
}

// All renders every figure the analysis has data for into dir and returns
// the written files.
func (r *Renderer) All(a *testcase.Analysis, dir string) ([]string, error) {
	figures := []figure{
		{"rates", r.Rates},
		{"quic_rates", r.QUICRates},
		{"loss", r.Loss},
		{"latency", r.Latency},
		{"delay_stacked", r.StackedDelay},
		{"owd_cdf", r.OWDCDF},
		{"video_quality", r.VideoQuality},
		{"gcc", r.GCC},
		{"quic_recovery", r.QUICRecovery},
	}
	var written []string
	for _, f := range figures {
		path := r.file(dir, f.name)
		ok, err := f.fn(a, path)
		if err != nil {
			return written, err
		}
		if ok {
			klog.V(2).Infof("wrote %s", path)
			written = append(written, path)
		}
	}
	return written, nil
}

func capacityXYs(tb records.TimeBase, steps []records.CapacityStep) plotter.XYs {
	xys := make(plotter.XYs, 0, len(steps))
	for _, s := range steps {
		xys = append(xys, plotter.XY{X: tb.Seconds(s.Time), Y: s.Bandwidth})
	}
	return xys
}

func metricXYs(tb records.TimeBase, metrics []records.Metric, name string) plotter.XYs {
	var xys plotter.XYs
	for _, m := range metrics {
		if m.Name == name {
			xys = append(xys, plotter.XY{X: tb.Seconds(m.Time), Y: m.Value})
		}
	}
	return xys
}

func sampleXYs[K comparable](tb records.TimeBase, samples []correlate.Sample[K]) plotter.XYs {
	xys := make(plotter.XYs, len(samples))
	for i, s := range samples {
		xys[i] = plotter.XY{X: tb.Seconds(s.Time), Y: s.Latency}
	}
	return xys
}

// Rates plots the link capacity, the target rate and the RTP send and
// delivery rates.
func (r *Renderer) Rates(a *testcase.Analysis, path string) (bool, error) {
	c := a.Case
	if len(a.TxRate) == 0 && len(a.RxRate) == 0 {
		return false, nil
	}
	p, err := newPlot("RTP Rates", "Time (s)", "Rate (bit/s)")
	if err != nil {
		return false, err
	}
	if err := addStep(p, "Bandwidth", capacityColor, capacityXYs(c.TimeBase, c.Capacity)); err != nil {
		return false, err
	}
	if err := addLine(p, "Target Rate", 0, metricXYs(c.TimeBase, c.Metrics, eventlog.MetricTargetRate)); err != nil {
		return false, err
	}
	if err := addLine(p, "Transmission Rate", 1, rateXYs(a.TxRate)); err != nil {
		return false, err
	}
	if err := addLine(p, "Delivery Rate", 2, rateXYs(a.RxRate)); err != nil {
		return false, err
	}
	p.Y.Min = 0
	return true, r.save(p, path)
}

// QUICRates plots the packet rates from the qlog traces together with the
// rate of every media flow and their sum.
func (r *Renderer) QUICRates(a *testcase.Analysis, path string) (bool, error) {
	c := a.Case
	if len(a.QUICTxRate) == 0 && len(a.QUICRxRate) == 0 {
		return false, nil
	}
	p, err := newPlot("QUIC Rates", "Time (s)", "Rate (bit/s)")
	if err != nil {
		return false, err
	}
	if err := addStep(p, "Bandwidth", capacityColor, capacityXYs(c.TimeBase, c.Capacity)); err != nil {
		return false, err
	}
	if err := addLine(p, "Target Rate", 0, metricXYs(c.TimeBase, c.Metrics, eventlog.MetricTargetRate)); err != nil {
		return false, err
	}
	if err := addLine(p, "QUIC Tx Rate", 1, rateXYs(a.QUICTxRate)); err != nil {
		return false, err
	}
	if err := addLine(p, "QUIC Rx Rate", 2, rateXYs(a.QUICRxRate)); err != nil {
		return false, err
	}
	for i, f := range a.Flows {
		if err := addLine(p, "Flow "+f.FlowID, 3+i, rateXYs(f.Points)); err != nil {
			return false, err
		}
	}
	if len(a.Flows) > 1 {
		if err := addLine(p, "Flow Total", 3+len(a.Flows), rateXYs(a.FlowTotal)); err != nil {
			return false, err
		}
	}
	p.Y.Min = 0
	return true, r.save(p, path)
}

func lossXYs(buckets []correlate.LossBucket) plotter.XYs {
	xys := make(plotter.XYs, len(buckets))
	for i, b := range buckets {
		xys[i] = plotter.XY{X: float64(b.Second), Y: b.Rate}
	}
	return xys
}

// Loss plots the fraction of packets lost per second.
func (r *Renderer) Loss(a *testcase.Analysis, path string) (bool, error) {
	if len(a.Loss) == 0 && len(a.QUICLoss) == 0 {
		return false, nil
	}
	p, err := newPlot("Loss Rate", "Time (s)", "Loss rate")
	if err != nil {
		return false, err
	}
	if err := addLine(p, "RTP Loss Rate", 0, lossXYs(a.Loss)); err != nil {
		return false, err
	}
	if err := addLine(p, "QUIC Loss Rate", 1, lossXYs(a.QUICLoss)); err != nil {
		return false, err
	}
	p.Y.Min = 0
	p.Y.Max = 1
	return true, r.save(p, path)
}

// Latency plots the one-way delay over time, split by hop when captures
// were available.
func (r *Renderer) Latency(a *testcase.Analysis, path string) (bool, error) {
	tb := a.Case.TimeBase
	if len(a.OWD) == 0 && len(a.QUICOWD) == 0 {
		return false, nil
	}
	p, err := newPlot("One-Way Delay", "Time (s)", "Delay (s)")
	if err != nil {
		return false, err
	}
	if err := addLine(p, "RTP OWD", 0, sampleXYs(tb, a.OWD)); err != nil {
		return false, err
	}
	if a.Hops != nil {
		var send, network, recv plotter.XYs
		for _, h := range a.Hops.Hops {
			x := tb.Seconds(h.Time)
			send = append(send, plotter.XY{X: x, Y: h.SendStack})
			network = append(network, plotter.XY{X: x, Y: h.Network})
			recv = append(recv, plotter.XY{X: x, Y: h.RecvStack})
		}
		if err := addLine(p, "Sender to "+testcase.SendNamespace, 1, send); err != nil {
			return false, err
		}
		if err := addLine(p, testcase.SendNamespace+" to "+testcase.RecvNamespace, 2, network); err != nil {
			return false, err
		}
		if err := addLine(p, testcase.RecvNamespace+" to Receiver", 3, recv); err != nil {
			return false, err
		}
	}
	if err := addLine(p, "QUIC OWD", 4, sampleXYs(tb, a.QUICOWD)); err != nil {
		return false, err
	}
	if len(a.Case.Capacity) > 1 {
		// mark capacity changes
		for _, s := range a.Case.Capacity[1:] {
			p.Add(hplot.VLine(tb.Seconds(s.Time), nil, nil))
		}
	}
	p.Y.Min = 0
	return true, r.save(p, path)
}

// StackedDelay stacks the per-hop delays so the top edge is the end to end
// delay.
func (r *Renderer) StackedDelay(a *testcase.Analysis, path string) (bool, error) {
	if a.Hops == nil || len(a.Hops.Hops) == 0 {
		return false, nil
	}
	tb := a.Case.TimeBase
	hops := append([]correlate.HopSample[records.RTPKey](nil), a.Hops.Hops...)
	sort.Slice(hops, func(i, j int) bool { return hops[i].Time.Before(hops[j].Time) })

	layers := make([]plotter.XYs, 3)
	for _, h := range hops {
		x := tb.Seconds(h.Time)
		layers[0] = append(layers[0], plotter.XY{X: x, Y: h.SendStack})
		layers[1] = append(layers[1], plotter.XY{X: x, Y: h.SendStack + h.Network})
		layers[2] = append(layers[2], plotter.XY{X: x, Y: h.Total()})
	}
	labels := []string{"Sender stack", "Network", "Receiver stack"}

	p, err := newPlot("Stacked Delay", "Time (s)", "Delay (s)")
	if err != nil {
		return false, err
	}
	// draw the highest layer first so lower ones stay visible
	for i := len(layers) - 1; i >= 0; i-- {
		l, err := plotter.NewLine(layers[i])
		if err != nil {
			return false, err
		}
		l.Color = plotutil.Color(i)
		l.FillColor = plotutil.Color(i)
		p.Add(l)
		p.Legend.Add(labels[i], l)
	}
	p.Y.Min = 0
	return true, r.save(p, path)
}

// OWDCDF plots the distribution of the one-way delays.
func (r *Renderer) OWDCDF(a *testcase.Analysis, path string) (bool, error) {
	labels := []string{"RTP", "QUIC", "DTLS " + testcase.SendNamespace + " to " + testcase.RecvNamespace}
	values := [][]float64{
		correlate.Latencies(a.OWD),
		correlate.Latencies(a.QUICOWD),
		correlate.Latencies(a.DTLSOWD),
	}
	if len(values[0])+len(values[1])+len(values[2]) == 0 {
		return false, nil
	}
	p, err := newPlot("One-Way Delay CDF", "Delay (s)", "P(x)")
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

func qualityValues(samples []records.QualitySample, variable string) (plotter.XYs, []float64) {
	var xys plotter.XYs
	var vals []float64
	for _, q := range samples {
		if q.Variable != variable {
			continue
		}
		xys = append(xys, plotter.XY{X: float64(q.N), Y: q.Value})
		vals = append(vals, q.Value)
	}
	sort.Slice(xys, func(i, j int) bool { return xys[i].X < xys[j].X })
	return xys, vals
}

// VideoQuality draws PSNR and SSIM per frame and their distributions in a
// two by two grid.
func (r *Renderer) VideoQuality(a *testcase.Analysis, path string) (bool, error) {
	psnr, psnrVals := qualityValues(a.Case.Quality, "psnr_avg")
	ssim, ssimVals := qualityValues(a.Case.Quality, "ssim_avg")
	if len(psnr) == 0 && len(ssim) == 0 {
		return false, nil
	}
	plots := make([][]*plot.Plot, 2)
	for i := range plots {
		plots[i] = make([]*plot.Plot, 2)
	}
	var err error
	if plots[0][0], err = newPlot("PSNR", "Frame", "PSNR (dB)"); err != nil {
		return false, err
	}
	if err := addLine(plots[0][0], "PSNR", 0, psnr); err != nil {
		return false, err
	}
	if plots[0][1], err = newPlot("SSIM", "Frame", "SSIM"); err != nil {
		return false, err
	}
	if err := addLine(plots[0][1], "SSIM", 1, ssim); err != nil {
		return false, err
	}
	if plots[1][0], err = newPlot("PSNR CDF", "PSNR (dB)", "P(x)"); err != nil {
		return false, err
	}
	if err := cdfLines(plots[1][0], []string{"PSNR"}, [][]float64{psnrVals}); err != nil {
		return false, err
	}
	if plots[1][1], err = newPlot("SSIM CDF", "SSIM", "P(x)"); err != nil {
		return false, err
	}
	if err := cdfLines(plots[1][1], []string{"SSIM"}, [][]float64{ssimVals}); err != nil {
		return false, err
	}
	return true, r.saveGrid(plots, path)
}

var gccNames = []string{"gcc-target", "gcc-loss-target", "gcc-delay-target", "gcc-delivered"}

// GCC plots the internal estimates of the GCC controller.
func (r *Renderer) GCC(a *testcase.Analysis, path string) (bool, error) {
	c := a.Case
	found := false
	for _, m := range c.Metrics {
		if m.Name == "gcc-target" {
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}
	p, err := newPlot("GCC", "Time (s)", "Rate (bit/s)")
	if err != nil {
		return false, err
	}
	if err := addStep(p, "Bandwidth", capacityColor, capacityXYs(c.TimeBase, c.Capacity)); err != nil {
		return false, err
	}
	for i, name := range gccNames {
		if err := addLine(p, name, i, metricXYs(c.TimeBase, c.Metrics, name)); err != nil {
			return false, err
		}
	}
	p.Y.Min = 0
	return true, r.save(p, path)
}

var recoveryNames = []string{"congestion_window", "bytes_in_flight"}

// QUICRecovery plots the congestion window and bytes in flight reported by
// the sender's QUIC stack.
func (r *Renderer) QUICRecovery(a *testcase.Analysis, path string) (bool, error) {
	c := a.Case
	if len(c.SenderQUICMetrics) == 0 {
		return false, nil
	}
	p, err := newPlot("QUIC Recovery", "Time (s)", "Bytes")
	if err != nil {
		return false, err
	}
	n := 0
	for i, name := range recoveryNames {
		xys := metricXYs(c.TimeBase, c.SenderQUICMetrics, name)
		n += len(xys)
		if err := addLine(p, name, i, xys); err != nil {
			return false, err
		}
	}
	if n == 0 {
		return false, nil
	}
	p.Y.Min = 0
	return true, r.save(p, path)
}
