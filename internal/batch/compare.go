package batch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"k8s.io/klog/v2"

	"github.com/mengelbart/mrtp-plots/pkg/correlate"
	"github.com/mengelbart/mrtp-plots/pkg/eventlog"
	"github.com/mengelbart/mrtp-plots/pkg/plotter"
	"github.com/mengelbart/mrtp-plots/pkg/report"
	"github.com/mengelbart/mrtp-plots/pkg/testcase"
)

// Comparison holds the series of one test case across iterations.
type Comparison struct {
	Name       string
	Delay      []plotter.Series
	SendRate   []plotter.Series
	TargetRate []plotter.Series
}

type iterationCase struct {
	iteration string
	name      string
	dir       string
}

// Collect loads every test case of every iteration below input, where
// input/<iteration>/<case> is a test case directory, and groups them by
// case name. Iterations are ordered by name.
func (r *Runner) Collect(ctx context.Context, input string) ([]Comparison, []Failure, error) {
	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, nil, err
	}
	var items []iterationCase
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cases, err := Discover(filepath.Join(input, e.Name()))
		if err != nil {
			klog.Warningf("Skipping iteration %s: %v", e.Name(), err)
			continue
		}
		for _, c := range cases {
			items = append(items, iterationCase{iteration: e.Name(), name: filepath.Base(c), dir: c})
		}
	}

	type loaded struct {
		iterationCase
		a *testcase.Analysis
	}
	var (
		mu       sync.Mutex
		results  []loaded
		failures []Failure
	)
	forEach(ctx, r.Workers, items, func(it iterationCase) {
		c, err := testcase.Load(ctx, it.dir, r.Options)
		var a *testcase.Analysis
		if err == nil {
			a, err = c.Analyze()
		}
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			klog.Errorf("Failed to load %s: %v", it.dir, err)
			failures = append(failures, Failure{Input: it.dir, Err: err})
			return
		}
		results = append(results, loaded{it, a})
	})
	if err := ctx.Err(); err != nil {
		return nil, failures, err
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].name != results[j].name {
			return results[i].name < results[j].name
		}
		return results[i].iteration < results[j].iteration
	})

	var out []Comparison
	for _, l := range results {
		if len(out) == 0 || out[len(out)-1].Name != l.name {
			out = append(out, Comparison{Name: l.name})
		}
		cmp := &out[len(out)-1]
		tb := l.a.Case.TimeBase
		cmp.Delay = append(cmp.Delay, plotter.Series{Label: l.iteration, Latencies: correlate.Latencies(l.a.OWD)})
		cmp.SendRate = append(cmp.SendRate, plotter.Series{Label: l.iteration, Rate: l.a.TxRate})
		var target []correlate.RatePoint
		for _, m := range l.a.Case.Metrics {
			if m.Name == eventlog.MetricTargetRate {
				target = append(target, correlate.RatePoint{Second: tb.Seconds(m.Time), Value: m.Value})
			}
		}
		cmp.TargetRate = append(cmp.TargetRate, plotter.Series{Label: l.iteration, Rate: target})
	}
	return out, failures, nil
}

// Compare plots every test case of input across its iterations into
// output and writes an index.
func (r *Runner) Compare(ctx context.Context, input, output string) (*Result, error) {
	comparisons, failures, err := r.Collect(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(output, 0o755); err != nil {
		return nil, err
	}
	res := &Result{RunID: r.RunID, Output: output, Failures: failures}
	for _, c := range comparisons {
		figures := []struct {
			suffix string
			fn     func(string, []plotter.Series, string) (bool, error)
			series []plotter.Series
		}{
			{"delay", r.Renderer.CompareDelay, c.Delay},
			{"delay-box", r.Renderer.CompareBox, c.Delay},
			{"send-rate", r.Renderer.CompareRate, c.SendRate},
			{"target-rate", r.Renderer.CompareRate, c.TargetRate},
		}
		for _, f := range figures {
			path := filepath.Join(output, c.Name+"_"+f.suffix+"."+r.Renderer.Format)
			ok, err := f.fn(c.Name, f.series, path)
			if err != nil {
				return res, err
			}
			if ok {
				r.Metrics.PlotsTotal.Inc()
				klog.V(2).Infof("wrote %s", path)
			}
		}
	}
	if r.Stages.Report {
		if res.Index, err = report.Generate(output, "Comparison of "+filepath.Base(input), nil); err != nil {
			return res, err
		}
	}
	klog.Infof("Compared %d test cases from %s", len(comparisons), input)
	return res, nil
}
