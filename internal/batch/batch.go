// Package batch processes directories of test cases in parallel.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/mengelbart/mrtp-plots/internal/config"
	"github.com/mengelbart/mrtp-plots/internal/export"
	"github.com/mengelbart/mrtp-plots/internal/notify"
	"github.com/mengelbart/mrtp-plots/internal/observability"
	"github.com/mengelbart/mrtp-plots/internal/store"
	perrors "github.com/mengelbart/mrtp-plots/pkg/errors"
	"github.com/mengelbart/mrtp-plots/pkg/plotter"
	"github.com/mengelbart/mrtp-plots/pkg/report"
	"github.com/mengelbart/mrtp-plots/pkg/testcase"
)

// Stages selects the outputs produced for each test case.
type Stages struct {
	Plot   bool
	Export bool
	Report bool
}

type Runner struct {
	RunID    string
	Workers  int
	Stages   Stages
	Options  testcase.Options
	Renderer *plotter.Renderer
	Exporter export.Writer
	Store    *store.Store
	Metrics  *observability.Metrics
	Notifier notify.Notifier
	// MetricsFile is written after every run if set. Relative paths are
	// resolved against the run's output directory.
	MetricsFile string
}

// New builds a runner from settings. st and n may be nil.
func New(s config.Settings, stages Stages, st *store.Store, n notify.Notifier) (*Runner, error) {
	opts, err := s.CaseOptions()
	if err != nil {
		return nil, err
	}
	if n == nil {
		n = notify.Nop{}
	}
	return &Runner{
		RunID:       uuid.New().String(),
		Workers:     s.Workers,
		Stages:      stages,
		Options:     opts,
		Renderer:    plotter.New(s.PlotFormat),
		Exporter:    export.Writer{Format: s.ExportFormat},
		Store:       st,
		Metrics:     observability.NewMetrics(),
		Notifier:    n,
		MetricsFile: s.MetricsFile,
	}, nil
}

type Failure struct {
	Input  string
	Output string
	Err    error
}

type Result struct {
	RunID     string
	Output    string
	Summaries []testcase.Summary
	Failures  []Failure
	Index     string
}

// Discover returns dir itself if it is a test case, and its test case
// subdirectories otherwise.
func Discover(dir string) ([]string, error) {
	if testcase.IsCaseDir(dir) {
		return []string{dir}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var cases []string
	for _, e := range entries {
		sub := filepath.Join(dir, e.Name())
		if e.IsDir() && testcase.IsCaseDir(sub) {
			cases = append(cases, sub)
		}
	}
	if len(cases) == 0 {
		return nil, &perrors.AnalysisError{
			Code:    perrors.ErrCodeMissingData,
			Message: "no test cases in " + dir,
		}
	}
	return cases, nil
}

type job struct {
	input  string
	output string
}

// Run processes every test case below input. Results are written to
// output/<base of input>/<case>. A failing case is logged and recorded
// in the result; the remaining cases are still processed.
func (r *Runner) Run(ctx context.Context, input, output string) (*Result, error) {
	cases, err := Discover(input)
	if err != nil {
		return nil, err
	}
	root := filepath.Join(output, filepath.Base(input))
	var jobs []job
	if len(cases) == 1 && cases[0] == input {
		root = output
		jobs = append(jobs, job{input: input, output: filepath.Join(output, filepath.Base(input))})
	} else {
		for _, c := range cases {
			jobs = append(jobs, job{input: c, output: filepath.Join(root, filepath.Base(c))})
		}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if r.Store != nil {
		if err := r.Store.BeginRun(r.RunID, input); err != nil {
			return nil, err
		}
	}
	klog.Infof("Run %s: processing %d test cases from %s with %d workers", r.RunID, len(jobs), input, r.Workers)

	res := &Result{RunID: r.RunID, Output: root}
	var mu sync.Mutex
	forEach(ctx, r.Workers, jobs, func(j job) {
		sum, err := r.Process(ctx, j.input, j.output)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			klog.Errorf("Failed to process %s -> %s: %v", j.input, j.output, err)
			res.Failures = append(res.Failures, Failure{Input: j.input, Output: j.output, Err: err})
			return
		}
		klog.Infof("Processed %s -> %s", j.input, j.output)
		res.Summaries = append(res.Summaries, sum)
	})
	sort.Slice(res.Summaries, func(i, j int) bool { return res.Summaries[i].Name < res.Summaries[j].Name })
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].Input < res.Failures[j].Input })

	if err := ctx.Err(); err != nil {
		return res, err
	}

	if r.Stages.Report {
		if res.Index, err = report.Generate(root, filepath.Base(input), res.Summaries); err != nil {
			return res, err
		}
	}
	if r.Store != nil {
		avgs, err := r.Store.Averages(r.RunID)
		if err != nil {
			return res, err
		}
		for _, a := range avgs {
			klog.Infof("%s: %d cases, median OWD %.1f ms, loss %.2f %%", a.TestType, a.Cases, a.LatencyMs, a.LossRate*100)
		}
	}
	if r.MetricsFile != "" {
		path := r.MetricsFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		if err := r.Metrics.WriteTextfile(path); err != nil {
			return res, fmt.Errorf("write metrics: %w", err)
		}
	}
	r.notify(ctx, notify.Event{Case: filepath.Base(input), Status: notify.StatusFinished, Input: input, Output: root})
	klog.Infof("Run %s: %d test cases succeeded, %d failed", r.RunID, len(res.Summaries), len(res.Failures))
	return res, nil
}

// Process loads, analyses and renders one test case into out.
func (r *Runner) Process(ctx context.Context, in, out string) (testcase.Summary, error) {
	name := filepath.Base(in)
	start := time.Now()
	r.Metrics.ActiveCases.Inc()
	defer r.Metrics.ActiveCases.Dec()
	r.notify(ctx, notify.Event{Case: name, Status: notify.StatusStarted, Input: in, Output: out})

	sum, err := r.process(ctx, in, out)
	r.Metrics.CaseDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.Metrics.CasesTotal.WithLabelValues("failed").Inc()
		r.notify(ctx, notify.Event{Case: name, Status: notify.StatusFailed, Input: in, Output: out, Error: err.Error()})
		if perrors.IsContextError(err) {
			return sum, err
		}
		return sum, perrors.ErrCaseFailed(name, err)
	}
	r.Metrics.CasesTotal.WithLabelValues("ok").Inc()
	r.notify(ctx, notify.Event{Case: name, Status: notify.StatusDone, Input: in, Output: out})
	return sum, nil
}

func (r *Runner) process(ctx context.Context, in, out string) (testcase.Summary, error) {
	c, err := testcase.Load(ctx, in, r.Options)
	if err != nil {
		return testcase.Summary{}, err
	}
	a, err := c.Analyze()
	if err != nil {
		return testcase.Summary{}, err
	}
	sum := a.Summary
	r.Metrics.PacketsTotal.WithLabelValues("sent").Add(float64(sum.Loss.Sent))
	r.Metrics.PacketsTotal.WithLabelValues("lost").Add(float64(sum.Loss.Lost))

	if err := os.MkdirAll(out, 0o755); err != nil {
		return sum, err
	}
	if r.Stages.Plot {
		plots, err := r.Renderer.All(a, out)
		r.Metrics.PlotsTotal.Add(float64(len(plots)))
		if err != nil {
			return sum, fmt.Errorf("plot: %w", err)
		}
	}
	if r.Stages.Export {
		if _, err := r.Exporter.WriteAll(out, export.Frames(a)); err != nil {
			return sum, err
		}
	}
	if _, err := export.WriteSummary(out, sum); err != nil {
		return sum, err
	}
	if r.Store != nil {
		if err := r.Store.Save(r.RunID, sum); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (r *Runner) notify(ctx context.Context, e notify.Event) {
	e.RunID = r.RunID
	e.Time = time.Now()
	if err := r.Notifier.Notify(ctx, e); err != nil {
		klog.Warningf("Failed to publish %s event for %s: %v", e.Status, e.Case, err)
	}
}
