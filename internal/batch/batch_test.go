package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mengelbart/mrtp-plots/internal/config"
	"github.com/mengelbart/mrtp-plots/internal/notify"
	"github.com/mengelbart/mrtp-plots/internal/store"
	perrors "github.com/mengelbart/mrtp-plots/pkg/errors"
	"github.com/mengelbart/mrtp-plots/pkg/testcase"
)

const senderLog = `{"time":"2024-03-01T09:00:00Z","msg":"rtp packet","rtp-packet":{"unwrapped-sequence-number":1,"ssrc":42,"payload-length":1000}}
{"time":"2024-03-01T09:00:00.1Z","msg":"rtp packet","rtp-packet":{"unwrapped-sequence-number":2,"ssrc":42,"payload-length":1000}}
{"time":"2024-03-01T09:00:00.2Z","msg":"rtp packet","rtp-packet":{"unwrapped-sequence-number":3,"ssrc":42,"payload-length":1000}}
{"time":"2024-03-01T09:00:00.3Z","msg":"NEW_TARGET_MEDIA_RATE","rate":750000}
{"time":"2024-03-01T09:00:01.2Z","msg":"rtp packet","rtp-packet":{"unwrapped-sequence-number":4,"ssrc":42,"payload-length":1000}}
`

const receiverLog = `{"time":"2024-03-01T09:00:00.05Z","msg":"rtp packet","rtp-packet":{"unwrapped-sequence-number":1,"ssrc":42,"payload-length":1000}}
{"time":"2024-03-01T09:00:00.16Z","msg":"rtp packet","rtp-packet":{"unwrapped-sequence-number":2,"ssrc":42,"payload-length":1000}}
{"time":"2024-03-01T09:00:01.25Z","msg":"rtp packet","rtp-packet":{"unwrapped-sequence-number":4,"ssrc":42,"payload-length":1000}}
`

func writeCase(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for file, content := range map[string]string{
		testcase.ConfigFile:      `{"name":"` + name + `","time":"2024-03-01T09:00:00Z"}`,
		testcase.SenderLogFile:   senderLog,
		testcase.ReceiverLogFile: receiverLog,
	} {
		if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

type countingNotifier struct {
	events atomic.Int32
	failed atomic.Int32
}

func (n *countingNotifier) Notify(_ context.Context, e notify.Event) error {
	n.events.Add(1)
	if e.Status == notify.StatusFailed {
		n.failed.Add(1)
	}
	return nil
}

func (n *countingNotifier) Close() {}

func newRunner(t *testing.T, stages Stages, st *store.Store, n notify.Notifier) *Runner {
	t.Helper()
	s := config.Default()
	s.Workers = 2
	s.Dissector = "native"
	s.MetricsFile = "metrics.prom"
	r, err := New(s, stages, st, n)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func exists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("%s: %v", path, err)
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	in := filepath.Join(t.TempDir(), "static")
	out := t.TempDir()
	writeCase(t, filepath.Join(in, "static_gcc"), "static_gcc")
	writeCase(t, filepath.Join(in, "static_scream"), "static_scream")
	broken := filepath.Join(in, "static_broken")
	if err := os.MkdirAll(broken, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(broken, testcase.ConfigFile), []byte(`{"time":"2024-03-01T09:00:00Z"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), store.DefaultFile))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	n := &countingNotifier{}
	r := newRunner(t, Stages{Plot: true, Export: true, Report: true}, st, n)

	res, err := r.Run(context.Background(), in, out)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var names []string
	for _, s := range res.Summaries {
		names = append(names, s.Name)
	}
	if diff := cmp.Diff([]string{"static_gcc", "static_scream"}, names); diff != "" {
		t.Errorf("summaries mismatch (-want +got):\n%s", diff)
	}
	if len(res.Failures) != 1 || res.Failures[0].Input != broken {
		t.Fatalf("failures = %+v, want one for %s", res.Failures, broken)
	}
	if !errors.Is(res.Failures[0].Err, &perrors.AnalysisError{Code: perrors.ErrCodeCaseFailed}) {
		t.Errorf("failure error = %v, want CASE_FAILED", res.Failures[0].Err)
	}
	if !errors.Is(res.Failures[0].Err, &perrors.AnalysisError{Code: perrors.ErrCodeInvalidConfig}) {
		t.Errorf("failure error = %v, want INVALID_CONFIG cause", res.Failures[0].Err)
	}

	root := filepath.Join(out, "static")
	if res.Output != root {
		t.Errorf("Output = %s, want %s", res.Output, root)
	}
	for _, p := range []string{
		"index.html",
		"metrics.prom",
		"static_gcc/summary.json",
		"static_gcc/owd.csv",
		"static_gcc/latency.png",
		"static_scream/rates.png",
	} {
		exists(t, filepath.Join(root, p))
	}

	s := res.Summaries[0]
	if s.Packets != 4 || s.Loss.Lost != 1 || s.Loss.Sent != 4 {
		t.Errorf("summary = %+v, want 4 packets with 1 lost", s)
	}
	stored, err := st.Summaries(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Errorf("stored %d summaries, want 2", len(stored))
	}
	// started and done/failed per case, plus finished
	if got := n.events.Load(); got != 7 {
		t.Errorf("notified %d events, want 7", got)
	}
	if got := n.failed.Load(); got != 1 {
		t.Errorf("notified %d failures, want 1", got)
	}
}

func TestRunSingleCase(t *testing.T) {
	in := filepath.Join(t.TempDir(), "wired_gcc")
	writeCase(t, in, "wired_gcc")
	out := t.TempDir()
	r := newRunner(t, Stages{}, nil, nil)
	res, err := r.Run(context.Background(), in, out)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Summaries) != 1 || len(res.Failures) != 0 {
		t.Fatalf("result = %+v", res)
	}
	exists(t, filepath.Join(out, "wired_gcc", "summary.json"))
	if _, err := os.Stat(filepath.Join(out, "wired_gcc", "rates.png")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("plots written although disabled: %v", err)
	}
}

func TestDiscoverEmpty(t *testing.T) {
	_, err := Discover(t.TempDir())
	if !errors.Is(err, perrors.ErrNoData) {
		t.Errorf("Discover() error = %v, want no data", err)
	}
}

func TestRunCancelled(t *testing.T) {
	in := t.TempDir()
	writeCase(t, filepath.Join(in, "a_gcc"), "a_gcc")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newRunner(t, Stages{}, nil, nil)
	if _, err := r.Run(ctx, in, t.TempDir()); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestCompare(t *testing.T) {
	in := t.TempDir()
	for _, it := range []string{"v2", "v1"} {
		writeCase(t, filepath.Join(in, it, "static_gcc"), "static_gcc")
	}
	writeCase(t, filepath.Join(in, "v1", "lossy_gcc"), "lossy_gcc")
	out := t.TempDir()
	r := newRunner(t, Stages{Report: true}, nil, nil)

	comparisons, _, err := r.Collect(context.Background(), in)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var got [][]string
	for _, c := range comparisons {
		labels := []string{c.Name}
		for _, s := range c.Delay {
			labels = append(labels, s.Label)
		}
		got = append(got, labels)
	}
	want := [][]string{{"lossy_gcc", "v1"}, {"static_gcc", "v1", "v2"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("comparisons mismatch (-want +got):\n%s", diff)
	}
	if tr := comparisons[1].TargetRate[0].Rate; len(tr) != 1 || tr[0].Value != 750000 {
		t.Errorf("target rate = %+v", tr)
	}

	res, err := r.Compare(context.Background(), in, out)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	var files []string
	for _, e := range entries {
		files = append(files, e.Name())
	}
	sort.Strings(files)
	wantFiles := []string{
		"index.html",
		"lossy_gcc_delay-box.png", "lossy_gcc_delay.png", "lossy_gcc_send-rate.png", "lossy_gcc_target-rate.png",
		"static_gcc_delay-box.png", "static_gcc_delay.png", "static_gcc_send-rate.png", "static_gcc_target-rate.png",
	}
	if diff := cmp.Diff(wantFiles, files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
	if res.Index != filepath.Join(out, "index.html") {
		t.Errorf("Index = %s", res.Index)
	}
}

func TestForEachRunsAll(t *testing.T) {
	var n atomic.Int32
	items := make([]int, 50)
	forEach(context.Background(), 4, items, func(int) { n.Add(1) })
	if got := n.Load(); got != 50 {
		t.Errorf("ran %d items, want 50", got)
	}
	forEach(context.Background(), 4, nil, func(int) { t.Error("called for empty input") })
}
