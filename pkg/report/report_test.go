package report_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mengelbart/mrtp-plots/pkg/correlate"
	"github.com/mengelbart/mrtp-plots/pkg/report"
	"github.com/mengelbart/mrtp-plots/pkg/testcase"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "static_gcc", "rates.png"))
	touch(t, filepath.Join(dir, "static_gcc", "latency.png"))
	touch(t, filepath.Join(dir, "static_gcc", "summary.json"))
	touch(t, filepath.Join(dir, "empty", "notes.txt"))
	touch(t, filepath.Join(dir, "static_webrtc_delay.png"))
	touch(t, filepath.Join(dir, "static_webrtc_send-rate.png"))
	touch(t, filepath.Join(dir, "lossy_delay.png"))

	sections, err := report.Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	want := []report.Section{
		{Name: "static_gcc", Plots: []string{"static_gcc/latency.png", "static_gcc/rates.png"}},
		{Name: "lossy", Plots: []string{"lossy_delay.png"}},
		{Name: "static webrtc", Plots: []string{"static_webrtc_delay.png", "static_webrtc_send-rate.png"}},
	}
	if diff := cmp.Diff(want, sections); diff != "" {
		t.Errorf("sections mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "wired_gcc", "rates.png"))
	summaries := []testcase.Summary{
		{Name: "wired_gcc", Packets: 5, Latency: &correlate.LatencyStats{P50: 0.05, P95: 0.06}, Loss: correlate.LossTotals{Rate: 0.2}, TxRate: 1.5e6},
		{Name: "wired_<script>", Packets: 0},
	}
	path, err := report.Generate(dir, "", summaries)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	html := string(b)
	for _, want := range []string{"wired_gcc/rates.png", "50.0 ms", "20.00 %", "1.50 Mbit/s", "&lt;script&gt;"} {
		if !strings.Contains(html, want) {
			t.Errorf("index does not contain %q", want)
		}
	}
}
