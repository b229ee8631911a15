package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/mengelbart/mrtp-plots/pkg/correlate"
	"github.com/mengelbart/mrtp-plots/pkg/testcase"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), DefaultFile))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func summary(name string, p50, loss, tx float64) testcase.Summary {
	sum := testcase.Summary{
		Name:    name,
		Time:    time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Packets: 10,
		Loss:    correlate.LossTotals{Sent: 10, Lost: int(loss * 10), Rate: loss},
		TxRate:  tx,
		RxRate:  tx * (1 - loss),
	}
	if p50 > 0 {
		sum.Latency = &correlate.LatencyStats{Count: 10, P50: p50, Mean: p50}
	}
	return sum
}

func TestSaveAndList(t *testing.T) {
	s := openTestStore(t)
	if err := s.BeginRun("run-1", "/data/in"); err != nil {
		t.Fatal(err)
	}
	sums := []testcase.Summary{
		summary("static_scream", 0.04, 0.1, 1e6),
		summary("static_gcc", 0.05, 0.2, 2e6),
	}
	for _, sum := range sums {
		if err := s.Save("run-1", sum); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	// saving a case again replaces it
	sums[1].Packets = 12
	if err := s.Save("run-1", sums[1]); err != nil {
		t.Fatal(err)
	}

	got, err := s.Summaries("run-1")
	if err != nil {
		t.Fatalf("Summaries: %v", err)
	}
	want := []testcase.Summary{sums[1], sums[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("summaries mismatch (-want +got):\n%s", diff)
	}

	other, err := s.Summaries("run-2")
	if err != nil || len(other) != 0 {
		t.Errorf("Summaries(run-2) = %v, %v; want empty", other, err)
	}

	runs, err := s.Runs()
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" || runs[0].Cases != 2 || runs[0].Input != "/data/in" {
		t.Errorf("Runs() = %+v", runs)
	}
}

func TestAverages(t *testing.T) {
	s := openTestStore(t)
	if err := s.BeginRun("r", ""); err != nil {
		t.Fatal(err)
	}
	for _, sum := range []testcase.Summary{
		summary("static_gcc", 0.04, 0.1, 1e6),
		summary("static_scream", 0.06, 0.3, 3e6),
		summary("lossy_gcc", 0, 0, 0),
	} {
		if err := s.Save("r", sum); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Averages("r")
	if err != nil {
		t.Fatalf("Averages: %v", err)
	}
	want := []Average{
		{TestType: "lossy", Cases: 1},
		{TestType: "static", Cases: 2, LatencyMs: 50, LossRate: 0.2, TxRate: 2e6, RxRate: 1.5e6},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("averages mismatch (-want +got):\n%s", diff)
	}
}
