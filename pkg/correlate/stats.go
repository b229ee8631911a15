package correlate

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type LatencyStats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
}

// Summarize computes latency statistics. ok is false for empty input.
func Summarize(latencies []float64) (LatencyStats, bool) {
	if len(latencies) == 0 {
		return LatencyStats{}, false
	}
	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)
	return LatencyStats{
		Count: len(sorted),
		Mean:  stat.Mean(sorted, nil),
		Min:   floats.Min(sorted),
		P50:   stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
		P99:   stat.Quantile(0.99, stat.Empirical, sorted, nil),
		Max:   floats.Max(sorted),
	}, true
}

type LossTotals struct {
	Sent int     `json:"sent"`
	Lost int     `json:"lost"`
	Rate float64 `json:"rate"`
}

func TotalLoss(buckets []LossBucket) LossTotals {
	var t LossTotals
	for _, b := range buckets {
		t.Sent += b.Sent
		t.Lost += b.Lost
	}
	if t.Sent > 0 {
		t.Rate = float64(t.Lost) / float64(t.Sent)
	}
	return t
}

// MeanRate averages the values of a rate series.
func MeanRate(points []RatePoint) float64 {
	if len(points) == 0 {
		return 0
	}
	vals := make([]float64, len(points))
	for i, p := range points {
		vals[i] = p.Value
	}
	return stat.Mean(vals, nil)
}

// ECDF returns the sorted values and their cumulative fractions, the first
// value at 0 and the last at 1.
func ECDF(values []float64) (xs, ys []float64) {
	if len(values) == 0 {
		return nil, nil
	}
	xs = append([]float64(nil), values...)
	sort.Float64s(xs)
	ys = make([]float64, len(xs))
	if len(xs) == 1 {
		ys[0] = 1
		return xs, ys
	}
	for i := range xs {
		ys[i] = float64(i) / float64(len(xs)-1)
	}
	return xs, ys
}
