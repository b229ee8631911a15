package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mrtp_plots"

type Metrics struct {
	registry     *prometheus.Registry
	CasesTotal   *prometheus.CounterVec
	CaseDuration prometheus.Histogram
	PacketsTotal *prometheus.CounterVec
	PlotsTotal   prometheus.Counter
	ActiveCases  prometheus.Gauge
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		CasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cases_total",
			Help:      "Test cases processed by result",
		}, []string{"result"}),
		CaseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "case_duration_seconds",
			Help:      "Time spent loading, analysing and plotting one test case",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Correlated packets by outcome",
		}, []string{"outcome"}),
		PlotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plots_total",
			Help:      "Figures written",
		}),
		ActiveCases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_cases",
			Help:      "Test cases currently processed",
		}),
	}
	r.MustRegister(m.CasesTotal, m.CaseDuration, m.PacketsTotal, m.PlotsTotal, m.ActiveCases)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile dumps the current values in the node exporter textfile
// format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
