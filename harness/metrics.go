package harness

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the harness diagnostic counters.
type Metrics struct {
	Samples    *prometheus.CounterVec
	LateEvents *prometheus.CounterVec
	Overflows  *prometheus.CounterVec
	Runs       *prometheus.CounterVec
	RunSeconds *prometheus.HistogramVec
}

// NewMetrics registers the harness metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Samples: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fanbench_samples_total",
			Help: "Samples appended to active runs",
		}, []string{"kind", "series"}),
		LateEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fanbench_late_events_total",
			Help: "Events delivered after the collector closed",
		}, []string{"kind"}),
		Overflows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fanbench_loop_overflows_total",
			Help: "Events dropped because the event loop queue was full",
		}, []string{"kind"}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fanbench_runs_total",
			Help: "Completed runs by final state",
		}, []string{"kind", "state"}),
		RunSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fanbench_run_seconds",
			Help:    "Wall time from PLAYING to teardown",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"kind"}),
	}
}
