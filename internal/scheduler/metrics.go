package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts producer runs by outcome.
type Metrics struct {
	runsTotal       *prometheus.CounterVec
	collectDuration *prometheus.HistogramVec
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "producer_runs_total",
				Help:      "Producer ticks by outcome (data, empty, failed, skipped, cancelled, write_failed)",
			},
			[]string{"producer", "outcome"},
		),
		collectDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "producer_collect_duration_seconds",
				Help:      "Duration of producer collect calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"producer"},
		),
	}
}

func (m *Metrics) observe(producer, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(producer, outcome).Inc()
	if outcome != "skipped" {
		m.collectDuration.WithLabelValues(producer).Observe(d.Seconds())
	}
}
