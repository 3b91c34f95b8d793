// Package metrics defines Prometheus metrics for the CI engine, in the same
// Metrics-struct-plus-Register shape as the teacher's internal/metrics,
// renamed field-for-field to this domain's counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all registered Prometheus collectors.
type Metrics struct {
	JobRecalculateDuration *prometheus.HistogramVec
	StoreReconnectTotal    prometheus.Counter
	CacheBuildTotal        *prometheus.CounterVec
	StatusPublishTotal     *prometheus.CounterVec
}

// New creates the metric instances without registering them.
func New() *Metrics {
	return &Metrics{
		JobRecalculateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ci_engine_job_recalculate_duration_seconds",
				Help:    "Duration of each job recalculation in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"project", "result"},
		),
		StoreReconnectTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ci_engine_store_reconnect_total",
			Help: "Total number of store reconnect attempts after a transient failure.",
		}),
		CacheBuildTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ci_engine_cache_build_total",
				Help: "Total number of cache build executions by result.",
			},
			[]string{"result"},
		),
		StatusPublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ci_engine_status_publish_total",
				Help: "Total number of forge status publications by result.",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.JobRecalculateDuration,
		m.StoreReconnectTotal,
		m.CacheBuildTotal,
		m.StatusPublishTotal,
	}
}

// Register builds a new Metrics instance and registers it with reg.
func Register(reg prometheus.Registerer) (*Metrics, error) {
	m := New()
	if err := RegisterWith(reg, m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterWith registers a pre-built Metrics instance with reg.
func RegisterWith(reg prometheus.Registerer, m *Metrics) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
