package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the executor's Prometheus collectors.
type Metrics struct {
	Items         *prometheus.CounterVec
	Retries       prometheus.Counter
	Rejections    prometheus.Counter
	BatchDuration *prometheus.HistogramVec
	InFlight      prometheus.Gauge
	CircuitState  *prometheus.GaugeVec
}

// NewMetrics registers the executor collectors with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Items: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "indexsync",
				Subsystem: "work",
				Name:      "items_total",
				Help:      "Work items processed by outcome",
			},
			[]string{"outcome"},
		),
		Retries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "indexsync",
				Subsystem: "work",
				Name:      "retries_total",
				Help:      "Work items resent after a transient failure",
			},
		),
		Rejections: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "indexsync",
				Subsystem: "executor",
				Name:      "rejections_total",
				Help:      "Submissions rejected because the queue was full",
			},
		),
		BatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "indexsync",
				Subsystem: "executor",
				Name:      "batch_duration_seconds",
				Help:      "Duration of backend requests in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"backend", "scope"},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "indexsync",
				Subsystem: "executor",
				Name:      "submissions_in_flight",
				Help:      "Submissions holding a queue slot",
			},
		),
		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "indexsync",
				Subsystem: "executor",
				Name:      "circuit_state",
				Help:      "Backend circuit state: 0 closed, 1 open, 2 half-open",
			},
			[]string{"backend"},
		),
	}
}
