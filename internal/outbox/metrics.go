package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the consumer's prometheus collectors.
type Metrics struct {
	Rows          *prometheus.CounterVec
	Claimed       prometheus.Counter
	Reclaimed     prometheus.Counter
	BatchDuration prometheus.Histogram
}

// NewMetrics registers the consumer collectors with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Rows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "indexsync_outbox_rows_total",
			Help: "Outbox rows processed, by outcome (applied, retried, stalled, quarantined).",
		}, []string{"outcome"}),
		Claimed: f.NewCounter(prometheus.CounterOpts{
			Name: "indexsync_outbox_claimed_total",
			Help: "Outbox rows claimed for processing.",
		}),
		Reclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "indexsync_outbox_reclaimed_total",
			Help: "Stale claims released back to pending.",
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "indexsync_outbox_batch_duration_seconds",
			Help:    "Time to process one claimed outbox batch.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
