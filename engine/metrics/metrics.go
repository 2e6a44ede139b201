// Package metrics collects the Prometheus counters and histograms the
// ingestion and search paths report, plus the bus health probe and the
// derived admin-surface metrics computed from them.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter pairs a promauto counter, for Prometheus scraping, with an
// atomic.Int64 for synchronous read-back — a promauto counter exposes no
// getter of its own, and the admin handlers need the live value on every
// request without a scrape round-trip.
type Counter struct {
	prom  prometheus.Counter
	value atomic.Int64
}

func newCounter(opts prometheus.CounterOpts) *Counter {
	return &Counter{prom: promauto.NewCounter(opts)}
}

// Inc increments both the Prometheus counter and the read-back value.
func (c *Counter) Inc() {
	c.prom.Inc()
	c.value.Add(1)
}

// Value returns the counter's current value.
func (c *Counter) Value() int64 {
	return c.value.Load()
}

var (
	// LogsPublishedTotal counts entries the Producer confirmed published.
	LogsPublishedTotal = newCounter(prometheus.CounterOpts{
		Name: "logs_published_total",
		Help: "Total log entries successfully published to the bus.",
	})

	// LogsConsumedTotal counts records the BatchConsumer has handled
	// (success or failure) across all batches.
	LogsConsumedTotal = newCounter(prometheus.CounterOpts{
		Name: "logs_consumed_total",
		Help: "Total log records consumed off the bus.",
	})

	// LogsDLQTotal counts records routed to the dead-letter topic.
	LogsDLQTotal = newCounter(prometheus.CounterOpts{
		Name: "logs_dlq_total",
		Help: "Total log records routed to the DLQ topic.",
	})

	// IngestDuration times API-facing log acceptance latency.
	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "api_logs_ingest_duration_seconds",
		Help:    "Latency of accepting a log entry at the API boundary.",
		Buckets: prometheus.DefBuckets,
	})

	// BatchProcessingDuration times one consumer batch's wall-clock handling.
	BatchProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "consumer_batch_processing_duration_seconds",
		Help:    "Wall-clock time to process one consumer batch.",
		Buckets: prometheus.DefBuckets,
	})
)

// Snapshot is a point-in-time read of the raw counters, used to compute the
// derived admin metrics without re-scraping the Prometheus registry.
type Snapshot struct {
	Published int64
	Consumed  int64
	DLQ       int64
}

// CurrentSnapshot reads the live values of the package counters, used by
// the admin handlers to compute derived metrics without a Prometheus
// scrape round-trip.
func CurrentSnapshot() Snapshot {
	return Snapshot{
		Published: LogsPublishedTotal.Value(),
		Consumed:  LogsConsumedTotal.Value(),
		DLQ:       LogsDLQTotal.Value(),
	}
}

// HealthStatus is the coarse admin-surface health classification.
type HealthStatus string

const (
	HealthStatusHealthy HealthStatus = "HEALTHY"
	HealthStatusWarning HealthStatus = "WARNING"
)

const (
	dlqRateWarnThreshold = 1.0
	lagWarnThreshold     = 10_000
)

// Derived holds the computed admin-surface metrics.
type Derived struct {
	DLQRatePercent float64      `json:"dlq_rate_percent"`
	ConsumerLag    int64        `json:"consumer_lag"`
	HealthStatus   HealthStatus `json:"health_status"`
}

// ComputeDerived derives dlq_rate_percent (dlqTotal/consumedTotal*100) and
// consumer_lag (publishedTotal-consumedTotal) from the raw counters, and
// classifies WARNING if dlq_rate_percent > 1.0 OR consumer_lag > 10000,
// else HEALTHY.
func ComputeDerived(s Snapshot) Derived {
	var dlqRate float64
	if s.Consumed > 0 {
		dlqRate = float64(s.DLQ) / float64(s.Consumed) * 100
	}
	lag := s.Published - s.Consumed

	status := HealthStatusHealthy
	if dlqRate > dlqRateWarnThreshold || lag > lagWarnThreshold {
		status = HealthStatusWarning
	}

	return Derived{
		DLQRatePercent: dlqRate,
		ConsumerLag:    lag,
		HealthStatus:   status,
	}
}
