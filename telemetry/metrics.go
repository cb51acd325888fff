// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesIngested prometheus.Counter
	IngestRejected   prometheus.Counter
	LiveDeliveries   prometheus.Counter
	BackfillPages    prometheus.Counter
	GapHeals         prometheus.Counter
	MessagesPruned   prometheus.Counter

	// Histograms (seconds)
	IngestDuration prometheus.Observer
	QueryDuration  prometheus.Observer

	// Gauges
	SubscriberGauge prometheus.Gauge
	WindowSizeGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "talklog_messages_ingested_total", Help: "Number of messages accepted by the ingestion endpoint"})
		IngestRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "talklog_ingest_rejected_total", Help: "Number of ingestion requests rejected (validation or attachment failure)"})
		LiveDeliveries = promauto.NewCounter(prometheus.CounterOpts{Name: "talklog_live_deliveries_total", Help: "Number of live message deliveries to subscribers"})
		BackfillPages = promauto.NewCounter(prometheus.CounterOpts{Name: "talklog_backfill_pages_total", Help: "Number of historical pages loaded by synchronizers"})
		GapHeals = promauto.NewCounter(prometheus.CounterOpts{Name: "talklog_gap_heals_total", Help: "Number of gap-heal queries after a dropped subscription"})
		MessagesPruned = promauto.NewCounter(prometheus.CounterOpts{Name: "talklog_messages_pruned_total", Help: "Number of messages deleted by the retention job"})
		IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "talklog_ingest_duration_seconds", Help: "Ingestion request duration seconds", Buckets: prometheus.DefBuckets})
		QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "talklog_query_duration_seconds", Help: "Store range query duration seconds", Buckets: prometheus.DefBuckets})
		SubscriberGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "talklog_live_subscribers", Help: "Current number of live-feed subscribers"})
		WindowSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "talklog_window_messages", Help: "Messages held in the most recently updated log window"})
	})
}

// SetSubscriberCount records the current number of live-feed subscribers.
func SetSubscriberCount(n int) {
	if SubscriberGauge != nil {
		SubscriberGauge.Set(float64(n))
	}
}

// SetWindowSize records the size of a synchronizer's in-memory window.
func SetWindowSize(n int) {
	if WindowSizeGauge != nil {
		WindowSizeGauge.Set(float64(n))
	}
}

// IncCounter increments c when metrics are initialized.
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// AddCounter adds n to c when metrics are initialized.
func AddCounter(c prometheus.Counter, n float64) {
	if c != nil {
		c.Add(n)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
