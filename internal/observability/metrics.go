// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingestion metrics
	CandlesFetched     *prometheus.CounterVec
	SamplesStored      *prometheus.CounterVec
	IndexPointsStored  *prometheus.CounterVec
	BasePricesSeeded   prometheus.Counter
	FetchErrors        *prometheus.CounterVec
	RateLimitedSymbols prometheus.Counter

	// State metrics
	PendingBufferSize prometheus.Gauge
	Backfilling       prometheus.Gauge
	CollectionPaused  prometheus.Gauge
	TrackedSymbols    prometheus.Gauge

	// Latency metrics
	ExchangeCallLatency *prometheus.HistogramVec
	CollectionLatency   prometheus.Histogram

	// Analytics metrics
	AnalyticsRunsTotal *prometheus.CounterVec
	AnalyticsDuration  *prometheus.HistogramVec

	// Cache metrics
	CacheRequests *prometheus.CounterVec

	// Store metrics
	StoreWriteDuration *prometheus.HistogramVec
	StoreWriteErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulCollection prometheus.Gauge
	LastSuccessfulBackfill   prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "market_breadth_lab"
	}

	return &Metrics{
		// Ingestion metrics
		CandlesFetched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "candles_fetched_total",
			Help:      "Total number of candles fetched from the exchange by phase",
		}, []string{"phase"}),
		SamplesStored: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "samples_stored_total",
			Help:      "Total number of price samples inserted by phase",
		}, []string{"phase"}),
		IndexPointsStored: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "index_points_stored_total",
			Help:      "Total number of index points inserted by phase",
		}, []string{"phase"}),
		BasePricesSeeded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "base_prices_seeded_total",
			Help:      "Total number of base prices recorded for newly tracked symbols",
		}),
		FetchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "fetch_errors_total",
			Help:      "Total number of exchange fetch errors by phase and kind",
		}, []string{"phase", "kind"}),
		RateLimitedSymbols: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "rate_limited_symbols_total",
			Help:      "Total number of symbols abandoned in a backfill after a rate-limit signal",
		}),

		// State metrics
		PendingBufferSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "pending_buffer_size",
			Help:      "Live collection rounds buffered while a backfill runs",
		}),
		Backfilling: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "backfilling",
			Help:      "1 while a backfill is running",
		}),
		CollectionPaused: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "collection_paused",
			Help:      "1 while live collection is halted after a fatal error",
		}),
		TrackedSymbols: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "tracked_symbols",
			Help:      "Number of symbols with a base price",
		}),

		// Latency metrics
		ExchangeCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "call_latency_seconds",
			Help:      "Exchange REST call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		CollectionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "collection_round_seconds",
			Help:      "Live collection round duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),

		// Analytics metrics
		AnalyticsRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "runs_total",
			Help:      "Total number of analytic runs by operation and status",
		}, []string{"operation", "status"}),
		AnalyticsDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "duration_seconds",
			Help:      "Analytic run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"operation"}),

		// Cache metrics
		CacheRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Total number of cache lookups by cache and result",
		}, []string{"cache", "result"}),

		// Store metrics
		StoreWriteDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "write_duration_seconds",
			Help:      "Store write duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table"}),
		StoreWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "write_errors_total",
			Help:      "Total number of store write errors",
		}, []string{"table"}),

		// Health metrics
		LastSuccessfulCollection: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_collection_timestamp",
			Help:      "Unix timestamp of the last successful live collection round",
		}),
		LastSuccessfulBackfill: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_backfill_timestamp",
			Help:      "Unix timestamp of the last completed backfill",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordCandlesFetched adds n fetched candles for phase.
func RecordCandlesFetched(phase string, n int) {
	DefaultMetrics.CandlesFetched.WithLabelValues(phase).Add(float64(n))
}

// RecordSamplesStored adds n inserted samples for phase.
func RecordSamplesStored(phase string, n int) {
	DefaultMetrics.SamplesStored.WithLabelValues(phase).Add(float64(n))
}

// RecordIndexPointsStored adds n inserted index points for phase.
func RecordIndexPointsStored(phase string, n int) {
	DefaultMetrics.IndexPointsStored.WithLabelValues(phase).Add(float64(n))
}

// RecordBaseSeeded increments the seeded base price counter.
func RecordBaseSeeded() {
	DefaultMetrics.BasePricesSeeded.Inc()
}

// RecordFetchError records an exchange fetch error.
func RecordFetchError(phase, kind string) {
	DefaultMetrics.FetchErrors.WithLabelValues(phase, kind).Inc()
}

// RecordRateLimitedSymbol increments the abandoned symbol counter.
func RecordRateLimitedSymbol() {
	DefaultMetrics.RateLimitedSymbols.Inc()
}

// UpdatePendingSize sets the pending buffer gauge.
func UpdatePendingSize(n int) {
	DefaultMetrics.PendingBufferSize.Set(float64(n))
}

// UpdateBackfilling sets the backfill state gauge.
func UpdateBackfilling(running bool) {
	DefaultMetrics.Backfilling.Set(boolGauge(running))
}

// UpdateCollectionPaused sets the paused state gauge.
func UpdateCollectionPaused(paused bool) {
	DefaultMetrics.CollectionPaused.Set(boolGauge(paused))
}

// UpdateTrackedSymbols sets the tracked symbol gauge.
func UpdateTrackedSymbols(n int) {
	DefaultMetrics.TrackedSymbols.Set(float64(n))
}

// RecordExchangeLatency records exchange call latency.
func RecordExchangeLatency(endpoint string, seconds float64) {
	DefaultMetrics.ExchangeCallLatency.WithLabelValues(endpoint).Observe(seconds)
}

// RecordCollectionRound records a live round duration and, on success, its completion time.
func RecordCollectionRound(seconds float64, completedUnix int64, ok bool) {
	DefaultMetrics.CollectionLatency.Observe(seconds)
	if ok {
		DefaultMetrics.LastSuccessfulCollection.Set(float64(completedUnix))
	}
}

// RecordBackfillComplete records the completion time of a backfill.
func RecordBackfillComplete(completedUnix int64) {
	DefaultMetrics.LastSuccessfulBackfill.Set(float64(completedUnix))
}

// RecordAnalyticsRun records an analytic run.
func RecordAnalyticsRun(operation, status string, durationSeconds float64) {
	DefaultMetrics.AnalyticsRunsTotal.WithLabelValues(operation, status).Inc()
	DefaultMetrics.AnalyticsDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	DefaultMetrics.CacheRequests.WithLabelValues(cache, result).Inc()
}

// RecordStoreWrite records store write metrics.
func RecordStoreWrite(table string, seconds float64, err error) {
	DefaultMetrics.StoreWriteDuration.WithLabelValues(table).Observe(seconds)
	if err != nil {
		DefaultMetrics.StoreWriteErrors.WithLabelValues(table).Inc()
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
