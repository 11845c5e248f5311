// Package metrics provides Prometheus metrics for the lake auditor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the lake auditor.
type Metrics struct {
	// Symbol-level metrics
	SymbolsProcessed *prometheus.CounterVec
	SymbolsFailed    *prometheus.CounterVec

	// Partition metrics
	PartitionsChecked *prometheus.CounterVec
	MissingDays       *prometheus.GaugeVec
	ContinuityGaps    *prometheus.GaugeVec

	// Download metrics
	DownloadsScheduled  *prometheus.CounterVec
	DownloadsSucceeded  *prometheus.CounterVec
	FailuresRecorded    *prometheus.CounterVec
	PermanentFailures   *prometheus.GaugeVec
	RetryAttempts       *prometheus.CounterVec

	// Timing metrics
	SymbolAuditDuration *prometheus.HistogramVec
	CheckDuration       *prometheus.HistogramVec

	// Pipeline metrics
	WorkerQueueDepth prometheus.Gauge
	InFlightSymbols  prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "lakeaudit"
	}

	m := &Metrics{
		SymbolsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "symbols_processed_total",
				Help:      "Total number of symbol audit runs completed",
			},
			[]string{"source", "dataset"},
		),
		SymbolsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "symbols_failed_total",
				Help:      "Total number of symbol audit runs that aborted",
			},
			[]string{"source", "dataset"},
		),
		PartitionsChecked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_checked_total",
				Help:      "Total number of daily partitions scanned",
			},
			[]string{"source", "dataset"},
		),
		MissingDays: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "missing_days",
				Help:      "Missing days reported by the last coverage check",
			},
			[]string{"source", "dataset", "symbol"},
		),
		ContinuityGaps: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "continuity_gaps",
				Help:      "Timestamp gaps reported by the last continuity check",
			},
			[]string{"source", "dataset", "symbol"},
		),
		DownloadsScheduled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_scheduled_total",
				Help:      "Total number of partition downloads scheduled",
			},
			[]string{"source", "dataset"},
		),
		DownloadsSucceeded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_succeeded_total",
				Help:      "Total number of partition downloads that succeeded",
			},
			[]string{"source", "dataset"},
		),
		FailuresRecorded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_recorded_total",
				Help:      "Total number of failures written to the registry",
			},
			[]string{"source", "dataset", "reason"},
		),
		PermanentFailures: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "permanent_failures",
				Help:      "Partitions currently marked permanently failed",
			},
			[]string{"source", "dataset"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of download retry attempts",
			},
			[]string{"source", "dataset"},
		),
		SymbolAuditDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "symbol_audit_duration_seconds",
				Help:      "Time to audit one symbol end to end",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
			},
			[]string{"source", "dataset"},
		),
		CheckDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "check_duration_seconds",
				Help:      "Time to run one quality check",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"source", "dataset", "check"},
		),
		WorkerQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Current number of symbols in the worker queue",
			},
		),
		InFlightSymbols: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_symbols",
				Help:      "Number of symbols currently being audited",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Source  string
	Dataset string
	Symbol  string
	Reason  string
	Check   string
}

// IncSymbolsProcessed increments the symbols processed counter.
func (m *Metrics) IncSymbolsProcessed(l Labels) {
	m.SymbolsProcessed.WithLabelValues(l.Source, l.Dataset).Inc()
}

// IncSymbolsFailed increments the symbols failed counter.
func (m *Metrics) IncSymbolsFailed(l Labels) {
	m.SymbolsFailed.WithLabelValues(l.Source, l.Dataset).Inc()
}

// AddPartitionsChecked adds to the partitions checked counter.
func (m *Metrics) AddPartitionsChecked(l Labels, count float64) {
	m.PartitionsChecked.WithLabelValues(l.Source, l.Dataset).Add(count)
}

// SetMissingDays sets the missing-day gauge for a symbol.
func (m *Metrics) SetMissingDays(l Labels, days float64) {
	m.MissingDays.WithLabelValues(l.Source, l.Dataset, l.Symbol).Set(days)
}

// SetContinuityGaps sets the continuity-gap gauge for a symbol.
func (m *Metrics) SetContinuityGaps(l Labels, gaps float64) {
	m.ContinuityGaps.WithLabelValues(l.Source, l.Dataset, l.Symbol).Set(gaps)
}

// IncDownloadsScheduled increments the downloads scheduled counter.
func (m *Metrics) IncDownloadsScheduled(l Labels) {
	m.DownloadsScheduled.WithLabelValues(l.Source, l.Dataset).Inc()
}

// IncDownloadsSucceeded increments the downloads succeeded counter.
func (m *Metrics) IncDownloadsSucceeded(l Labels) {
	m.DownloadsSucceeded.WithLabelValues(l.Source, l.Dataset).Inc()
}

// IncFailuresRecorded increments the failures recorded counter.
func (m *Metrics) IncFailuresRecorded(l Labels) {
	m.FailuresRecorded.WithLabelValues(l.Source, l.Dataset, l.Reason).Inc()
}

// SetPermanentFailures sets the permanent failure gauge.
func (m *Metrics) SetPermanentFailures(l Labels, count float64) {
	m.PermanentFailures.WithLabelValues(l.Source, l.Dataset).Set(count)
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Source, l.Dataset).Inc()
}

// ObserveSymbolAuditDuration records an end-to-end symbol audit time.
func (m *Metrics) ObserveSymbolAuditDuration(l Labels, seconds float64) {
	m.SymbolAuditDuration.WithLabelValues(l.Source, l.Dataset).Observe(seconds)
}

// ObserveCheckDuration records the run time of one quality check.
func (m *Metrics) ObserveCheckDuration(l Labels, seconds float64) {
	m.CheckDuration.WithLabelValues(l.Source, l.Dataset, l.Check).Observe(seconds)
}

// SetWorkerQueueDepth sets the current worker queue depth.
func (m *Metrics) SetWorkerQueueDepth(depth float64) {
	m.WorkerQueueDepth.Set(depth)
}

// SetInFlightSymbols sets the number of in-flight symbols.
func (m *Metrics) SetInFlightSymbols(count float64) {
	m.InFlightSymbols.Set(count)
}
