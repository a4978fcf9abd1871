package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the blacklist service
type Metrics struct {
	// HTTP surface
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	HTTPInProgress *prometheus.GaugeVec
	HTTPErrors     *prometheus.CounterVec

	// Application-level errors
	AppErrors *prometheus.CounterVec

	// Decision path
	Decisions     *prometheus.CounterVec
	WhitelistHits prometheus.Counter

	// Dataset gauges
	Entries *prometheus.GaugeVec

	// Database operations
	DBOperations  *prometheus.CounterVec
	DBOpDuration  *prometheus.HistogramVec
	CacheHits     *prometheus.CounterVec
	CollectionRun *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics
func New() *Metrics {
	return &Metrics{
		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests processed",
			},
			[]string{"method", "endpoint", "status"},
		),

		HTTPDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPInProgress: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "http_requests_inprogress",
				Help: "HTTP requests currently being served",
			},
			[]string{"method", "endpoint"},
		),

		HTTPErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_errors_total",
				Help: "Total HTTP error responses",
			},
			[]string{"method", "endpoint", "error_type", "status"},
		),

		AppErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "application_errors_total",
				Help: "Application errors by type and severity",
			},
			[]string{"error_type", "severity"}, // severity: warning, error, critical
		),

		Decisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blacklist_decisions_total",
				Help: "Blacklist check decisions",
			},
			[]string{"decision", "reason"}, // decision: allowed, blocked
		),

		WhitelistHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "blacklist_whitelist_hits_total",
				Help: "Decisions short-circuited by an active whitelist entry",
			},
		),

		Entries: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "blacklist_entries_total",
				Help: "Stored blacklist entries by category",
			},
			[]string{"category"}, // category: active, inactive, whitelist
		),

		DBOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blacklist_db_operations_total",
				Help: "Database operations by outcome",
			},
			[]string{"operation", "status"}, // status: success, error
		),

		DBOpDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blacklist_db_operation_duration_seconds",
				Help:    "Database operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),

		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blacklist_cache_operations_total",
				Help: "Decision cache lookups by outcome",
			},
			[]string{"key_type", "result"}, // result: hit, miss, error
		),

		CollectionRun: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blacklist_collection_runs_total",
				Help: "Collection runs by source and outcome",
			},
			[]string{"source", "status"},
		),
	}
}

// RecordRequest records one completed HTTP request
func (m *Metrics) RecordRequest(method, endpoint, status string, seconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPDuration.WithLabelValues(method, endpoint).Observe(seconds)
}

// RecordHTTPError records an HTTP error response
func (m *Metrics) RecordHTTPError(method, endpoint, errorType, status string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType, status).Inc()
}

// RecordAppError records an application error
func (m *Metrics) RecordAppError(errorType, severity string) {
	m.AppErrors.WithLabelValues(errorType, severity).Inc()
}

// RecordDecision records a blacklist check outcome
func (m *Metrics) RecordDecision(blocked bool, reason string) {
	decision := "allowed"
	if blocked {
		decision = "blocked"
	}
	m.Decisions.WithLabelValues(decision, reason).Inc()
	if reason == "whitelist" {
		m.WhitelistHits.Inc()
	}
}

// RecordDBOperation records a database round-trip
func (m *Metrics) RecordDBOperation(operation string, err error, seconds float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.DBOperations.WithLabelValues(operation, status).Inc()
	m.DBOpDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordCacheLookup records a decision-cache lookup result
func (m *Metrics) RecordCacheLookup(keyType, result string) {
	m.CacheHits.WithLabelValues(keyType, result).Inc()
}

// RecordCollectionRun records a scheduler run outcome
func (m *Metrics) RecordCollectionRun(source string, success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	m.CollectionRun.WithLabelValues(source, status).Inc()
}

// SetEntryCounts updates the dataset gauges
func (m *Metrics) SetEntryCounts(active, inactive, whitelist int) {
	m.Entries.WithLabelValues("active").Set(float64(active))
	m.Entries.WithLabelValues("inactive").Set(float64(inactive))
	m.Entries.WithLabelValues("whitelist").Set(float64(whitelist))
}
