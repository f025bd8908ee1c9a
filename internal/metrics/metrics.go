// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

// Package metrics holds the Prometheus instrumentation for dashsync:
// refresh cycles, dataset outcomes, throttle decisions, cache efficiency,
// stream transport health, direct fetches, circuit breakers and the HTTP API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Refresh cycle metrics
	CyclesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_cycles_started_total",
			Help: "Total number of refresh cycles started",
		},
		[]string{"kind"}, // all, subset, resume
	)

	CyclesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_cycles_completed_total",
			Help: "Total number of refresh cycles that ended",
		},
		[]string{"reason"}, // complete, ceiling, connection_failed, stopped
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dashsync_cycle_duration_seconds",
			Help:    "Duration of refresh cycles from start to last terminal dataset",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	CycleActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashsync_cycle_active",
			Help: "1 while a refresh cycle is in flight",
		},
	)

	// Dataset metrics
	DatasetResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_dataset_results_total",
			Help: "Dataset terminal outcomes by dataset and status",
		},
		[]string{"dataset", "status"}, // status: ready, error, timeout
	)

	DatasetLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashsync_dataset_latency_seconds",
			Help:    "Time from a dataset entering loading to its terminal state",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"dataset"},
	)

	DatasetsLoading = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashsync_datasets_loading",
			Help: "Number of datasets currently loading",
		},
	)

	LateResultsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dashsync_late_results_dropped_total",
			Help: "Results that arrived after their dataset left loading",
		},
	)

	WatchdogTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_watchdog_timeouts_total",
			Help: "Datasets force-failed by the staleness watchdog",
		},
		[]string{"class"}, // heavy, default
	)

	// Throttle metrics
	ThrottleDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_throttle_decisions_total",
			Help: "Refresh requests by throttle outcome",
		},
		[]string{"outcome"}, // accepted, throttled
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dashsync_cache_hits_total",
			Help: "Auxiliary datasets served from a fresh cache entry",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dashsync_cache_misses_total",
			Help: "Cache lookups that required a fetch",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashsync_cache_entries",
			Help: "Current number of cached dataset payloads",
		},
	)

	// Stream transport metrics
	StreamConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_stream_connects_total",
			Help: "Stream connection attempts by result",
		},
		[]string{"result"}, // success, failure
	)

	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dashsync_stream_reconnects_total",
			Help: "Transparent stream reconnects after transient errors",
		},
	)

	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_stream_events_total",
			Help: "Stream events received by type",
		},
		[]string{"type"},
	)

	// Direct fetch metrics
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashsync_fetch_duration_seconds",
			Help:    "Duration of direct dataset fetches",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dataset"},
	)

	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_fetch_errors_total",
			Help: "Failed direct dataset fetches",
		},
		[]string{"dataset"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dashsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_circuit_breaker_requests_total",
			Help: "Requests through the circuit breaker by result",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_events_published_total",
			Help: "Lifecycle events published by topic and result",
		},
		[]string{"topic", "result"},
	)

	// Persistence metrics
	SnapshotWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_snapshot_writes_total",
			Help: "Session snapshot persistence operations by result",
		},
		[]string{"op", "result"}, // op: save, delete, load
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashsync_api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashsync_websocket_connections",
			Help: "Current number of dashboard WebSocket connections",
		},
	)
)

// RecordDatasetResult records a terminal dataset outcome and its latency.
// startedAt may be zero when the dataset never entered loading.
func RecordDatasetResult(dataset, status string, startedAt, at time.Time) {
	DatasetResults.WithLabelValues(dataset, status).Inc()
	if !startedAt.IsZero() && at.After(startedAt) {
		DatasetLatency.WithLabelValues(dataset).Observe(at.Sub(startedAt).Seconds())
	}
}

// RecordCycleEnd records the end of a refresh cycle.
func RecordCycleEnd(reason string, duration time.Duration) {
	CyclesCompleted.WithLabelValues(reason).Inc()
	CycleDuration.Observe(duration.Seconds())
	CycleActive.Set(0)
}

// RecordFetch records one direct fetch.
func RecordFetch(dataset string, duration time.Duration, err error) {
	FetchDuration.WithLabelValues(dataset).Observe(duration.Seconds())
	if err != nil {
		FetchErrors.WithLabelValues(dataset).Inc()
	}
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSnapshotOp records a snapshot persistence operation.
func RecordSnapshotOp(op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	SnapshotWrites.WithLabelValues(op, result).Inc()
}
