// Package metrics exposes Prometheus collectors for every core Taskforge
// component: package-level vars
// registered in init, a Timer helper, and an http.Handler for /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler
	RunsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_runs_dispatched_total",
			Help: "Total Runs handed to the execution resolver, by outcome",
		},
		[]string{"outcome"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskforge_dispatch_latency_seconds",
			Help:    "Time from trigger fire to a resolved dispatch outcome",
			Buckets: prometheus.DefBuckets,
		},
	)

	RunningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskforge_running_tasks",
			Help: "Current count of Runs held in the MAX_CONCURRENT_TASKS semaphore",
		},
	)

	RetriesScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_retries_scheduled_total",
			Help: "Total retry fires scheduled by the Scheduler, by task",
		},
		[]string{"task_id"},
	)

	// Node Registry & Health
	WorkersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskforge_workers_total",
			Help: "Current Worker count by status",
		},
		[]string{"status"},
	)

	HeartbeatsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskforge_heartbeats_ingested_total",
			Help: "Total heartbeats accepted by the Node Registry",
		},
	)

	// Log Pipeline
	LogRecordsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_log_records_appended_total",
			Help: "Total log records durably appended, by stream",
		},
		[]string{"stream"},
	)

	LogRecordsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskforge_log_records_dropped_total",
			Help: "Total log records dropped due to buffer overrun",
		},
	)

	// WebSocket Hub
	WebSocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskforge_websocket_connections",
			Help: "Current total WebSocket connections held by the hub",
		},
	)

	WebSocketDroppedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskforge_websocket_dropped_messages_total",
			Help: "Total fan-out messages dropped due to per-execution queue overflow",
		},
	)

	// Receipt Cache
	ReceiptCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskforge_receipt_cache_hits_total",
			Help: "Total lookups served from the receipt cache instead of re-processing",
		},
	)

	ReceiptCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskforge_receipt_cache_misses_total",
			Help: "Total lookups that found no cached outcome",
		},
	)

	// Backoff / reconnect
	ReconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_reconnect_attempts_total",
			Help: "Total Gateway-mode reconnect attempts, by worker",
		},
		[]string{"worker_id"},
	)

	// Artifact service
	ProjectPublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskforge_project_publish_duration_seconds",
			Help:    "Time taken to snapshot and publish a project version",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExtractionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_extraction_rejections_total",
			Help: "Total archive-unpack rejections, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		RunsDispatched,
		DispatchLatency,
		RunningTasks,
		RetriesScheduled,
		WorkersByStatus,
		HeartbeatsIngested,
		LogRecordsAppended,
		LogRecordsDropped,
		WebSocketConnections,
		WebSocketDroppedMessages,
		ReceiptCacheHits,
		ReceiptCacheMisses,
		ReconnectAttempts,
		ProjectPublishDuration,
		ExtractionRejections,
	)
}

// Timer measures an operation's duration for later observation into a
// histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns elapsed time since the Timer started.
func (t *Timer) Duration() time.Duration { return time.Since(t.start) }

// Handler returns the http.Handler that serves the Prometheus exposition
// format for /metrics.
func Handler() http.Handler { return promhttp.Handler() }
