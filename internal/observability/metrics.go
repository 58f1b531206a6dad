// Package observability provides Prometheus metrics for the application.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "segmentdl"

// Metrics holds all application metrics.
type Metrics struct {
	// Task metrics
	TasksCreated    prometheus.Counter
	TasksCompleted  prometheus.Counter
	TasksFailed     prometheus.Counter
	TasksCancelled  prometheus.Counter
	TasksInProgress prometheus.Gauge
	TaskDuration    prometheus.Histogram

	// Chunk metrics
	ChunksFetched      prometheus.Counter
	ChunksRetried      prometheus.Counter
	ChunksFailed       prometheus.Counter
	ChunksSpooled      prometheus.Counter
	ChunkBytes         prometheus.Counter
	ChunkFetchDuration prometheus.Histogram
	ReorderBuffered    prometheus.Gauge

	// Sink metrics
	SinkWrites      *prometheus.CounterVec
	SinkWriteErrors *prometheus.CounterVec
	RemuxTotal      *prometheus.CounterVec

	// Storage metrics
	CleanupTasksTotal prometheus.Counter
	StoredTasksTotal  prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Proxy metrics
	ProxyRequestsTotal *prometheus.CounterVec
	ProxyFailures      *prometheus.CounterVec
	ProxiesAvailable   prometheus.Gauge
}

// New creates all application metrics and registers them on reg.
// A nil reg leaves the metrics unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	metrics := &Metrics{
		// Task metrics
		TasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "created_total",
			Help:      "Total number of tasks created",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "completed_total",
			Help:      "Total number of tasks finalized successfully",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "failed_total",
			Help:      "Total number of scheduling passes that ended in error",
		}),
		TasksCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "cancelled_total",
			Help:      "Total number of tasks cancelled or removed while active",
		}),
		TasksInProgress: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "in_progress",
			Help:      "Number of scheduling passes currently running",
		}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "pass_duration_seconds",
			Help:      "Histogram of scheduling pass duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),

		// Chunk metrics
		ChunksFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunks",
			Name:      "fetched_total",
			Help:      "Total number of chunks fetched successfully",
		}),
		ChunksRetried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunks",
			Name:      "retried_total",
			Help:      "Total number of chunk attempts re-enqueued after a failure",
		}),
		ChunksFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunks",
			Name:      "failed_total",
			Help:      "Total number of chunks that exhausted their retry budget",
		}),
		ChunksSpooled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunks",
			Name:      "spooled_total",
			Help:      "Total number of chunks parked on disk behind a failed chunk",
		}),
		ChunkBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunks",
			Name:      "bytes_total",
			Help:      "Total chunk bytes downloaded",
		}),
		ChunkFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chunks",
			Name:      "fetch_duration_seconds",
			Help:      "Histogram of single chunk fetch duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		ReorderBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chunks",
			Name:      "reorder_buffered",
			Help:      "Number of completed chunks held in reorder buffers",
		}),

		// Sink metrics
		SinkWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "writes_total",
			Help:      "Total number of chunk writes handed to sinks",
		}, []string{"mode"}),
		SinkWriteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "write_errors_total",
			Help:      "Total number of fatal sink write errors",
		}, []string{"mode"}),
		RemuxTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "remux_total",
			Help:      "Total number of remux attempts by result",
		}, []string{"result"}),

		// Storage metrics
		CleanupTasksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "cleanup_tasks_total",
			Help:      "Total number of expired tasks cleaned up",
		}),
		StoredTasksTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "tasks_current",
			Help:      "Current number of stored tasks",
		}),

		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPResponseSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "Histogram of HTTP response sizes in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		}, []string{"method", "path"}),

		// Proxy metrics
		ProxyRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total number of requests made through proxies",
		}, []string{"proxy"}),
		ProxyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "failures_total",
			Help:      "Total number of proxy failures",
		}, []string{"proxy"}),
		ProxiesAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "available",
			Help:      "Number of currently available proxies",
		}),
	}

	return metrics
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg
}

// Handler returns the Prometheus HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// PassTimer returns a function to record scheduling pass duration.
func (m *Metrics) PassTimer() func() {
	start := time.Now()

	return func() {
		m.TaskDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, size int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(size))
}

// RecordTaskCreated increments the tasks created counter.
func (m *Metrics) RecordTaskCreated() {
	m.TasksCreated.Inc()
}

// RecordPassStarted marks a scheduling pass as running.
func (m *Metrics) RecordPassStarted() {
	m.TasksInProgress.Inc()
}

// RecordTaskCompleted records a finalized task.
func (m *Metrics) RecordTaskCompleted() {
	m.TasksCompleted.Inc()
	m.TasksInProgress.Dec()
}

// RecordTaskFailed records a pass that ended in error.
func (m *Metrics) RecordTaskFailed() {
	m.TasksFailed.Inc()
	m.TasksInProgress.Dec()
}

// RecordTaskCancelled records a pass stopped by cancellation.
func (m *Metrics) RecordTaskCancelled() {
	m.TasksCancelled.Inc()
	m.TasksInProgress.Dec()
}

// RecordChunkFetched records a successful chunk fetch.
func (m *Metrics) RecordChunkFetched(size int, duration time.Duration) {
	m.ChunksFetched.Inc()
	m.ChunkBytes.Add(float64(size))
	m.ChunkFetchDuration.Observe(duration.Seconds())
}

// RecordChunkRetried records a re-enqueued chunk attempt.
func (m *Metrics) RecordChunkRetried() {
	m.ChunksRetried.Inc()
}

// RecordChunkFailed records a chunk that exhausted its retry budget.
func (m *Metrics) RecordChunkFailed() {
	m.ChunksFailed.Inc()
}

// RecordChunkSpooled records a chunk parked on disk.
func (m *Metrics) RecordChunkSpooled() {
	m.ChunksSpooled.Inc()
}

// AddReorderBuffered adjusts the reorder buffer gauge by delta.
func (m *Metrics) AddReorderBuffered(delta int) {
	m.ReorderBuffered.Add(float64(delta))
}

// RecordSinkWrite records a chunk write handed to a sink.
func (m *Metrics) RecordSinkWrite(mode string) {
	m.SinkWrites.WithLabelValues(mode).Inc()
}

// RecordSinkWriteError records a fatal sink error.
func (m *Metrics) RecordSinkWriteError(mode string) {
	m.SinkWriteErrors.WithLabelValues(mode).Inc()
}

// RecordRemux records a remux attempt result: ok, failed or skipped.
func (m *Metrics) RecordRemux(result string) {
	m.RemuxTotal.WithLabelValues(result).Inc()
}

// RecordCleanup records cleanup metrics.
func (m *Metrics) RecordCleanup(tasks int) {
	m.CleanupTasksTotal.Add(float64(tasks))
}

// RecordProxyRequest records a proxy request.
func (m *Metrics) RecordProxyRequest(proxy string) {
	m.ProxyRequestsTotal.WithLabelValues(proxy).Inc()
}

// RecordProxyFailure records a proxy failure.
func (m *Metrics) RecordProxyFailure(proxy string) {
	m.ProxyFailures.WithLabelValues(proxy).Inc()
}

// SetProxiesAvailable sets the number of available proxies.
func (m *Metrics) SetProxiesAvailable(count int) {
	m.ProxiesAvailable.Set(float64(count))
}

// SetStoredTasks sets the number of stored tasks.
func (m *Metrics) SetStoredTasks(count int) {
	m.StoredTasksTotal.Set(float64(count))
}
