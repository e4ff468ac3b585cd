package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the engine metrics
type Metrics struct {
	// Diagnostics HTTP metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Central service calls
	RPCRequestTotal    *prometheus.CounterVec
	RPCRequestDuration *prometheus.HistogramVec

	// Offline queue
	QueueDepth         prometheus.Gauge
	ReportsEnqueued    prometheus.Counter
	ReportsSent        prometheus.Counter
	ReportsFailedTotal *prometheus.CounterVec
	DrainRunsTotal     *prometheus.CounterVec
	DrainDuration      *prometheus.HistogramVec

	// Delta sync
	PollTotal *prometheus.CounterVec

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates the Metrics instance, once per process
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_http_requests_total",
			Help: "Total number of diagnostics HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldsync_http_request_duration_seconds",
			Help:    "Diagnostics HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		RPCRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_rpc_requests_total",
			Help: "Total number of calls to the central service",
		}, []string{"operation", "outcome"}),

		RPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldsync_rpc_request_duration_seconds",
			Help:    "Central service call duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"operation", "outcome"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_queue_depth",
			Help: "Reports waiting in the offline queue",
		}),

		ReportsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_reports_enqueued_total",
			Help: "Reports accepted into the offline queue",
		}),

		ReportsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_reports_sent_total",
			Help: "Reports delivered and removed from the queue",
		}),

		ReportsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_reports_failed_total",
			Help: "Failed submission attempts by error kind",
		}, []string{"kind"}),

		DrainRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_drain_runs_total",
			Help: "Drain runs by trigger and outcome",
		}, []string{"trigger", "outcome"}),

		DrainDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldsync_drain_duration_seconds",
			Help:    "Drain run duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"trigger"}),

		PollTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_poll_total",
			Help: "Delta sync cycles by outcome",
		}, []string{"outcome"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldsync_event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.RPCRequestTotal)
	registerOrGet(m.RPCRequestDuration)
	registerOrGet(m.QueueDepth)
	registerOrGet(m.ReportsEnqueued)
	registerOrGet(m.ReportsSent)
	registerOrGet(m.ReportsFailedTotal)
	registerOrGet(m.DrainRunsTotal)
	registerOrGet(m.DrainDuration)
	registerOrGet(m.PollTotal)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// The helpers below accept a nil receiver so components can run uninstrumented in tests.

// ObserveRPC records one central service call.
func (m *Metrics) ObserveRPC(op, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.RPCRequestTotal.WithLabelValues(op, outcome).Inc()
	m.RPCRequestDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

// ObserveDrain records a finished drain run.
func (m *Metrics) ObserveDrain(trigger, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.DrainRunsTotal.WithLabelValues(trigger, outcome).Inc()
	m.DrainDuration.WithLabelValues(trigger).Observe(time.Since(start).Seconds())
}

// ObserveEvent records a publish attempt.
func (m *Metrics) ObserveEvent(eventType string, err error, start time.Time) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventPublishTotal.WithLabelValues(eventType, status).Inc()
	m.EventPublishDuration.WithLabelValues(eventType, status).Observe(time.Since(start).Seconds())
}

// ReportEnqueued counts an accepted report.
func (m *Metrics) ReportEnqueued() {
	if m == nil {
		return
	}
	m.ReportsEnqueued.Inc()
}

// ReportSent counts a delivered report.
func (m *Metrics) ReportSent() {
	if m == nil {
		return
	}
	m.ReportsSent.Inc()
}

// ReportFailed counts a failed attempt by its error label.
func (m *Metrics) ReportFailed(kind string) {
	if m == nil {
		return
	}
	m.ReportsFailedTotal.WithLabelValues(kind).Inc()
}

// SetQueueDepth publishes the current queue size.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// PollOutcome counts a delta sync cycle.
func (m *Metrics) PollOutcome(outcome string) {
	if m == nil {
		return
	}
	m.PollTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records a diagnostics request.
func (m *Metrics) ObserveHTTP(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}
