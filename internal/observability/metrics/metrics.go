// Package metrics exposes Prometheus collectors for the HTTP API, the task
// lifecycle and the event stream. All recording methods are safe to call on a
// nil *Metrics so that components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "claudeflow"

// Metrics groups every collector registered by the service.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	tasksCreated  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	taskRetries   prometheus.Counter
	taskDuration  *prometheus.HistogramVec
	activeTasks   prometheus.Gauge
	events        *prometheus.CounterVec
	streamClients prometheus.Gauge
}

// New builds the collectors on a dedicated registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		tasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "created_total",
			Help:      "Tasks accepted by the service, by target agent.",
		}, []string{"agent"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status"}),
		taskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "retries_total",
			Help:      "Task executions scheduled for retry.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "execution_duration_seconds",
			Help:      "Duration of a single task execution attempt.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "active",
			Help:      "Task executions currently in flight.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published on the bus, by type and result.",
		}, []string{"type", "result"}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "stream_clients",
			Help:      "Connected WebSocket event stream clients.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.tasksCreated, m.tasksFinished, m.taskRetries, m.taskDuration, m.activeTasks,
		m.events, m.streamClients,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// TaskCreated counts an accepted task.
func (m *Metrics) TaskCreated(agent string) {
	if m == nil {
		return
	}
	if agent == "" {
		agent = "swarm"
	}
	m.tasksCreated.WithLabelValues(agent).Inc()
}

// TaskStarted marks an execution attempt as in flight.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.activeTasks.Inc()
}

// TaskAttemptDone closes an execution attempt started with TaskStarted.
func (m *Metrics) TaskAttemptDone(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeTasks.Dec()
	m.taskDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// TaskFinished counts a task reaching a terminal status.
func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(status).Inc()
}

// TaskRetried counts a scheduled retry.
func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.taskRetries.Inc()
}

// EventPublished counts an event publish attempt.
func (m *Metrics) EventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.events.WithLabelValues(eventType, result).Inc()
}

// StreamOpened increments the connected stream clients gauge.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streamClients.Inc()
}

// StreamClosed decrements the connected stream clients gauge.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.streamClients.Dec()
}
