// Package metrics exposes runtime counters in the Prometheus exposition format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "appruntime"

var (
	registry = prometheus.NewRegistry()

	eventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventbus",
		Name:      "events_published_total",
		Help:      "Number of events published on the bus.",
	})
	eventDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventbus",
		Name:      "deliveries_total",
		Help:      "Number of handler invocations performed by the bus.",
	})
	handlerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventbus",
		Name:      "handler_failures_total",
		Help:      "Number of event handler invocations that returned an error or panicked.",
	})

	tasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "enqueued_total",
		Help:      "Number of tasks accepted by the queue.",
	}, []string{"type"})
	tasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "finished_total",
		Help:      "Number of tasks that reached a terminal status.",
	}, []string{"type", "status"})
	taskRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "retries_total",
		Help:      "Number of task re-queues after a failed attempt.",
	}, []string{"type"})
	taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of a single handler attempt.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"type"})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "pending",
		Help:      "Number of tasks currently pending dispatch.",
	})
	queueRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "rejected_total",
		Help:      "Number of enqueue calls rejected because the queue was full.",
	})

	pluginTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "plugins",
		Name:      "transitions_total",
		Help:      "Number of plugin lifecycle transitions by target state.",
	}, []string{"plugin", "state"})
	pluginFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "plugins",
		Name:      "hook_failures_total",
		Help:      "Number of plugin hook failures by hook.",
	}, []string{"plugin", "hook"})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})
	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		eventsPublished, eventDeliveries, handlerFailures,
		tasksEnqueued, tasksFinished, taskRetries, taskDuration, queueDepth, queueRejected,
		pluginTransitions, pluginFailures,
		httpRequests, httpLatency,
	)
}

// Registerer lets plugins register their own collectors next to the runtime ones.
func Registerer() prometheus.Registerer {
	return registry
}

// Gatherer exposes the registry for tests and custom exporters.
func Gatherer() prometheus.Gatherer {
	return registry
}

// ObservePublish records one publish call and its fan-out outcome.
func ObservePublish(delivered, failed int) {
	eventsPublished.Inc()
	eventDeliveries.Add(float64(delivered))
	handlerFailures.Add(float64(failed))
}

// ObserveEnqueue records an accepted task.
func ObserveEnqueue(taskType string) {
	tasksEnqueued.WithLabelValues(taskType).Inc()
}

// ObserveRejected records a QueueFull rejection.
func ObserveRejected() {
	queueRejected.Inc()
}

// ObserveAttempt records the duration of one handler attempt.
func ObserveAttempt(taskType string, d time.Duration) {
	taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// ObserveRetry records a re-queue.
func ObserveRetry(taskType string) {
	taskRetries.WithLabelValues(taskType).Inc()
}

// ObserveFinished records a terminal status.
func ObserveFinished(taskType, status string) {
	tasksFinished.WithLabelValues(taskType, status).Inc()
}

// SetPending publishes the current pending count.
func SetPending(n int) {
	queueDepth.Set(float64(n))
}

// ObservePluginTransition records a lifecycle transition.
func ObservePluginTransition(plugin, state string) {
	pluginTransitions.WithLabelValues(plugin, state).Inc()
}

// ObservePluginHookFailure records a failed init/activate/deactivate hook.
func ObservePluginHookFailure(plugin, hook string) {
	pluginFailures.WithLabelValues(plugin, hook).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
