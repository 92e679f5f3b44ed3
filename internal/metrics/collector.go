// Package metrics provides Prometheus metrics collection for the
// workflow engine. This package is internal and should not be imported
// by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/mkarlic/stepflow/events"
	"github.com/mkarlic/stepflow/runstore"
)

// Collector owns the engine's Prometheus metrics.
type Collector struct {
	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    *prometheus.GaugeVec

	// Step metrics
	stepTransitions *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	stepRetries     *prometheus.CounterVec

	// Event bus metrics
	eventsPublished    prometheus.Counter
	subscribersDropped prometheus.Counter

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Store metrics
	storeOperationDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers the engine's metrics with reg. A nil reg
// falls back to the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsStarted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of workflow runs started",
		},
		[]string{"workflow", "strategy"},
	)

	c.runsCompleted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of workflow runs that reached a terminal status",
		},
		[]string{"workflow", "strategy", "status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"workflow", "strategy"},
	)

	c.activeRuns = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of runs currently executing",
		},
		[]string{"strategy"},
	)

	c.stepTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_transitions_total",
			Help:      "Total number of step status transitions",
		},
		[]string{"workflow", "status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"workflow", "step"},
	)

	c.stepRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retry dispatches",
		},
		[]string{"workflow", "step"},
	)

	c.eventsPublished = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events published on the bus",
		},
	)

	c.subscribersDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_subscribers_dropped_total",
			Help:      "Total number of subscribers dropped for falling behind",
		},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.storeOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Run store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordRunStarted records a run entering execution.
func (c *Collector) RecordRunStarted(workflow, strategy string) {
	c.runsStarted.WithLabelValues(workflow, strategy).Inc()
	c.activeRuns.WithLabelValues(strategy).Inc()
}

// RecordRunCompleted records a run reaching a terminal status.
func (c *Collector) RecordRunCompleted(workflow, strategy, status string, duration time.Duration) {
	c.runsCompleted.WithLabelValues(workflow, strategy, status).Inc()
	c.runDuration.WithLabelValues(workflow, strategy).Observe(duration.Seconds())
	c.activeRuns.WithLabelValues(strategy).Dec()
}

// RecordStepTransition records a step status change.
func (c *Collector) RecordStepTransition(workflow, status string) {
	c.stepTransitions.WithLabelValues(workflow, status).Inc()
}

// RecordStepDuration records how long one step attempt took.
func (c *Collector) RecordStepDuration(workflow, step string, duration time.Duration) {
	c.stepDuration.WithLabelValues(workflow, step).Observe(duration.Seconds())
}

// RecordStepRetry records a retry dispatch for a step.
func (c *Collector) RecordStepRetry(workflow, step string) {
	c.stepRetries.WithLabelValues(workflow, step).Inc()
}

// RecordEventPublished records one event fanned out on the bus.
func (c *Collector) RecordEventPublished() {
	c.eventsPublished.Inc()
}

// RecordSubscriberDropped records a subscriber removed for falling behind.
func (c *Collector) RecordSubscriberDropped() {
	c.subscribersDropped.Inc()
}

// RecordHTTPRequest records an HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordStoreOperation records a run store operation.
func (c *Collector) RecordStoreOperation(operation string, duration time.Duration) {
	c.storeOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveBus subscribes the collector to bus and translates lifecycle
// events into metrics, counting subscribers the bus drops for falling
// behind. The returned stop function unsubscribes.
func (c *Collector) ObserveBus(bus *events.Bus) func() {
	bus.OnDrop(func(int64) { c.RecordSubscriberDropped() })
	sub := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.C {
			c.RecordEventPublished()
			switch ev.Type {
			case events.EventRunStatusChanged:
				if ev.RunStatus == string(runstore.RunStatusRunning) {
					c.RecordRunStarted(ev.WorkflowName, ev.Strategy)
				}
			case events.EventRunCompleted:
				c.RecordRunCompleted(ev.WorkflowName, ev.Strategy, ev.RunStatus, ev.Duration)
			case events.EventStepStatusChanged:
				c.RecordStepTransition(ev.WorkflowName, ev.StepStatus)
				if ev.StepStatus == string(runstore.StepStatusRunning) && ev.Attempt > 1 {
					c.RecordStepRetry(ev.WorkflowName, ev.StepID)
				}
				if ev.StepStatus == string(runstore.StepStatusSucceeded) || ev.StepStatus == string(runstore.StepStatusFailed) {
					c.RecordStepDuration(ev.WorkflowName, ev.StepID, ev.Duration)
				}
			}
		}
	}()
	return func() {
		bus.OnDrop(nil)
		bus.Unsubscribe(sub)
		<-done
	}
}

// statusClass buckets an HTTP status code for the status label.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
