package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mkarlic/stepflow/events"
	"github.com/mkarlic/stepflow/runstore"
)

func newTestCollector() *Collector {
	return NewCollector("stepflow", prometheus.NewRegistry(), zap.NewNop())
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.runsStarted)
	assert.NotNil(t, collector.runsCompleted)
	assert.NotNil(t, collector.stepTransitions)
	assert.NotNil(t, collector.eventsPublished)
	assert.NotNil(t, collector.httpRequestsTotal)
}

func TestCollector_RecordRunLifecycle(t *testing.T) {
	collector := newTestCollector()

	collector.RecordRunStarted("ingest", "stateful")
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.activeRuns.WithLabelValues("stateful")))

	collector.RecordRunCompleted("ingest", "stateful", "succeeded", 2*time.Second)
	assert.Equal(t, float64(0), testutil.ToFloat64(collector.activeRuns.WithLabelValues("stateful")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.runsCompleted.WithLabelValues("ingest", "stateful", "succeeded")))
}

func TestCollector_RecordStepMetrics(t *testing.T) {
	collector := newTestCollector()

	collector.RecordStepTransition("ingest", "running")
	collector.RecordStepTransition("ingest", "succeeded")
	collector.RecordStepRetry("ingest", "fetch")
	collector.RecordStepDuration("ingest", "fetch", 150*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.stepTransitions.WithLabelValues("ingest", "running")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.stepRetries.WithLabelValues("ingest", "fetch")))
	assert.Greater(t, testutil.CollectAndCount(collector.stepDuration), 0)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := newTestCollector()

	collector.RecordHTTPRequest("GET", "/api/v1/runs", 200, 10*time.Millisecond)
	collector.RecordHTTPRequest("POST", "/api/v1/runs", 409, 5*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/api/v1/runs", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/api/v1/runs", "4xx")))
}

func TestCollector_RecordStoreOperation(t *testing.T) {
	collector := newTestCollector()

	collector.RecordStoreOperation("create_run", 3*time.Millisecond)

	assert.Greater(t, testutil.CollectAndCount(collector.storeOperationDuration), 0)
}

func TestCollector_ObserveBus(t *testing.T) {
	collector := newTestCollector()
	bus := events.NewBus(16, zap.NewNop())
	defer bus.Close()

	stop := collector.ObserveBus(bus)

	bus.Publish(events.Event{
		Type:         events.EventRunStatusChanged,
		RunID:        "run_1",
		WorkflowName: "ingest",
		Strategy:     "stateful",
		RunStatus:    "running",
		Previous:     "pending",
	})
	bus.Publish(events.Event{
		Type:         events.EventStepStatusChanged,
		RunID:        "run_1",
		WorkflowName: "ingest",
		StepID:       "fetch",
		StepStatus:   "succeeded",
		Attempt:      1,
		Duration:     20 * time.Millisecond,
	})
	bus.Publish(events.Event{
		Type:         events.EventRunCompleted,
		RunID:        "run_1",
		WorkflowName: "ingest",
		Strategy:     "stateful",
		RunStatus:    "succeeded",
		Duration:     time.Second,
	})

	// The subscription drains asynchronously.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(collector.eventsPublished) == 3
	}, 2*time.Second, 5*time.Millisecond)

	stop()

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.runsStarted.WithLabelValues("ingest", "stateful")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.runsCompleted.WithLabelValues("ingest", "stateful", "succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.stepTransitions.WithLabelValues("ingest", "succeeded")))
}

func TestCollector_ObserveBusCountsDroppedSubscribers(t *testing.T) {
	collector := newTestCollector()
	bus := events.NewBus(1, zap.NewNop())
	defer bus.Close()

	stop := collector.ObserveBus(bus)
	defer stop()

	stalled := bus.Subscribe()
	defer bus.Unsubscribe(stalled)

	bus.Publish(events.Event{Type: events.EventRunCreated})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(collector.eventsPublished) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The stalled subscriber's buffer is full, so the next publish
	// evicts it and the eviction lands in the counter.
	bus.Publish(events.Event{Type: events.EventRunCreated})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(collector.subscribersDropped) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInstrumentStore_RecordsOperations(t *testing.T) {
	collector := newTestCollector()
	store := InstrumentStore(runstore.NewMemoryStore(), collector)
	defer store.Close()
	ctx := context.Background()

	run := &runstore.Run{
		ID:              "run-1",
		WorkflowName:    "ingest",
		WorkflowVersion: "v1",
		Status:          runstore.RunStatusPending,
		Strategy:        runstore.StrategyStateful,
		CreatedAt:       time.Now(),
	}
	records := []*runstore.StepRecord{{RunID: "run-1", StepID: "a", Status: runstore.StepStatusPending}}
	require.NoError(t, store.CreateRun(ctx, run, records))
	_, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)

	// One series per operation label.
	assert.Equal(t, 2, testutil.CollectAndCount(collector.storeOperationDuration))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "3xx", statusClass(301))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "unknown", statusClass(42))
}
