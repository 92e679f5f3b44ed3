package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	t.Parallel()
	bus := NewBus(8, nil)
	defer bus.Close()

	sub := bus.Subscribe()
	bus.Publish(Event{Type: EventRunCreated, RunID: "run-1", WorkflowName: "ingest"})

	select {
	case e := <-sub.C:
		assert.Equal(t, EventRunCreated, e.Type)
		assert.Equal(t, "run-1", e.RunID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestBus_RunFilter(t *testing.T) {
	t.Parallel()
	bus := NewBus(8, nil)
	defer bus.Close()

	sub := bus.SubscribeRun("run-2")
	bus.Publish(Event{Type: EventStepStatusChanged, RunID: "run-1", StepID: "a"})
	bus.Publish(Event{Type: EventStepStatusChanged, RunID: "run-2", StepID: "b"})

	select {
	case e := <-sub.C:
		assert.Equal(t, "run-2", e.RunID)
		assert.Equal(t, "b", e.StepID)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	// The run-1 event was filtered out.
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event: %+v", e)
	default:
	}
}

func TestBus_SlowSubscriberDropped(t *testing.T) {
	t.Parallel()
	bus := NewBus(2, nil)
	defer bus.Close()

	slow := bus.Subscribe()
	fast := bus.Subscribe()
	require.Equal(t, 2, bus.SubscriberCount())

	// Fill slow's buffer plus one. The overflow publish evicts it.
	for i := 0; i < 3; i++ {
		bus.Publish(Event{Type: EventStepStatusChanged, RunID: "run-1"})
		for len(fast.C) > 0 {
			<-fast.C
		}
	}

	assert.Equal(t, 1, bus.SubscriberCount())

	// The dropped subscriber's channel is closed after draining.
	drained := 0
	for range slow.C {
		drained++
	}
	assert.Equal(t, 2, drained)
}

func TestBus_OnDropFiresForSlowSubscriber(t *testing.T) {
	t.Parallel()
	bus := NewBus(1, nil)
	defer bus.Close()

	var dropped []int64
	bus.OnDrop(func(id int64) { dropped = append(dropped, id) })

	slow := bus.Subscribe()
	bus.Publish(Event{Type: EventRunCreated})
	bus.Publish(Event{Type: EventRunCreated})

	require.Len(t, dropped, 1)
	assert.Equal(t, slow.ID, dropped[0])

	// A cleared hook stays silent for the next eviction.
	bus.OnDrop(nil)
	bus.Subscribe()
	bus.Publish(Event{Type: EventRunCreated})
	bus.Publish(Event{Type: EventRunCreated})
	assert.Len(t, dropped, 1)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBus_Unsubscribe(t *testing.T) {
	t.Parallel()
	bus := NewBus(8, nil)
	defer bus.Close()

	sub := bus.Subscribe()
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing with no subscribers is fine.
	bus.Publish(Event{Type: EventRunCompleted, RunID: "run-1"})
}

func TestBus_Close(t *testing.T) {
	t.Parallel()
	bus := NewBus(8, nil)

	sub := bus.Subscribe()
	bus.Close()
	bus.Close()

	_, open := <-sub.C
	assert.False(t, open)

	// Subscribing after close yields a closed channel.
	late := bus.Subscribe()
	_, open = <-late.C
	assert.False(t, open)

	bus.Publish(Event{Type: EventRunCreated, RunID: "run-1"})
}
