package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

var subscriberCounter int64

// Subscription is one consumer's view of the bus. Events arrive on C.
// A subscriber that stops draining C long enough to fill its buffer is
// dropped and C is closed, so a stalled websocket cannot stall the engine.
type Subscription struct {
	ID     int64
	C      <-chan Event
	ch     chan Event
	filter func(Event) bool
}

// Bus fans events out to subscribers. Publish never blocks.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int64]*Subscription
	buffer   int
	closed   bool
	dropHook func(subscriberID int64)
	logger   *zap.Logger
}

// NewBus creates a bus with the given per-subscriber buffer size.
// A size of zero or less uses DefaultBufferSize.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int64]*Subscription),
		buffer: buffer,
		logger: logger.With(zap.String("component", "events")),
	}
}

// Subscribe registers a consumer for all events.
func (b *Bus) Subscribe() *Subscription {
	return b.SubscribeFunc(nil)
}

// SubscribeRun registers a consumer for a single run's events.
func (b *Bus) SubscribeRun(runID string) *Subscription {
	return b.SubscribeFunc(func(e Event) bool { return e.RunID == runID })
}

// SubscribeFunc registers a consumer whose filter decides per event.
// A nil filter receives everything.
func (b *Bus) SubscribeFunc(filter func(Event) bool) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{
		ID:     atomic.AddInt64(&subscriberCounter, 1),
		C:      ch,
		ch:     ch,
		filter: filter,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Removing an
// already-removed subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; ok {
		delete(b.subs, sub.ID)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber. A subscriber
// with a full buffer is dropped rather than blocking the publisher.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var overflowed []*Subscription
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	hook := b.dropHook
	b.mu.RUnlock()

	for _, sub := range overflowed {
		b.logger.Warn("dropping slow event subscriber",
			zap.Int64("subscriber_id", sub.ID),
			zap.String("event_type", string(event.Type)),
		)
		b.Unsubscribe(sub)
		if hook != nil {
			hook(sub.ID)
		}
	}
}

// OnDrop registers a callback invoked each time a subscriber is
// dropped for falling behind. Passing nil clears it.
func (b *Bus) OnDrop(fn func(subscriberID int64)) {
	b.mu.Lock()
	b.dropHook = fn
	b.mu.Unlock()
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscribers and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
