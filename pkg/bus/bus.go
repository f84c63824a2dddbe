// Package bus implements the process-local publish-subscribe event
// stream (C7): pipeline stages publish progress events, and HTTP/WS
// subscribers receive them filtered by request id. Delivery is
// best-effort — a slow subscriber is dropped, not backpressured onto
// the orchestrator (spec.md §4.7).
package bus

import (
	"sync"
	"time"
)

// Status is the event's lifecycle marker.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPending   Status = "pending"
)

// Event is one pipeline progress notification (spec.md §4.7, §6 WS
// protocol's pipeline_event).
type Event struct {
	RequestID uint64      `json:"request_id"`
	Stage     string      `json:"stage"`
	Status    Status      `json:"status"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"data,omitempty"`
}

// subscriberQueueSize bounds each subscriber's buffered channel; beyond
// this, new events for that subscriber are dropped rather than
// blocking the publisher (spec.md §4.7's "lossy under subscriber
// slowness").
const subscriberQueueSize = 64

type subscriber struct {
	id        uint64
	requestID *uint64 // nil means "all requests"
	ch        chan Event
}

// Bus is the event hub. Publication takes the read side of the
// mutex, subscribe/unsubscribe take the write side — the same
// reader-writer discipline the teacher's ConsensusHealthMonitor and
// attestation.Service use for their guarded maps (spec.md §5).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[uint64]*subscriber)}
}

// Subscription is returned by Subscribe; the caller ranges over
// Events() and calls Close() when done.
type Subscription struct {
	bus *Bus
	id  uint64
	ch  chan Event
}

// Events returns the channel this subscription receives on.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unsubscribes and releases the channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Subscribe registers a new subscriber. If requestID is non-nil, only
// events for that request are delivered; otherwise every event is
// (the WS protocol's "unsubscribed clients receive all events",
// spec.md §6).
func (b *Bus) Subscribe(requestID *uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscriber{id: id, requestID: requestID, ch: make(chan Event, subscriberQueueSize)}
	b.subscribers[id] = sub
	return &Subscription{bus: b, id: id, ch: sub.ch}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish delivers evt to every matching subscriber. Per-request
// ordering is preserved because publishers call Publish sequentially
// for a given request (the orchestrator never runs two stages of the
// same request concurrently, spec.md §5) and each subscriber channel
// is FIFO.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.requestID != nil && *sub.requestID != evt.RequestID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Subscriber too slow; drop rather than block the publisher.
		}
	}
}

// SubscriberCount reports the current subscriber count, for diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
