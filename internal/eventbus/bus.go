// Package eventbus implements non-blocking in-process publish/subscribe
// fan-out of lifecycle events. Events are not persisted and not replayed
// on reconnect; each subscriber gets a bounded buffer and is dropped,
// rather than the event or the publisher, when it falls behind.
package eventbus

import (
	"sync"
	"sync/atomic"

	"callrelay/broker/internal/logging"
)

// Kind names one of the four lifecycle event kinds the core publishes.
type Kind string

const (
	KindPacketReceived Kind = "packet_received"
	KindStateChanged   Kind = "state_changed"
	KindAICompleted    Kind = "ai_completed"
	KindAIFailed       Kind = "ai_failed"
)

// PacketReceived carries the fields published after an accepted ingest.
type PacketReceived struct {
	CallID        string
	Sequence      int64
	TotalReceived int
	Missing       []int64
}

// StateChanged carries the fields published after a lifecycle transition.
type StateChanged struct {
	CallID    string
	FromState string
	ToState   string
}

// AICompleted carries the fields published after a successful AI pipeline.
type AICompleted struct {
	CallID        string
	Transcription string
	Sentiment     string
}

// AIFailed carries the fields published after AI retry exhaustion.
type AIFailed struct {
	CallID string
	Reason string
}

// Event is the envelope delivered to subscribers; exactly one payload field
// is populated, matching Kind.
type Event struct {
	Kind           Kind
	PacketReceived *PacketReceived
	StateChanged   *StateChanged
	AICompleted    *AICompleted
	AIFailed       *AIFailed
}

// DefaultBufferSize bounds each subscriber's pending-event channel.
const DefaultBufferSize = 64

type subscriber struct {
	id     uint64
	ch     chan Event
	active atomic.Bool
	closed atomic.Bool
}

// Bus fans lifecycle events out to zero or more subscribers without ever
// blocking the publisher on a slow or dead subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	bufferSize  int
	log         *logging.Logger
}

// New constructs an empty Bus. A nil logger falls back to the global logger.
func New(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.L()
	}
	return &Bus{
		subscribers: make(map[uint64]*subscriber),
		bufferSize:  DefaultBufferSize,
		log:         logger,
	}
}

// Subscription is returned by Subscribe; callers read Events() and must call
// Unsubscribe when done.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Events returns the channel the subscriber receives events on.
func (s *Subscription) Events() <-chan Event { return s.sub.ch }

// Unsubscribe removes the subscriber from the bus and closes its channel.
func (s *Subscription) Unsubscribe() { s.bus.remove(s.sub.id) }

// Subscribe registers a new subscriber with a bounded buffer.
func (b *Bus) Subscribe() *Subscription {
	id := atomic.AddUint64(&b.nextID, 1)
	sub := &subscriber{id: id, ch: make(chan Event, b.bufferSize)}
	sub.active.Store(true)

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	return &Subscription{bus: b, sub: sub}
}

func (b *Bus) remove(id uint64) {
	//1.- Closing under the write lock guarantees no publisher is mid-send.
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		sub.active.Store(false)
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
	b.mu.Unlock()
}

// Publish delivers event to every current subscriber without blocking.
// A subscriber whose buffer is full is dropped, not the event.
func (b *Bus) Publish(event Event) {
	var dropped []*subscriber

	//1.- Sends happen under the read lock so remove cannot close a channel mid-send.
	b.mu.RLock()
	for _, sub := range b.subscribers {
		if !sub.active.Load() {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			//2.- Drop the slow subscriber rather than the event or the publisher.
			if sub.active.CompareAndSwap(true, false) {
				dropped = append(dropped, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range dropped {
		b.log.Warn("dropping event bus subscriber: buffer full", logging.Int("subscriber_id", int(sub.id)))
		b.remove(sub.id)
	}
}

// SubscriberCount reports the current number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
