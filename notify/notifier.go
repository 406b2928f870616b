package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/txsandbox/db"
)

// defaultEventBufferSize is the buffer size for event channels.
// Subscribers that can't keep up will have events dropped (non-blocking send).
const defaultEventBufferSize = 64

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter db.EventFilter
	ch     chan db.TxnEvent
	closed atomic.Bool
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub implements db.EventSink.
// Thread-safe fan-out of transaction events to filtered subscribers.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	dropped       atomic.Uint64
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Publish sends ev to all matching subscribers (non-blocking).
func (h *Hub) Publish(ev db.TxnEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.filter.Matches(ev) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe creates a new subscription and returns the event channel and cancel function.
// The returned channel is buffered. If the subscriber cannot keep up, events are
// dropped by Publish(). The cancel function is idempotent.
func (h *Hub) Subscribe(filter db.EventFilter) (<-chan db.TxnEvent, func()) {
	return h.SubscribeBuffered(filter, defaultEventBufferSize)
}

// SubscribeBuffered is Subscribe with an explicit buffer size
func (h *Hub) SubscribeBuffered(filter db.EventFilter, size int) (<-chan db.TxnEvent, func()) {
	if size <= 0 {
		size = defaultEventBufferSize
	}
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan db.TxnEvent, size),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Subscribers returns the number of live subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Dropped returns the number of events dropped on full buffers
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close cancels every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
