package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize keeps one pending wake-up per subscriber.
// Subscribers only need to know that something changed, so bursts coalesce.
const defaultSignalBufferSize = 1

type subscription struct {
	id     uint64
	ch     chan uint64
	closed atomic.Bool
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans sequence-number signals out to subscribers without blocking the
// signaller. A subscriber that is behind sees the latest signal it had room for.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a notification hub
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal wakes every subscriber (non-blocking)
func (h *Hub) Signal(seq uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		select {
		case sub.ch <- seq:
		default:
		}
	}
}

// Subscribe returns a wake-up channel and an idempotent cancel func
func (h *Hub) Subscribe() (<-chan uint64, func()) {
	sub := &subscription{
		id: h.nextID.Add(1),
		ch: make(chan uint64, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Len reports active subscriptions
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
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
