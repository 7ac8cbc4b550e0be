// Package notify fans lock table events out to subscribers such as the
// admin event stream.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/mglock/lock"
	"github.com/maxpert/mglock/txn"
)

// defaultEventBufferSize is the buffer size for subscriber channels.
// Subscribers that can't keep up have events dropped (non-blocking send).
const defaultEventBufferSize = 64

// Filter narrows a subscription. Zero values match everything.
type Filter struct {
	// Resource matches the resource itself and all of its descendants.
	Resource lock.ResourceName
	Txn      txn.ID
}

func (f Filter) matches(e lock.Event) bool {
	if f.Txn != 0 && f.Txn != e.Txn {
		return false
	}
	if !f.Resource.IsZero() && e.Name != f.Resource && !e.Name.IsDescendantOf(f.Resource) {
		return false
	}
	return true
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan lock.Event
	closed atomic.Bool
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub implements lock.Observer.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	dropped       atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Observe delivers e to every matching subscriber without blocking.
func (h *Hub) Observe(e lock.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a buffered event channel and an idempotent cancel
// function. Events are dropped when the subscriber falls behind.
func (h *Hub) Subscribe(filter Filter) (<-chan lock.Event, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan lock.Event, defaultEventBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Subscribers is the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Dropped is the total number of events not delivered to slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close ends every subscription.
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
