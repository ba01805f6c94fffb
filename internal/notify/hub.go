package notify

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/avswitch/internal/metrics"
)

var (
	ErrHubClosed          = errors.New("notify: hub is closed")
	ErrSubscriberExists   = errors.New("notify: subscriber already exists")
	ErrSubscriberNotFound = errors.New("notify: subscriber not found")
	ErrNilChannel         = errors.New("notify: nil channel provided")
)

// Stats tracks delivery to one subscriber.
type Stats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	ch    chan<- Notification
	stats Stats
}

// Hub distributes notifications to subscribers without ever blocking the
// publisher. A subscriber whose channel is full misses the notification.
type Hub struct {
	metrics *metrics.Metrics

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   atomic.Uint64
	closed      bool
}

// NewHub creates an empty hub.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		metrics:     m,
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers ch under id.
func (h *Hub) Subscribe(id string, ch chan<- Notification) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	if ch == nil {
		return ErrNilChannel
	}
	if _, exists := h.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	h.subscribers[id] = &subscriber{ch: ch}
	return nil
}

// Unsubscribe removes a subscriber. The channel is left open.
func (h *Hub) Unsubscribe(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(h.subscribers, id)
	return nil
}

// Publish delivers n to every subscriber.
func (h *Hub) Publish(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}

	h.published.Add(1)
	h.metrics.IncNotifications(n.Name)

	for _, sub := range h.subscribers {
		select {
		case sub.ch <- n:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			atomic.AddUint64(&sub.stats.Dropped, 1)
		}
	}
}

// Published returns the number of notifications published so far.
func (h *Hub) Published() uint64 {
	return h.published.Load()
}

// Stats returns delivery statistics for a subscriber.
func (h *Hub) Stats(id string) (Stats, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sub, exists := h.subscribers[id]
	if !exists {
		return Stats{}, ErrSubscriberNotFound
	}
	return Stats{
		Sent:    atomic.LoadUint64(&sub.stats.Sent),
		Dropped: atomic.LoadUint64(&sub.stats.Dropped),
	}, nil
}

// Close drops every subscriber. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.subscribers = nil
}
