package gateway

import (
	"sync"
	"time"
)

// Event is one pipeline outcome pushed to websocket subscribers.
type Event struct {
	Repo   string    `json:"repo"`
	Number int       `json:"number"`
	Action string    `json:"action"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// subscriberBuffer bounds each subscriber channel; slow readers drop.
const subscriberBuffer = 64

// Hub fans pipeline outcomes out to websocket subscribers. Safe for
// concurrent use.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]bool
}

// NewHub creates an empty event hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]bool)}
}

// Publish delivers an event to every subscriber. Subscribers with full
// buffers miss the event rather than block the publisher.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber channel.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = true
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if h.subs[ch] {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Count returns the current subscriber count.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
