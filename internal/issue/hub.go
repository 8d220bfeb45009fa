package issue

import (
	"encoding/json"
	"sync"
)

// Subscriber is one attached real-time stream.
type Subscriber struct {
	C chan []byte
}

// Hub fans agent events out to attached subscribers. Subscribers that stop
// draining are pruned lazily on the next broadcast.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscriber]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]bool)}
}

// Attach registers a subscriber.
func (h *Hub) Attach() *Subscriber {
	sub := &Subscriber{C: make(chan []byte, 32)}
	h.mu.Lock()
	h.subs[sub] = true
	h.mu.Unlock()
	return sub
}

// Detach removes a subscriber and closes its channel.
func (h *Hub) Detach(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sub] {
		delete(h.subs, sub)
		close(sub.C)
	}
}

// Broadcast sends a JSON message to every subscriber. A subscriber with a
// full buffer is considered dropped and pruned.
func (h *Hub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.C <- data:
		default:
			delete(h.subs, sub)
			close(sub.C)
		}
	}
}

// Count returns the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
