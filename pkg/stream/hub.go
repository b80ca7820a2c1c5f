// Package stream fans decision events out to websocket subscribers.
// Delivery is best effort: a subscriber that cannot keep up loses
// events instead of blocking the decision path.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the gateway.
const (
	TypeReady    = "ready"
	TypeDecision = "decision"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent stamps the event with the current UTC time. Payloads are
// locally defined types, so a marshal failure is a programming error
// and yields an event without data.
func NewEvent(eventType string, data any) Event {
	evt := Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano)}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			evt.Data = b
		}
	}
	return evt
}

type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a buffered channel for future events. The
// channel stays open until Unsubscribe.
func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, registered := h.subscribers[ch]
	delete(h.subscribers, ch)
	h.mu.Unlock()
	if registered {
		close(ch)
	}
}

// Publish offers the event to every subscriber without blocking.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
