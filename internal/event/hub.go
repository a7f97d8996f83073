// Package event provides an in-process pub/sub hub for orchestrator
// notifications. The web layer streams these to the UI; publishers never
// block on slow consumers.
package event

import (
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeRateLimitDetected fires when a session's output shows a
	// rate-limit notice. Data carries the suggested alternative, if any.
	TypeRateLimitDetected Type = "rate_limit_detected"
	// TypeSwitchRecommended fires when usage crosses a configured
	// threshold and a better profile exists.
	TypeSwitchRecommended Type = "switch_recommended"
	// TypeAutoSwitched fires after the supervisor swaps a session's
	// profile automatically.
	TypeAutoSwitched Type = "auto_switched"
	// TypeSessionIDCaptured fires when a session's external identifier
	// is discovered.
	TypeSessionIDCaptured Type = "session_id_captured"
	// TypeSessionError fires when a session's process fails to spawn or
	// exits unexpectedly.
	TypeSessionError Type = "session_error"
)

// Event is one notification. Data holds a type-specific JSON-serializable
// payload.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Time      time.Time `json:"time"`
}

// Hub is an in-process broadcast bus. All subscribers receive all events.
// Safe for concurrent publish and subscribe.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and an unsubscribe function. The
// channel is buffered so publishers never wait on a subscriber.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	h.nextID++
	id := h.nextID
	ch := make(chan Event, 100)
	h.subscribers[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if ch, ok := h.subscribers[id]; ok {
			close(ch)
			delete(h.subscribers, id)
		}
	}
}

// Publish delivers an event to every subscriber. A subscriber whose buffer
// is full misses the event rather than stalling the publisher.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the hub down and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
