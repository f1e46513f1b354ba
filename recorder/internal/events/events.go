// Package events broadcasts recorder activity to live listeners such as the
// websocket stream.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	RecordingStarted Type = "recording_started"
	RecordingStopped Type = "recording_stopped"
	OperationAdded   Type = "operation_added"
	RecordsCleared   Type = "records_cleared"
	TabReady         Type = "tab_ready"
	ConfigReloaded   Type = "config_reloaded"
)

// Event is one broadcast. Fields not relevant to Type are zero.
type Event struct {
	Type          Type      `json:"type"`
	At            time.Time `json:"at"`
	TabID         string    `json:"tab_id,omitempty"`
	OperationID   string    `json:"operation_id,omitempty"`
	Total         int       `json:"total,omitempty"`
	HasScreenshot bool      `json:"has_screenshot,omitempty"`
	URL           string    `json:"url,omitempty"`
}

// Hub fans events out to subscribers. Slow subscribers miss events rather
// than block publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[int]chan Event), logger: logger}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Debug("events: subscriber added", "id", id, "subscribers", n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish stamps ev and delivers it to every subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("events: subscriber lagging, event dropped", "id", id, "type", string(ev.Type))
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
