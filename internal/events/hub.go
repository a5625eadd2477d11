// Package events fans task lifecycle events out to live subscribers and
// an optional persistent sink.
package events

import (
	"sync"
	"time"

	"github.com/stavrobot/coder/internal/observability"
	"github.com/stavrobot/coder/pkg/types"
)

// subscriberBuffer bounds each subscriber channel; slow consumers drop
// events rather than stall publishers.
const subscriberBuffer = 100

// EventSink persists published events.
type EventSink interface {
	Append(event *types.TaskEvent) error
}

// Hub broadcasts task events to all subscribers.
type Hub struct {
	subscribersMu sync.RWMutex
	subscribers   map[string]chan *types.TaskEvent

	sink   EventSink
	logger *observability.Logger
}

// NewHub creates a hub. sink may be nil when persistence is disabled.
func NewHub(sink EventSink, logger *observability.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]chan *types.TaskEvent),
		sink:        sink,
		logger:      logger.With("component", "events"),
	}
}

// Subscribe creates a new event subscription.
func (h *Hub) Subscribe(id string) <-chan *types.TaskEvent {
	h.subscribersMu.Lock()
	defer h.subscribersMu.Unlock()

	ch := make(chan *types.TaskEvent, subscriberBuffer)
	h.subscribers[id] = ch
	return ch
}

// Unsubscribe removes an event subscription.
func (h *Hub) Unsubscribe(id string) {
	h.subscribersMu.Lock()
	defer h.subscribersMu.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Publish delivers an event to the sink and every subscriber. Delivery
// never blocks the caller.
func (h *Hub) Publish(event *types.TaskEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if h.sink != nil {
		if err := h.sink.Append(event); err != nil {
			h.logger.Warn("event sink write failed",
				"task_id", event.TaskID,
				"error", err)
		}
	}

	h.subscribersMu.RLock()
	defer h.subscribersMu.RUnlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}
