package mesh

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// EventKind names a mesh event.
type EventKind string

const (
	EventDiscovered      EventKind = "discovered"
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventMessageSent     EventKind = "message_sent"
	EventMessageReceived EventKind = "message_received"
	EventRouteUpdated    EventKind = "route_updated"
	EventStateChanged    EventKind = "state_changed"
)

// EventKinds lists every kind accepted by On.
var EventKinds = []EventKind{
	EventDiscovered,
	EventConnected,
	EventDisconnected,
	EventMessageSent,
	EventMessageReceived,
	EventRouteUpdated,
	EventStateChanged,
}

// ErrUnknownEvent is returned when subscribing to an undefined kind.
var ErrUnknownEvent = errors.New("unknown event kind")

// Valid reports whether k is one of EventKinds.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is delivered to subscribers.
type Event struct {
	Kind EventKind      `json:"type"`
	Data map[string]any `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus dispatches mesh events to per-kind subscribers.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventKind]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[EventKind]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers handler for kind and returns the function that unsubscribes it.
func (eb *EventBus) On(kind EventKind, handler EventHandler) (func(), error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("subscribe %q: %w", kind, ErrUnknownEvent)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %q: nil handler", kind)
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[kind] == nil {
		eb.handlers[kind] = make(map[uint64]EventHandler)
	}
	eb.handlers[kind][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[kind], id)
	}, nil
}

// OnAll registers a handler that receives all events.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit calls every matching handler synchronously on the caller's goroutine.
// A panicking handler is recovered and logged; the rest still run.
func (eb *EventBus) Emit(kind EventKind, data map[string]any) {
	event := Event{Kind: kind, Data: data}

	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[kind])+len(eb.allHandlers))
	for _, h := range eb.handlers[kind] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", kind, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
