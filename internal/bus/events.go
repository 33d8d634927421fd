package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"chatwire/internal/domain"
)

// Event wraps a session event for delivery to the session owner.
type Event struct {
	Type      domain.EventKind // mirrors Payload.Kind()
	Source    string           // session ID
	Payload   domain.Event
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// Wildcard subscribes a handler to every event kind.
const Wildcard domain.EventKind = "*"

// EventBus is a topic-based publish/subscribe hub for session events. It
// keeps a bounded history for replay.
type EventBus struct {
	handlers   map[domain.EventKind][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
	nextID     int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates a new EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[domain.EventKind][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
	}
}

// On registers a handler for the given kind. Use Wildcard for all events.
// Returns the handler ID for Off.
func (eb *EventBus) On(kind domain.EventKind, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := string(kind) + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[kind] = append(eb.handlers[kind], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(kind domain.EventKind, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[kind]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[kind] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Publish wraps payload in an Event and emits it.
func (eb *EventBus) Publish(source string, payload domain.Event) {
	eb.Emit(Event{Type: payload.Kind(), Source: source, Payload: payload})
}

// Emit delivers event to all matching handlers synchronously, in
// registration order. A panicking handler is logged and skipped.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Type == "" && event.Payload != nil {
		event.Type = event.Payload.Kind()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers[Wildcard]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers[Wildcard]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// EmitAsync emits on a new goroutine.
func (eb *EventBus) EmitAsync(event Event) {
	go eb.Emit(event)
}

// Replay returns historical events of the given kind since the given time.
// Use Wildcard for all kinds.
func (eb *EventBus) Replay(kind domain.EventKind, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if kind == Wildcard || e.Type == kind {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}
