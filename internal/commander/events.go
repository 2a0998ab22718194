package commander

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Event types
const (
	EventPropertyRead    = "property_read"
	EventPropertyWritten = "property_written"
	EventSessionState    = "session_state"
	EventSessionDone     = "session_done"
)

// Event is one notification from the commander. Data is a
// map[string]interface{} for the property events and the session's
// eventData for session events, so subscribers can filter on keys without
// importing commander types. Seq and Time are stamped by the bus; a gap in
// Seq tells a subscriber it missed events.
type Event struct {
	Type string      `json:"type"`
	Seq  uint64      `json:"seq"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	kind    string // empty matches every type
	handler EventHandler
}

// EventBus fans commander events out to subscribers in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	seq    uint64
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger.With("component", "events")}
}

// On subscribes to one event type and returns the unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll subscribes to every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(kind string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, kind: kind, handler: handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
	}
}

// Emit stamps the event and calls each matching handler synchronously. The
// commander emits while holding its request lock, so a handler must not call
// back into the commander on the same goroutine. A panicking handler is
// logged and the rest still run.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	eb.mu.Lock()
	eb.seq++
	event.Seq = eb.seq
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	var targets []subscription
	for _, s := range eb.subs {
		if s.kind == "" || s.kind == event.Type {
			targets = append(targets, s)
		}
	}
	eb.mu.Unlock()

	for _, s := range targets {
		eb.deliver(s, event)
	}
}

func (eb *EventBus) deliver(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "seq", event.Seq, "subscription", s.id, "panic", r)
		}
	}()
	s.handler(event)
}
