package bus

import (
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Domain event types.
const (
	EventMessagePersisted  = "message.persisted"
	EventCorrectionSaved   = "correction.saved"
	EventPreferenceSaved   = "preference.saved"
	EventModelLoaded       = "model.loaded"
	EventModelLoadFailed   = "model.load_failed"
	EventModelUnloaded     = "model.unloaded"
	EventDownloadCompleted = "download.completed"
	EventDownloadFailed    = "download.failed"
	EventGenerationFailed  = "generation.failed"
)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

const defaultHistory = 256

// Event is a notification between core components. Delivery is
// synchronous and in-process; nothing is persisted.
type Event struct {
	Type      string
	Source    string // emitting component
	Payload   map[string]any
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id string
	fn EventHandler
}

// EventBus is a topic-based publish/subscribe bus that remembers the most
// recent events for diagnostics.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]subscription
	seq     int
	history []Event
	limit   int
	logger  *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		subs:   make(map[string][]subscription),
		limit:  defaultHistory,
		logger: logger,
	}
}

// On registers fn for eventType, or for every type with AllEvents. The
// returned id is unique for the life of the bus and is passed to Off.
func (eb *EventBus) On(eventType string, fn EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.seq++
	id := eventType + "#" + strconv.Itoa(eb.seq)
	eb.subs[eventType] = append(eb.subs[eventType], subscription{id: id, fn: fn})
	return id
}

// Off removes a handler. Unknown ids are ignored.
func (eb *EventBus) Off(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subs[eventType] = slices.DeleteFunc(slices.Clone(eb.subs[eventType]), func(s subscription) bool {
		return s.id == id
	})
}

// Emit records the event and runs the matching handlers on the caller's
// goroutine in registration order, typed handlers before AllEvents ones.
// A panicking handler is logged and does not stop the others.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.history = append(eb.history, event)
	if over := len(eb.history) - eb.limit; over > 0 {
		eb.history = slices.Delete(eb.history, 0, over)
	}
	targets := slices.Concat(eb.subs[event.Type], eb.subs[AllEvents])
	eb.mu.Unlock()

	for _, s := range targets {
		eb.dispatch(s, event)
	}
}

func (eb *EventBus) dispatch(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", s.id, "panic", r)
		}
	}()
	s.fn(event)
}

// Recent returns up to limit of the latest recorded events, oldest first.
// With types given, only those types are considered. A limit of zero or
// less returns everything remembered.
func (eb *EventBus) Recent(limit int, types ...string) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	for i := len(eb.history) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if e := eb.history[i]; len(types) == 0 || slices.Contains(types, e.Type) {
			out = append(out, e)
		}
	}
	slices.Reverse(out)
	return out
}
