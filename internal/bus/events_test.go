package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func types(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestEventBus_TypedAndWildcardOrder(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var calls []string
	eb.On(AllEvents, func(e Event) { calls = append(calls, "all:"+e.Type) })
	eb.On(EventCorrectionSaved, func(e Event) { calls = append(calls, "typed:"+e.Payload["id"].(string)) })

	eb.Emit(Event{Type: EventCorrectionSaved, Payload: map[string]any{"id": "c1"}})
	eb.Emit(Event{Type: EventPreferenceSaved})

	want := []string{"typed:c1", "all:" + EventCorrectionSaved, "all:" + EventPreferenceSaved}
	if len(calls) != len(want) {
		t.Fatalf("calls %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls %v, want %v", calls, want)
		}
	}
}

func TestEventBus_OffKeepsOtherHandlers(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var first, second int
	id1 := eb.On(EventModelLoaded, func(Event) { first++ })
	id2 := eb.On(EventModelLoaded, func(Event) { second++ })
	if id1 == id2 {
		t.Fatalf("handler ids must be unique, both %q", id1)
	}

	eb.Emit(Event{Type: EventModelLoaded})
	eb.Off(EventModelLoaded, id1)
	eb.Off(EventModelLoaded, "missing")
	if id3 := eb.On(EventModelLoaded, func(Event) {}); id3 == id2 {
		t.Fatalf("re-registration reused live id %q", id3)
	}
	eb.Emit(Event{Type: EventModelLoaded})

	if first != 1 || second != 2 {
		t.Errorf("first=%d second=%d, want 1 and 2", first, second)
	}
}

func TestEventBus_OffDuringEmit(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var id string
	var later int
	id = eb.On("x", func(Event) { eb.Off("x", id) })
	eb.On("x", func(Event) { later++ })

	eb.Emit(Event{Type: "x"})
	eb.Emit(Event{Type: "x"})
	if later != 2 {
		t.Fatalf("handler after a self-removing one ran %d times, want 2", later)
	}
}

func TestEventBus_PanicDoesNotStopDelivery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	delivered := false
	eb.On(EventDownloadFailed, func(Event) { panic("boom") })
	eb.On(EventDownloadFailed, func(Event) { delivered = true })

	eb.Emit(Event{Type: EventDownloadFailed})
	if !delivered {
		t.Fatal("second handler was skipped after a panic")
	}
}

func TestEventBus_RecentFiltersAndOrders(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	for _, typ := range []string{"a", "b", "a", "c", "a"} {
		eb.Emit(Event{Type: typ})
	}

	if got := types(eb.Recent(0)); len(got) != 5 || got[0] != "a" || got[3] != "c" {
		t.Fatalf("Recent(0) = %v", got)
	}
	if got := types(eb.Recent(2)); len(got) != 2 || got[0] != "c" || got[1] != "a" {
		t.Fatalf("Recent(2) = %v, want [c a]", got)
	}
	if got := eb.Recent(10, "b", "c"); len(got) != 2 || got[0].Type != "b" {
		t.Fatalf("Recent(10, b, c) = %v", types(got))
	}
	if got := eb.Recent(3, "none"); len(got) != 0 {
		t.Fatalf("unexpected events %v", types(got))
	}
}

func TestEventBus_HistoryIsBounded(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.limit = 5

	for i := range 12 {
		eb.Emit(Event{Type: "n", Payload: map[string]any{"i": i}})
	}

	got := eb.Recent(0)
	if len(got) != 5 {
		t.Fatalf("kept %d events, want 5", len(got))
	}
	if got[0].Payload["i"] != 7 || got[4].Payload["i"] != 11 {
		t.Fatalf("kept the wrong window: first %v last %v", got[0].Payload, got[4].Payload)
	}
}

func TestEventBus_TimestampSetOnEmit(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	before := time.Now()
	eb.Emit(Event{Type: "stamped"})
	fixed := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	eb.Emit(Event{Type: "fixed", Timestamp: fixed})

	got := eb.Recent(0)
	if got[0].Timestamp.Before(before) {
		t.Errorf("timestamp %v not set on emit", got[0].Timestamp)
	}
	if !got[1].Timestamp.Equal(fixed) {
		t.Errorf("explicit timestamp overwritten: %v", got[1].Timestamp)
	}
}
