package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func testQueueLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestQueue_DeliversOnce(t *testing.T) {
	q := NewQueue[string](4, testQueueLogger())
	q.Publish("scroll")
	q.Publish("ready")

	if got := <-q.Events(); got != "scroll" {
		t.Fatalf("expected scroll, got %q", got)
	}
	if got := <-q.Events(); got != "ready" {
		t.Fatalf("expected ready, got %q", got)
	}

	select {
	case got := <-q.Events():
		t.Fatalf("consumed item redelivered: %q", got)
	default:
	}
}

func TestQueue_BuffersUntilConsumerAttaches(t *testing.T) {
	q := NewQueue[int](2, testQueueLogger())
	q.Publish(7)

	time.Sleep(10 * time.Millisecond)
	if got := <-q.Events(); got != 7 {
		t.Fatalf("expected buffered 7, got %d", got)
	}
}

func TestQueue_DropsAfterTimeoutWhenFull(t *testing.T) {
	q := NewQueue[int](1, testQueueLogger())
	q.timeout = 20 * time.Millisecond

	if !q.Publish(1) {
		t.Fatal("first publish should succeed")
	}
	if q.Publish(2) {
		t.Fatal("publish into full queue should time out")
	}
}

func TestQueue_PublishAfterClose(t *testing.T) {
	q := NewQueue[int](1, testQueueLogger())
	q.Close()
	q.Close()

	if q.Publish(1) {
		t.Fatal("publish after close should report false")
	}
	if _, ok := <-q.Events(); ok {
		t.Fatal("expected closed channel")
	}
}
