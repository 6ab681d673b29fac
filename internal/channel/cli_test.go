package channel

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"jarvis/internal/agent"
	"jarvis/internal/backend"
	"jarvis/internal/bus"
	"jarvis/internal/learning"
	"jarvis/internal/memory"
	"jarvis/internal/modelfile"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// syncBuffer is a bytes.Buffer safe for the renderer and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type cliHarness struct {
	in     *io.PipeWriter
	out    *syncBuffer
	store  *memory.SQLiteStore
	done   chan error
	cancel context.CancelFunc
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	logger := testLogger()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "jarvis.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	events := bus.NewEventBus(logger)
	engine := learning.NewEngine(learning.Config{Store: store, Messages: store, Events: events, Logger: logger})
	t.Cleanup(engine.Close)

	b := backend.NewScripted(backend.ScriptedConfig{TokenDelay: -1, LoadStepDelay: -1, Logger: logger})
	pipeline := agent.NewPipeline(agent.PipelineConfig{Backend: b, Messages: store, Learning: engine, Events: events, Logger: logger})
	session := agent.NewSession(agent.SessionConfig{
		ConversationID: "conv1",
		Backend:        b,
		Pipeline:       pipeline,
		Learning:       engine,
		Artifacts:      modelfile.NewManager(modelfile.Config{Dir: t.TempDir(), Logger: logger}),
		Events:         events,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := session.Start(ctx); err != nil {
		t.Fatal(err)
	}

	pr, pw := io.Pipe()
	out := &syncBuffer{}
	cli := NewCLI(CLIConfig{Session: session, Learning: engine, Messages: store, Events: events, Logger: logger, In: pr, Out: out})

	h := &cliHarness{in: pw, out: out, store: store, done: make(chan error, 1), cancel: cancel}
	go func() { h.done <- cli.Start(ctx) }()
	t.Cleanup(func() {
		pw.Close()
		cancel()
		<-h.done
		session.Close()
	})
	return h
}

func (h *cliHarness) typeLine(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(h.in, line+"\n"); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

// waitOutput waits until the output contains want n times in total.
func (h *cliHarness) waitOutput(t *testing.T, want string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Count(h.out.String(), want) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output never contained %q %d times:\n%s", want, n, h.out.String())
}

func TestParseCommand(t *testing.T) {
	cmd := ParseCommand("  /Correct be more formal ")
	if cmd == nil || cmd.Name != "correct" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if len(cmd.Args) != 3 || cmd.Rest() != "be more formal" {
		t.Fatalf("args %v, rest %q", cmd.Args, cmd.Rest())
	}
	for _, text := range []string{"hello", "", "/", " not /a command"} {
		if ParseCommand(text) != nil {
			t.Errorf("ParseCommand(%q) should be nil", text)
		}
	}
}

func TestPercent(t *testing.T) {
	tests := map[float64]string{
		0:    "0%",
		0.42: "42%",
		1:    "100%",
		1.3:  "100%",
		-0.1: "0%",
	}
	for in, want := range tests {
		if got := percent(in); got != want {
			t.Errorf("percent(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestCLI_ChatAndQuit(t *testing.T) {
	h := newCLIHarness(t)
	h.waitOutput(t, "JARVIS is ready.", 1)

	h.typeLine(t, "hello")
	h.waitOutput(t, "Hello! I'm JARVIS", 1)

	h.typeLine(t, "/quit")
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
		h.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("CLI did not exit on /quit")
	}
	if n, _ := h.store.CountMessages(context.Background()); n != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", n)
	}
}

func TestCLI_CorrectLastReply(t *testing.T) {
	h := newCLIHarness(t)
	h.waitOutput(t, "JARVIS is ready.", 1)

	h.typeLine(t, "/correct too early")
	h.waitOutput(t, "There is no reply to correct yet.", 1)

	h.typeLine(t, "hello")
	h.waitOutput(t, "Hello! I'm JARVIS", 1)

	h.typeLine(t, "/correct Good evening. Please keep it formal.")
	h.waitOutput(t, "Correction saved.", 1)

	h.typeLine(t, "/learnings")
	h.waitOutput(t, `User wanted: "Good evening. Please keep it formal....`, 1)

	corrections, err := h.store.ListCorrections(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(corrections) != 1 || corrections[0].Category != learning.CategoryTone {
		t.Fatalf("unexpected corrections %+v", corrections)
	}
}

func TestCLI_TwoStepCorrectionCanBeCancelled(t *testing.T) {
	h := newCLIHarness(t)
	h.waitOutput(t, "JARVIS is ready.", 1)
	h.typeLine(t, "test")
	h.waitOutput(t, "Test received!", 1)

	h.typeLine(t, "/correct")
	h.waitOutput(t, "Correcting: Test received! The system is working.", 1)
	h.typeLine(t, "/cancel")
	h.waitOutput(t, "Correction discarded.", 1)

	// The next plain line is a chat message again.
	h.typeLine(t, "test")
	h.waitOutput(t, "Test received!", 2)

	if n, _ := h.store.CountCorrections(context.Background()); n != 0 {
		t.Fatalf("cancelled correction was saved (%d)", n)
	}
}

func TestCLI_ClearAndMetrics(t *testing.T) {
	h := newCLIHarness(t)
	h.waitOutput(t, "JARVIS is ready.", 1)
	h.typeLine(t, "hello")
	h.waitOutput(t, "Hello! I'm JARVIS", 1)

	h.typeLine(t, "/metrics")
	h.waitOutput(t, "jarvis_messages_total", 1)

	h.typeLine(t, "/clear")
	h.waitOutput(t, "Deleted 2 messages.", 1)
	h.typeLine(t, "/history")
	h.waitOutput(t, "No messages yet.", 1)

	h.typeLine(t, "/bogus")
	h.waitOutput(t, "Unknown command /bogus", 1)
}

func TestCLI_ActivityListsRecentEvents(t *testing.T) {
	h := newCLIHarness(t)
	h.waitOutput(t, "JARVIS is ready.", 1)

	h.typeLine(t, "hello")
	h.waitOutput(t, "Hello! I'm JARVIS", 1)
	h.typeLine(t, "/correct Please be more formal.")
	h.waitOutput(t, "Correction saved.", 1)

	h.typeLine(t, "/activity")
	h.waitOutput(t, bus.EventCorrectionSaved, 1)
	out := h.out.String()
	for _, want := range []string{bus.EventModelLoaded, bus.EventMessagePersisted} {
		if !strings.Contains(out, want) {
			t.Errorf("activity output misses %s:\n%s", want, out)
		}
	}
}
