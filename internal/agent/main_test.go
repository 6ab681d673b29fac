package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"jarvis/internal/backend"
	"jarvis/internal/bus"
	"jarvis/internal/domain"
	"jarvis/internal/httpclient"
	"jarvis/internal/learning"
	"jarvis/internal/memory"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	httpclient.Backoff = func(int) time.Duration { return time.Millisecond }
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fixture struct {
	store    *memory.SQLiteStore
	engine   *learning.Engine
	pipeline *Pipeline
}

func newFixture(t *testing.T, b domain.Backend, limiter *RateLimiter) *fixture {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "jarvis.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	engine := learning.NewEngine(learning.Config{Store: store, Messages: store, Logger: testLogger()})
	t.Cleanup(engine.Close)

	p := NewPipeline(PipelineConfig{
		Backend:  b,
		Messages: store,
		Learning: engine,
		Limiter:  limiter,
		Logger:   testLogger(),
	})
	return &fixture{store: store, engine: engine, pipeline: p}
}

func newScripted(t *testing.T, tokenDelay time.Duration) *backend.Scripted {
	t.Helper()
	return backend.NewScripted(backend.ScriptedConfig{
		TokenDelay:    tokenDelay,
		LoadStepDelay: -1,
		Logger:        testLogger(),
	})
}

func loadedScripted(t *testing.T, tokenDelay time.Duration) *backend.Scripted {
	t.Helper()
	b := newScripted(t, tokenDelay)
	if err := b.Load(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	return b
}

// stubBackend streams fixed fragments and can be told to fail.
type stubBackend struct {
	requiresArtifact bool
	frags            []string

	mu        sync.Mutex
	state     domain.BackendState
	loadErr   error
	genErr    error
	loadPaths []string
	systems   []string

	loaded   *bus.Value[bool]
	progress *bus.Value[float64]
}

var _ domain.Backend = (*stubBackend)(nil)

func newStub(frags ...string) *stubBackend {
	return &stubBackend{
		frags:    frags,
		state:    domain.StateUnloaded,
		loaded:   bus.NewValue(false),
		progress: bus.NewValue(0.0),
	}
}

func (b *stubBackend) Name() string           { return "stub" }
func (b *stubBackend) RequiresArtifact() bool { return b.requiresArtifact }

func (b *stubBackend) Load(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadPaths = append(b.loadPaths, path)
	if b.loadErr != nil {
		b.state = domain.StateError
		b.progress.Set(0)
		return &domain.ModelLoadError{Path: path, Err: b.loadErr}
	}
	b.progress.Set(0.5)
	b.progress.Set(1)
	b.state = domain.StateReady
	b.loaded.Set(true)
	return nil
}

func (b *stubBackend) Unload(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = domain.StateUnloaded
	b.loaded.Set(false)
	b.progress.Set(0)
}

func (b *stubBackend) GenerateStream(ctx context.Context, prompt, system string, out chan<- string) error {
	defer close(out)
	b.mu.Lock()
	ready := b.state == domain.StateReady
	b.systems = append(b.systems, system)
	genErr := b.genErr
	b.mu.Unlock()
	if !ready {
		return domain.ErrNotLoaded
	}
	for _, f := range b.frags {
		select {
		case out <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if genErr != nil {
		return &domain.GenerationError{Backend: "stub", Err: genErr}
	}
	return nil
}

func (b *stubBackend) Cancel() {}

func (b *stubBackend) State() domain.BackendState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *stubBackend) IsLoaded() *bus.Value[bool]           { return b.loaded }
func (b *stubBackend) LoadingProgress() *bus.Value[float64] { return b.progress }
func (b *stubBackend) ModelInfo() *domain.ModelInfo         { return nil }

func (b *stubBackend) setErrors(loadErr, genErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadErr = loadErr
	b.genErr = genErr
}

func (b *stubBackend) lastSystem() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.systems) == 0 {
		return ""
	}
	return b.systems[len(b.systems)-1]
}

func (b *stubBackend) paths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.loadPaths...)
}

var errBoom = errors.New("boom")
