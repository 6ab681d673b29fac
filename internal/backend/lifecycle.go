// Package backend provides the inference backends: a deterministic scripted
// backend for tests and demos, and an Ollama-bound backend for real models.
package backend

import (
	"sync"
	"sync/atomic"

	"jarvis/internal/bus"
	"jarvis/internal/domain"
)

// lifecycle holds the load state shared by every backend. Both observables
// and ModelInfo are only changed through its transition methods, so
// ModelInfo is non-nil exactly while the state is Ready.
type lifecycle struct {
	mu       sync.Mutex
	state    domain.BackendState
	info     *domain.ModelInfo
	loaded   *bus.Value[bool]
	progress *bus.Value[float64]

	cancelled  atomic.Bool
	generating atomic.Bool
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		state:    domain.StateUnloaded,
		loaded:   bus.NewValue(false),
		progress: bus.NewValue(0.0),
	}
}

func (l *lifecycle) State() domain.BackendState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) IsLoaded() *bus.Value[bool] { return l.loaded }

func (l *lifecycle) LoadingProgress() *bus.Value[float64] { return l.progress }

// ModelInfo returns a copy of the loaded model's description, or nil.
func (l *lifecycle) ModelInfo() *domain.ModelInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.info == nil {
		return nil
	}
	info := *l.info
	return &info
}

// Cancel flags the in-flight generation to stop before its next emission.
func (l *lifecycle) Cancel() {
	if l.generating.Load() {
		l.cancelled.Store(true)
	}
}

func (l *lifecycle) beginLoad() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = domain.StateLoading
	l.info = nil
	l.loaded.Set(false)
	l.progress.Set(0)
}

// advance raises progress to p. Lower values are ignored.
func (l *lifecycle) advance(p float64) {
	l.progress.Update(func(cur float64) float64 {
		if p > cur {
			return min(p, 1)
		}
		return cur
	})
}

func (l *lifecycle) finishLoad(info domain.ModelInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = domain.StateReady
	l.info = &info
	l.progress.Set(1)
	l.loaded.Set(true)
}

func (l *lifecycle) failLoad() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = domain.StateError
	l.info = nil
	l.loaded.Set(false)
	l.progress.Set(0)
}

func (l *lifecycle) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = domain.StateUnloaded
	l.info = nil
	l.loaded.Set(false)
	l.progress.Set(0)
}

func (l *lifecycle) ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == domain.StateReady
}

// beginGeneration clears any stale cancel request. The returned func must be
// called when the generation ends.
func (l *lifecycle) beginGeneration() func() {
	l.cancelled.Store(false)
	l.generating.Store(true)
	return func() {
		l.generating.Store(false)
		l.cancelled.Store(false)
	}
}

func (l *lifecycle) isCancelled() bool { return l.cancelled.Load() }
