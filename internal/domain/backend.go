package domain

import (
	"context"

	"jarvis/internal/bus"
)

// BackendState is the lifecycle state of an inference backend instance.
type BackendState string

const (
	StateUnloaded BackendState = "unloaded"
	StateLoading  BackendState = "loading"
	StateReady    BackendState = "ready"
	StateError    BackendState = "error"
)

// ModelInfo describes a loaded model. It exists exactly while the backend is Ready.
type ModelInfo struct {
	Name          string `json:"name"`
	SizeBytes     int64  `json:"size_bytes"`
	ContextLength int    `json:"context_length"`
}

// Backend wraps a loadable generative model.
//
// Callers serialize Load and Unload, and never run Load concurrently with
// GenerateStream. At most one generation is in flight per instance.
type Backend interface {
	Name() string

	// RequiresArtifact reports whether Load needs a model file on disk.
	// Backends that return false accept an empty path.
	RequiresArtifact() bool

	// Load validates the artifact at modelPath and brings the model to Ready.
	// Progress rises monotonically while loading. On failure the backend
	// is left not ready with progress 0 and a *ModelLoadError is returned.
	Load(ctx context.Context, modelPath string) error

	// Unload releases resources. It is idempotent and never fails the caller.
	Unload(ctx context.Context)

	// GenerateStream writes reply fragments to out as they are produced and
	// closes out before returning. It returns ErrNotLoaded when the model is
	// not ready and a *GenerationError on mid-stream failure. A cancelled
	// generation returns nil; fragments already sent remain valid output.
	GenerateStream(ctx context.Context, prompt, systemPrompt string, out chan<- string) error

	// Cancel asks the in-flight generation to stop before its next emission.
	// With nothing in flight it is a no-op.
	Cancel()

	State() BackendState
	IsLoaded() *bus.Value[bool]
	LoadingProgress() *bus.Value[float64]
	ModelInfo() *ModelInfo
}
