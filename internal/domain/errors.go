package domain

import (
	"errors"
	"fmt"
)

// ErrNotLoaded is returned when generation is requested before the model is ready.
var ErrNotLoaded = errors.New("model not loaded")

// ErrBusy is returned when an operation would overlap one already in flight.
var ErrBusy = errors.New("operation already in progress")

// ModelLoadError reports a failed load: missing or corrupt artifact, or runtime init failure.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// DownloadError reports a failed artifact download.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// GenerationError reports a backend failure in the middle of a stream.
type GenerationError struct {
	Backend string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation: %v", e.Backend, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
