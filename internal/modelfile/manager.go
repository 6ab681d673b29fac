// Package modelfile locates, downloads and removes model artifacts in the
// model directory.
package modelfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"jarvis/internal/domain"
	"jarvis/internal/httpclient"
	"jarvis/internal/metrics"

	"github.com/dustin/go-humanize"
)

const (
	tempSuffix = ".tmp"
	bufferSize = 64 * 1024
)

// EventKind identifies a DownloadEvent.
type EventKind int

const (
	EventStarting EventKind = iota
	EventProgress
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStarting:
		return "starting"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DownloadEvent reports download state. Fraction, Downloaded and Total are
// set on Progress; Path and Downloaded on Completed; Err on Failed.
// Fraction may exceed 1 when Total is an estimate.
type DownloadEvent struct {
	Kind       EventKind
	Fraction   float64
	Downloaded int64
	Total      int64
	Path       string
	Err        error
}

// Reason is the user-facing failure text of a Failed event.
func (e DownloadEvent) Reason() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Config configures a Manager.
type Config struct {
	Dir string
	// ExpectedSize is the progress denominator when the server omits the length.
	ExpectedSize int64
	// Timeout bounds a whole download; zero means no limit.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Artifact is a model file present in the directory.
type Artifact struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// Manager owns the model directory.
type Manager struct {
	dir          string
	expectedSize int64
	timeout      time.Duration
	client       *http.Client
	logger       *slog.Logger
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpclient.Shared(0)
	}
	return &Manager{
		dir:          cfg.Dir,
		expectedSize: cfg.ExpectedSize,
		timeout:      cfg.Timeout,
		client:       cfg.HTTPClient,
		logger:       cfg.Logger,
	}
}

func (m *Manager) Dir() string { return m.dir }

// ResolvePath returns where the named artifact lives, present or not.
func (m *Manager) ResolvePath(name string) string {
	return filepath.Join(m.dir, filepath.Base(name))
}

// IsAvailable reports whether the artifact exists with a non-zero size.
func (m *Manager) IsAvailable(name string) bool {
	fi, err := os.Stat(m.ResolvePath(name))
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

// Delete removes the artifact. It reports false when nothing was there.
func (m *Manager) Delete(name string) (bool, error) {
	err := os.Remove(m.ResolvePath(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete model: %w", err)
	}
	m.logger.Info("model deleted", "name", name)
	return true, nil
}

// List returns the finished artifacts in the directory, by name.
// In-progress downloads are excluded.
func (m *Manager) List() ([]Artifact, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read model dir: %w", err)
	}
	var out []Artifact
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), tempSuffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Artifact{
			Name:    e.Name(),
			Path:    filepath.Join(m.dir, e.Name()),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// StorageUsed sums the size of every regular file in the directory.
func (m *Manager) StorageUsed() (int64, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read model dir: %w", err)
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if fi, err := e.Info(); err == nil {
			total += fi.Size()
		}
	}
	return total, nil
}

// Download fetches url into the named artifact. Events arrive on the
// returned channel, which closes after exactly one Completed or Failed
// event. The caller must drain it. Data is written to a temp file and only
// renamed to the final name after every byte arrived.
func (m *Manager) Download(ctx context.Context, url, name string) <-chan DownloadEvent {
	events := make(chan DownloadEvent, 1)
	go func() {
		defer close(events)
		if m.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.timeout)
			defer cancel()
		}

		events <- DownloadEvent{Kind: EventStarting}
		path, n, err := m.fetch(ctx, url, name, events)
		if err != nil {
			metrics.DownloadFailures.Inc()
			m.logger.Error("model download failed", "url", url, "err", err)
			events <- DownloadEvent{Kind: EventFailed, Err: &domain.DownloadError{URL: url, Err: err}}
			return
		}
		metrics.DownloadsTotal.Inc()
		m.logger.Info("model downloaded", "path", path, "size", humanize.Bytes(uint64(n)))
		events <- DownloadEvent{Kind: EventCompleted, Path: path, Downloaded: n}
	}()
	return events
}

func (m *Manager) fetch(ctx context.Context, url, name string, events chan<- DownloadEvent) (string, int64, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create model dir: %w", err)
	}
	final := m.ResolvePath(name)
	tmp := final + tempSuffix

	resp, err := httpclient.Do(ctx, m.client, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}, m.logger)
	if err != nil {
		return "", 0, err
	}
	if err := httpclient.CheckStatus(resp); err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	declared := resp.ContentLength
	total := declared
	if total <= 0 {
		total = m.expectedSize
	}
	m.logger.Info("downloading model", "url", url, "size", sizeLabel(declared))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()
			if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.logger.Warn("cannot remove partial download", "path", tmp, "err", err)
			}
		}
	}()

	p := progress{total: total, lastPct: -1}
	buf := make([]byte, bufferSize)
	var downloaded int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return "", 0, fmt.Errorf("write temp file: %w", err)
			}
			downloaded += int64(n)
			metrics.DownloadBytes.Add(int64(n))
			if ev, ok := p.next(downloaded); ok {
				if err := send(ctx, events, ev); err != nil {
					return "", 0, err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return "", 0, ctx.Err()
			}
			return "", 0, fmt.Errorf("read body: %w", rerr)
		}
	}

	if declared > 0 && downloaded != declared {
		return "", 0, fmt.Errorf("short download: got %d of %d bytes", downloaded, declared)
	}
	if err := f.Sync(); err != nil {
		return "", 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", 0, fmt.Errorf("rename temp file: %w", err)
	}
	committed = true
	return final, downloaded, nil
}

// progress throttles Progress events to one per whole-percent change. The
// percentage only reaches 100 on the last byte, so a known length always
// ends with a Fraction of exactly 1.
type progress struct {
	total   int64
	lastPct int64
}

func (p *progress) next(downloaded int64) (DownloadEvent, bool) {
	if p.total <= 0 {
		return DownloadEvent{}, false
	}
	fraction := float64(downloaded) / float64(p.total)
	pct := downloaded * 100 / p.total
	if pct == p.lastPct {
		return DownloadEvent{}, false
	}
	p.lastPct = pct
	return DownloadEvent{Kind: EventProgress, Fraction: fraction, Downloaded: downloaded, Total: p.total}, true
}

func send(ctx context.Context, events chan<- DownloadEvent, ev DownloadEvent) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sizeLabel(n int64) string {
	if n <= 0 {
		return "unknown"
	}
	return humanize.Bytes(uint64(n))
}
