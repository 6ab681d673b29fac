package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"jarvis/internal/domain"
	"jarvis/internal/httpclient"

	"github.com/dustin/go-humanize"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "jarvis-local"
)

// ggufMagic opens every GGUF file, the only single-file format the runtime
// builds models from.
const ggufMagic = "GGUF"

var (
	// errNotRegular is returned for artifact paths that are directories or devices.
	errNotRegular = errors.New("not a regular file")
	// ErrUnsupportedArtifact means the artifact is not a GGUF model.
	ErrUnsupportedArtifact = errors.New("artifact is not a GGUF model")
)

// OllamaConfig configures an Ollama backend.
type OllamaConfig struct {
	APIBase       string
	Model         string // name the artifact is registered under
	ContextLength int
	MaxTokens     int
	// HTTPClient overrides the pooled clients, mainly for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Ollama runs the model artifact on a local Ollama runtime. Load registers
// the artifact file as a model and warms it; generation streams /api/chat.
type Ollama struct {
	*lifecycle
	apiBase       string
	model         string
	contextLength int
	maxTokens     int
	client        *http.Client
	streamClient  *http.Client
	logger        *slog.Logger

	abortMu sync.Mutex
	abort   context.CancelFunc // aborts the in-flight /api/chat request
}

var _ domain.Backend = (*Ollama)(nil)

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	if cfg.ContextLength <= 0 {
		cfg.ContextLength = defaultContextLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	o := &Ollama{
		lifecycle:     newLifecycle(),
		apiBase:       strings.TrimRight(cfg.APIBase, "/"),
		model:         cfg.Model,
		contextLength: cfg.ContextLength,
		maxTokens:     cfg.MaxTokens,
		client:        cfg.HTTPClient,
		streamClient:  cfg.HTTPClient,
		logger:        cfg.Logger,
	}
	if o.client == nil {
		o.client = httpclient.Shared(httpclient.DefaultTimeout)
		o.streamClient = httpclient.Shared(0)
	}
	return o
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) RequiresArtifact() bool { return true }

// Healthy checks that the runtime is reachable.
func (o *Ollama) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

func (o *Ollama) Load(ctx context.Context, modelPath string) error {
	o.beginLoad()
	if err := o.load(ctx, modelPath); err != nil {
		o.failLoad()
		o.logger.Error("model load failed", "path", modelPath, "err", err)
		return &domain.ModelLoadError{Path: modelPath, Err: err}
	}
	return nil
}

func (o *Ollama) load(ctx context.Context, modelPath string) error {
	fi, err := os.Stat(modelPath)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return errNotRegular
	}
	if fi.Size() == 0 {
		return errors.New("artifact is empty")
	}
	if err := checkGGUF(modelPath); err != nil {
		return err
	}
	o.advance(0.1)

	digest, err := fileDigest(modelPath)
	if err != nil {
		return fmt.Errorf("digest artifact: %w", err)
	}
	o.logger.Info("loading model", "path", modelPath, "size", humanize.Bytes(uint64(fi.Size())), "digest", digest)
	o.advance(0.3)

	if err := o.pushBlob(ctx, modelPath, digest); err != nil {
		return err
	}
	o.advance(0.5)

	create := map[string]any{
		"model":  o.model,
		"files":  map[string]string{filepath.Base(modelPath): digest},
		"stream": false,
	}
	if err := o.postJSON(ctx, "/api/create", create); err != nil {
		return fmt.Errorf("create model: %w", err)
	}
	o.advance(0.9)

	warm := map[string]any{"model": o.model, "prompt": "", "stream": false}
	if err := o.postJSON(ctx, "/api/generate", warm); err != nil {
		return fmt.Errorf("warm model: %w", err)
	}

	o.finishLoad(domain.ModelInfo{
		Name:          o.model,
		SizeBytes:     fi.Size(),
		ContextLength: o.contextLength,
	})
	o.logger.Info("model ready", "model", o.model)
	return nil
}

// pushBlob uploads the artifact unless the runtime already holds the digest.
func (o *Ollama) pushBlob(ctx context.Context, path, digest string) error {
	url := o.apiBase + "/api/blobs/" + digest

	head, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(head)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		o.logger.Debug("blob already present", "digest", digest)
		return nil
	}

	resp, err = httpclient.Do(ctx, o.streamClient, func() (*http.Request, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return req, nil
	}, o.logger)
	if err != nil {
		return fmt.Errorf("push blob: %w", err)
	}
	if err := httpclient.CheckStatus(resp); err != nil {
		return fmt.Errorf("push blob: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (o *Ollama) postJSON(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	resp, err := httpclient.Do(ctx, o.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, o.logger)
	if err != nil {
		return err
	}
	if err := httpclient.CheckStatus(resp); err != nil {
		return err
	}
	defer resp.Body.Close()

	var status struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	if status.Error != "" {
		return errors.New(status.Error)
	}
	return nil
}

// Unload asks the runtime to evict the model. Failures are logged only.
func (o *Ollama) Unload(ctx context.Context) {
	wasLoaded := o.State() == domain.StateReady
	o.reset()
	if !wasLoaded {
		return
	}
	body := map[string]any{"model": o.model, "keep_alive": 0, "stream": false}
	if err := o.postJSON(ctx, "/api/generate", body); err != nil {
		o.logger.Warn("ollama unload failed", "model", o.model, "err", err)
		return
	}
	o.logger.Info("model unloaded", "model", o.model)
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChunk struct {
	Message ollamaMsg `json:"message"`
	Done    bool      `json:"done"`
	Error   string    `json:"error"`
}

func (o *Ollama) GenerateStream(ctx context.Context, prompt, systemPrompt string, out chan<- string) error {
	defer close(out)
	if !o.ready() {
		return domain.ErrNotLoaded
	}
	done := o.beginGeneration()
	defer done()

	msgs := make([]ollamaMsg, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, ollamaMsg{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, ollamaMsg{Role: "user", Content: prompt})

	opts := map[string]any{"num_ctx": o.contextLength}
	if o.maxTokens > 0 {
		opts["num_predict"] = o.maxTokens
	}
	payload, err := json.Marshal(ollamaChatRequest{Model: o.model, Messages: msgs, Stream: true, Options: opts})
	if err != nil {
		return o.genErr(fmt.Errorf("marshal request: %w", err))
	}

	// Cancel aborts the request through streamCtx so a blocked body read
	// returns without waiting for the next chunk.
	streamCtx, cancel := context.WithCancel(ctx)
	o.setAbort(cancel)
	defer func() {
		o.setAbort(nil)
		cancel()
	}()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, o.apiBase+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return o.genErr(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.streamClient.Do(req)
	if err != nil {
		if o.isCancelled() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.genErr(err)
	}
	defer resp.Body.Close()
	if err := httpclient.CheckStatus(resp); err != nil {
		return o.genErr(err)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		if o.isCancelled() {
			o.logger.Debug("ollama generation cancelled")
			return nil
		}
		var chunk ollamaChunk
		if err := dec.Decode(&chunk); err != nil {
			if o.isCancelled() {
				o.logger.Debug("ollama generation cancelled")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return o.genErr(io.ErrUnexpectedEOF)
			}
			return o.genErr(fmt.Errorf("stream decode: %w", err))
		}
		if chunk.Error != "" {
			return o.genErr(errors.New(chunk.Error))
		}
		if chunk.Message.Content != "" {
			if o.isCancelled() {
				return nil
			}
			select {
			case out <- chunk.Message.Content:
			case <-streamCtx.Done():
				if o.isCancelled() {
					return nil
				}
				return ctx.Err()
			}
		}
		if chunk.Done {
			return nil
		}
	}
}

// Cancel flags the generation and aborts its request.
func (o *Ollama) Cancel() {
	o.lifecycle.Cancel()
	if !o.isCancelled() {
		return
	}
	o.abortMu.Lock()
	defer o.abortMu.Unlock()
	if o.abort != nil {
		o.abort()
	}
}

func (o *Ollama) setAbort(fn context.CancelFunc) {
	o.abortMu.Lock()
	o.abort = fn
	o.abortMu.Unlock()
}

func (o *Ollama) genErr(err error) error {
	return &domain.GenerationError{Backend: o.Name(), Err: err}
}

func checkGGUF(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	magic := make([]byte, len(ggufMagic))
	if _, err := io.ReadFull(f, magic); err != nil || string(magic) != ggufMagic {
		return fmt.Errorf("%w: %s", ErrUnsupportedArtifact, filepath.Base(path))
	}
	return nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
