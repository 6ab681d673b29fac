// Package agent runs conversation turns against the inference backend and
// keeps the session state that a presentation layer renders.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jarvis/internal/bus"
	"jarvis/internal/domain"
	"jarvis/internal/learning"
	"jarvis/internal/metrics"
)

const defaultHistoryLimit = 200

// ErrEmptyMessage is returned for blank user input.
var ErrEmptyMessage = errors.New("message is empty")

// PipelineConfig holds the collaborators of a Pipeline.
type PipelineConfig struct {
	Backend  domain.Backend
	Messages domain.MessageStore
	Learning *learning.Engine
	// Prompt defaults to a builder with default settings.
	Prompt *PromptBuilder
	// Limiter paces generations. Nil disables pacing.
	Limiter *RateLimiter
	// Events receives message.persisted and generation.failed. Optional.
	Events *bus.EventBus
	Logger *slog.Logger
	// HistoryLimit bounds History. Default 200.
	HistoryLimit int
}

// Pipeline turns one user message into a streamed, persisted reply.
// At most one turn is in flight at a time.
type Pipeline struct {
	backend  domain.Backend
	messages domain.MessageStore
	learning *learning.Engine
	prompt   *PromptBuilder
	limiter  *RateLimiter
	events   *bus.EventBus
	logger   *slog.Logger
	history  int

	inflight atomic.Bool
	mu       sync.Mutex
	current  *Turn
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Prompt == nil {
		cfg.Prompt = NewPromptBuilder(PromptConfig{})
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Pipeline{
		backend:  cfg.Backend,
		messages: cfg.Messages,
		learning: cfg.Learning,
		prompt:   cfg.Prompt,
		limiter:  cfg.Limiter,
		events:   cfg.Events,
		logger:   cfg.Logger,
		history:  cfg.HistoryLimit,
	}
}

// Result is the outcome of a finished turn.
type Result struct {
	// Text is the accumulated reply, trimmed.
	Text string
	// Reply is the persisted assistant message, nil when nothing was committed.
	Reply *domain.ChatMessage
	// Cancelled reports that the turn was stopped by Cancel.
	Cancelled bool
}

// Turn is one in-flight user-message-to-reply cycle.
type Turn struct {
	// UserMessage is the persisted user input that started the turn.
	UserMessage domain.ChatMessage

	tokens    chan string
	done      chan struct{}
	cancelled atomic.Bool
	stop      func()

	// streamed is set once the backend has closed its stream; mu orders it
	// against Cancel.
	mu       sync.Mutex
	streamed bool

	result Result
	err    error
}

// Tokens streams reply fragments as the backend produces them. The channel
// closes when generation ends.
func (t *Turn) Tokens() <-chan string { return t.tokens }

// Wait drains any unread fragments and blocks until the turn has finished.
// A cancelled turn returns a nil error with Cancelled set and no Reply.
func (t *Turn) Wait() (Result, error) {
	for range t.tokens {
	}
	<-t.done
	return t.result, t.err
}

// Cancel stops forwarding fragments and asks the backend to stop.
// Fragments already delivered are not retracted. Once the backend has
// finished its stream the reply is committed and Cancel is a no-op.
func (t *Turn) Cancel() {
	t.mu.Lock()
	if t.streamed || !t.cancelled.CompareAndSwap(false, true) {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.stop()
}

// Send persists text as a user message, then starts generating the reply.
// ctx bounds the whole turn, not just the call.
func (p *Pipeline) Send(ctx context.Context, conversationID, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if p.backend.State() != domain.StateReady {
		return nil, domain.ErrNotLoaded
	}
	if !p.inflight.CompareAndSwap(false, true) {
		return nil, domain.ErrBusy
	}

	turn, err := p.begin(ctx, conversationID, text)
	if err != nil {
		p.inflight.Store(false)
		return nil, err
	}
	return turn, nil
}

func (p *Pipeline) begin(ctx context.Context, conversationID, text string) (*Turn, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	userMsg := domain.NewMessage(conversationID, domain.RoleUser, text)
	if err := p.messages.SaveMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	metrics.MessagesTotal.Inc()
	p.emit(bus.EventMessagePersisted, userMsg.ID, conversationID, string(userMsg.Role))

	lc, err := p.learning.LearningContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("learning context: %w", err)
	}
	system := p.prompt.Build(lc)

	turnCtx, cancel := context.WithCancel(ctx)
	turn := &Turn{
		UserMessage: userMsg,
		tokens:      make(chan string),
		done:        make(chan struct{}),
	}
	turn.stop = func() {
		p.backend.Cancel()
		cancel()
	}

	p.mu.Lock()
	p.current = turn
	p.mu.Unlock()

	go p.run(turnCtx, cancel, turn, system)
	return turn, nil
}

func (p *Pipeline) run(ctx context.Context, cancel context.CancelFunc, t *Turn, system string) {
	defer close(t.done)
	defer func() {
		p.mu.Lock()
		p.current = nil
		p.mu.Unlock()
		p.inflight.Store(false)
	}()
	defer cancel()

	metrics.GenerationsTotal.Inc()
	metrics.ActiveGenerations.Inc()
	defer metrics.ActiveGenerations.Dec()
	start := time.Now()

	stream := make(chan string)
	streamErrCh := make(chan error, 1)
	go func() {
		streamErrCh <- p.backend.GenerateStream(ctx, t.UserMessage.Content, system, stream)
	}()

	var accumulated strings.Builder
	forwarding := true
	for frag := range stream {
		accumulated.WriteString(frag)
		if !forwarding || t.cancelled.Load() {
			forwarding = false
			continue
		}
		select {
		case t.tokens <- frag:
			metrics.FragmentsStreamed.Inc()
		case <-ctx.Done():
			forwarding = false
		}
	}
	t.mu.Lock()
	t.streamed = true
	cancelled := t.cancelled.Load()
	t.mu.Unlock()
	close(t.tokens)
	genErr := <-streamErrCh
	metrics.GenerationLatency.Observe(time.Since(start).Seconds())

	reply := strings.TrimSpace(accumulated.String())
	t.result.Text = reply

	switch {
	case cancelled:
		metrics.GenerationsCancelled.Inc()
		t.result.Cancelled = true
		p.logger.Info("generation cancelled", "conversation", t.UserMessage.ConversationID, "chars", len(reply))
	case genErr != nil:
		metrics.GenerationFailures.Inc()
		t.err = genErr
		p.logger.Warn("generation failed", "conversation", t.UserMessage.ConversationID, "err", genErr)
		if p.events != nil {
			p.events.Emit(bus.Event{Type: bus.EventGenerationFailed, Source: "pipeline", Payload: map[string]any{
				"conversation_id": t.UserMessage.ConversationID,
				"error":           genErr.Error(),
			}})
		}
	case reply == "":
		p.logger.Debug("empty reply not persisted", "conversation", t.UserMessage.ConversationID)
	default:
		msg := domain.NewMessage(t.UserMessage.ConversationID, domain.RoleAssistant, reply)
		if err := p.messages.SaveMessage(ctx, msg); err != nil {
			t.err = fmt.Errorf("save assistant message: %w", err)
			return
		}
		metrics.MessagesTotal.Inc()
		p.emit(bus.EventMessagePersisted, msg.ID, msg.ConversationID, string(msg.Role))
		t.result.Reply = &msg
		p.logger.Debug("reply persisted", "conversation", msg.ConversationID, "id", msg.ID, "duration", time.Since(start))
	}
}

// Cancel stops the in-flight turn, if any.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	t := p.current
	p.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

// Busy reports whether a turn is in flight.
func (p *Pipeline) Busy() bool { return p.inflight.Load() }

// History returns the most recent persisted messages of the conversation,
// oldest first.
func (p *Pipeline) History(ctx context.Context, conversationID string) ([]domain.ChatMessage, error) {
	msgs, err := p.messages.ListMessages(ctx, conversationID, p.history)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

func (p *Pipeline) emit(eventType, id, conversationID, role string) {
	if p.events == nil {
		return
	}
	p.events.Emit(bus.Event{Type: eventType, Source: "pipeline", Payload: map[string]any{
		"id":              id,
		"conversation_id": conversationID,
		"role":            role,
	}})
}
