package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jarvis/internal/bus"
	"jarvis/internal/domain"
	"jarvis/internal/learning"
	"jarvis/internal/metrics"
	"jarvis/internal/modelfile"
)

// ModelState is the model readiness seen by the session.
type ModelState int

const (
	ModelNotLoaded ModelState = iota
	ModelLoading
	ModelReady
	ModelNeedsDownload
	ModelError
)

func (s ModelState) String() string {
	switch s {
	case ModelNotLoaded:
		return "not loaded"
	case ModelLoading:
		return "loading"
	case ModelReady:
		return "ready"
	case ModelNeedsDownload:
		return "needs download"
	case ModelError:
		return "error"
	}
	return fmt.Sprintf("ModelState(%d)", int(s))
}

// TurnPhase is the per-turn sub-state.
type TurnPhase int

const (
	PhaseIdle TurnPhase = iota
	PhaseSending
	PhaseCorrecting
)

func (p TurnPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseCorrecting:
		return "correcting"
	}
	return fmt.Sprintf("TurnPhase(%d)", int(p))
}

// CorrectionDraft is the message being corrected.
type CorrectionDraft struct {
	MessageID    string
	OriginalText string
}

// TurnState tracks the current turn. StreamingText is set while Sending,
// Correction while Correcting.
type TurnState struct {
	Phase         TurnPhase
	StreamingText string
	Correction    *CorrectionDraft
}

// SessionState is a snapshot of everything the presentation layer renders.
// Snapshots are values; Messages is never mutated after publication.
type SessionState struct {
	ConversationID   string
	ModelState       ModelState
	ModelError       string
	LoadProgress     float64
	DownloadProgress float64
	IsDownloading    bool
	Messages         []domain.ChatMessage
	Turn             TurnState
	// IsLoading is true while a send is in flight; input is disabled.
	IsLoading bool
	// Error is the dismissible error of the last failed send.
	Error string
}

// SessionEventKind identifies a one-shot notification.
type SessionEventKind int

const (
	EventScrollToBottom SessionEventKind = iota
	EventShowError
	EventCorrectionSaved
	EventModelReady
)

func (k SessionEventKind) String() string {
	switch k {
	case EventScrollToBottom:
		return "scroll_to_bottom"
	case EventShowError:
		return "show_error"
	case EventCorrectionSaved:
		return "correction_saved"
	case EventModelReady:
		return "model_ready"
	}
	return fmt.Sprintf("SessionEventKind(%d)", int(k))
}

// SessionEvent is a notification delivered at most once. Message is set for ShowError.
type SessionEvent struct {
	Kind    SessionEventKind
	Message string
}

var (
	// ErrNotCorrectable is returned when correcting anything but an assistant message.
	ErrNotCorrectable = errors.New("only assistant messages can be corrected")
	// ErrNoCorrection is returned when submitting without an active correction.
	ErrNoCorrection = errors.New("no correction in progress")
	// ErrNoArtifact is returned by Download when the backend needs no model file.
	ErrNoArtifact = errors.New("backend does not use a model file")
)

// Artifacts locates and fetches the model file.
type Artifacts interface {
	IsAvailable(name string) bool
	ResolvePath(name string) string
	Download(ctx context.Context, url, name string) <-chan modelfile.DownloadEvent
}

// SessionConfig holds the collaborators of a Session.
type SessionConfig struct {
	ConversationID string
	Backend        domain.Backend
	Pipeline       *Pipeline
	Learning       *learning.Engine
	Artifacts      Artifacts
	ModelName      string
	ModelURL       string
	Events         *bus.EventBus // optional
	Logger         *slog.Logger
}

// Session is the state machine behind one chat screen. It owns model
// loading and downloading, serializes sends, and drives corrections.
// Operations are safe for concurrent use; background work is tracked and
// awaited by Close.
type Session struct {
	convID    string
	backend   domain.Backend
	pipeline  *Pipeline
	learning  *learning.Engine
	artifacts Artifacts
	modelName string
	modelURL  string
	events    *bus.EventBus
	logger    *slog.Logger

	state  *bus.Value[SessionState]
	notify *bus.Queue[SessionEvent]

	loading     atomic.Bool
	downloading atomic.Bool
	sending     atomic.Bool
	wg          sync.WaitGroup
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConversationID == "" {
		cfg.ConversationID = domain.NewID()
	}
	return &Session{
		convID:    cfg.ConversationID,
		backend:   cfg.Backend,
		pipeline:  cfg.Pipeline,
		learning:  cfg.Learning,
		artifacts: cfg.Artifacts,
		modelName: cfg.ModelName,
		modelURL:  cfg.ModelURL,
		events:    cfg.Events,
		logger:    cfg.Logger.With("conversation", cfg.ConversationID),
		state:     bus.NewValue(SessionState{ConversationID: cfg.ConversationID}),
		notify:    bus.NewQueue[SessionEvent](64, cfg.Logger),
	}
}

// ConversationID returns the conversation this session writes to.
func (s *Session) ConversationID() string { return s.convID }

// State returns the current snapshot.
func (s *Session) State() SessionState { return s.state.Get() }

// Subscribe replays the current snapshot, then every later one. The
// channel closes when ctx is done.
func (s *Session) Subscribe(ctx context.Context) <-chan SessionState {
	return s.state.Subscribe(ctx)
}

// Events delivers one-shot notifications. Each is received once; late
// subscribers never see past notifications. The channel closes on Close.
func (s *Session) Events() <-chan SessionEvent { return s.notify.Events() }

// Start restores the conversation history, mirrors backend load progress
// and brings the model up, or asks for a download when the artifact is
// missing. Background work stops when ctx is done.
func (s *Session) Start(ctx context.Context) error {
	history, err := s.pipeline.History(ctx, s.convID)
	if err != nil {
		return err
	}
	s.update(func(st SessionState) SessionState {
		st.Messages = history
		return st
	})

	progress := s.backend.LoadingProgress().Subscribe(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for p := range progress {
			s.update(func(st SessionState) SessionState {
				st.LoadProgress = p
				return st
			})
		}
	}()

	loaded := s.backend.IsLoaded().Subscribe(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ok := range loaded {
			if ok {
				continue
			}
			s.update(func(st SessionState) SessionState {
				// The replayed initial false can arrive after a fast load.
				if st.ModelState == ModelReady && !s.backend.IsLoaded().Get() {
					st.ModelState = ModelNotLoaded
					st.LoadProgress = 0
				}
				return st
			})
		}
	}()

	s.load(ctx)
	return nil
}

// RetryLoad reloads the model when the artifact is available and
// otherwise falls back to NeedsDownload.
func (s *Session) RetryLoad(ctx context.Context) {
	s.load(ctx)
}

func (s *Session) load(ctx context.Context) {
	if !s.loading.CompareAndSwap(false, true) {
		s.logger.Debug("load already in progress")
		return
	}

	path := ""
	if s.backend.RequiresArtifact() {
		if !s.artifacts.IsAvailable(s.modelName) {
			s.loading.Store(false)
			s.logger.Info("model artifact missing", "name", s.modelName)
			s.update(func(st SessionState) SessionState {
				st.ModelState = ModelNeedsDownload
				st.ModelError = ""
				return st
			})
			return
		}
		path = s.artifacts.ResolvePath(s.modelName)
	}

	s.update(func(st SessionState) SessionState {
		st.ModelState = ModelLoading
		st.ModelError = ""
		return st
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.loading.Store(false)

		start := time.Now()
		err := s.backend.Load(ctx, path)
		if err != nil {
			metrics.ModelLoadFailures.Inc()
			s.logger.Error("model load failed", "backend", s.backend.Name(), "err", err)
			s.emit(bus.EventModelLoadFailed, map[string]any{"backend": s.backend.Name(), "path": path, "error": err.Error()})
			s.update(func(st SessionState) SessionState {
				st.ModelState = ModelError
				st.ModelError = err.Error()
				st.LoadProgress = 0
				return st
			})
			return
		}

		metrics.ModelLoads.Inc()
		metrics.ModelLoadLatency.Observe(time.Since(start).Seconds())
		s.logger.Info("model ready", "backend", s.backend.Name(), "duration", time.Since(start).Round(time.Millisecond))
		s.emit(bus.EventModelLoaded, map[string]any{"backend": s.backend.Name(), "path": path})
		s.update(func(st SessionState) SessionState {
			st.ModelState = ModelReady
			st.ModelError = ""
			st.LoadProgress = 1
			return st
		})
		s.notify.Publish(SessionEvent{Kind: EventModelReady})
	}()
}

// Download fetches the model artifact and loads it once complete.
func (s *Session) Download(ctx context.Context) error {
	if !s.backend.RequiresArtifact() {
		return ErrNoArtifact
	}
	if !s.downloading.CompareAndSwap(false, true) {
		return domain.ErrBusy
	}
	s.update(func(st SessionState) SessionState {
		st.IsDownloading = true
		st.DownloadProgress = 0
		return st
	})

	events := s.artifacts.Download(ctx, s.modelURL, s.modelName)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		completed := false
		for ev := range events {
			switch ev.Kind {
			case modelfile.EventStarting:
				s.update(func(st SessionState) SessionState {
					st.DownloadProgress = 0
					return st
				})
			case modelfile.EventProgress:
				s.update(func(st SessionState) SessionState {
					st.DownloadProgress = ev.Fraction
					return st
				})
			case modelfile.EventCompleted:
				completed = true
				s.emit(bus.EventDownloadCompleted, map[string]any{"path": ev.Path, "bytes": ev.Downloaded})
				s.update(func(st SessionState) SessionState {
					st.IsDownloading = false
					st.DownloadProgress = 1
					s.downloading.Store(false)
					return st
				})
			case modelfile.EventFailed:
				s.emit(bus.EventDownloadFailed, map[string]any{"url": s.modelURL, "error": ev.Reason()})
				s.update(func(st SessionState) SessionState {
					st.IsDownloading = false
					st.ModelState = ModelError
					st.ModelError = ev.Reason()
					s.downloading.Store(false)
					return st
				})
			}
		}
		s.downloading.Store(false)
		if completed {
			s.load(ctx)
		}
	}()
	return nil
}

// Send starts a turn. It requires a Ready model, an idle turn and
// non-blank text. The reply streams into StreamingText and lands in
// Messages once persisted.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if !s.sending.CompareAndSwap(false, true) {
		return domain.ErrBusy
	}

	// Readiness and the correction check share the update with the phase
	// change, so a concurrent StartCorrection either wins or sees Sending.
	var err error
	s.update(func(st SessionState) SessionState {
		switch {
		case st.ModelState != ModelReady:
			err = domain.ErrNotLoaded
			return st
		case st.Turn.Phase == PhaseCorrecting:
			err = domain.ErrBusy
			return st
		}
		st.IsLoading = true
		st.Error = ""
		st.Turn = TurnState{Phase: PhaseSending}
		return st
	})
	if err != nil {
		s.sending.Store(false)
		return err
	}

	turn, err := s.pipeline.Send(ctx, s.convID, text)
	if err != nil {
		s.finishSend(nil, err)
		return err
	}
	s.update(func(st SessionState) SessionState {
		st.Messages = append(slices.Clip(st.Messages), turn.UserMessage)
		return st
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for frag := range turn.Tokens() {
			s.update(func(st SessionState) SessionState {
				st.Turn.StreamingText += frag
				return st
			})
		}
		res, err := turn.Wait()
		s.finishSend(&res, err)
	}()
	return nil
}

// finishSend returns the turn to Idle and releases the send slot in the same
// update, so no observer sees an idle session that still refuses to send.
func (s *Session) finishSend(res *Result, err error) {
	s.update(func(st SessionState) SessionState {
		if err != nil {
			st.Error = err.Error()
		} else if res.Reply != nil {
			st.Messages = append(slices.Clip(st.Messages), *res.Reply)
		}
		st.IsLoading = false
		st.Turn = TurnState{Phase: PhaseIdle}
		s.sending.Store(false)
		return st
	})

	switch {
	case err != nil:
		s.notify.Publish(SessionEvent{Kind: EventShowError, Message: err.Error()})
	case res.Reply != nil:
		s.notify.Publish(SessionEvent{Kind: EventScrollToBottom})
	}
}

// CancelSend stops the in-flight generation. The partial reply is not
// persisted.
func (s *Session) CancelSend() {
	s.pipeline.Cancel()
}

// StartCorrection enters correction mode for an assistant message,
// capturing its displayed text verbatim.
func (s *Session) StartCorrection(messageID string) error {
	var err error
	s.update(func(st SessionState) SessionState {
		if st.Turn.Phase == PhaseSending {
			err = domain.ErrBusy
			return st
		}
		i := slices.IndexFunc(st.Messages, func(m domain.ChatMessage) bool { return m.ID == messageID })
		if i < 0 {
			err = fmt.Errorf("message %s not found", messageID)
			return st
		}
		if st.Messages[i].Role != domain.RoleAssistant {
			err = ErrNotCorrectable
			return st
		}
		st.Turn = TurnState{
			Phase:      PhaseCorrecting,
			Correction: &CorrectionDraft{MessageID: messageID, OriginalText: st.Messages[i].Content},
		}
		return st
	})
	return err
}

// CancelCorrection discards the draft. Nothing is recorded.
func (s *Session) CancelCorrection() {
	s.update(func(st SessionState) SessionState {
		if st.Turn.Phase == PhaseCorrecting {
			st.Turn = TurnState{Phase: PhaseIdle}
		}
		return st
	})
}

// SubmitCorrection records the correction and replaces the message text in
// the displayed projection. The persisted message is left unchanged.
// On failure the draft stays open.
func (s *Session) SubmitCorrection(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	draft := s.state.Get().Turn.Correction
	if draft == nil {
		return ErrNoCorrection
	}

	if _, err := s.learning.RecordCorrection(ctx, draft.OriginalText, text, s.convID, draft.MessageID); err != nil {
		s.logger.Error("save correction failed", "message", draft.MessageID, "err", err)
		s.notify.Publish(SessionEvent{Kind: EventShowError, Message: "Failed to save correction"})
		return err
	}

	s.update(func(st SessionState) SessionState {
		msgs := slices.Clone(st.Messages)
		for i := range msgs {
			if msgs[i].ID == draft.MessageID {
				msgs[i].Content = text
			}
		}
		st.Messages = msgs
		st.Turn = TurnState{Phase: PhaseIdle}
		return st
	})
	s.notify.Publish(SessionEvent{Kind: EventCorrectionSaved})
	return nil
}

// DismissError clears the send error.
func (s *Session) DismissError() {
	s.update(func(st SessionState) SessionState {
		st.Error = ""
		return st
	})
}

// Clear forgets the displayed messages. Persisted records are untouched.
func (s *Session) Clear() {
	s.update(func(st SessionState) SessionState {
		st.Messages = nil
		return st
	})
}

// Close waits for background work to finish and closes the event
// channel. Cancel the Start context first so the mirrors exit.
func (s *Session) Close() {
	s.pipeline.Cancel()
	s.wg.Wait()
	s.notify.Close()
}

func (s *Session) update(fn func(SessionState) SessionState) {
	s.state.Update(fn)
}

func (s *Session) emit(eventType string, payload map[string]any) {
	if s.events == nil {
		return
	}
	payload["conversation_id"] = s.convID
	s.events.Emit(bus.Event{Type: eventType, Source: "session", Payload: payload})
}
