// Package learning turns user corrections and preferences into a bounded
// text block that is injected into future prompts.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jarvis/internal/bus"
	"jarvis/internal/domain"
	"jarvis/internal/metrics"
)

// Fixed scores. Nothing reinforces or decays them.
const (
	CorrectionPriority = 0.8
	InitialConfidence  = 0.7
)

const (
	header = "=== LEARNED FROM USER ==="
	footer = "=== END LEARNINGS ==="

	refreshTimeout = 5 * time.Second
)

// Config configures an Engine. Zero limits fall back to the defaults.
type Config struct {
	Store domain.LearningStore
	// Messages dates the first conversation for DaysSinceStart. Optional.
	Messages domain.MessageStore
	// Events receives correction.saved and preference.saved. Optional.
	Events *bus.EventBus

	MaxCorrections            int     // default 10
	MaxPreferencesPerCategory int     // default 5
	MinPriority               float64 // default 0.7
	TruncateLen               int     // default 100

	Logger *slog.Logger
}

// Engine records learnings and renders them. It holds no cache: every
// LearningContext call reads the store.
type Engine struct {
	store    domain.LearningStore
	messages domain.MessageStore
	events   *bus.EventBus

	maxCorrections int
	maxPerCategory int
	minPriority    float64
	truncateLen    int

	rendering *bus.Value[string]
	observed  atomic.Bool
	refreshMu sync.Mutex
	handlers  []string

	now    func() time.Time
	logger *slog.Logger
}

func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxCorrections <= 0 {
		cfg.MaxCorrections = 10
	}
	if cfg.MaxPreferencesPerCategory <= 0 {
		cfg.MaxPreferencesPerCategory = 5
	}
	if cfg.MinPriority <= 0 {
		cfg.MinPriority = 0.7
	}
	if cfg.TruncateLen <= 0 {
		cfg.TruncateLen = 100
	}
	e := &Engine{
		store:          cfg.Store,
		messages:       cfg.Messages,
		events:         cfg.Events,
		maxCorrections: cfg.MaxCorrections,
		maxPerCategory: cfg.MaxPreferencesPerCategory,
		minPriority:    cfg.MinPriority,
		truncateLen:    cfg.TruncateLen,
		rendering:      bus.NewValue(""),
		now:            time.Now,
		logger:         cfg.Logger,
	}
	if e.events != nil {
		refresh := func(bus.Event) { e.refresh() }
		e.handlers = append(e.handlers,
			e.events.On(bus.EventCorrectionSaved, refresh),
			e.events.On(bus.EventPreferenceSaved, refresh),
		)
	}
	return e
}

// Close detaches the engine from the event bus.
func (e *Engine) Close() {
	if e.events == nil {
		return
	}
	types := []string{bus.EventCorrectionSaved, bus.EventPreferenceSaved}
	for i, id := range e.handlers {
		e.events.Off(types[i], id)
	}
	e.handlers = nil
}

// RecordCorrection stores that original should have been corrected.
func (e *Engine) RecordCorrection(ctx context.Context, original, corrected, conversationID, messageID string) (domain.Correction, error) {
	c := domain.Correction{
		ID:                domain.NewID(),
		OriginalResponse:  original,
		CorrectedResponse: corrected,
		Category:          Categorize(corrected),
		Priority:          CorrectionPriority,
		ConversationID:    conversationID,
		MessageID:         messageID,
		Timestamp:         e.now(),
	}
	if err := e.store.SaveCorrection(ctx, c); err != nil {
		return domain.Correction{}, fmt.Errorf("record correction: %w", err)
	}
	metrics.CorrectionsTotal.Inc()
	e.logger.Info("correction recorded", "id", c.ID, "category", c.Category, "message", messageID)
	e.publish(bus.EventCorrectionSaved, map[string]any{
		"id": c.ID, "category": c.Category, "conversation_id": conversationID, "message_id": messageID,
	})
	return c, nil
}

// RecordPreference stores a key/value preference with the initial confidence.
func (e *Engine) RecordPreference(ctx context.Context, key, value string, category domain.PreferenceCategory, source string) (domain.LearnedPreference, error) {
	if !category.Valid() {
		return domain.LearnedPreference{}, fmt.Errorf("unknown preference category %q", category)
	}
	if strings.TrimSpace(key) == "" {
		return domain.LearnedPreference{}, fmt.Errorf("preference key is required")
	}
	p := domain.LearnedPreference{
		ID:         domain.NewID(),
		Category:   category,
		Key:        key,
		Value:      value,
		Confidence: InitialConfidence,
		Source:     source,
		LearnedAt:  e.now(),
	}
	if err := e.store.SavePreference(ctx, p); err != nil {
		return domain.LearnedPreference{}, fmt.Errorf("record preference: %w", err)
	}
	metrics.PreferencesTotal.Inc()
	e.logger.Info("preference recorded", "id", p.ID, "category", category, "key", key)
	e.publish(bus.EventPreferenceSaved, map[string]any{"id": p.ID, "category": string(category), "key": key})
	return p, nil
}

func (e *Engine) publish(eventType string, payload map[string]any) {
	if e.events != nil {
		e.events.Emit(bus.Event{Type: eventType, Source: "learning", Payload: payload})
		return
	}
	e.refresh()
}

// LearningContext reads the current learnings: preferences by descending
// confidence and the corrections to apply, by descending priority.
func (e *Engine) LearningContext(ctx context.Context) (domain.LearningContext, error) {
	corrections, err := e.store.ListCorrections(ctx, e.maxCorrections)
	if err != nil {
		return domain.LearningContext{}, fmt.Errorf("load corrections: %w", err)
	}
	applicable := corrections[:0]
	for _, c := range corrections {
		if c.Priority >= e.minPriority {
			applicable = append(applicable, c)
		}
	}

	prefs, err := e.store.ListPreferences(ctx)
	if err != nil {
		return domain.LearningContext{}, fmt.Errorf("load preferences: %w", err)
	}

	days, err := e.daysSinceStart(ctx)
	if err != nil {
		return domain.LearningContext{}, err
	}

	return domain.LearningContext{
		Preferences:    prefs,
		Corrections:    applicable,
		DaysSinceStart: days,
	}, nil
}

func (e *Engine) daysSinceStart(ctx context.Context) (int, error) {
	if e.messages == nil {
		return 1, nil
	}
	first, err := e.messages.FirstMessageAt(ctx)
	if err != nil {
		return 0, fmt.Errorf("first message: %w", err)
	}
	if first.IsZero() {
		return 1, nil
	}
	return int(e.now().Sub(first)/(24*time.Hour)) + 1, nil
}

// BuildLearningContext renders the current learnings. The empty string
// means there is nothing to inject.
func (e *Engine) BuildLearningContext(ctx context.Context) (string, error) {
	lc, err := e.LearningContext(ctx)
	if err != nil {
		return "", err
	}
	return e.Render(lc), nil
}

// Render formats lc as the learned-context block.
func (e *Engine) Render(lc domain.LearningContext) string {
	var corrections []domain.Correction
	for _, c := range sortedByPriority(lc.Corrections) {
		if c.Priority >= e.minPriority && len(corrections) < e.maxCorrections {
			corrections = append(corrections, c)
		}
	}
	byCategory := make(map[domain.PreferenceCategory][]domain.LearnedPreference)
	for _, p := range lc.Preferences {
		byCategory[p.Category] = append(byCategory[p.Category], p)
	}
	if len(corrections) == 0 && len(byCategory) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(header + "\n")

	if len(corrections) > 0 {
		sb.WriteString("\n[Corrections to Apply]\n")
		for _, c := range corrections {
			fmt.Fprintf(&sb, "- When I said: \"%s...\"\n", truncate(c.OriginalResponse, e.truncateLen))
			fmt.Fprintf(&sb, "  User wanted: \"%s...\"\n", truncate(c.CorrectedResponse, e.truncateLen))
		}
	}

	for _, cat := range orderedCategories(byCategory) {
		prefs := sortedByConfidence(byCategory[cat])
		fmt.Fprintf(&sb, "\n[%s]\n", cat.Title())
		for i, p := range prefs {
			if i == e.maxPerCategory {
				break
			}
			fmt.Fprintf(&sb, "- %s: %s\n", p.Key, p.Value)
		}
	}

	sb.WriteString(footer + "\n")
	return sb.String()
}

// ObserveLearnings replays the current rendering and re-emits it after
// every recorded correction or preference. The channel closes with ctx.
func (e *Engine) ObserveLearnings(ctx context.Context) <-chan string {
	if e.observed.CompareAndSwap(false, true) {
		e.refresh()
	}
	return e.rendering.Subscribe(ctx)
}

func (e *Engine) refresh() {
	if !e.observed.Load() {
		return
	}
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	text, err := e.BuildLearningContext(ctx)
	if err != nil {
		e.logger.Warn("cannot refresh learnings", "err", err)
		return
	}
	e.rendering.Set(text)
}
