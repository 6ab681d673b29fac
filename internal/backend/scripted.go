package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"jarvis/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	scriptedName          = "scripted"
	scriptedLoadSteps     = 10
	defaultLoadStepDelay  = 200 * time.Millisecond
	defaultTokenDelay     = 50 * time.Millisecond
	defaultContextLength  = 4096
	scriptedFallbackReply = `I understand you said: "%s". Feel free to correct me by editing my responses.`
)

// Rule maps prompt keywords to a canned reply. A rule matches when the
// lowercased prompt contains any keyword and, if SystemContains is set, the
// system prompt contains it too.
type Rule struct {
	Keywords       []string `yaml:"keywords"`
	SystemContains string   `yaml:"system_contains,omitempty"`
	Reply          string   `yaml:"reply"`
}

func (r Rule) matches(lowerPrompt, systemPrompt string) bool {
	if r.SystemContains != "" && !strings.Contains(systemPrompt, r.SystemContains) {
		return false
	}
	for _, k := range r.Keywords {
		if k != "" && strings.Contains(lowerPrompt, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// DefaultRules is the built-in reply table, checked in order.
var DefaultRules = []Rule{
	{Keywords: []string{"hello", "hi"}, Reply: "Hello! I'm JARVIS, your AI assistant. How can I help you today?"},
	{Keywords: []string{"how are you"}, Reply: "I'm functioning optimally, thank you for asking! How are you doing?"},
	{Keywords: []string{"what can you do"}, Reply: "I'm an AI assistant that chats with you and learns from your corrections. Edit any reply of mine and I'll remember what you wanted."},
	{Keywords: []string{"test"}, Reply: "Test received! The system is working."},
	{Keywords: []string{"learn", "remember"}, Reply: "I learn from our conversations! When you correct me, I store that feedback and use it to improve future responses."},
	{Keywords: []string{"prefer"}, SystemContains: "Corrections", Reply: "I see you have some preferences! I'll do my best to follow them. You can always correct me if I make mistakes."},
}

// ScriptedConfig configures a Scripted backend.
type ScriptedConfig struct {
	// Rules are checked before DefaultRules.
	Rules         []Rule
	TokenDelay    time.Duration // pause after each fragment; negative disables it
	LoadStepDelay time.Duration // pause per simulated load step; negative disables it
	ContextLength int
	Logger        *slog.Logger
}

// Scripted is a deterministic backend that answers from a keyword table and
// streams the reply word by word.
type Scripted struct {
	*lifecycle
	rules         []Rule
	tokenDelay    time.Duration
	loadStepDelay time.Duration
	contextLength int
	logger        *slog.Logger
}

var _ domain.Backend = (*Scripted)(nil)

func NewScripted(cfg ScriptedConfig) *Scripted {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TokenDelay == 0 {
		cfg.TokenDelay = defaultTokenDelay
	}
	if cfg.LoadStepDelay == 0 {
		cfg.LoadStepDelay = defaultLoadStepDelay
	}
	if cfg.ContextLength <= 0 {
		cfg.ContextLength = defaultContextLength
	}
	rules := make([]Rule, 0, len(cfg.Rules)+len(DefaultRules))
	rules = append(rules, cfg.Rules...)
	rules = append(rules, DefaultRules...)
	return &Scripted{
		lifecycle:     newLifecycle(),
		rules:         rules,
		tokenDelay:    max(cfg.TokenDelay, 0),
		loadStepDelay: max(cfg.LoadStepDelay, 0),
		contextLength: cfg.ContextLength,
		logger:        cfg.Logger,
	}
}

func (s *Scripted) Name() string { return scriptedName }

func (s *Scripted) RequiresArtifact() bool { return false }

// Load simulates initialization in ten progress steps. An empty path is
// accepted; a non-empty one must name an existing file.
func (s *Scripted) Load(ctx context.Context, modelPath string) error {
	s.beginLoad()

	var size int64
	if modelPath != "" {
		fi, err := os.Stat(modelPath)
		if err != nil {
			s.failLoad()
			return &domain.ModelLoadError{Path: modelPath, Err: err}
		}
		size = fi.Size()
	}

	for i := 1; i <= scriptedLoadSteps; i++ {
		if err := sleepCtx(ctx, s.loadStepDelay); err != nil {
			s.failLoad()
			return &domain.ModelLoadError{Path: modelPath, Err: err}
		}
		s.advance(float64(i) / scriptedLoadSteps)
	}

	s.finishLoad(domain.ModelInfo{
		Name:          "JARVIS scripted",
		SizeBytes:     size,
		ContextLength: s.contextLength,
	})
	s.logger.Info("scripted backend loaded", "rules", len(s.rules))
	return nil
}

func (s *Scripted) Unload(ctx context.Context) {
	s.reset()
	s.logger.Debug("scripted backend unloaded")
}

func (s *Scripted) GenerateStream(ctx context.Context, prompt, systemPrompt string, out chan<- string) error {
	defer close(out)
	if !s.ready() {
		return domain.ErrNotLoaded
	}
	done := s.beginGeneration()
	defer done()

	reply := s.Reply(prompt, systemPrompt)
	for i, word := range strings.Split(reply, " ") {
		if s.isCancelled() {
			s.logger.Debug("scripted generation cancelled", "emitted", i)
			return nil
		}
		select {
		case out <- word + " ":
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := sleepCtx(ctx, s.tokenDelay); err != nil {
			return err
		}
	}
	return nil
}

// Reply returns the full text the backend would stream for prompt.
func (s *Scripted) Reply(prompt, systemPrompt string) string {
	lower := strings.ToLower(prompt)
	for _, r := range s.rules {
		if r.matches(lower, systemPrompt) {
			return r.Reply
		}
	}
	return fmt.Sprintf(scriptedFallbackReply, prompt)
}

// LoadRules reads extra scripted replies from a YAML file holding a list of rules.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script file: %w", err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse script file %s: %w", path, err)
	}
	for i, r := range rules {
		if len(r.Keywords) == 0 || strings.TrimSpace(r.Reply) == "" {
			return nil, fmt.Errorf("script file %s: rule %d needs keywords and a reply", path, i+1)
		}
	}
	return rules, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
