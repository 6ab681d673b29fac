package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jarvis/internal/domain"
)

func newTestScripted(rules ...Rule) *Scripted {
	return NewScripted(ScriptedConfig{
		Rules:         rules,
		TokenDelay:    -1,
		LoadStepDelay: -1,
		Logger:        testLogger(),
	})
}

func loadedScripted(t *testing.T, rules ...Rule) *Scripted {
	t.Helper()
	s := newTestScripted(rules...)
	if err := s.Load(context.Background(), ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func TestScripted_GreetingMentionsJarvis(t *testing.T) {
	s := loadedScripted(t)
	frags, err := collect(t, func(out chan<- string) error {
		return s.GenerateStream(context.Background(), "hello there", "", out)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frags) < 2 {
		t.Fatalf("expected word-by-word fragments, got %v", frags)
	}
	got := strings.TrimSpace(strings.Join(frags, ""))
	if got != "Hello! I'm JARVIS, your AI assistant. How can I help you today?" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestScripted_ReplyTable(t *testing.T) {
	s := newTestScripted()
	cases := []struct {
		prompt, system, want string
	}{
		{"How are you?", "", "functioning optimally"},
		{"what can you do", "", "learns from your corrections"},
		{"run a TEST", "", "Test received"},
		{"please remember my name", "", "I learn from our conversations"},
		{"I prefer short answers", "[Corrections to Apply]", "I see you have some preferences"},
		{"I prefer short answers", "", `I understand you said: "I prefer short answers"`},
	}
	for _, c := range cases {
		if got := s.Reply(c.prompt, c.system); !strings.Contains(got, c.want) {
			t.Errorf("Reply(%q, %q) = %q, want substring %q", c.prompt, c.system, got, c.want)
		}
	}
}

func TestScripted_CustomRulesTakePrecedence(t *testing.T) {
	s := newTestScripted(Rule{Keywords: []string{"hello"}, Reply: "custom greeting"})
	if got := s.Reply("hello", ""); got != "custom greeting" {
		t.Fatalf("expected custom rule to win, got %q", got)
	}
}

func TestScripted_GenerateBeforeLoad(t *testing.T) {
	s := newTestScripted()
	frags, err := collect(t, func(out chan<- string) error {
		return s.GenerateStream(context.Background(), "hello", "", out)
	})
	if !errors.Is(err, domain.ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
	if len(frags) != 0 {
		t.Fatalf("expected no output, got %v", frags)
	}
}

func TestScripted_LoadProgressIsMonotonic(t *testing.T) {
	s := NewScripted(ScriptedConfig{LoadStepDelay: time.Millisecond, TokenDelay: -1, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	updates := s.LoadingProgress().Subscribe(ctx)
	seen := make(chan []float64, 1)
	go func() {
		var vals []float64
		for v := range updates {
			vals = append(vals, v)
		}
		seen <- vals
	}()

	if err := s.Load(context.Background(), ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	cancel()
	vals := <-seen

	for i := 1; i < len(vals); i++ {
		if vals[i] < vals[i-1] {
			t.Fatalf("progress regressed: %v", vals)
		}
	}
	if vals[len(vals)-1] != 1 {
		t.Fatalf("expected final progress 1, got %v", vals)
	}
	if !s.IsLoaded().Get() || s.State() != domain.StateReady {
		t.Fatal("expected backend ready")
	}
	info := s.ModelInfo()
	if info == nil || info.ContextLength != defaultContextLength {
		t.Fatalf("unexpected model info %+v", info)
	}
}

func TestScripted_LoadMissingArtifact(t *testing.T) {
	s := newTestScripted()
	err := s.Load(context.Background(), filepath.Join(t.TempDir(), "missing.task"))

	var loadErr *domain.ModelLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected ModelLoadError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected cause to be ErrNotExist, got %v", err)
	}
	if s.State() != domain.StateError || s.IsLoaded().Get() || s.LoadingProgress().Get() != 0 {
		t.Fatal("failed load should leave the backend not ready with zero progress")
	}

	// Error is recoverable by a fresh load.
	if err := s.Load(context.Background(), ""); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if s.State() != domain.StateReady {
		t.Fatalf("expected ready after reload, got %s", s.State())
	}
}

func TestScripted_LoadThenUnloadMatchesFreshInstance(t *testing.T) {
	fresh := newTestScripted()
	s := loadedScripted(t)
	s.Unload(context.Background())

	if s.State() != fresh.State() {
		t.Fatalf("state %s, fresh %s", s.State(), fresh.State())
	}
	if s.IsLoaded().Get() != fresh.IsLoaded().Get() {
		t.Fatal("loaded flag differs from fresh instance")
	}
	if s.LoadingProgress().Get() != fresh.LoadingProgress().Get() {
		t.Fatal("progress differs from fresh instance")
	}
	if s.ModelInfo() != nil || fresh.ModelInfo() != nil {
		t.Fatal("expected nil model info")
	}

	// Unload is idempotent.
	s.Unload(context.Background())
	if s.State() != domain.StateUnloaded {
		t.Fatalf("expected unloaded, got %s", s.State())
	}
}

func TestScripted_CancelWithoutGenerationIsNoop(t *testing.T) {
	s := loadedScripted(t)
	s.Cancel()
	s.Cancel()

	frags, err := collect(t, func(out chan<- string) error {
		return s.GenerateStream(context.Background(), "hello", "", out)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(strings.Join(frags, "")); !strings.Contains(got, "JARVIS") {
		t.Fatalf("generation after idle cancel should be complete, got %q", got)
	}
}

func TestScripted_CancelStopsAfterCurrentFragment(t *testing.T) {
	s := NewScripted(ScriptedConfig{
		Rules:         []Rule{{Keywords: []string{"count"}, Reply: "one two three four five"}},
		TokenDelay:    100 * time.Millisecond,
		LoadStepDelay: -1,
		Logger:        testLogger(),
	})
	if err := s.Load(context.Background(), ""); err != nil {
		t.Fatalf("load: %v", err)
	}

	out := make(chan string)
	errCh := make(chan error, 1)
	go func() { errCh <- s.GenerateStream(context.Background(), "count", "", out) }()

	var frags []string
	for f := range out {
		frags = append(frags, f)
		if len(frags) == 2 {
			s.Cancel()
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("cancelled generation should not fail, got %v", err)
	}
	if len(frags) > 2 {
		t.Fatalf("expected at most 2 fragments, got %v", frags)
	}

	// The flag does not leak into the next generation.
	frags, err := collect(t, func(out chan<- string) error {
		return s.GenerateStream(context.Background(), "count", "", out)
	})
	if err != nil || len(frags) != 5 {
		t.Fatalf("expected full 5-fragment reply, got %v (err %v)", frags, err)
	}
}

func TestScripted_ContextCancel(t *testing.T) {
	s := NewScripted(ScriptedConfig{TokenDelay: time.Hour, LoadStepDelay: -1, Logger: testLogger()})
	if err := s.Load(context.Background(), ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan string)
	errCh := make(chan error, 1)
	go func() { errCh <- s.GenerateStream(ctx, "hello", "", out) }()

	<-out
	cancel()
	for range out {
	}
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	data := `
- keywords: [weather, forecast]
  reply: I can't see outside, but I hope it's sunny.
- keywords: [formal]
  system_contains: tone
  reply: Certainly. How may I assist you?
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(rules) != 2 || rules[1].SystemContains != "tone" {
		t.Fatalf("unexpected rules: %+v", rules)
	}

	s := newTestScripted(rules...)
	if got := s.Reply("What's the FORECAST?", ""); !strings.HasPrefix(got, "I can't see outside") {
		t.Fatalf("expected rule reply, got %q", got)
	}
}

func TestLoadRules_RejectsIncompleteRule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("- keywords: [x]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRules(path); err == nil {
		t.Fatal("expected error for rule without reply")
	}
}
