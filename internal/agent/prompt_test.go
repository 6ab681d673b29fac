package agent

import (
	"strings"
	"testing"

	"jarvis/internal/domain"
)

func TestPromptBuilder_NoLearnings(t *testing.T) {
	got := NewPromptBuilder(PromptConfig{}).Build(domain.LearningContext{DaysSinceStart: 1})
	want := promptHeader + "\n\n" + promptClosing + "\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPromptBuilder_Layout(t *testing.T) {
	lc := domain.LearningContext{
		Preferences: []domain.LearnedPreference{
			{Key: "name", Value: "Tony", Category: domain.CategoryPersonalInfo},
			{Key: "style", Value: "formal", Category: domain.CategoryCommunicationStyle},
		},
		Corrections: []domain.Correction{
			{OriginalResponse: "Sydney", CorrectedResponse: "Canberra", Priority: 0.8},
		},
	}
	got := NewPromptBuilder(PromptConfig{}).Build(lc)
	want := strings.Join([]string{
		promptHeader,
		"",
		"## User Preferences (Learned)",
		"- name: Tony",
		"- style: formal",
		"",
		"## IMPORTANT: Past Corrections (Never repeat these mistakes)",
		`- Don't say: "Sydney"`,
		`  Say instead: "Canberra"`,
		"",
		promptClosing,
		"",
	}, "\n")
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestPromptBuilder_TruncatesCorrections(t *testing.T) {
	long := strings.Repeat("é", 30)
	lc := domain.LearningContext{
		Corrections: []domain.Correction{{OriginalResponse: long, CorrectedResponse: "short"}},
	}
	got := NewPromptBuilder(PromptConfig{TruncateLen: 10}).Build(lc)
	if !strings.Contains(got, `Don't say: "`+strings.Repeat("é", 10)+`"`) {
		t.Fatalf("expected original clipped to 10 runes:\n%s", got)
	}
	if !strings.Contains(got, `Say instead: "short"`) {
		t.Fatalf("short text must be kept whole:\n%s", got)
	}
}
