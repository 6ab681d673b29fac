package agent

import (
	"strings"

	"jarvis/internal/domain"
)

const (
	promptHeader  = "You are JARVIS, a helpful AI assistant that learns and improves."
	promptClosing = "Be helpful, concise, and learn from feedback."

	defaultPromptTruncate = 100
)

// PromptBuilder renders the system prompt for a turn from the learnings
// read at the start of that turn.
type PromptBuilder struct {
	truncateLen int
}

// PromptConfig holds configuration for the prompt builder.
type PromptConfig struct {
	// TruncateLen caps each side of a correction, in runes. Default 100.
	TruncateLen int
}

func NewPromptBuilder(cfg PromptConfig) *PromptBuilder {
	if cfg.TruncateLen <= 0 {
		cfg.TruncateLen = defaultPromptTruncate
	}
	return &PromptBuilder{truncateLen: cfg.TruncateLen}
}

// Build renders the header, learned preferences, past corrections and the
// closing instruction. Empty sections are omitted.
func (pb *PromptBuilder) Build(lc domain.LearningContext) string {
	var sb strings.Builder
	sb.WriteString(promptHeader + "\n\n")

	if len(lc.Preferences) > 0 {
		sb.WriteString("## User Preferences (Learned)\n")
		for _, p := range lc.Preferences {
			sb.WriteString("- " + p.Key + ": " + p.Value + "\n")
		}
		sb.WriteString("\n")
	}

	if len(lc.Corrections) > 0 {
		sb.WriteString("## IMPORTANT: Past Corrections (Never repeat these mistakes)\n")
		for _, c := range lc.Corrections {
			sb.WriteString("- Don't say: \"" + clip(c.OriginalResponse, pb.truncateLen) + "\"\n")
			sb.WriteString("  Say instead: \"" + clip(c.CorrectedResponse, pb.truncateLen) + "\"\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString(promptClosing + "\n")
	return sb.String()
}

// clip keeps the first n runes of s.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
