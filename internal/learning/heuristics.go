package learning

import (
	"sort"
	"strings"

	"jarvis/internal/domain"
)

// Correction categories.
const (
	CategoryTone       = "tone"
	CategoryLength     = "length"
	CategoryComplexity = "complexity"
	CategoryGeneral    = "general"
)

var categoryCues = []struct {
	category string
	cues     []string
}{
	{CategoryTone, []string{"formal", "casual", "polite", "friendly", "tone"}},
	{CategoryLength, []string{"shorter", "brief", "concise", "longer", "more detail"}},
	{CategoryComplexity, []string{"simpler", "simple", "explain", "technical", "jargon"}},
}

// Categorize picks a correction category from cue words in the corrected
// text. The first matching group wins; otherwise it is general.
func Categorize(corrected string) string {
	lower := strings.ToLower(corrected)
	for _, group := range categoryCues {
		for _, cue := range group.cues {
			if strings.Contains(lower, cue) {
				return group.category
			}
		}
	}
	return CategoryGeneral
}

// truncate keeps the first n runes of s.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orderedCategories(present map[domain.PreferenceCategory][]domain.LearnedPreference) []domain.PreferenceCategory {
	var out []domain.PreferenceCategory
	for _, c := range domain.PreferenceCategories {
		if len(present[c]) > 0 {
			out = append(out, c)
		}
	}
	// Unknown categories from older data render last, by name.
	var extra []domain.PreferenceCategory
	for c := range present {
		if !c.Valid() {
			extra = append(extra, c)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

func sortedByConfidence(prefs []domain.LearnedPreference) []domain.LearnedPreference {
	out := append([]domain.LearnedPreference(nil), prefs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// sortedByPriority orders corrections by descending priority, newest first on ties.
func sortedByPriority(cs []domain.Correction) []domain.Correction {
	out := append([]domain.Correction(nil), cs...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
