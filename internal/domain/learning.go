package domain

import "time"

// PreferenceCategory is the closed set of preference groupings.
type PreferenceCategory string

const (
	CategoryCommunicationStyle PreferenceCategory = "communication_style"
	CategoryPersonalInfo       PreferenceCategory = "personal_info"
	CategoryTimePreferences    PreferenceCategory = "time_preferences"
	CategoryTopicsOfInterest   PreferenceCategory = "topics_of_interest"
	CategoryCorrections        PreferenceCategory = "corrections"
)

// PreferenceCategories lists every category in rendering order.
var PreferenceCategories = []PreferenceCategory{
	CategoryCommunicationStyle,
	CategoryPersonalInfo,
	CategoryTimePreferences,
	CategoryTopicsOfInterest,
	CategoryCorrections,
}

// Title returns the human-readable section name for the category.
func (c PreferenceCategory) Title() string {
	switch c {
	case CategoryCommunicationStyle:
		return "Communication Style"
	case CategoryPersonalInfo:
		return "Personal Info"
	case CategoryTimePreferences:
		return "Time Preferences"
	case CategoryTopicsOfInterest:
		return "Topics of Interest"
	case CategoryCorrections:
		return "Corrections"
	default:
		return string(c)
	}
}

// Valid reports whether c is one of the known categories.
func (c PreferenceCategory) Valid() bool {
	for _, known := range PreferenceCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Correction records that OriginalResponse should have been CorrectedResponse.
type Correction struct {
	ID                string    `json:"id"`
	OriginalResponse  string    `json:"original_response"`
	CorrectedResponse string    `json:"corrected_response"`
	Category          string    `json:"category"` // tone | length | complexity | general
	Priority          float64   `json:"priority"` // 0..1
	ConversationID    string    `json:"conversation_id"`
	MessageID         string    `json:"message_id"`
	Timestamp         time.Time `json:"timestamp"`
}

// LearnedPreference is a key/value fact about the user.
type LearnedPreference struct {
	ID         string             `json:"id"`
	Category   PreferenceCategory `json:"category"`
	Key        string             `json:"key"`
	Value      string             `json:"value"`
	Confidence float64            `json:"confidence"` // 0..1
	Source     string             `json:"source,omitempty"`
	LearnedAt  time.Time          `json:"learned_at"`
}

// LearningContext is rebuilt from the store on every request; it is never cached.
type LearningContext struct {
	Preferences    []LearnedPreference // descending confidence
	Corrections    []Correction        // descending priority
	DaysSinceStart int
}

// Empty reports whether there is nothing to inject into a prompt.
func (lc LearningContext) Empty() bool {
	return len(lc.Preferences) == 0 && len(lc.Corrections) == 0
}

// DailyMetrics aggregates activity for one calendar day (YYYY-MM-DD).
type DailyMetrics struct {
	Date               string `json:"date"`
	TotalMessages      int    `json:"total_messages"`
	Corrections        int    `json:"corrections"`
	PreferencesLearned int    `json:"preferences_learned"`
}
