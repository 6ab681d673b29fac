package domain

import (
	"context"
	"time"
)

// MessageStore persists conversation messages.
// Saves are insert-or-replace by ID; listings are ordered by timestamp ascending.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg ChatMessage) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]ChatMessage, error)
	CountMessages(ctx context.Context) (int, error)
	// DeleteConversation removes every message of the conversation and
	// returns how many were removed. Corrections are kept.
	DeleteConversation(ctx context.Context, conversationID string) (int, error)
	// FirstMessageAt returns the timestamp of the oldest message, or the zero
	// time when the store holds none.
	FirstMessageAt(ctx context.Context) (time.Time, error)
}

// LearningStore persists corrections and preferences.
// Corrections list by descending priority (newest first on ties);
// preferences list by descending confidence.
type LearningStore interface {
	SaveCorrection(ctx context.Context, c Correction) error
	ListCorrections(ctx context.Context, limit int) ([]Correction, error)
	CountCorrections(ctx context.Context) (int, error)

	SavePreference(ctx context.Context, p LearnedPreference) error
	ListPreferences(ctx context.Context) ([]LearnedPreference, error)
	CountPreferences(ctx context.Context) (int, error)
}

// MetricsStore exposes the per-day activity partition.
type MetricsStore interface {
	DailyMetrics(ctx context.Context, days int) ([]DailyMetrics, error)
}
