package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"jarvis/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sub", "jarvis.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_MessagesOrderedAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)

	// Saved out of order on purpose.
	for _, m := range []domain.ChatMessage{
		{ID: "b", ConversationID: "c1", Role: domain.RoleAssistant, Content: "second", Timestamp: base.Add(time.Second)},
		{ID: "a", ConversationID: "c1", Role: domain.RoleUser, Content: "first", Timestamp: base},
		{ID: "c", ConversationID: "c1", Role: domain.RoleUser, Content: "third", Timestamp: base.Add(2 * time.Second)},
		{ID: "x", ConversationID: "other", Role: domain.RoleUser, Content: "elsewhere", Timestamp: base},
	} {
		if err := s.SaveMessage(ctx, m); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, "c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Content != "first" || msgs[2].Content != "third" {
		t.Fatalf("unexpected order: %+v", msgs)
	}
	if msgs[1].Role != domain.RoleAssistant || !msgs[1].Timestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("fields not round-tripped: %+v", msgs[1])
	}

	// Limit keeps the most recent messages, still oldest first.
	msgs, _ = s.ListMessages(ctx, "c1", 2)
	if len(msgs) != 2 || msgs[0].Content != "second" || msgs[1].Content != "third" {
		t.Fatalf("unexpected limited list: %+v", msgs)
	}

	if n, _ := s.CountMessages(ctx); n != 4 {
		t.Fatalf("expected 4 messages, got %d", n)
	}
	first, _ := s.FirstMessageAt(ctx)
	if !first.Equal(base) {
		t.Fatalf("expected first message at %v, got %v", base, first)
	}
}

func TestStore_SaveMessageLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := domain.NewMessage("c1", domain.RoleUser, "draft")
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	msg.Content = "final"
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	msgs, _ := s.ListMessages(ctx, "c1", 0)
	if len(msgs) != 1 || msgs[0].Content != "final" {
		t.Fatalf("expected single replaced message, got %+v", msgs)
	}
	metrics, _ := s.DailyMetrics(ctx, 1)
	if len(metrics) != 1 || metrics[0].TotalMessages != 1 {
		t.Fatalf("replacement must not be counted twice: %+v", metrics)
	}
}

func TestStore_FirstMessageAtEmpty(t *testing.T) {
	s := newTestStore(t)
	first, err := s.FirstMessageAt(context.Background())
	if err != nil || !first.IsZero() {
		t.Fatalf("expected zero time, got %v (%v)", first, err)
	}
}

func TestStore_DeleteConversationKeepsCorrections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := domain.NewMessage("c1", domain.RoleAssistant, "reply")
	s.SaveMessage(ctx, msg)
	s.SaveMessage(ctx, domain.NewMessage("c2", domain.RoleUser, "keep"))
	s.SaveCorrection(ctx, domain.Correction{ID: "k1", OriginalResponse: "reply", CorrectedResponse: "better", Priority: 0.8, ConversationID: "c1", MessageID: msg.ID})

	n, err := s.DeleteConversation(ctx, "c1")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 deleted, got %d (%v)", n, err)
	}
	if c, _ := s.CountCorrections(ctx); c != 1 {
		t.Fatalf("corrections must survive, got %d", c)
	}
	if m, _ := s.CountMessages(ctx); m != 1 {
		t.Fatalf("other conversations must survive, got %d", m)
	}
}

func TestStore_CorrectionsByPriorityThenRecency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for _, c := range []domain.Correction{
		{ID: "low", OriginalResponse: "a", CorrectedResponse: "b", Category: "general", Priority: 0.5, Timestamp: base.Add(3 * time.Second)},
		{ID: "old", OriginalResponse: "c", CorrectedResponse: "d", Category: "tone", Priority: 0.8, Timestamp: base},
		{ID: "new", OriginalResponse: "e", CorrectedResponse: "f", Category: "length", Priority: 0.8, Timestamp: base.Add(time.Second)},
		{ID: "top", OriginalResponse: "g", CorrectedResponse: "h", Category: "general", Priority: 0.9, Timestamp: base},
	} {
		if err := s.SaveCorrection(ctx, c); err != nil {
			t.Fatalf("SaveCorrection: %v", err)
		}
	}

	got, err := s.ListCorrections(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"top", "new", "old", "low"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: want %s, got %s (%+v)", i, id, got[i].ID, got)
		}
	}
	if got[1].Category != "length" || got[1].Priority != 0.8 {
		t.Fatalf("fields not round-tripped: %+v", got[1])
	}

	limited, _ := s.ListCorrections(ctx, 2)
	if len(limited) != 2 || limited[0].ID != "top" {
		t.Fatalf("unexpected limited corrections: %+v", limited)
	}
	if n, _ := s.CountCorrections(ctx); n != 4 {
		t.Fatalf("expected 4 corrections, got %d", n)
	}
}

func TestStore_PreferencesByConfidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SavePreference(ctx, domain.LearnedPreference{ID: "p1", Category: domain.CategoryPersonalInfo, Key: "name", Value: "Sam", Confidence: 0.7, Source: "cli"})
	s.SavePreference(ctx, domain.LearnedPreference{ID: "p2", Category: domain.CategoryCommunicationStyle, Key: "tone", Value: "casual", Confidence: 0.9})

	prefs, err := s.ListPreferences(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(prefs) != 2 || prefs[0].ID != "p2" || prefs[1].Source != "cli" {
		t.Fatalf("unexpected preferences: %+v", prefs)
	}
	if prefs[1].Category != domain.CategoryPersonalInfo {
		t.Fatalf("category not round-tripped: %q", prefs[1].Category)
	}
	if n, _ := s.CountPreferences(ctx); n != 2 {
		t.Fatalf("expected 2 preferences, got %d", n)
	}
}

func TestStore_DailyMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day1 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.Local)
	day2 := day1.AddDate(0, 0, 1)

	s.SaveMessage(ctx, domain.ChatMessage{ID: "m1", ConversationID: "c", Role: domain.RoleUser, Content: "x", Timestamp: day1})
	s.SaveMessage(ctx, domain.ChatMessage{ID: "m2", ConversationID: "c", Role: domain.RoleUser, Content: "y", Timestamp: day2})
	s.SaveMessage(ctx, domain.ChatMessage{ID: "m3", ConversationID: "c", Role: domain.RoleAssistant, Content: "z", Timestamp: day2})
	s.SaveCorrection(ctx, domain.Correction{ID: "k", OriginalResponse: "z", CorrectedResponse: "w", Priority: 0.8, Timestamp: day2})
	s.SavePreference(ctx, domain.LearnedPreference{ID: "p", Category: domain.CategoryPersonalInfo, Key: "k", Value: "v", Confidence: 0.7, LearnedAt: day1})

	metrics, err := s.DailyMetrics(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 2 {
		t.Fatalf("expected 2 days, got %+v", metrics)
	}
	latest := metrics[0]
	if latest.Date != "2026-05-02" || latest.TotalMessages != 2 || latest.Corrections != 1 || latest.PreferencesLearned != 0 {
		t.Fatalf("unexpected latest day: %+v", latest)
	}
	if metrics[1].TotalMessages != 1 || metrics[1].PreferencesLearned != 1 {
		t.Fatalf("unexpected first day: %+v", metrics[1])
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jarvis.db")
	s, err := NewSQLiteStore(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(context.Background(), domain.NewMessage("c", domain.RoleUser, "persist me")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSQLiteStore(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	msgs, _ := s.ListMessages(context.Background(), "c", 0)
	if len(msgs) != 1 || msgs[0].Content != "persist me" {
		t.Fatalf("expected persisted message after reopen, got %+v", msgs)
	}
}
