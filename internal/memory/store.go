// Package memory is the SQLite-backed store for messages, corrections,
// preferences and daily activity metrics.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"jarvis/internal/domain"

	_ "modernc.org/sqlite"
)

const (
	dateLayout     = "2006-01-02"
	migrateTimeout = 30 * time.Second
)

// SQLiteStore implements domain.MessageStore, domain.LearningStore and
// domain.MetricsStore. Saves replace any record with the same id.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ domain.MessageStore  = (*SQLiteStore)(nil)
	_ domain.LearningStore = (*SQLiteStore)(nil)
	_ domain.MetricsStore  = (*SQLiteStore)(nil)
)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	if err := Migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- messages ---

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg domain.ChatMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		isNew, err := absent(ctx, tx, "messages", msg.ID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO messages (id, conversation_id, role, content, timestamp)
			 VALUES (?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.Timestamp.UnixMilli(),
		); err != nil {
			return fmt.Errorf("save message: %w", err)
		}
		if isNew {
			return bumpMetric(ctx, tx, msg.Timestamp, "total_messages")
		}
		return nil
	})
}

// ListMessages returns the most recent limit messages of a conversation,
// oldest first. A non-positive limit returns all of them.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, timestamp FROM (
			SELECT id, conversation_id, role, content, timestamp
			FROM messages WHERE conversation_id = ?
			ORDER BY timestamp DESC, id DESC LIMIT ?
		 ) ORDER BY timestamp ASC, id ASC`, conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var role string
		var ts int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &ts); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		m.Timestamp = time.UnixMilli(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) CountMessages(ctx context.Context) (int, error) {
	return s.count(ctx, "messages")
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) FirstMessageAt(ctx context.Context) (time.Time, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(timestamp) FROM messages`).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("first message: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ts.Int64), nil
}

// --- corrections ---

func (s *SQLiteStore) SaveCorrection(ctx context.Context, c domain.Correction) error {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		isNew, err := absent(ctx, tx, "corrections", c.ID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO corrections
			 (id, original_response, corrected_response, category, priority, conversation_id, message_id, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.OriginalResponse, c.CorrectedResponse, c.Category, c.Priority,
			c.ConversationID, c.MessageID, c.Timestamp.UnixMilli(),
		); err != nil {
			return fmt.Errorf("save correction: %w", err)
		}
		if isNew {
			return bumpMetric(ctx, tx, c.Timestamp, "corrections")
		}
		return nil
	})
}

// ListCorrections returns corrections by descending priority, newest first
// among equal priorities. A non-positive limit returns all of them.
func (s *SQLiteStore) ListCorrections(ctx context.Context, limit int) ([]domain.Correction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, original_response, corrected_response, category, priority, conversation_id, message_id, timestamp
		 FROM corrections ORDER BY priority DESC, timestamp DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	defer rows.Close()

	var out []domain.Correction
	for rows.Next() {
		var c domain.Correction
		var ts int64
		if err := rows.Scan(&c.ID, &c.OriginalResponse, &c.CorrectedResponse, &c.Category,
			&c.Priority, &c.ConversationID, &c.MessageID, &ts); err != nil {
			return nil, err
		}
		c.Timestamp = time.UnixMilli(ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountCorrections(ctx context.Context) (int, error) {
	return s.count(ctx, "corrections")
}

// --- preferences ---

func (s *SQLiteStore) SavePreference(ctx context.Context, p domain.LearnedPreference) error {
	now := time.Now()
	if p.LearnedAt.IsZero() {
		p.LearnedAt = now
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		isNew, err := absent(ctx, tx, "preferences", p.ID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO preferences
			 (id, category, key, value, confidence, source, learned_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, string(p.Category), p.Key, p.Value, p.Confidence, p.Source,
			p.LearnedAt.UnixMilli(), now.UnixMilli(),
		); err != nil {
			return fmt.Errorf("save preference: %w", err)
		}
		if isNew {
			return bumpMetric(ctx, tx, p.LearnedAt, "preferences_learned")
		}
		return nil
	})
}

// ListPreferences returns every preference by descending confidence,
// newest first among equal confidences.
func (s *SQLiteStore) ListPreferences(ctx context.Context) ([]domain.LearnedPreference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, key, value, confidence, source, learned_at
		 FROM preferences ORDER BY confidence DESC, learned_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()

	var out []domain.LearnedPreference
	for rows.Next() {
		var p domain.LearnedPreference
		var category string
		var ts int64
		if err := rows.Scan(&p.ID, &category, &p.Key, &p.Value, &p.Confidence, &p.Source, &ts); err != nil {
			return nil, err
		}
		p.Category = domain.PreferenceCategory(category)
		p.LearnedAt = time.UnixMilli(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountPreferences(ctx context.Context) (int, error) {
	return s.count(ctx, "preferences")
}

// --- metrics ---

// DailyMetrics returns the most recent days with activity, newest first.
func (s *SQLiteStore) DailyMetrics(ctx context.Context, days int) ([]domain.DailyMetrics, error) {
	if days <= 0 {
		days = 7
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, total_messages, corrections, preferences_learned
		 FROM daily_metrics ORDER BY date DESC LIMIT ?`, days,
	)
	if err != nil {
		return nil, fmt.Errorf("daily metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.DailyMetrics
	for rows.Next() {
		var m domain.DailyMetrics
		if err := rows.Scan(&m.Date, &m.TotalMessages, &m.Corrections, &m.PreferencesLearned); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- helpers ---

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// count and absent interpolate table names; callers pass constants only.
func (s *SQLiteStore) count(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func absent(ctx context.Context, tx *sql.Tx, table, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", table, err)
	}
	return false, nil
}

func bumpMetric(ctx context.Context, tx *sql.Tx, at time.Time, column string) error {
	date := at.Local().Format(dateLayout)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO daily_metrics (date, `+column+`) VALUES (?, 1)
		 ON CONFLICT(date) DO UPDATE SET `+column+` = `+column+` + 1`, date,
	)
	if err != nil {
		return fmt.Errorf("update daily metrics: %w", err)
	}
	return nil
}
