package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id       TEXT PRIMARY KEY,
	created_at       INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	session_id         TEXT    NOT NULL,
	position           INTEGER NOT NULL,
	message_id         TEXT    NOT NULL,
	role               TEXT    NOT NULL,
	content            TEXT    NOT NULL,
	processing_time_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, position)
);
`

// SQLiteStorage keeps sessions and their message sequences in SQLite.
// Message content is stored as a JSON part array per row; timestamps are
// Unix milliseconds.
type SQLiteStorage struct {
	db    *sqlx.DB
	clock func() time.Time
}

func NewSQLiteStorage(db *sqlx.DB, clock func() time.Time) (*SQLiteStorage, error) {
	if clock == nil {
		clock = time.Now
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return &SQLiteStorage{db: db, clock: clock}, nil
}

var _ Storage = (*SQLiteStorage)(nil)

type messageRow struct {
	MessageID        string `db:"message_id"`
	Role             string `db:"role"`
	Content          string `db:"content"`
	ProcessingTimeMs int64  `db:"processing_time_ms"`
}

func (s *SQLiteStorage) GetMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT message_id, role, content, processing_time_ms
		 FROM messages WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: get messages: %w", err)
	}
	msgs := make([]Message, 0, len(rows))
	for _, r := range rows {
		var parts []Part
		if err := json.Unmarshal([]byte(r.Content), &parts); err != nil {
			return nil, fmt.Errorf("history: decode message %s: %w", r.MessageID, err)
		}
		msgs = append(msgs, Message{
			ID:               r.MessageID,
			Role:             Role(r.Role),
			Content:          parts,
			ProcessingTimeMs: r.ProcessingTimeMs,
		})
	}
	return msgs, nil
}

func (s *SQLiteStorage) ReplaceMessages(ctx context.Context, sessionID string, msgs []Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("history: clear messages: %w", err)
	}
	for i, m := range msgs {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return fmt.Errorf("history: encode message %s: %w", m.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, position, message_id, role, content, processing_time_ms)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, i, m.ID, string(m.Role), string(content), m.ProcessingTimeMs)
		if err != nil {
			return fmt.Errorf("history: insert message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit replace: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) TouchSession(ctx context.Context, sessionID string) error {
	now := s.clock().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, created_at, last_activity_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET last_activity_at = excluded.last_activity_at`,
		sessionID, now, now)
	if err != nil {
		return fmt.Errorf("history: touch session: %w", err)
	}
	return nil
}
