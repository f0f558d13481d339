package artifacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Record is the stored form of any artifact; Payload holds the typed chart
// or table JSON.
type Record struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Kind      Kind            `json:"kind"`
	Title     string          `json:"title"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Store struct {
	db    *sqlx.DB
	clock func() time.Time
}

const artifactSchema = `
CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts (session_id, created_at);
`

func NewStore(db *sqlx.DB, clock func() time.Time) (*Store, error) {
	if clock == nil {
		clock = time.Now
	}
	if _, err := db.Exec(artifactSchema); err != nil {
		return nil, fmt.Errorf("create artifacts schema: %w", err)
	}
	return &Store{db: db, clock: clock}, nil
}

// SaveChart validates, assigns a reference id, and persists. The returned id
// is the stable reference for ref: embedding.
func (s *Store) SaveChart(ctx context.Context, c Chart) (string, error) {
	if err := ValidateChart(c); err != nil {
		return "", err
	}
	c.ID = uuid.NewString()
	c.CreatedAt = s.clock().UTC()
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return c.ID, s.insert(ctx, Record{
		ID: c.ID, SessionID: c.SessionID, Kind: KindChart, Title: c.Title,
		Payload: payload, CreatedAt: c.CreatedAt,
	})
}

// SaveTable validates row widths against the header, then persists. On a
// width mismatch nothing is written.
func (s *Store) SaveTable(ctx context.Context, t Table) (string, error) {
	if err := ValidateTable(t.Headers, t.Rows); err != nil {
		return "", err
	}
	t.ID = uuid.NewString()
	t.CreatedAt = s.clock().UTC()
	payload, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return t.ID, s.insert(ctx, Record{
		ID: t.ID, SessionID: t.SessionID, Kind: KindTable, Title: t.Title,
		Payload: payload, CreatedAt: t.CreatedAt,
	})
}

func (s *Store) insert(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (artifact_id, session_id, kind, title, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, string(r.Kind), r.Title, string(r.Payload), r.CreatedAt.UnixMilli())
	return err
}

func (s *Store) Get(ctx context.Context, id string) (Record, bool, error) {
	var r Record
	var kind, payload string
	var createdAt int64
	err := s.db.QueryRowxContext(ctx,
		`SELECT artifact_id, session_id, kind, title, payload, created_at FROM artifacts WHERE artifact_id = ?`,
		id).Scan(&r.ID, &r.SessionID, &kind, &r.Title, &payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	r.Kind = Kind(kind)
	r.Payload = json.RawMessage(payload)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	return r, true, nil
}

// Markdown renders a stored record for export.
func (r Record) Markdown() (string, error) {
	switch r.Kind {
	case KindChart:
		var c Chart
		if err := json.Unmarshal(r.Payload, &c); err != nil {
			return "", err
		}
		return ChartMarkdown(c), nil
	case KindTable:
		var t Table
		if err := json.Unmarshal(r.Payload, &t); err != nil {
			return "", err
		}
		return TableMarkdown(t), nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", r.Kind)
	}
}
