package patentcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/yorkeccak/patentchat/internal/patentdoc"
)

// SQLite persists the cache so index-addressed reads survive process
// restarts within the expiry window. Timestamps are stored as Unix
// milliseconds so expiry comparisons happen in SQL; metadata is a JSON blob.
type SQLite struct {
	db  *sqlx.DB
	cfg Config
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS patent_cache (
	session_id    TEXT NOT NULL,
	patent_number TEXT NOT NULL,
	patent_index  INTEGER NOT NULL DEFAULT -1,
	title         TEXT NOT NULL DEFAULT '',
	url           TEXT NOT NULL DEFAULT '',
	abstract      TEXT NOT NULL DEFAULT '',
	full_content  TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	PRIMARY KEY (session_id, patent_number)
);

CREATE INDEX IF NOT EXISTS idx_patent_cache_lookup
	ON patent_cache (session_id, patent_index, expires_at);
`

func NewSQLite(db *sqlx.DB, cfg Config) (*SQLite, error) {
	if _, err := db.Exec(cacheSchema); err != nil {
		return nil, fmt.Errorf("create patent_cache schema: %w", err)
	}
	return &SQLite{db: db, cfg: cfg.withDefaults()}, nil
}

func (s *SQLite) now() time.Time { return s.cfg.Clock().UTC() }

func (s *SQLite) InvalidateSessionIndices(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE patent_cache SET patent_index = ? WHERE session_id = ?`,
		InvalidIndex, sessionID)
	return err
}

func (s *SQLite) Upsert(ctx context.Context, e Entry) error {
	now := s.now()
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patent_cache (session_id, patent_number, patent_index, title, url, abstract, full_content, metadata, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, patent_number) DO UPDATE SET
			patent_index = excluded.patent_index,
			title        = excluded.title,
			url          = excluded.url,
			abstract     = excluded.abstract,
			full_content = excluded.full_content,
			metadata     = excluded.metadata,
			created_at   = excluded.created_at,
			expires_at   = excluded.expires_at`,
		e.SessionID, e.PatentNumber, e.PatentIndex, e.Title, e.URL, e.Abstract, e.FullContent,
		string(metaJSON),
		now.UnixMilli(), now.Add(s.cfg.TTL).UnixMilli())
	return err
}

func (s *SQLite) GetByIndex(ctx context.Context, sessionID string, idx int) (Entry, bool, error) {
	if idx < 0 {
		return Entry{}, false, nil
	}
	row := s.db.QueryRowxContext(ctx, `
		SELECT session_id, patent_number, patent_index, title, url, abstract, full_content, metadata, created_at, expires_at
		FROM patent_cache
		WHERE session_id = ? AND patent_index = ? AND expires_at > ?
		ORDER BY created_at DESC
		LIMIT 1`,
		sessionID, idx, s.now().UnixMilli())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *SQLite) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM patent_cache WHERE expires_at <= ?`,
		s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var metaJSON string
	var createdAt, expiresAt int64
	if err := row.Scan(&e.SessionID, &e.PatentNumber, &e.PatentIndex, &e.Title, &e.URL,
		&e.Abstract, &e.FullContent, &metaJSON, &createdAt, &expiresAt); err != nil {
		return Entry{}, err
	}
	var md patentdoc.Metadata
	_ = json.Unmarshal([]byte(metaJSON), &md)
	e.Metadata = md
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return e, nil
}

var _ Store = (*SQLite)(nil)
