// Package patentcache is the session-scoped cache of full patent documents
// behind the two-phase search-then-deep-read workflow. A search caches each
// result under its batch position (0..19); a later read addresses the cached
// document by that index. Indices are only meaningful relative to the most
// recent search, so every new search invalidates all prior indices for the
// session before caching anything.
package patentcache

import (
	"context"
	"sync"
	"time"

	"github.com/yorkeccak/patentchat/internal/patentdoc"
)

// InvalidIndex marks an entry whose index was superseded by a newer search.
// The content stays cached until expiry but is no longer index-addressable.
const InvalidIndex = -1

// DefaultTTL is how long a cached document stays readable after its last
// upsert.
const DefaultTTL = time.Hour

// Entry is one cached patent document. The natural key is
// (SessionID, PatentNumber); PatentIndex is the position in the most recent
// search batch.
type Entry struct {
	SessionID    string             `json:"sessionId" db:"session_id"`
	PatentNumber string             `json:"patentNumber" db:"patent_number"`
	PatentIndex  int                `json:"patentIndex" db:"patent_index"`
	Title        string             `json:"title" db:"title"`
	URL          string             `json:"url" db:"url"`
	Abstract     string             `json:"abstract" db:"abstract"`
	FullContent  string             `json:"fullContent" db:"full_content"`
	Metadata     patentdoc.Metadata `json:"metadata"`
	CreatedAt    time.Time          `json:"createdAt"`
	ExpiresAt    time.Time          `json:"expiresAt"`
}

// Store is the cache contract. All operations are best-effort from the
// conversation's point of view: a store failure degrades deep-read, it must
// never abort a turn. No operation ever crosses sessions.
type Store interface {
	// InvalidateSessionIndices marks every entry for the session as
	// index-invalid without deleting content. Idempotent. Must be called
	// before any new search results are cached for the session.
	InvalidateSessionIndices(ctx context.Context, sessionID string) error

	// Upsert inserts a new entry or, when (sessionID, patentNumber) exists,
	// replaces its index and content and refreshes the expiry clock.
	Upsert(ctx context.Context, e Entry) error

	// GetByIndex returns the most recently created unexpired entry whose
	// current index equals idx. ok=false covers never-cached, invalidated by
	// a newer search, and expired alike; the store cannot always tell them
	// apart cheaply, so callers phrase the miss message accordingly.
	GetByIndex(ctx context.Context, sessionID string, idx int) (Entry, bool, error)

	// SweepExpired deletes entries past their expiry and reports how many were
	// removed. Opportunistic; GetByIndex never returns expired entries whether
	// or not a sweep has run.
	SweepExpired(ctx context.Context) (int, error)
}

type Config struct {
	TTL   time.Duration
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Memory is the in-memory Store. It backs tests and single-process
// deployments; SQLite provides the durable variant.
type Memory struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]map[string]*Entry
}

func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:      cfg.withDefaults(),
		sessions: map[string]map[string]*Entry{},
	}
}

func (m *Memory) now() time.Time { return m.cfg.Clock().UTC() }

func (m *Memory) InvalidateSessionIndices(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.sessions[sessionID] {
		e.PatentIndex = InvalidIndex
	}
	return nil
}

func (m *Memory) Upsert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	byNumber := m.sessions[e.SessionID]
	if byNumber == nil {
		byNumber = map[string]*Entry{}
		m.sessions[e.SessionID] = byNumber
	}
	if existing, ok := byNumber[e.PatentNumber]; ok {
		existing.PatentIndex = e.PatentIndex
		existing.Title = e.Title
		existing.URL = e.URL
		existing.Abstract = e.Abstract
		existing.FullContent = e.FullContent
		existing.Metadata = e.Metadata
		existing.CreatedAt = now
		existing.ExpiresAt = now.Add(m.cfg.TTL)
		return nil
	}
	e.CreatedAt = now
	e.ExpiresAt = now.Add(m.cfg.TTL)
	byNumber[e.PatentNumber] = &e
	return nil
}

func (m *Memory) GetByIndex(_ context.Context, sessionID string, idx int) (Entry, bool, error) {
	if idx < 0 {
		return Entry{}, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var best *Entry
	for _, e := range m.sessions[sessionID] {
		if e.PatentIndex != idx {
			continue
		}
		if !e.ExpiresAt.After(now) {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) {
			best = e
		}
	}
	if best == nil {
		return Entry{}, false, nil
	}
	return *best, true, nil
}

func (m *Memory) SweepExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for sid, byNumber := range m.sessions {
		for num, e := range byNumber {
			if !e.ExpiresAt.After(now) {
				delete(byNumber, num)
				removed++
			}
		}
		if len(byNumber) == 0 {
			delete(m.sessions, sid)
		}
	}
	return removed, nil
}

var _ Store = (*Memory)(nil)
