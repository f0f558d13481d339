// Package history persists conversation messages. Reconciliation with durable
// storage happens at exactly two points: right after a user message arrives
// (so a mid-stream disconnect cannot lose it) and again when the assistant
// turn completes, as a full rewrite of the session's message sequence.
package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
)

// Part is one typed segment of a message. Text carries text and reasoning
// parts; the tool fields carry call/result parts. Order within Content is
// significant.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

type Message struct {
	ID               string `json:"id"`
	Role             Role   `json:"role"`
	Content          []Part `json:"content"`
	ProcessingTimeMs int64  `json:"processingTimeMs,omitempty"`
}

// Storage is the durable collaborator. The engine behind it is replaceable;
// this package only depends on these three operations.
type Storage interface {
	GetMessages(ctx context.Context, sessionID string) ([]Message, error)
	ReplaceMessages(ctx context.Context, sessionID string, msgs []Message) error
	TouchSession(ctx context.Context, sessionID string) error
}

type Persistence struct {
	store Storage
}

func NewPersistence(store Storage) *Persistence {
	return &Persistence{store: store}
}

// PersistUserMessage appends the user's message to the session's durable
// sequence before any streaming begins. The stored message (with a valid id)
// is returned.
func (p *Persistence) PersistUserMessage(ctx context.Context, sessionID string, m Message) (Message, error) {
	m.ID = ensureID(m.ID)
	m.Role = RoleUser
	existing, err := p.store.GetMessages(ctx, sessionID)
	if err != nil {
		return m, err
	}
	if err := p.store.ReplaceMessages(ctx, sessionID, append(existing, m)); err != nil {
		return m, err
	}
	return m, p.store.TouchSession(ctx, sessionID)
}

// PersistTurnResult rewrites the whole durable sequence from the in-memory
// turn state, so edits and deletions made during the session stay consistent.
// processingTime is attached only to the final assistant message; values
// already recorded on earlier turns' messages are carried through untouched.
// Malformed message ids are regenerated, never rejected.
func (p *Persistence) PersistTurnResult(ctx context.Context, sessionID string, all []Message, processingTime time.Duration) error {
	msgs := make([]Message, len(all))
	copy(msgs, all)
	lastAssistant := -1
	for i := range msgs {
		msgs[i].ID = ensureID(msgs[i].ID)
		if msgs[i].Role == RoleAssistant {
			lastAssistant = i
		}
	}
	if lastAssistant >= 0 && processingTime > 0 {
		msgs[lastAssistant].ProcessingTimeMs = processingTime.Milliseconds()
	}
	if err := p.store.ReplaceMessages(ctx, sessionID, msgs); err != nil {
		return err
	}
	return p.store.TouchSession(ctx, sessionID)
}

// SyncTranscript replaces the stored sequence with the client's copy, so
// client-side edits and deletions take effect before the next turn runs.
func (p *Persistence) SyncTranscript(ctx context.Context, sessionID string, msgs []Message) error {
	synced := make([]Message, len(msgs))
	copy(synced, msgs)
	for i := range synced {
		synced[i].ID = ensureID(synced[i].ID)
	}
	return p.store.ReplaceMessages(ctx, sessionID, synced)
}

// Messages exposes the stored sequence for session reload.
func (p *Persistence) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	return p.store.GetMessages(ctx, sessionID)
}

func ensureID(id string) string {
	if _, err := uuid.Parse(id); err != nil {
		return uuid.NewString()
	}
	return id
}
