package chat

import "encoding/json"

type EventType string

const (
	EventMessageStart   EventType = "message-start"
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventToolCall       EventType = "tool-call"
	EventToolResult     EventType = "tool-result"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// Event is one frame of a streamed turn. The sink receives events in exactly
// the order they occurred; transports must not reorder them.
type Event struct {
	Type       EventType       `json:"type"`
	MessageID  string          `json:"messageId,omitempty"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	ErrorKind  string          `json:"errorKind,omitempty"`
}

// Sink consumes events synchronously. A slow sink backpressures the turn.
type Sink func(Event)
