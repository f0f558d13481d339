// Package chat runs conversation turns: it selects a model provider, streams
// the model's response, executes requested tool calls between steps, and
// persists the finished turn.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yorkeccak/patentchat/internal/history"
	"github.com/yorkeccak/patentchat/internal/tools"
)

const systemPrompt = "You are a patent research assistant. You search patent databases, read full patent documents, " +
	"run analyses in a Python sandbox, and create charts and data tables. " +
	"Patent search results are cached by index; always read full text through readFullPatent with an index from the " +
	"most recent search. When a tool returns an embed link of the form ![title](ref:id), include it verbatim in your " +
	"response where the artifact should appear. Cite patent numbers when making claims about specific patents."

const (
	defaultMaxToolSteps = 8
	maxTokens           = 8192
	thinkingBudget      = 4096
)

type ProviderSource interface {
	Providers(ctx context.Context) ([]Provider, error)
}

type Config struct {
	MaxToolSteps int
	Clock        func() time.Time
}

type Orchestrator struct {
	providers ProviderSource
	registry  *tools.Registry
	history   *history.Persistence
	cfg       Config
	tracer    trace.Tracer
}

func NewOrchestrator(providers ProviderSource, registry *tools.Registry, hist *history.Persistence, cfg Config) *Orchestrator {
	if cfg.MaxToolSteps <= 0 {
		cfg.MaxToolSteps = defaultMaxToolSteps
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Orchestrator{
		providers: providers,
		registry:  registry,
		history:   hist,
		cfg:       cfg,
		tracer:    otel.Tracer("patentchat/chat"),
	}
}

// Run executes one conversation turn. The user message is persisted before
// any streaming starts; the full turn is persisted again once it completes.
// Events reach the sink in occurrence order.
func (o *Orchestrator) Run(ctx context.Context, sessionID, userText string, sink Sink) error {
	if strings.TrimSpace(sessionID) == "" {
		return NewValidationError("sessionId is required")
	}
	if strings.TrimSpace(userText) == "" {
		return NewValidationError("message is required")
	}

	ctx, span := o.tracer.Start(ctx, "chat.turn",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	start := o.cfg.Clock()

	if _, err := o.history.PersistUserMessage(ctx, sessionID, history.Message{
		Content: []history.Part{{Type: history.PartText, Text: userText}},
	}); err != nil {
		return NewPersistenceError("persist user message: " + err.Error())
	}

	prior, err := o.history.Messages(ctx, sessionID)
	if err != nil {
		return NewPersistenceError("load session history: " + err.Error())
	}
	base := buildMessageParams(prior)

	providers, err := o.providers.Providers(ctx)
	if err != nil {
		return err
	}

	var turn []history.Message
	var runErr error
	for i, p := range providers {
		emitted := false
		counting := func(e Event) {
			emitted = true
			sink(e)
		}
		turn = turn[:0]
		runErr = o.runWithProvider(ctx, p, sessionID, base, counting, &turn)
		if runErr == nil {
			break
		}
		var ce *Error
		canFallBack := i < len(providers)-1 && !emitted
		if canFallBack && errors.As(runErr, &ce) && ce.Kind == KindModelCompatibility {
			log.Printf("provider incompatible provider=%s model=%s session=%s err=%v, trying next",
				p.Name, p.Model, sessionID, runErr)
			continue
		}
		break
	}

	all := append(append([]history.Message{}, prior...), turn...)
	if len(turn) > 0 {
		if err := o.history.PersistTurnResult(ctx, sessionID, all, o.cfg.Clock().Sub(start)); err != nil {
			// The stream already reached the client; losing durability is
			// logged, not surfaced as a turn failure.
			log.Printf("persist turn failed session=%s err=%v", sessionID, err)
		}
	}

	if runErr != nil {
		var ce *Error
		if !errors.As(runErr, &ce) {
			ce = NewInternalError(runErr.Error())
		}
		sink(Event{Type: EventError, Text: ce.Message, ErrorKind: ce.Kind})
		return ce
	}
	sink(Event{Type: EventDone})
	log.Printf("turn complete session=%s provider_messages=%d elapsed=%s",
		sessionID, len(turn), o.cfg.Clock().Sub(start).Round(time.Millisecond))
	return nil
}

func (o *Orchestrator) runWithProvider(ctx context.Context, p Provider, sessionID string, base []anthropic.MessageParam, sink Sink, out *[]history.Message) error {
	msgs := append([]anthropic.MessageParam{}, base...)
	toolDefs := toolParams(o.registry.Definitions())

	for step := 0; step < o.cfg.MaxToolSteps; step++ {
		params := anthropic.MessageNewParams{
			Model:     p.Model,
			MaxTokens: maxTokens,
			System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
			Messages:  msgs,
			Tools:     toolDefs,
		}
		if p.SupportsReasoning {
			params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudget)
		}

		msg, assistant, err := o.streamOne(ctx, p, params, sink)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg.ToParam())

		calls := collectToolCalls(msg, &assistant, sink)
		if msg.StopReason != anthropic.StopReasonToolUse || len(calls) == 0 {
			*out = append(*out, assistant)
			return nil
		}

		dispatchCtx, dispatchSpan := o.tracer.Start(ctx, "chat.tool_dispatch",
			trace.WithAttributes(attribute.Int("tool.calls", len(calls))))
		results := o.registry.Dispatch(dispatchCtx, sessionID, calls)
		dispatchSpan.End()

		resultBlocks := make([]anthropic.ContentBlockParamUnion, 0, len(results))
		for _, r := range results {
			sink(Event{Type: EventToolResult, ToolCallID: r.CallID, ToolName: r.Name, Output: r.Content, IsError: r.IsError})
			assistant.Content = append(assistant.Content, history.Part{
				Type:       history.PartToolResult,
				ToolCallID: r.CallID,
				ToolName:   r.Name,
				Output:     rawOrQuoted(r.Content),
				IsError:    r.IsError,
			})
			resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(r.CallID, r.Content, r.IsError))
		}
		msgs = append(msgs, anthropic.NewUserMessage(resultBlocks...))
		*out = append(*out, assistant)

		if ctx.Err() != nil {
			// In-flight tool calls above were allowed to finish; the next
			// model step is not started on a dead context.
			return NewInternalError("turn cancelled: " + ctx.Err().Error())
		}
	}
	return NewToolExecutionError(fmt.Sprintf("turn exceeded %d tool steps", o.cfg.MaxToolSteps))
}

func (o *Orchestrator) streamOne(ctx context.Context, p Provider, params anthropic.MessageNewParams, sink Sink) (anthropic.Message, history.Message, error) {
	assistant := history.Message{ID: uuid.NewString(), Role: history.RoleAssistant}
	stream := p.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	// message-start is held back until the stream produces something, so a
	// provider that fails outright can be swapped without the client seeing
	// a half-open message.
	started := false
	emit := func(e Event) {
		if !started {
			started = true
			sink(Event{Type: EventMessageStart, MessageID: assistant.ID})
		}
		sink(e)
	}

	var msg anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return msg, assistant, NewInternalError("accumulate stream event: " + err.Error())
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				emit(Event{Type: EventTextDelta, MessageID: assistant.ID, Text: d.Text})
			case anthropic.ThinkingDelta:
				emit(Event{Type: EventReasoningDelta, MessageID: assistant.ID, Text: d.Thinking})
			}
		}
	}
	if err := stream.Err(); err != nil {
		if isModelCompatibilityErr(err) {
			return msg, assistant, NewModelCompatibilityError(fmt.Sprintf("model %s rejected the request: %v", p.Model, err))
		}
		return msg, assistant, NewInternalError("model stream failed: " + err.Error())
	}
	if !started {
		sink(Event{Type: EventMessageStart, MessageID: assistant.ID})
	}

	for _, blk := range msg.Content {
		switch v := blk.AsAny().(type) {
		case anthropic.TextBlock:
			assistant.Content = append(assistant.Content, history.Part{Type: history.PartText, Text: v.Text})
		case anthropic.ThinkingBlock:
			assistant.Content = append(assistant.Content, history.Part{Type: history.PartReasoning, Text: v.Thinking})
		}
	}
	return msg, assistant, nil
}

// collectToolCalls walks the accumulated message for tool_use blocks,
// records them on the assistant history message, and emits one tool-call
// event per block in content order.
func collectToolCalls(msg anthropic.Message, assistant *history.Message, sink Sink) []tools.Call {
	var calls []tools.Call
	for _, blk := range msg.Content {
		v, ok := blk.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			continue
		}
		input := json.RawMessage(v.JSON.Input.Raw())
		calls = append(calls, tools.Call{ID: v.ID, Name: v.Name, Input: input})
		assistant.Content = append(assistant.Content, history.Part{
			Type:       history.PartToolCall,
			ToolCallID: v.ID,
			ToolName:   v.Name,
			Input:      input,
		})
		sink(Event{Type: EventToolCall, MessageID: assistant.ID, ToolCallID: v.ID, ToolName: v.Name, Input: input})
	}
	return calls
}

// buildMessageParams replays stored history as provider messages. Reasoning
// parts are dropped: replayed thinking blocks would need their original
// signatures. Tool results become the user-role messages the API expects.
func buildMessageParams(msgs []history.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		var resultBlocks []anthropic.ContentBlockParamUnion
		for _, part := range m.Content {
			switch part.Type {
			case history.PartText:
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			case history.PartToolCall:
				blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCallID, part.Input, part.ToolName))
			case history.PartToolResult:
				resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(part.ToolCallID, rawToString(part.Output), part.IsError))
			}
		}
		if len(blocks) > 0 {
			if m.Role == history.RoleUser {
				out = append(out, anthropic.NewUserMessage(blocks...))
			} else {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
		if len(resultBlocks) > 0 {
			out = append(out, anthropic.NewUserMessage(resultBlocks...))
		}
	}
	return out
}

func toolParams(defs []tools.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		tp := anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: d.Properties,
				Required:   d.Required,
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tp})
	}
	return out
}

func isModelCompatibilityErr(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"does not support", "unsupported", "not supported",
		"no such model", "model not found", "unknown model",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// rawOrQuoted stores tool output as JSON: passthrough when it already is,
// quoted otherwise.
func rawOrQuoted(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

func rawToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
