package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/yorkeccak/patentchat/internal/history"
	"github.com/yorkeccak/patentchat/internal/tools"
)

// scriptDecoder replays canned SSE payloads through the SDK's stream type,
// so the orchestrator consumes exactly what it would from the wire.
type scriptDecoder struct {
	events []string
	idx    int
	cur    ssestream.Event
	err    error
}

func (d *scriptDecoder) Next() bool {
	if d.err != nil || d.idx >= len(d.events) {
		return false
	}
	payload := d.events[d.idx]
	d.idx++
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil {
		d.err = err
		return false
	}
	d.cur = ssestream.Event{Type: head.Type, Data: json.RawMessage(payload)}
	return true
}

func (d *scriptDecoder) Event() ssestream.Event { return d.cur }
func (d *scriptDecoder) Close() error           { return nil }
func (d *scriptDecoder) Err() error             { return d.err }

type scriptedStreamer struct {
	mu        sync.Mutex
	scripts   [][]string
	streamErr error
	calls     int
	params    []anthropic.MessageNewParams
}

func (s *scriptedStreamer) NewStreaming(_ context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = append(s.params, params)
	var script []string
	if s.calls < len(s.scripts) {
		script = s.scripts[s.calls]
	}
	s.calls++
	return ssestream.NewStream[anthropic.MessageStreamEventUnion](&scriptDecoder{events: script, err: s.streamErr}, nil)
}

func messageStart() string {
	return `{"type":"message_start","message":{"id":"msg_test","type":"message","role":"assistant","model":"test-model","content":[],"stop_reason":null,"usage":{"input_tokens":10,"output_tokens":0}}}`
}

func textBlock(index int, chunks ...string) []string {
	out := []string{fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"text","text":""}}`, index)}
	for _, c := range chunks {
		data, _ := json.Marshal(c)
		out = append(out, fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":%s}}`, index, data))
	}
	return append(out, fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, index))
}

func toolUseBlock(index int, callID, name, inputJSON string) []string {
	partial, _ := json.Marshal(inputJSON)
	return []string{
		fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"tool_use","id":%q,"name":%q,"input":{}}}`, index, callID, name),
		fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":%s}}`, index, partial),
		fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, index),
	}
}

func messageEnd(stopReason string) []string {
	return []string{
		fmt.Sprintf(`{"type":"message_delta","delta":{"stop_reason":%q,"stop_sequence":null},"usage":{"output_tokens":25}}`, stopReason),
		`{"type":"message_stop"}`,
	}
}

func script(parts ...[]string) []string {
	out := []string{messageStart()}
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// memStorage is an in-memory history.Storage for orchestrator tests.
type memStorage struct {
	mu   sync.Mutex
	msgs map[string][]history.Message
}

func newMemStorage() *memStorage {
	return &memStorage{msgs: map[string][]history.Message{}}
}

func (m *memStorage) GetMessages(_ context.Context, sessionID string) ([]history.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Message{}, m.msgs[sessionID]...), nil
}

func (m *memStorage) ReplaceMessages(_ context.Context, sessionID string, msgs []history.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[sessionID] = append([]history.Message{}, msgs...)
	return nil
}

func (m *memStorage) TouchSession(context.Context, string) error { return nil }

type staticProviders struct {
	list []Provider
	err  error
}

func (s staticProviders) Providers(context.Context) ([]Provider, error) { return s.list, s.err }

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func steppingClock() func() time.Time {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	calls := 0
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return base.Add(time.Duration(calls-1) * time.Second)
	}
}

func echoTool(name string) tools.Tool {
	return tools.Tool{
		Name: name,
		Run: func(_ context.Context, _ string, input json.RawMessage) (string, error) {
			return fmt.Sprintf(`{"echo":%s}`, string(input)), nil
		},
	}
}

func newOrchestratorUnderTest(t *testing.T, providers []Provider, reg *tools.Registry) (*Orchestrator, *memStorage) {
	t.Helper()
	if reg == nil {
		reg = tools.NewRegistry()
	}
	store := newMemStorage()
	o := NewOrchestrator(
		staticProviders{list: providers},
		reg,
		history.NewPersistence(store),
		Config{Clock: steppingClock()},
	)
	return o, store
}

func TestRunStreamsTextAndPersists(t *testing.T) {
	streamer := &scriptedStreamer{scripts: [][]string{
		script(textBlock(0, "Hello ", "world."), messageEnd("end_turn")),
	}}
	o, store := newOrchestratorUnderTest(t, []Provider{{Name: "test", Model: "test-model", Messages: streamer}}, nil)

	rec := &eventRecorder{}
	if err := o.Run(context.Background(), "sess-1", "hi", rec.sink); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []EventType{EventMessageStart, EventTextDelta, EventTextDelta, EventDone}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if rec.events[1].Text+rec.events[2].Text != "Hello world." {
		t.Fatalf("streamed text = %q%q", rec.events[1].Text, rec.events[2].Text)
	}

	msgs, _ := store.GetMessages(context.Background(), "sess-1")
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user+assistant", len(msgs))
	}
	if msgs[0].Role != history.RoleUser || msgs[0].Content[0].Text != "hi" {
		t.Fatalf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != history.RoleAssistant || msgs[1].Content[0].Text != "Hello world." {
		t.Fatalf("assistant message = %+v", msgs[1])
	}
	if msgs[1].ProcessingTimeMs <= 0 {
		t.Fatalf("final assistant message missing processing time")
	}
	if msgs[0].ProcessingTimeMs != 0 {
		t.Fatalf("user message carries processing time")
	}
}

func TestRunExecutesToolCallsBetweenSteps(t *testing.T) {
	streamer := &scriptedStreamer{scripts: [][]string{
		script(
			toolUseBlock(0, "call_a", "slowEcho", `{"query":"solid-state battery"}`),
			toolUseBlock(1, "call_b", "fastEcho", `{"query":"electrolyte"}`),
			messageEnd("tool_use"),
		),
		script(textBlock(0, "Both searches done."), messageEnd("end_turn")),
	}}

	reg := tools.NewRegistry()
	slow := echoTool("slowEcho")
	inner := slow.Run
	slow.Run = func(ctx context.Context, sid string, in json.RawMessage) (string, error) {
		time.Sleep(25 * time.Millisecond)
		return inner(ctx, sid, in)
	}
	reg.Register(slow)
	reg.Register(echoTool("fastEcho"))

	o, store := newOrchestratorUnderTest(t, []Provider{{Name: "test", Model: "test-model", Messages: streamer}}, reg)

	rec := &eventRecorder{}
	if err := o.Run(context.Background(), "sess-1", "search twice", rec.sink); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []EventType{
		EventMessageStart,
		EventToolCall, EventToolCall,
		EventToolResult, EventToolResult,
		EventMessageStart, EventTextDelta,
		EventDone,
	}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	// Results arrive in request order even though the first call is slower.
	if rec.events[3].ToolCallID != "call_a" || rec.events[4].ToolCallID != "call_b" {
		t.Fatalf("result order = %s, %s", rec.events[3].ToolCallID, rec.events[4].ToolCallID)
	}
	if !strings.Contains(rec.events[3].Output, "solid-state battery") {
		t.Fatalf("result not correlated to its call: %q", rec.events[3].Output)
	}

	if streamer.calls != 2 {
		t.Fatalf("model called %d times, want 2", streamer.calls)
	}
	second := streamer.params[1]
	if len(second.Messages) < 3 {
		t.Fatalf("second step has %d messages, want history+assistant+results", len(second.Messages))
	}

	msgs, _ := store.GetMessages(context.Background(), "sess-1")
	if len(msgs) != 3 {
		t.Fatalf("persisted %d messages, want user + 2 assistant", len(msgs))
	}
	toolMsg := msgs[1]
	var gotTypes []history.PartType
	for _, part := range toolMsg.Content {
		gotTypes = append(gotTypes, part.Type)
	}
	wantTypes := []history.PartType{history.PartToolCall, history.PartToolCall, history.PartToolResult, history.PartToolResult}
	if len(gotTypes) != len(wantTypes) {
		t.Fatalf("tool message parts = %v", gotTypes)
	}
	for i := range wantTypes {
		if gotTypes[i] != wantTypes[i] {
			t.Fatalf("part[%d] = %s, want %s", i, gotTypes[i], wantTypes[i])
		}
	}
}

func TestUserMessageDurableBeforeToolExecution(t *testing.T) {
	streamer := &scriptedStreamer{scripts: [][]string{
		script(toolUseBlock(0, "call_1", "checkStore", `{}`), messageEnd("tool_use")),
		script(textBlock(0, "done"), messageEnd("end_turn")),
	}}
	reg := tools.NewRegistry()
	store := newMemStorage()

	var sawUserMessage bool
	reg.Register(tools.Tool{
		Name: "checkStore",
		Run: func(ctx context.Context, sessionID string, _ json.RawMessage) (string, error) {
			msgs, err := store.GetMessages(ctx, sessionID)
			if err != nil {
				return "", err
			}
			for _, m := range msgs {
				if m.Role == history.RoleUser && len(m.Content) > 0 && m.Content[0].Text == "check durability" {
					sawUserMessage = true
				}
			}
			return `{}`, nil
		},
	})

	o := NewOrchestrator(
		staticProviders{list: []Provider{{Name: "test", Model: "test-model", Messages: streamer}}},
		reg,
		history.NewPersistence(store),
		Config{Clock: steppingClock()},
	)
	if err := o.Run(context.Background(), "sess-1", "check durability", func(Event) {}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sawUserMessage {
		t.Fatalf("user message was not durable when the tool executed")
	}
}

func TestRunFallsBackOnModelCompatibility(t *testing.T) {
	local := &scriptedStreamer{streamErr: errors.New("model local-x does not support tool use")}
	hosted := &scriptedStreamer{scripts: [][]string{
		script(textBlock(0, "answer from hosted"), messageEnd("end_turn")),
	}}
	o, _ := newOrchestratorUnderTest(t, []Provider{
		{Name: "local", Model: "local-x", Messages: local},
		{Name: "anthropic", Model: "test-model", Messages: hosted},
	}, nil)

	rec := &eventRecorder{}
	if err := o.Run(context.Background(), "sess-1", "hi", rec.sink); err != nil {
		t.Fatalf("run should succeed via fallback: %v", err)
	}
	var text strings.Builder
	for _, e := range rec.events {
		if e.Type == EventTextDelta {
			text.WriteString(e.Text)
		}
	}
	if text.String() != "answer from hosted" {
		t.Fatalf("text = %q", text.String())
	}
	if hosted.calls != 1 {
		t.Fatalf("hosted provider called %d times", hosted.calls)
	}
}

func TestRunSurfacesStreamFailure(t *testing.T) {
	streamer := &scriptedStreamer{streamErr: errors.New("connection reset")}
	o, _ := newOrchestratorUnderTest(t, []Provider{{Name: "test", Model: "test-model", Messages: streamer}}, nil)

	rec := &eventRecorder{}
	err := o.Run(context.Background(), "sess-1", "hi", rec.sink)
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindInternal {
		t.Fatalf("err = %v", err)
	}
	last := rec.events[len(rec.events)-1]
	if last.Type != EventError || last.ErrorKind != KindInternal {
		t.Fatalf("last event = %+v", last)
	}
}

func TestRunValidatesInput(t *testing.T) {
	o, _ := newOrchestratorUnderTest(t, nil, nil)
	for _, tc := range []struct {
		name          string
		session, text string
	}{
		{"empty session", "", "hi"},
		{"empty message", "sess-1", "   "},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := o.Run(context.Background(), tc.session, tc.text, func(Event) {})
			var ce *Error
			if !errors.As(err, &ce) || ce.Kind != KindValidation {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestRunSendsToolDefinitions(t *testing.T) {
	streamer := &scriptedStreamer{scripts: [][]string{
		script(textBlock(0, "ok"), messageEnd("end_turn")),
	}}
	reg := tools.NewRegistry()
	reg.Register(tools.Tool{
		Name:        "patentSearch",
		Description: "search patents",
		Properties:  map[string]any{"query": map[string]any{"type": "string"}},
		Required:    []string{"query"},
		Run: func(context.Context, string, json.RawMessage) (string, error) {
			return "", nil
		},
	})
	o, _ := newOrchestratorUnderTest(t, []Provider{{Name: "test", Model: "test-model", Messages: streamer}}, reg)

	if err := o.Run(context.Background(), "sess-1", "hi", func(Event) {}); err != nil {
		t.Fatalf("run: %v", err)
	}
	params := streamer.params[0]
	if len(params.Tools) != 1 || params.Tools[0].OfTool == nil {
		t.Fatalf("tools = %+v", params.Tools)
	}
	if params.Tools[0].OfTool.Name != "patentSearch" {
		t.Fatalf("tool name = %q", params.Tools[0].OfTool.Name)
	}
}
