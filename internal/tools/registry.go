// Package tools holds the assistant's tool surface: definitions the model
// sees, and the executors behind them. A turn may request several calls at
// once; Dispatch runs them concurrently and returns results in request order
// so the conversation transcript stays deterministic.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Call is one tool invocation requested by the model.
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Result is the outcome of one call, correlated back by CallID. IsError
// results carry a message the model can act on; they never abort the batch.
type Result struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Tool pairs a JSON-schema definition with its executor. Run receives the
// session id because several tools read or write session-scoped state.
type Tool struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
	Run         func(ctx context.Context, sessionID string, input json.RawMessage) (string, error)
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Definitions returns tools in registration order.
func (r *Registry) Definitions() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Dispatch executes every call concurrently. results[i] always corresponds
// to calls[i], whatever order executions finish in.
func (r *Registry) Dispatch(ctx context.Context, sessionID string, calls []Call) []Result {
	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func(i int, c Call) {
			defer wg.Done()
			results[i] = r.runOne(ctx, sessionID, c)
		}(i, c)
	}
	wg.Wait()
	return results
}

func (r *Registry) runOne(ctx context.Context, sessionID string, c Call) Result {
	r.mu.RLock()
	t, ok := r.tools[c.Name]
	r.mu.RUnlock()
	if !ok {
		return Result{CallID: c.ID, Name: c.Name, IsError: true,
			Content: fmt.Sprintf("unknown tool %q", c.Name)}
	}

	start := time.Now()
	content, err := t.Run(ctx, sessionID, c.Input)
	if err != nil {
		log.Printf("tool call failed tool=%s call=%s session=%s elapsed=%s err=%v",
			c.Name, c.ID, sessionID, time.Since(start).Round(time.Millisecond), err)
		return Result{CallID: c.ID, Name: c.Name, IsError: true, Content: err.Error()}
	}
	log.Printf("tool call ok tool=%s call=%s session=%s elapsed=%s",
		c.Name, c.ID, sessionID, time.Since(start).Round(time.Millisecond))
	return Result{CallID: c.ID, Name: c.Name, Content: content}
}
