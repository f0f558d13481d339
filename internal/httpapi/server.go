// Package httpapi exposes the chat service over HTTP: a streaming chat
// endpoint plus read access to session history, cached patents, and
// generated artifacts.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yorkeccak/patentchat/internal/artifacts"
	"github.com/yorkeccak/patentchat/internal/chat"
	"github.com/yorkeccak/patentchat/internal/history"
	"github.com/yorkeccak/patentchat/internal/patentcache"
)

const keepAliveInterval = 15 * time.Second

// TurnRunner runs one conversation turn, pushing events at the sink.
type TurnRunner interface {
	Run(ctx context.Context, sessionID, userText string, sink chat.Sink) error
}

// PDFRenderer renders an artifact record to PDF bytes.
type PDFRenderer interface {
	Render(ctx context.Context, rec artifacts.Record) ([]byte, error)
}

type Config struct {
	Orchestrator TurnRunner
	History      *history.Persistence
	Patents      patentcache.Store
	Artifacts    *artifacts.Store
	PDF          PDFRenderer
}

type Server struct {
	cfg Config
}

func NewServer(cfg Config) http.Handler {
	s := &Server{cfg: cfg}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/v1/sessions/", s.handleSessions)
	mux.HandleFunc("/v1/artifacts/", s.handleArtifacts)
	mux.HandleFunc("/v1/health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeChatError(w http.ResponseWriter, err error) {
	var ce *chat.Error
	if errors.As(err, &ce) {
		writeJSON(w, ce.Status, map[string]any{
			"error": map[string]any{"kind": ce.Kind, "message": ce.Message},
		})
		return
	}
	writeJSON(w, 500, map[string]any{
		"error": map[string]any{"kind": chat.KindInternal, "message": err.Error()},
	})
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		writeChatError(w, chat.NewValidationError("read request body: "+err.Error()))
		return
	}
	var req struct {
		SessionID string            `json:"sessionId"`
		Message   string            `json:"message"`
		Messages  []history.Message `json:"messages"`
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		writeChatError(w, chat.NewValidationError("invalid json: "+err.Error()))
		return
	}
	if _, err := uuid.Parse(req.SessionID); err != nil {
		req.SessionID = uuid.NewString()
	}

	// Clients may send the whole transcript; the trailing user message is the
	// new input and everything before it replaces stored history, so edits
	// made client-side carry over.
	if len(req.Messages) > 0 {
		last := req.Messages[len(req.Messages)-1]
		if last.Role != history.RoleUser {
			writeChatError(w, chat.NewValidationError("last message must be from the user"))
			return
		}
		req.Message = textOf(last)
		if err := s.cfg.History.SyncTranscript(r.Context(), req.SessionID, req.Messages[:len(req.Messages)-1]); err != nil {
			writeChatError(w, chat.NewPersistenceError("sync transcript: "+err.Error()))
			return
		}
	}
	if strings.TrimSpace(req.Message) == "" {
		writeChatError(w, chat.NewValidationError("message is required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeChatError(w, chat.NewInternalError("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	events := make(chan chat.Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.cfg.Orchestrator.Run(ctx, req.SessionID, req.Message, func(e chat.Event) {
			select {
			case events <- e:
			case <-ctx.Done():
			}
		})
	}()

	bw := bufio.NewWriter(w)
	seq := 0
	writeFrame := func(event string, data any) bool {
		blob, err := json.Marshal(data)
		if err != nil {
			return true
		}
		seq++
		if _, err := fmt.Fprintf(bw, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, blob); err != nil {
			return false
		}
		if err := bw.Flush(); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeFrame("session", map[string]string{"sessionId": req.SessionID}) {
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := bw.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			if err := bw.Flush(); err != nil {
				return
			}
			flusher.Flush()
		case e := <-events:
			if !writeFrame(string(e.Type), e) {
				return
			}
			if e.Type == chat.EventDone || e.Type == chat.EventError {
				<-done
				return
			}
		}
	}
}

func textOf(m history.Message) string {
	var b strings.Builder
	for _, part := range m.Content {
		if part.Type == history.PartText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 2 && parts[1] == "messages":
		s.handleSessionMessages(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "patents":
		s.handleSessionPatent(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	msgs, err := s.cfg.History.Messages(r.Context(), sessionID)
	if err != nil {
		writeChatError(w, chat.NewPersistenceError(err.Error()))
		return
	}
	// Artifact refs in stored text become fetchable URLs on the way out.
	for i := range msgs {
		for j := range msgs[i].Content {
			if msgs[i].Content[j].Type == history.PartText {
				msgs[i].Content[j].Text = artifacts.RewriteRefs(msgs[i].Content[j].Text, "/v1/artifacts")
			}
		}
	}
	writeJSON(w, 200, map[string]any{"sessionId": sessionID, "messages": msgs})
}

func (s *Server) handleSessionPatent(w http.ResponseWriter, r *http.Request, sessionID, rawIndex string) {
	idx, err := strconv.Atoi(rawIndex)
	if err != nil {
		writeChatError(w, chat.NewValidationError("patent index must be an integer"))
		return
	}
	entry, ok, err := s.cfg.Patents.GetByIndex(r.Context(), sessionID, idx)
	if err != nil {
		writeChatError(w, chat.NewInternalError(err.Error()))
		return
	}
	if !ok {
		writeJSON(w, 404, map[string]any{
			"error": map[string]any{
				"kind":    chat.KindCacheMiss,
				"message": fmt.Sprintf("no cached patent at index %d for session %s", idx, sessionID),
			},
		})
		return
	}
	writeJSON(w, 200, entry)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/artifacts/"), "/")
	id, wantPDF := rest, false
	if strings.HasSuffix(rest, "/pdf") {
		id, wantPDF = strings.TrimSuffix(rest, "/pdf"), true
	}
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	rec, ok, err := s.cfg.Artifacts.Get(r.Context(), id)
	if err != nil {
		writeChatError(w, chat.NewInternalError(err.Error()))
		return
	}
	if !ok {
		writeJSON(w, 404, map[string]any{
			"error": map[string]any{"kind": chat.KindValidation, "message": "artifact not found"},
		})
		return
	}

	if wantPDF {
		if s.cfg.PDF == nil {
			writeChatError(w, chat.NewInternalError("pdf rendering not configured"))
			return
		}
		blob, err := s.cfg.PDF.Render(r.Context(), rec)
		if err != nil {
			writeChatError(w, chat.NewInternalError("render pdf: "+err.Error()))
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Title+".pdf"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(blob)
		return
	}

	markdown, err := rec.Markdown()
	if err != nil {
		writeChatError(w, chat.NewInternalError(err.Error()))
		return
	}
	writeJSON(w, 200, map[string]any{
		"id":        rec.ID,
		"sessionId": rec.SessionID,
		"kind":      rec.Kind,
		"title":     rec.Title,
		"payload":   rec.Payload,
		"markdown":  markdown,
		"createdAt": rec.CreatedAt,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "status": "healthy"})
}
