// Package testutil provides a fake backend for pathwatch tests: the REST
// API and the WebSocket push channel served from a fixture over httptest.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/fixture"
	"github.com/Iron-Ham/pathwatch/internal/model"
)

// Server is a fake backend. Token, when set, is required as a bearer token
// on every request including the push upgrade.
type Server struct {
	*httptest.Server
	Backend *fixture.Backend
	Token   string

	mu    sync.Mutex
	conns map[*websocket.Conn]context.CancelFunc
	hits  map[string]int
	ready chan struct{}
}

// NewServer starts a fake backend over b and closes it when the test ends.
func NewServer(t *testing.T, b *fixture.Backend) *Server {
	t.Helper()
	s := &Server{
		Backend: b,
		conns:   make(map[*websocket.Conn]context.CancelFunc),
		hits:    make(map[string]int),
		ready:   make(chan struct{}, 16),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(func() {
		s.DropConnections()
		s.Close()
	})
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.count, s.auth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/paths", s.listPaths)
		r.Get("/paths/{id}", s.getPath)
		r.Post("/paths/{id}/activate", s.activatePath)
		r.Get("/jobs/{id}", s.getJob)
		r.Post("/jobs/{id}/cancel", s.cancelJob)
		r.Post("/jobs/{id}/restart", s.restartJob)
		r.Get("/chat/threads/{id}", s.getThread)
		r.Get("/chat/threads/{id}/messages", s.listMessages)
		r.Post("/chat/threads/{id}/messages", s.sendMessage)
		r.Post("/nodes/{id}/doc/patch", s.patchBlock)
	})
	r.Get("/ws", s.push)
	return r
}

// PushURL returns the ws:// address of the push channel.
func (s *Server) PushURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// Hits returns how many requests matched the route pattern, e.g.
// "GET /api/paths".
func (s *Server) Hits(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

// WaitConnected blocks until a push client has connected or the timeout
// elapses.
func (s *Server) WaitConnected(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.ready:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a push connection")
	}
}

// Push sends env to every connected push client.
func (s *Server) Push(t *testing.T, env model.Envelope) {
	t.Helper()
	frame, err := json.Marshal(map[string]any{
		"channel": env.Channel,
		"event":   env.Event,
		"data":    env.Data,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, frame); err != nil {
			t.Logf("push write failed: %v", err)
		}
	}
}

// DropConnections closes every push connection, simulating a network drop.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[*websocket.Conn]context.CancelFunc)
	s.mu.Unlock()
	for c, cancel := range conns {
		_ = c.Close(websocket.StatusGoingAway, "dropped")
		cancel()
	}
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			s.mu.Lock()
			s.hits[r.Method+" "+rctx.RoutePattern()]++
			s.mu.Unlock()
		}
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conns[conn] = cancel
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}

	// Discard anything the client sends; the read also notices closes.
	ctx = conn.CloseRead(ctx)
	<-ctx.Done()

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	cancel()
}

func (s *Server) listPaths(w http.ResponseWriter, r *http.Request) {
	paths, err := s.Backend.ListPaths(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(paths))
	for _, p := range paths {
		out = append(out, pathJSON(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": out})
}

func (s *Server) getPath(w http.ResponseWriter, r *http.Request) {
	p, err := s.Backend.GetPath(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": pathJSON(p)})
}

func (s *Server) activatePath(w http.ResponseWriter, r *http.Request) {
	p, err := s.Backend.ActivatePath(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": pathJSON(p)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.Backend.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": jobJSON(j)})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.Backend.CancelJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) restartJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.Backend.RestartJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": jobJSON(j)})
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request) {
	th, msgs, err := s.Backend.GetThread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread":   map[string]any{"id": th.ID, "title": th.Title, "path_id": th.PathID, "job_id": th.JobID},
		"messages": messagesJSON(msgs),
	})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.Backend.ListMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messagesJSON(msgs)})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content        string `json:"content"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid body"))
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = body.IdempotencyKey
	}
	res, err := s.Backend.SendMessage(r.Context(), chi.URLParam(r, "id"), body.Content, key)
	if err != nil {
		writeError(w, err)
		return
	}
	out := map[string]any{}
	if res.UserMessage != nil {
		out["user_message"] = messageJSON(res.UserMessage)
	}
	if res.AssistantMessage != nil {
		out["assistant_message"] = messageJSON(res.AssistantMessage)
	}
	if res.Job.ID != "" {
		out["job"] = jobJSON(res.Job)
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) patchBlock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BlockID     string `json:"block_id"`
		Action      string `json:"action"`
		Instruction string `json:"instruction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid body"))
		return
	}
	j, err := s.Backend.PatchBlock(r.Context(), chi.URLParam(r, "id"), model.BlockPatch{
		BlockID:     body.BlockID,
		Action:      body.Action,
		Instruction: body.Instruction,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": jobJSON(j)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(msg string) map[string]any {
	return map[string]any{"error": map[string]any{"message": msg}}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	var ce *errors.CommandError
	switch {
	case errors.Is(err, errors.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &ce):
		status = http.StatusConflict
		if ce.StatusCode != 0 {
			status = ce.StatusCode
		}
		if cause := errors.Unwrap(err); cause != nil {
			msg = cause.Error()
		}
	}
	writeJSON(w, status, errorBody(msg))
}

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func pathJSON(p *model.Path) map[string]any {
	return map[string]any{
		"id":              p.ID,
		"job_id":          p.JobID,
		"title":           p.Title,
		"description":     p.Description,
		"status":          string(p.Status),
		"stage":           p.Stage,
		"progress":        p.Progress,
		"message":         p.Message,
		"error":           p.Error,
		"material_set_id": p.MaterialSetID,
		"activated_at":    ts(p.ActivatedAt),
		"created_at":      ts(p.CreatedAt),
		"updated_at":      ts(p.UpdatedAt),
	}
}

func jobJSON(j model.Job) map[string]any {
	return map[string]any{
		"id":         j.ID,
		"job_type":   j.Type,
		"status":     string(j.Status),
		"stage":      j.Stage,
		"progress":   j.Progress,
		"message":    j.Message,
		"error":      j.Error,
		"result":     j.Result,
		"entity_id":  j.EntityID,
		"created_at": ts(j.CreatedAt),
		"updated_at": ts(j.UpdatedAt),
	}
}

func messageJSON(m *model.ChatMessage) map[string]any {
	return map[string]any{
		"id":              m.ID,
		"thread_id":       m.ThreadID,
		"seq":             m.Seq,
		"role":            m.Role,
		"status":          string(m.Status),
		"content":         m.Content,
		"error":           m.Error,
		"attempt":         m.Attempt,
		"idempotency_key": m.IdempotencyKey,
		"created_at":      ts(m.CreatedAt),
	}
}

func messagesJSON(msgs []*model.ChatMessage) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON(m))
	}
	return out
}
