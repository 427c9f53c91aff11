// Package httpapi exposes the concierge over HTTP: a synchronous message
// endpoint, conversation reset, attachment upload and a read-only debug API
// over sessions, events and artifacts. The reservation service API lives in
// reservations.go.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/user/tablemate/internal/gateway"
	"github.com/user/tablemate/internal/types"
)

const (
	maxMessageBytes    = 64 << 10
	maxAttachmentBytes = 10 << 20
	defaultEventLimit  = 200
)

// Agent is the part of the gateway the HTTP surface drives.
type Agent interface {
	Ask(ctx context.Context, event *types.InboundEvent) (string, error)
	Reset(ctx context.Context, key types.SessionKey) (bool, error)
	Attach(ctx context.Context, name, mimeType string, data []byte) (types.AttachmentRef, error)
}

// Server is the HTTP handler for the agent API.
type Server struct {
	agent     Agent
	sessions  types.SessionStore
	events    types.EventStore
	artifacts types.ArtifactStore
	timeout   time.Duration
	mux       *http.ServeMux
}

// NewServer creates the agent API. timeout bounds how long POST /v1/messages
// waits for a reply; the stores back the debug API and may be nil.
func NewServer(agent Agent, sessions types.SessionStore, events types.EventStore, artifacts types.ArtifactStore, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	s := &Server{
		agent:     agent,
		sessions:  sessions,
		events:    events,
		artifacts: artifacts,
		timeout:   timeout,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /v1/messages", s.handleMessage)
	s.mux.HandleFunc("POST /v1/conversations/{key}/reset", s.handleReset)
	s.mux.HandleFunc("POST /v1/attachments", s.handleAttachment)
	s.mux.HandleFunc("GET /api/sessions", s.handleAPISessions)
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handleAPISessionEvents)
	s.mux.HandleFunc("GET /api/artifacts/{id}", s.handleAPIArtifact)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// conversationKey maps a client-chosen conversation name to a session key.
func conversationKey(name string) types.SessionKey {
	return types.NewSessionKey("http", name)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// messageRequest is the JSON body for POST /v1/messages.
type messageRequest struct {
	Conversation string                `json:"conversation"`
	UserID       string                `json:"user_id"`
	Text         string                `json:"text"`
	Attachments  []types.AttachmentRef `json:"attachments,omitempty"`
}

type messageResponse struct {
	Conversation string `json:"conversation"`
	Reply        string `json:"reply"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Conversation = strings.TrimSpace(req.Conversation)
	if req.Conversation == "" || (req.Text == "" && len(req.Attachments) == 0) {
		writeError(w, http.StatusBadRequest, "conversation and text are required")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = req.Conversation
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	reply, err := s.agent.Ask(ctx, &types.InboundEvent{
		Source:      "http",
		SessionKey:  conversationKey(req.Conversation),
		UserID:      userID,
		Text:        req.Text,
		Attachments: req.Attachments,
	})
	if errors.Is(err, gateway.ErrLaneFull) {
		writeError(w, http.StatusTooManyRequests, "conversation busy, retry shortly")
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for a reply")
		return
	}
	if err != nil {
		slog.Error("http message failed", "conversation", req.Conversation, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Conversation: req.Conversation, Reply: reply})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("key")
	reset, err := s.agent.Reset(r.Context(), conversationKey(name))
	if err != nil {
		slog.Error("http reset failed", "conversation", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": name, "reset": reset})
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxAttachmentBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty attachment")
		return
	}
	if len(data) > maxAttachmentBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "attachment too large")
		return
	}
	mimeType := r.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	ref, err := s.agent.Attach(r.Context(), r.URL.Query().Get("name"), mimeType, data)
	if err != nil {
		slog.Error("store attachment failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

type sessionResponse struct {
	SessionID   string `json:"session_id"`
	SessionKey  string `json:"session_key"`
	Agent       string `json:"agent"`
	Status      string `json:"status"`
	State       string `json:"state"`
	CloseReason string `json:"close_reason,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	EventCount  int64  `json:"event_count"`
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil || s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "debug API not configured")
		return
	}
	ctx := r.Context()
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		count, err := s.events.Count(ctx, sess.SessionID)
		if err != nil {
			slog.Warn("count events failed", "session_id", sess.SessionID, "error", err)
		}
		result = append(result, sessionResponse{
			SessionID:   string(sess.SessionID),
			SessionKey:  string(sess.SessionKey),
			Agent:       sess.Agent,
			Status:      sess.Status,
			State:       string(sess.State),
			CloseReason: sess.CloseReason,
			CreatedAt:   sess.CreatedAt.Format(time.RFC3339),
			UpdatedAt:   sess.UpdatedAt.Format(time.RFC3339),
			EventCount:  count,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAPISessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "debug API not configured")
		return
	}
	sessionID := types.SessionID(r.PathValue("id"))

	limit := defaultEventLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.events.Tail(r.Context(), sessionID, limit)
	if err != nil {
		slog.Error("tail events failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

type artifactResponse struct {
	Meta *types.ArtifactMeta `json:"meta"`
	Data json.RawMessage     `json:"data"`
}

func (s *Server) handleAPIArtifact(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		writeError(w, http.StatusServiceUnavailable, "debug API not configured")
		return
	}
	id := types.ArtifactID(r.PathValue("id"))
	meta, err := s.artifacts.GetMeta(r.Context(), id)
	if errors.Is(err, types.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		slog.Error("load artifact failed", "artifact_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	data, err := s.artifacts.Get(r.Context(), id)
	if err != nil {
		slog.Error("load artifact failed", "artifact_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, artifactResponse{Meta: meta, Data: data})
}
