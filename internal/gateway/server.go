// Package gateway is the HTTP surface of the execution core: the /api/v1
// routes, JWT auth, and the SSE/WS event streams.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/fanout"
	"github.com/loomhq/loom/internal/id"
	"github.com/loomhq/loom/internal/persistence"
)

// AgentService is the execution core surface the gateway dispatches to.
type AgentService interface {
	HandleMessage(ctx context.Context, rc id.RequestContext, agentCfg *config.AgentConfig, in agent.Incoming) (*persistence.TaskBundle, error)
	CancelTask(ctx context.Context, taskID id.TaskID) (*persistence.TaskBundle, error)
}

// QueryStore is the read/delete surface the gateway serves directly.
type QueryStore interface {
	GetContext(ctx context.Context, ctxID id.ContextID) (*persistence.Context, error)
	GetContextBundle(ctx context.Context, ctxID id.ContextID) ([]persistence.TaskBundle, error)
	GetTaskBundle(ctx context.Context, taskID id.TaskID) (*persistence.TaskBundle, error)
	DeleteTask(ctx context.Context, taskID id.TaskID) error
	ListMessagesByTask(ctx context.Context, taskID id.TaskID) ([]persistence.Message, error)
	GetArtifact(ctx context.Context, artifactID id.ArtifactID) (*persistence.Artifact, error)
	ListArtifactsByTask(ctx context.Context, taskID id.TaskID) ([]persistence.Artifact, error)
}

// Notifier processes inbound sub-agent notifications.
type Notifier interface {
	Handle(ctx context.Context, ctxID id.ContextID, env fanout.Envelope) (string, error)
}

// Server wires the HTTP routes.
type Server struct {
	cfg       *config.Config
	agents    AgentService
	store     QueryStore
	notifier  Notifier
	router    *fanout.Router
	jwtSecret []byte
	logger    *slog.Logger
}

func NewServer(cfg *config.Config, agents AgentService, store QueryStore, notifier Notifier, router *fanout.Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		agents:    agents,
		store:     store,
		notifier:  notifier,
		router:    router,
		jwtSecret: []byte(cfg.JWTSecret),
		logger:    logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/v1/agents/{agent}/{$}", s.withAuth(s.handleSubmitMessage))
	mux.HandleFunc("GET /api/v1/core/contexts/{id}/tasks", s.withAuth(s.handleListContextTasks))
	mux.HandleFunc("GET /api/v1/core/tasks/{id}", s.withAuth(s.handleGetTask))
	mux.HandleFunc("DELETE /api/v1/core/tasks/{id}", s.withAuth(s.handleDeleteTask))
	mux.HandleFunc("POST /api/v1/core/tasks/{id}/cancel", s.withAuth(s.handleCancelTask))
	mux.HandleFunc("GET /api/v1/core/tasks/{id}/messages", s.withAuth(s.handleListTaskMessages))
	mux.HandleFunc("GET /api/v1/core/artifacts/by-task/{id}", s.withAuth(s.handleListTaskArtifacts))
	mux.HandleFunc("GET /api/v1/core/artifacts/{id}", s.withAuth(s.handleGetArtifact))
	mux.HandleFunc("POST /api/v1/core/contexts/{id}/notifications", s.withAuth(s.handleNotification))
	mux.HandleFunc("GET /api/v1/stream/contexts/{id}", s.withAuth(s.handleStreamSSE))
	mux.HandleFunc("GET /api/v1/ws/contexts/{id}", s.withAuth(s.handleStreamWS))
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// a2aMessage is the wire envelope for submitting a message to an agent.
type a2aMessage struct {
	Role      string          `json:"role"`
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id,omitempty"`
	ContextID string          `json:"context_id,omitempty"`
	Kind      string          `json:"kind"`
	Parts     []a2aPart       `json:"parts"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type a2aPart struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

func (m *a2aMessage) text() string {
	var parts []string
	for _, p := range m.Parts {
		if p.Kind == "text" && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	rc, _ := id.FromContext(r.Context())

	agentCfg := s.cfg.Agent(r.PathValue("agent"))
	if agentCfg == nil {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}

	var msg a2aMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed message envelope")
		return
	}
	if msg.Role != "user" || msg.Kind != "message" {
		writeError(w, http.StatusBadRequest, "envelope must be a user message")
		return
	}
	text := msg.text()
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusBadRequest, "message has no text parts")
		return
	}
	rc.ContextID = id.ContextID(msg.ContextID)

	bundle, err := s.agents.HandleMessage(r.Context(), rc, agentCfg, agent.Incoming{
		MessageID:       id.MessageID(msg.ID),
		TaskID:          id.TaskID(msg.TaskID),
		ClientMessageID: msg.ID,
		Text:            text,
		Metadata:        msg.Metadata,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskViewFrom(bundle))
}

func (s *Server) handleListContextTasks(w http.ResponseWriter, r *http.Request) {
	ctxID := id.ContextID(r.PathValue("id"))
	if _, err := s.store.GetContext(r.Context(), ctxID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	bundles, err := s.store.GetContextBundle(r.Context(), ctxID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	views := make([]taskView, 0, len(bundles))
	for i := range bundles {
		views = append(views, taskViewFrom(&bundles[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.store.GetTaskBundle(r.Context(), id.TaskID(r.PathValue("id")))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskViewFrom(bundle))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.Context(), id.TaskID(r.PathValue("id"))); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.agents.CancelTask(r.Context(), id.TaskID(r.PathValue("id")))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskViewFrom(bundle))
}

func (s *Server) handleListTaskMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.ListMessagesByTask(r.Context(), id.TaskID(r.PathValue("id")))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if messages == nil {
		messages = []persistence.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.store.GetArtifact(r.Context(), id.ArtifactID(r.PathValue("id")))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleListTaskArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.store.ListArtifactsByTask(r.Context(), id.TaskID(r.PathValue("id")))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if artifacts == nil {
		artifacts = []persistence.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	ctxID := id.ContextID(r.PathValue("id"))
	if _, err := s.store.GetContext(r.Context(), ctxID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	var env fanout.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed notification")
		return
	}
	notifID, err := s.notifier.Handle(r.Context(), ctxID, env)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "ok",
		"notification_id": notifID,
	})
}

// taskView is the A2A task shape returned to clients.
type taskView struct {
	ID        string                 `json:"id"`
	ContextID string                 `json:"context_id"`
	Status    taskStatusView         `json:"status"`
	History   []persistence.Message  `json:"history"`
	Artifacts []persistence.Artifact `json:"artifacts"`
	Metadata  json.RawMessage        `json:"metadata,omitempty"`
}

type taskStatusView struct {
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func taskViewFrom(b *persistence.TaskBundle) taskView {
	history := b.Messages
	if history == nil {
		history = []persistence.Message{}
	}
	artifacts := b.Artifacts
	if artifacts == nil {
		artifacts = []persistence.Artifact{}
	}
	return taskView{
		ID:        string(b.Task.ID),
		ContextID: string(b.Task.ContextID),
		Status: taskStatusView{
			State:     string(b.Task.Status),
			Message:   b.Task.StatusMessage,
			Timestamp: b.Task.StatusTimestamp,
		},
		History:   history,
		Artifacts: artifacts,
		Metadata:  b.Task.Metadata,
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, persistence.ErrTerminalState):
		writeError(w, http.StatusConflict, "task is in a terminal state")
	case errors.Is(err, fanout.ErrBadEnvelope):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
