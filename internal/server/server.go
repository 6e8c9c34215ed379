// Package server exposes the daemon's HTTP surface: a websocket event
// stream per session, the control-plane approval endpoints, the
// subprocess-facing blocking tool hook, and generation/history reads.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codecanvas/streamd/internal/approval"
	"github.com/codecanvas/streamd/internal/canvas"
	"github.com/codecanvas/streamd/internal/history"
	"github.com/codecanvas/streamd/internal/metrics"
	"github.com/codecanvas/streamd/internal/protocol"
	"github.com/codecanvas/streamd/internal/runner"
	"github.com/codecanvas/streamd/internal/session"
)

// Server wires the HTTP routes to the core components.
type Server struct {
	registry *session.Registry
	broker   *approval.Broker
	orch     *canvas.Orchestrator
	store    *history.Store
	runner   *runner.Runner
	metrics  *metrics.Metrics
	logger   *zap.Logger

	clientBuffer int

	// conversation id -> owning session id, for history change fan-out.
	convMu       sync.RWMutex
	convSessions map[string]string
}

// New creates the server. metrics may be nil; clientBuffer is the delivery
// buffer per attached websocket client.
func New(reg *session.Registry, broker *approval.Broker, orch *canvas.Orchestrator, store *history.Store, run *runner.Runner, m *metrics.Metrics, clientBuffer int, logger *zap.Logger) *Server {
	if clientBuffer <= 0 {
		clientBuffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		registry:     reg,
		broker:       broker,
		orch:         orch,
		store:        store,
		runner:       run,
		metrics:      m,
		logger:       logger,
		clientBuffer: clientBuffer,
		convSessions: make(map[string]string),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/sessions/{id}", s.handleSessionStream)

	mux.HandleFunc("POST /v1/generations", s.handleStartGeneration)
	mux.HandleFunc("POST /v1/hooks/tool", s.handleToolHook)
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /v1/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /v1/approvals/{id}/decision", s.handleDecideApproval)
	mux.HandleFunc("GET /v1/conversations/{id}/history", s.handleHistory)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type startGenerationRequest struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	Prompt         string `json:"prompt"`
	OriginalCode   string `json:"original_code"`
}

func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	var req startGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ConversationID == "" {
		httpError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	if _, err := s.registry.Create(req.SessionID); err != nil {
		if errors.Is(err, session.ErrSessionExists) {
			httpError(w, http.StatusConflict, "session already exists")
			return
		}
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.convMu.Lock()
	s.convSessions[req.ConversationID] = req.SessionID
	s.convMu.Unlock()

	gen := s.orch.StartGeneration(req.SessionID, req.ConversationID, req.OriginalCode)
	sessionID := req.SessionID

	// The generation outlives this request; detach from its cancellation.
	err := s.runner.Start(context.WithoutCancel(r.Context()), sessionID, req.Prompt, runner.Callbacks{
		OnText: gen.HandleChunk,
		OnRaw: func(stream, line string) {
			s.registry.Append(sessionID, protocol.TypeRawOutput, protocol.RawOutputPayload{
				SessionID: sessionID,
				Stream:    stream,
				Data:      line,
			})
		},
		OnErr: func(message string) {
			s.orch.ReportError(sessionID, message)
		},
		OnExit: func(exitCode int) {
			gen.Complete()
			s.registry.Close(sessionID, exitCode)
		},
	})
	if err != nil {
		s.logger.Error("generator start failed",
			zap.String("session_id", sessionID), zap.Error(err))
		s.orch.ReportError(sessionID, err.Error())
		s.registry.Close(sessionID, -1)
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"session_id":      sessionID,
		"conversation_id": req.ConversationID,
	})
}

type toolHookRequest struct {
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

type toolHookResponse struct {
	Decision     string          `json:"decision"`
	UpdatedInput json.RawMessage `json:"updated_input,omitempty"`
	DenyReason   string          `json:"deny_reason,omitempty"`
}

// handleToolHook is the subprocess-facing blocking handshake: register the
// approval, wait for a human decision (or timeout), answer allow/deny. The
// request blocks for up to the approval timeout.
func (s *Server) handleToolHook(w http.ResponseWriter, r *http.Request) {
	var req toolHookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ToolName == "" {
		httpError(w, http.StatusBadRequest, "tool_name is required")
		return
	}

	outcome := s.orch.RequestApproval(r.Context(), req.SessionID, req.ToolName, req.ToolInput)

	resp := toolHookResponse{Decision: "deny", DenyReason: outcome.DenyReason}
	if outcome.Allowed {
		resp.Decision = "allow"
		resp.UpdatedInput = outcome.ModifiedInput
		resp.DenyReason = ""
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	f := approval.Filter{
		SessionID: r.URL.Query().Get("session_id"),
		Status:    approval.Status(r.URL.Query().Get("status")),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": s.broker.List(f),
	})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req := s.broker.Get(r.PathValue("id"))
	if req == nil {
		httpError(w, http.StatusNotFound, "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decisionRequest struct {
	Action        string          `json:"action"`
	ModifiedInput json.RawMessage `json:"modified_input,omitempty"`
	DenyReason    string          `json:"deny_reason,omitempty"`
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Action != "approve" && req.Action != "deny" {
		httpError(w, http.StatusBadRequest, `action must be "approve" or "deny"`)
		return
	}

	resolved := s.broker.Decide(id, approval.Decision{
		Approve:       req.Action == "approve",
		ModifiedInput: req.ModifiedInput,
		DenyReason:    req.DenyReason,
	})
	if resolved == nil {
		if s.broker.Get(id) == nil {
			httpError(w, http.StatusNotFound, "approval not found")
		} else {
			httpError(w, http.StatusConflict, "approval already decided")
		}
		return
	}

	s.orch.NotifyDecision(resolved)
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"records":         s.store.History(conversationID),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NotifyHistoryChanged is the watcher callback: tell the conversation's
// live session that its history file changed out of band.
func (s *Server) NotifyHistoryChanged(conversationID string) {
	s.convMu.RLock()
	sessionID, ok := s.convSessions[conversationID]
	s.convMu.RUnlock()
	if !ok {
		return
	}
	s.registry.Append(sessionID, protocol.TypeHistoryChanged, protocol.HistoryChangedPayload{
		ConversationID: conversationID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func httpError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
