// Package api provides the HTTP surface: the lifecycle webhook, the media
// stream upgrade and the read-only session API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/voicebridge/internal/dispatch"
	"github.com/sebas/voicebridge/internal/session"
	"github.com/sebas/voicebridge/internal/supervisor"
)

// maxEventBody bounds a lifecycle webhook body.
const maxEventBody = 64 * 1024

// MediaAcceptor admits an inbound media stream. Implemented by
// supervisor.Supervisor.
type MediaAcceptor interface {
	AcceptNear(w http.ResponseWriter, r *http.Request, callID string)
}

// RelayStatsProvider reports relay counters for /stats.
type RelayStatsProvider interface {
	Stats() supervisor.Stats
}

// Server is the headless HTTP API server.
type Server struct {
	addr       string
	httpServer *http.Server
	store      *session.Store
	dispatcher *dispatch.Dispatcher
	media      MediaAcceptor
	relayStats RelayStatsProvider
	startTime  time.Time
}

// NewServer creates the API server and registers its routes.
func NewServer(addr string, store *session.Store, dispatcher *dispatch.Dispatcher, media MediaAcceptor, relayStats RelayStatsProvider) *Server {
	s := &Server{
		addr:       addr,
		store:      store,
		dispatcher: dispatcher,
		media:      media,
		relayStats: relayStats,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()

	// Health and stats
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	// Call initiation and lifecycle webhook
	mux.HandleFunc("/api/v1/calls", s.handleCalls)
	mux.HandleFunc("/api/v1/events", s.handleEvents)

	// Sessions (read surface)
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/sessions/", s.handleSessionByID)

	// Media stream (WebSocket upgrade)
	mux.HandleFunc("/api/v1/media/", s.handleMedia)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler exposes the route table; used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. Blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	slog.Info("[API] Listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime":          time.Since(s.startTime).Round(time.Second).String(),
		"active_sessions": s.store.Count(),
	}
	if s.relayStats != nil {
		stats["relays"] = s.relayStats.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// createCallRequest is the call-initiation collaborator payload.
type createCallRequest struct {
	CallID          string            `json:"call_id,omitempty"`
	PhoneNumber     string            `json:"phone_number"`
	ConversationRef string            `json:"conversation_ref,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createCallRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PhoneNumber == "" {
		http.Error(w, "phone_number is required", http.StatusBadRequest)
		return
	}

	// Session id and call id are unified; when the telephony vendor has
	// not assigned one yet we mint it here.
	callID := req.CallID
	if callID == "" {
		callID = uuid.New().String()
	}

	sess, err := s.store.Create(callID, req.PhoneNumber, req.Variables)
	if errors.Is(err, session.ErrAlreadyExists) {
		http.Error(w, "call already exists", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "create failed", http.StatusInternalServerError)
		return
	}
	if req.ConversationRef != "" {
		sess, err = s.store.Update(callID, func(cs *session.CallSession) error {
			cs.ConversationRef = req.ConversationRef
			return nil
		})
		if err != nil {
			http.Error(w, "create failed", http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleEvents is the lifecycle webhook. Per the wire contract it always
// acknowledges with 200: a processing failure on our side must never make
// the vendor retry.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeJSON(w, http.StatusOK, dispatch.Ack{Received: true})
		return
	}
	ack := s.dispatcher.Dispatch(raw)
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := s.store.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		sess, err := s.store.Get(id)
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case http.MethodDelete:
		s.dispatcher.TerminateSession(id, session.EventFinished, "ended via API")
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimPrefix(r.URL.Path, "/api/v1/media/")
	if callID == "" || strings.Contains(callID, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.media.AcceptNear(w, r, callID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("[API] Response write failed", "error", err)
	}
}
