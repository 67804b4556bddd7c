// Package transport is the only component that parses and emits wire
// formats (REST JSON and WebSocket frames); every other component deals in
// plain Go records. Grounded on the reference gateway's http_server.go
// (bare net/http.ServeMux, no router library) and ws_control_plane.go (the
// per-connection read/write loop and heartbeat shape adapted in ws.go).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tymektm/asystent-server/internal/apperrors"
	"github.com/tymektm/asystent-server/internal/identity"
	"github.com/tymektm/asystent-server/internal/memory"
	"github.com/tymektm/asystent-server/internal/orchestrator"
	"github.com/tymektm/asystent-server/internal/plugins"
	"github.com/tymektm/asystent-server/pkg/models"
)

// Config configures the transport's listen address and reported version.
type Config struct {
	Host    string
	Port    int
	Version string
	Logger  *slog.Logger
}

// Server owns the HTTP and WebSocket surfaces. It holds no business logic
// of its own — every handler validates the request, calls into a
// component, and maps the result (or error) onto the wire.
type Server struct {
	identity     *identity.Service
	memory       *memory.Manager
	plugins      *plugins.Registry
	orchestrator *orchestrator.Orchestrator

	cfg       Config
	logger    *slog.Logger
	startTime time.Time

	httpServer *http.Server
	listener   net.Listener
}

// New wires the transport's component dependencies into a Server.
func New(idSvc *identity.Service, mem *memory.Manager, reg *plugins.Registry, orch *orchestrator.Orchestrator, cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		identity:     idSvc,
		memory:       mem,
		plugins:      reg,
		orchestrator: orch,
		cfg:          cfg,
		logger:       logger,
		startTime:    time.Now(),
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.withAuth(s.handleLogout))
	mux.HandleFunc("POST /api/ai_query", s.withAuth(s.handleAIQuery))
	mux.HandleFunc("POST /api/get_user_history", s.withAuth(s.handleGetUserHistory))
	mux.HandleFunc("GET /plugins", s.withAuth(s.handlePluginsList))
	mux.HandleFunc("POST /plugins/{name}/enable", s.withAuth(s.handlePluginEnable))
	mux.HandleFunc("POST /plugins/{name}/disable", s.withAuth(s.handlePluginDisable))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws/{client_id}", s.handleWS)
	return mux
}

// Start begins serving on cfg.Host:cfg.Port; it returns once the listener
// is bound, serving continues on a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("transport listening", "addr", addr)
	return nil
}

// Stop gracefully shuts the server down, honoring ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type contextKey string

const (
	ctxUserID    contextKey = "user_id"
	ctxSessionID contextKey = "session_id"
	ctxTier      contextKey = "tier"
)

// withAuth requires a bearer session token and injects the resolved
// identity into the request context; every non-public REST endpoint is
// wrapped with it per spec.md §4.G.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		userID, sessionID, err := s.identity.Resume(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired session")
			return
		}
		tier, err := s.identity.UserTier(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unknown user")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxSessionID, sessionID)
		ctx = context.WithValue(ctx, ctxTier, tier)
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime_s": int64(time.Since(s.startTime).Seconds()),
		"version":  s.cfg.Version,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	sessionID, token, userID, err := s.identity.Authenticate(r.Context(), body.Email, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	}
	s.logger.Info("session created", "user_id", userID, "session_id", sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"session_token": token, "user_id": userID})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := r.Context().Value(ctxSessionID).(string)
	if err := s.identity.Revoke(r.Context(), sessionID); err != nil {
		s.logger.Warn("logout revoke failed", "session_id", sessionID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAIQuery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query  string `json:"query"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	authUserID, _ := r.Context().Value(ctxUserID).(string)
	if body.UserID != "" && body.UserID != authUserID {
		writeError(w, http.StatusForbidden, "unauthorized", "token does not belong to the given user_id")
		return
	}
	tier, _ := r.Context().Value(ctxTier).(models.Tier)
	sessionID, _ := r.Context().Value(ctxSessionID).(string)

	reply, err := s.orchestrator.HandleQuery(r.Context(), authUserID, sessionID, body.Query, tier, orchestrator.Options{})
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"text":     reply.Text,
		"metadata": toWireMetadata(reply.Metadata),
	})
}

func (s *Server) handleGetUserHistory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
		Limit  int    `json:"limit"`
		Before string `json:"before"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	authUserID, _ := r.Context().Value(ctxUserID).(string)
	if body.UserID != "" && body.UserID != authUserID {
		writeError(w, http.StatusForbidden, "unauthorized", "token does not belong to the given user_id")
		return
	}

	var before time.Time
	if body.Before != "" {
		parsed, err := time.Parse(time.RFC3339, body.Before)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "before must be RFC3339")
			return
		}
		before = parsed
	}

	turns, err := s.memory.History(r.Context(), authUserID, body.Limit, before)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"turns": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": toWireTurns(turns)})
}

func (s *Server) handlePluginsList(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(ctxUserID).(string)
	descriptors := s.plugins.Discover()
	out := make([]map[string]any, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, map[string]any{
			"name":          d.Name,
			"enabled":       s.plugins.IsEnabled(userID, d.Name),
			"tier_required": d.TierRequired,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePluginEnable(w http.ResponseWriter, r *http.Request) {
	s.togglePlugin(w, r, true)
}

func (s *Server) handlePluginDisable(w http.ResponseWriter, r *http.Request) {
	s.togglePlugin(w, r, false)
}

func (s *Server) togglePlugin(w http.ResponseWriter, r *http.Request, enable bool) {
	userID, _ := r.Context().Value(ctxUserID).(string)
	name := r.PathValue("name")
	var err error
	if enable {
		err = s.plugins.Enable(userID, name)
	} else {
		err = s.plugins.Disable(userID, name)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeOrchestratorError(w http.ResponseWriter, err error) {
	var rl *apperrors.RateLimited
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "rate_limited", rl.Error())
		return
	}
	s.logger.Error("handle_query failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "failed to process query")
}

func toWireTurns(turns []*models.ConversationTurn) []map[string]any {
	out := make([]map[string]any, 0, len(turns))
	for _, t := range turns {
		out = append(out, map[string]any{
			"turn_id":    t.TurnID,
			"role":       t.Role,
			"content":    t.Content,
			"created_at": t.CreatedAt,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "message": message})
}
