// Package api hosts the controller's internal HTTP surface: the
// session-validation endpoint Newt calls out-of-band and
// the websocket upgrade endpoints agents use to attach to the C2 bus.
// The HTTP/CLI admin surface that mutates orgs/sites/resources is an
// external collaborator out of scope for this service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mattv8/pangolin/internal/bus"
	"github.com/mattv8/pangolin/internal/sessionauth"
	"github.com/mattv8/pangolin/internal/store"
)

const sessionCookieName = "p_session"

type ServerConfig struct {
	Store     *store.Store
	Bus       *bus.Bus
	Validator *sessionauth.Validator
	Logger    *logrus.Entry
}

type Server struct {
	store     *store.Store
	bus       *bus.Bus
	validator *sessionauth.Validator
	log       *logrus.Entry
	limiter   *rateLimiter
}

func NewServer(cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		store:     cfg.Store,
		bus:       cfg.Bus,
		validator: cfg.Validator,
		log:       log.WithField("component", "api"),
		limiter:   newRateLimiter(120, time.Minute),
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/auth/session/validate", s.handleValidateSession)
	mux.HandleFunc("/api/v1/newt/ws", s.handleNewtConnect)
	mux.HandleFunc("/api/v1/olm/ws", s.handleOlmConnect)
	return s.withMiddleware(mux)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return s.logRequests(s.rateLimit(next))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleValidateSession is the session-validation endpoint. It always
// answers 200 with {valid:false} rather than 401 so Newt
// can distinguish "validated as unauthenticated" from transport
// failure; only a genuine internal fault produces 500.
func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	token := tokenFromRequest(r)
	result, err := s.validator.Validate(r.Context(), token)
	if err != nil {
		s.log.WithError(err).Error("session validation failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"valid": false})
		return
	}
	if !result.Valid {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"userId":    result.UserID,
		"email":     result.Email,
		"expiresAt": result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return ""
}

// handleNewtConnect upgrades the request to a websocket and attaches
// it to the bus as a Newt under the id query parameter, firing the
// sync/bootstrap path. The handshake
// beyond identifying the agent is out of scope.
func (s *Server) handleNewtConnect(w http.ResponseWriter, r *http.Request) {
	s.handleAgentConnect(w, r, bus.Newt)
}

func (s *Server) handleOlmConnect(w http.ResponseWriter, r *http.Request) {
	s.handleAgentConnect(w, r, bus.Olm)
}

func (s *Server) handleAgentConnect(w http.ResponseWriter, r *http.Request, kind bus.AgentKind) {
	agentID := r.URL.Query().Get("id")
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id query parameter is required"})
		return
	}

	if err := s.verifyAgent(r.Context(), kind, agentID); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unknown agent id"})
		return
	}

	conn, err := bus.Upgrade(w, r)
	if err != nil {
		s.log.WithField("agentId", agentID).WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.bus.Attach(agentID, kind, conn)
	bus.ReadLoop(s.bus, agentID, kind, conn)
}

func (s *Server) verifyAgent(ctx context.Context, kind bus.AgentKind, agentID string) error {
	switch kind {
	case bus.Newt:
		_, err := s.store.NewtByID(ctx, agentID)
		return err
	case bus.Olm:
		_, err := s.store.OlmByID(ctx, agentID)
		return err
	}
	return nil
}

func bearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
