// Package relay is the room server collaborating clients connect to. It relays
// page and document events between the members of a project room and is never an
// authoritative merge point.
package relay

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/pagerelay/internal/protocol"
	"github.com/agentworkforce/pagerelay/internal/session"
	"github.com/agentworkforce/pagerelay/internal/transport"
)

type ServerConfig struct {
	JWTSecret       string
	MaxBodyBytes    int64
	MaxMessageBytes int64
	// OriginPatterns are passed to the websocket handshake; empty means same origin.
	OriginPatterns  []string
	WriteTimeout    time.Duration
	SendQueue       int
	RateLimitMax    int
	RateLimitWindow time.Duration
	Logger          Logger
}

type Server struct {
	hub      *Hub
	registry *Registry
	cfg      ServerConfig
	limiter  *rateLimiter
}

func NewServer(registry *Registry) *Server {
	return NewServerWithConfig(registry, ServerConfig{})
}

func NewServerWithConfig(registry *Registry, cfg ServerConfig) *Server {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 8 << 20
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		hub: NewHub(registry, HubOptions{
			WriteTimeout:    cfg.WriteTimeout,
			SendQueue:       cfg.SendQueue,
			RateLimitMax:    cfg.RateLimitMax,
			RateLimitWindow: cfg.RateLimitWindow,
			Logger:          cfg.Logger,
		}),
		registry: registry,
		cfg:      cfg,
		limiter:  limiter,
	}
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/rooms" && r.Method == http.MethodGet {
		s.handleRoom(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "projects" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	projectID := parts[2]

	var route string
	switch {
	case parts[3] == "document" && r.Method == http.MethodGet:
		route = "read_document"
	case parts[3] == "document" && r.Method == http.MethodPut:
		route = "write_document"
	case parts[3] == "pages" && r.Method == http.MethodGet:
		route = "pages"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	user, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if s.limiter != nil && !s.limiter.allow(projectID+"|"+user.UserID, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.limiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "read_document":
		s.handleReadDocument(w, projectID, correlationID)
	case "write_document":
		s.handleWriteDocument(w, r, projectID, correlationID)
	case "pages":
		listing, known := s.registry.FullSync(projectID)
		if !known {
			writeError(w, http.StatusNotFound, "not_found", "no pages recorded for project", correlationID)
			return
		}
		writeJSON(w, http.StatusOK, listing)
	}
}

// handleRoom upgrades to a websocket. Browsers cannot set headers on the
// handshake, so the token may also come from the token query parameter.
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			header = "Bearer " + token
		}
	}
	user, authErr := authorizeBearer(header, s.cfg.JWTSecret)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logf("websocket accept failed: %v", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	s.hub.Serve(r.Context(), transport.WrapWebsocket(conn), user, strings.TrimSpace(r.URL.Query().Get("projectId")))
}

func (s *Server) handleReadDocument(w http.ResponseWriter, projectID, correlationID string) {
	doc, ok := s.registry.Document(projectID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no document stored for project", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleWriteDocument(w http.ResponseWriter, r *http.Request, projectID, correlationID string) {
	var doc protocol.Document
	if !s.decodeJSONBody(w, r, correlationID, &doc) {
		return
	}
	if len(doc.Components) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "components are required", correlationID)
		return
	}
	s.registry.SetDocument(projectID, doc)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func authorizeBearer(authHeader, jwtSecret string) (session.Session, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return session.Session{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	user, err := session.VerifyToken(jwtSecret, authHeader)
	if err != nil {
		return session.Session{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: err.Error(),
		}
	}
	return user, nil
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
