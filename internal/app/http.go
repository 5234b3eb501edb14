package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"neura/api/internal/auth"
	"neura/api/internal/collab"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/collab/ticket", s.authenticated(s.handleIssueTicket)).Methods(http.MethodPost)
	api.HandleFunc("/collab/sessions", s.authenticated(s.handleSessions)).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/history", s.authenticated(s.handleHistory)).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/history/{hash}", s.authenticated(s.handleHistoryAt)).Methods(http.MethodGet)
	api.HandleFunc("/search", s.authenticated(s.handleSearch)).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)

	return s.withMiddleware(router)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Health())
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready, checks := s.service.Ready(ctx)
	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleIssueTicket(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	ticket, ttl, err := s.service.IssueTicket(r.Context(), identity)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":    ticket,
		"expiresIn": int(ttl.Seconds()),
	})
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	sessions, err := s.service.Sessions(r.Context(), identity)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	documentID := mux.Vars(r)["id"]
	commits, err := s.service.History(r.Context(), identity, documentID, queryInt(r, "limit", 50))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId": documentID,
		"commits":    commits,
	})
}

func (s *HTTPServer) handleHistoryAt(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	vars := mux.Vars(r)
	snap, err := s.service.SnapshotAt(r.Context(), identity, vars["id"], vars["hash"])
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	response := map[string]any{
		"documentId": vars["id"],
		"hash":       vars["hash"],
		"text":       snap.Text,
	}
	if json.Valid(snap.State) {
		response["state"] = json.RawMessage(snap.State)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	text := strings.TrimSpace(r.URL.Query().Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(identity, text, queryInt(r, "limit", 20), queryInt(r, "offset", 0)))
}

// handleWebsocket authenticates the upgrade request and hands the connection
// to the gateway for its whole lifetime.
func (s *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := bearerToken(r)
	if token == "" {
		token = query.Get("token")
	}
	identity, err := s.service.HandshakeIdentity(r.Context(), query.Get("ticket"), token)
	if errors.Is(err, errNoCredential) && s.service.cfg.AllowAnonymous {
		err = nil
	}
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	transport := collab.NewWSTransport(conn, s.service.cfg.SendBuffer, s.logger.With().Str("component", "transport").Logger())
	s.service.Gateway().Serve(transport, identity)
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	if s.corsOrigin == "" || s.corsOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.corsOrigin
}

type identityHandler func(w http.ResponseWriter, r *http.Request, identity auth.Identity)

func (s *HTTPServer) authenticated(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		next(w, r, identity)
	}
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		s.writeMappedError(w, r, errUnauthorized)
		return auth.Identity{}, false
	}
	identity, err := s.service.IdentityFromToken(token)
	if err != nil {
		s.writeMappedError(w, r, err)
		return auth.Identity{}, false
	}
	return identity, true
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("request_id", requestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
