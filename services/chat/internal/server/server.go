package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"bookshare/internal/ratelimit"
	"bookshare/internal/usertoken"
	"bookshare/internal/util"
	"bookshare/pkg/domain"
	"bookshare/services/chat/internal/app"
	"bookshare/services/chat/internal/hub"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Hub            *hub.Hub
	TokenVerifier  *usertoken.Verifier
	IdentityHeader string
	// MessageLimiter, when set, caps messages per user over REST and websocket.
	MessageLimiter *ratelimit.FixedWindow
	CORSOrigins    []string
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app            *app.App
	hub            *hub.Hub
	tokenVerifier  *usertoken.Verifier
	identityHeader string
	messageLimiter *ratelimit.FixedWindow
	corsOrigins    []string
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	relay := cfg.Hub
	if relay == nil {
		relay = hub.New(0)
	}
	identityHeader := strings.TrimSpace(cfg.IdentityHeader)
	if identityHeader == "" {
		identityHeader = "X-Clerk-User-Id"
	}
	s := &Server{
		app:            cfg.App,
		hub:            relay,
		tokenVerifier:  cfg.TokenVerifier,
		identityHeader: identityHeader,
		messageLimiter: cfg.MessageLimiter,
		corsOrigins:    cfg.CORSOrigins,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.Chain("chat", s.corsOrigins, s.identityHeader, s.trustedProxies, s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/ws", s.withUser(s.handleSocket))
	s.mux.Handle("/api/messages", s.withUser(s.handleMessages))
	s.mux.Handle("/api/messages/", s.withUser(s.handleMessagePath))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in app.MessageInput
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if !s.allowMessage(w, r, user) {
		return
	}
	msg, err := s.app.SendMessage(r.Context(), user, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if frame, err := json.Marshal(outgoing{Type: frameReceive, Data: msg}); err == nil {
		s.hub.Broadcast(nil, msg.RoomID, frame)
	}
	writeData(w, http.StatusCreated, msg, "Message sent")
}

// /api/messages/rooms, /api/messages/room/{roomId}, /api/messages/room/{roomId}/read
func (s *Server) handleMessagePath(w http.ResponseWriter, r *http.Request, user domain.User) {
	parts := splitPath(r.URL.Path, "/api/messages/")
	switch {
	case len(parts) == 1 && parts[0] == "rooms":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		rooms, err := s.app.Rooms(r.Context(), user)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, rooms, "")
	case len(parts) == 2 && parts[0] == "room":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		msgs, err := s.app.RoomMessages(r.Context(), user, parts[1])
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, msgs, "")
	case len(parts) == 3 && parts[0] == "room" && parts[2] == "read":
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		n, err := s.app.MarkRoomRead(r.Context(), user, parts[1])
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, map[string]int{"count": n}, "Messages marked as read")
	default:
		notFound(w, "not found")
	}
}

// allowMessage applies the per-user message quota and writes 429 when spent.
func (s *Server) allowMessage(w http.ResponseWriter, r *http.Request, user domain.User) bool {
	d, err := s.messageLimiter.Allow(r.Context(), "user:"+user.ID)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("rate limiter unavailable", "err", err, "allowed", d.Allowed)
	}
	if d.Allowed {
		return true
	}
	retry := int(math.Ceil(d.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 60
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "Too many messages, slow down")
	return false
}

var errNoIdentity = errors.New("no identity")

// externalID returns the caller's identity-provider id. Browsers cannot set
// headers on a websocket handshake, so a token query parameter is accepted too.
func (s *Server) externalID(r *http.Request) (string, error) {
	if s.tokenVerifier != nil {
		token, ok := bearerToken(r)
		if !ok {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
			ok = token != ""
		}
		if ok {
			return s.tokenVerifier.VerifySubject(r.Context(), token)
		}
	}
	id := strings.TrimSpace(r.Header.Get(s.identityHeader))
	if id == "" {
		return "", errNoIdentity
	}
	return id, nil
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		externalID, err := s.externalID(r)
		if err != nil {
			if !errors.Is(err, errNoIdentity) {
				util.LoggerFromContext(r.Context()).Info("identity token rejected", "err", err)
			}
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		user, err := s.app.ResolveUser(r.Context(), externalID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		next(w, r, user)
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any, msg string) {
	writeJSON(w, status, envelope{Success: true, Data: data, Message: msg})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	code := "REQUEST_ERROR"
	switch status {
	case http.StatusBadRequest:
		code = "REQUEST_INVALID"
	case http.StatusUnauthorized:
		code = "AUTH_REQUIRED"
	case http.StatusForbidden:
		code = "FORBIDDEN"
	case http.StatusNotFound:
		code = "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		code = "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		code = "RATE_LIMITED"
	case http.StatusInternalServerError:
		code = "SYSTEM_INTERNAL_ERROR"
	}
	writeJSON(w, status, envelope{
		Message:   msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, app.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, app.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, app.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return
	}
	var appErr *app.Error
	if status == http.StatusInternalServerError || !errors.As(err, &appErr) {
		util.LoggerFromContext(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeError(w, status, appErr.Message)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func splitPath(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
