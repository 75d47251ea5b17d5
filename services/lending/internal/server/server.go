package server

import (
	"context"
	"crypto/subtle"
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
	"bookshare/services/lending/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// TokenVerifier, when set, turns a bearer token into the caller's identity.
	TokenVerifier  *usertoken.Verifier
	IdentityHeader string
	// WebhookSecret lets the identity provider sync any user.
	WebhookSecret  string
	RequestLimiter *ratelimit.FixedWindow
	MaxUploadBytes int64
	CORSOrigins    []string
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the lending service.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	identityHeader string
	webhookSecret  string
	requestLimiter *ratelimit.FixedWindow
	maxUploadBytes int64
	corsOrigins    []string
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	identityHeader := strings.TrimSpace(cfg.IdentityHeader)
	if identityHeader == "" {
		identityHeader = "X-Clerk-User-Id"
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 5 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		identityHeader: identityHeader,
		webhookSecret:  strings.TrimSpace(cfg.WebhookSecret),
		requestLimiter: cfg.RequestLimiter,
		maxUploadBytes: maxUploadBytes,
		corsOrigins:    cfg.CORSOrigins,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.Chain("lending", s.corsOrigins, s.identityHeader, s.trustedProxies, s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/api/books", s.handleBooks)
	s.mux.HandleFunc("/api/books/", s.handleBookByID)

	s.mux.Handle("/api/book-requests", s.withUser(s.handleCreateRequest))
	s.mux.Handle("/api/book-requests/", s.withUser(s.handleBookRequestPath))

	s.mux.Handle("/api/notifications", s.withUser(s.handleNotifications))
	s.mux.Handle("/api/notifications/", s.withUser(s.handleNotificationPath))

	s.mux.HandleFunc("/api/users/sync", s.handleSyncUser)
	s.mux.Handle("/api/users/", s.withUser(s.handleUserPath))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var errNoIdentity = errors.New("no identity")

// externalID returns the identity-provider id of the caller. A verified
// bearer token wins over the identity header.
func (s *Server) externalID(r *http.Request) (string, error) {
	if s.tokenVerifier != nil {
		if token, ok := bearerToken(r); ok {
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

// allowRate applies limiter to key and writes 429 when the quota is spent.
func allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindow, key, msg string) bool {
	d, err := limiter.Allow(r.Context(), key)
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
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) webhookAuthorized(r *http.Request) bool {
	if s.webhookSecret == "" {
		return false
	}
	got := strings.TrimSpace(r.Header.Get("X-Webhook-Secret"))
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) == 1
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
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
	writeJSON(w, status, envelope{
		Message:   msg,
		Code:      errorCode(status),
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

// writeAppError maps app error kinds to status codes. Anything else is
// logged and reported as an internal error.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, app.ErrValidation), errors.Is(err, app.ErrInvalidState):
		status = http.StatusBadRequest
	case errors.Is(err, app.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, app.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled):
		status = 499
	}
	var appErr *app.Error
	if status == http.StatusInternalServerError || !errors.As(err, &appErr) {
		util.LoggerFromContext(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		if status == 499 {
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeError(w, status, appErr.Message)
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_REQUIRED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "UPLOAD_TOO_LARGE"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
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
