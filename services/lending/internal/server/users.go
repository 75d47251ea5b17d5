package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"bookshare/pkg/domain"
	"bookshare/services/lending/internal/app"
)

// /api/notifications
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		limit = n
	}
	items, err := s.app.ListNotifications(r.Context(), user, q.Get("unread") == "true", limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, items, "")
}

// /api/notifications/read-all and /api/notifications/{id}/read
func (s *Server) handleNotificationPath(w http.ResponseWriter, r *http.Request, user domain.User) {
	parts := splitPath(r.URL.Path, "/api/notifications/")
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	switch {
	case len(parts) == 1 && parts[0] == "read-all":
		n, err := s.app.MarkAllNotificationsRead(r.Context(), user)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, map[string]int{"count": n}, fmt.Sprintf("Marked %d notifications as read", n))
	case len(parts) == 2 && parts[1] == "read":
		n, err := s.app.MarkNotificationRead(r.Context(), user, parts[0])
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, n, "")
	default:
		notFound(w, "not found")
	}
}

type emailAddress struct {
	EmailAddress string `json:"email_address"`
}

// syncRequest is the identity provider's user payload, either bare or
// wrapped in a webhook event.
type syncRequest struct {
	ID             string         `json:"id"`
	EmailAddresses []emailAddress `json:"email_addresses"`
	FirstName      string         `json:"first_name"`
	LastName       string         `json:"last_name"`
	ImageURL       string         `json:"image_url"`
	Data           *syncRequest   `json:"data"`
}

// /api/users/sync is open to the webhook (shared secret) and to a signed-in
// caller syncing their own record.
func (s *Server) handleSyncUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body syncRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if body.Data != nil {
		body = *body.Data
	}
	if !s.webhookAuthorized(r) {
		externalID, err := s.externalID(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		if externalID != strings.TrimSpace(body.ID) {
			writeError(w, http.StatusForbidden, "You can only sync your own account")
			return
		}
	}
	in := app.SyncInput{
		ExternalID:   body.ID,
		FirstName:    body.FirstName,
		LastName:     body.LastName,
		ProfileImage: body.ImageURL,
	}
	if len(body.EmailAddresses) > 0 {
		in.Email = body.EmailAddresses[0].EmailAddress
	}
	user, created, err := s.app.SyncUser(r.Context(), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeData(w, status, user, "")
}

// /api/users/{profile|external/{id}|{id}[/books/shared|borrowed]}
func (s *Server) handleUserPath(w http.ResponseWriter, r *http.Request, caller domain.User) {
	parts := splitPath(r.URL.Path, "/api/users/")
	switch {
	case len(parts) == 1 && parts[0] == "profile":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.writeProfile(w, r, caller)
	case len(parts) == 2 && parts[0] == "external":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		user, err := s.app.ResolveUser(r.Context(), parts[1])
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, user, "")
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			user, err := s.app.GetUser(r.Context(), parts[0])
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			s.writeProfile(w, r, user)
		case http.MethodPut:
			var in app.ProfileUpdate
			if err := decodeJSON(r, &in); err != nil {
				writeError(w, http.StatusBadRequest, "invalid json body")
				return
			}
			user, err := s.app.UpdateProfile(r.Context(), caller, parts[0], in)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeData(w, http.StatusOK, user, "Profile updated successfully")
		default:
			methodNotAllowed(w)
		}
	case len(parts) == 3 && parts[1] == "books":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if _, err := s.app.GetUser(r.Context(), parts[0]); err != nil {
			writeAppError(w, r, err)
			return
		}
		var books []domain.Book
		var err error
		switch parts[2] {
		case "shared":
			books, err = s.app.BooksShared(r.Context(), parts[0])
		case "borrowed":
			books, err = s.app.BooksBorrowed(r.Context(), parts[0])
		default:
			notFound(w, "not found")
			return
		}
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, books, "")
	default:
		notFound(w, "not found")
	}
}

func (s *Server) writeProfile(w http.ResponseWriter, r *http.Request, user domain.User) {
	profile, err := s.app.Profile(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, profile, "")
}
