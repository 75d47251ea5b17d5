package server

import (
	"net/http"
	"strings"

	"bookshare/pkg/domain"
	"bookshare/services/lending/internal/app"
)

// /api/book-requests
func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.createRequest(w, r, user, "")
}

// createRequest serves both POST /api/book-requests and the
// POST /api/books/{id}/request alias, where bookID comes from the path.
func (s *Server) createRequest(w http.ResponseWriter, r *http.Request, user domain.User, bookID string) {
	var in app.RequestInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if bookID != "" {
		in.BookID = bookID
	}
	if !allowRate(w, r, s.requestLimiter, "user:"+user.ID, "Too many book requests, try again later") {
		return
	}
	req, err := s.app.CreateRequest(r.Context(), user, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, req, "Book request submitted successfully")
}

// /api/book-requests/{owner|requester|user/{userId}|{id}[/status|approve|reject|cancel]}
func (s *Server) handleBookRequestPath(w http.ResponseWriter, r *http.Request, user domain.User) {
	parts := splitPath(r.URL.Path, "/api/book-requests/")
	if len(parts) == 0 {
		notFound(w, "not found")
		return
	}
	switch {
	case len(parts) == 1 && (parts[0] == app.RoleOwner || parts[0] == app.RoleRequester):
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.listRequests(w, r, user.ID, parts[0])
	case len(parts) == 2 && parts[0] == "user":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if parts[1] != user.ID {
			writeError(w, http.StatusForbidden, "You can only view your own requests")
			return
		}
		s.listRequests(w, r, parts[1], r.URL.Query().Get("type"))
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		detail, err := s.app.GetRequest(r.Context(), user, parts[0])
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, detail, "")
	case len(parts) == 2:
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		s.handleRequestAction(w, r, user, parts[0], parts[1])
	default:
		notFound(w, "not found")
	}
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request, userID, role string) {
	items, err := s.app.ListRequests(r.Context(), userID, role)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, items, "")
}

func (s *Server) handleRequestAction(w http.ResponseWriter, r *http.Request, user domain.User, id, action string) {
	var (
		req domain.BookRequest
		err error
		msg string
	)
	switch action {
	case "approve":
		req, err = s.app.ApproveRequest(r.Context(), user, id)
		msg = "Book request accepted successfully"
	case "reject":
		req, err = s.app.RejectRequest(r.Context(), user, id)
		msg = "Book request rejected successfully"
	case "cancel":
		req, err = s.app.CancelRequest(r.Context(), user, id)
		msg = "Book request canceled successfully"
	case "status":
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		req, err = s.app.UpdateRequestStatus(r.Context(), user, id, body.Status)
		msg = "Book request " + strings.ToLower(string(req.Status))
	default:
		notFound(w, "not found")
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, req, msg)
}
