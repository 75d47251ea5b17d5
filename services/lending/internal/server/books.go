package server

import (
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"bookshare/pkg/domain"
	"bookshare/services/lending/internal/app"
)

// /api/books
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListBooks(w, r)
	case http.MethodPost:
		s.withUser(s.handleCreateBook).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

// /api/books/{id} and /api/books/{id}/{reviews|return|request}
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/books/")
	if len(parts) == 0 || len(parts) > 2 {
		notFound(w, "not found")
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			book, err := s.app.GetBook(r.Context(), id)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeData(w, http.StatusOK, book, "Book found")
		case http.MethodPut:
			s.withUser(func(w http.ResponseWriter, r *http.Request, user domain.User) {
				s.handleUpdateBook(w, r, user, id)
			}).ServeHTTP(w, r)
		case http.MethodDelete:
			s.withUser(func(w http.ResponseWriter, r *http.Request, user domain.User) {
				if err := s.app.DeleteBook(r.Context(), user, id); err != nil {
					writeAppError(w, r, err)
					return
				}
				writeData(w, http.StatusOK, nil, "Book deleted successfully")
			}).ServeHTTP(w, r)
		default:
			methodNotAllowed(w)
		}
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var next userHandler
	switch parts[1] {
	case "reviews":
		next = func(w http.ResponseWriter, r *http.Request, user domain.User) { s.handleAddReview(w, r, user, id) }
	case "return":
		next = func(w http.ResponseWriter, r *http.Request, user domain.User) { s.handleReturnBook(w, r, user, id) }
	case "request":
		next = func(w http.ResponseWriter, r *http.Request, user domain.User) { s.createRequest(w, r, user, id) }
	default:
		notFound(w, "not found")
		return
	}
	s.withUser(next).ServeHTTP(w, r)
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.BookFilter{
		Genres:          splitList(q["genre"]),
		Location:        strings.TrimSpace(q.Get("location")),
		Language:        strings.TrimSpace(q.Get("language")),
		OwnerID:         strings.TrimSpace(q.Get("owner")),
		CurrentBorrower: strings.TrimSpace(q.Get("currentBorrower")),
		Search:          strings.TrimSpace(q.Get("search")),
	}
	if v := q.Get("status"); v != "" {
		status, err := domain.ParseBookStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid status")
			return
		}
		filter.Status = status
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		filter.Limit = n
	}
	books, err := s.app.ListBooks(r.Context(), filter)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, books, fmt.Sprintf("Found %d books", len(books)))
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	var in app.BookInput
	var uploads []app.Upload
	if isMultipart(r) {
		values, files, cleanup, err := s.readMultipart(w, r)
		if err != nil {
			writeUploadError(w, err)
			return
		}
		defer cleanup()
		if in, err = bookInputFromForm(values); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		uploads = files
	} else if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	book, err := s.app.CreateBook(r.Context(), user, in, uploads)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, book, "Book created successfully")
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	var patch app.BookPatch
	var uploads []app.Upload
	if isMultipart(r) {
		values, files, cleanup, err := s.readMultipart(w, r)
		if err != nil {
			writeUploadError(w, err)
			return
		}
		defer cleanup()
		if patch, err = bookPatchFromForm(values); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		uploads = files
	} else if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	book, err := s.app.UpdateBook(r.Context(), user, id, patch, uploads)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, book, "Book updated successfully")
}

func (s *Server) handleAddReview(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	var in app.ReviewInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	book, err := s.app.AddReview(r.Context(), user, id, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, book, "Review added successfully")
}

func (s *Server) handleReturnBook(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	var body struct {
		BorrowerID string `json:"borrowerId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	book, err := s.app.ReturnBook(r.Context(), user, id, strings.TrimSpace(body.BorrowerID))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, book, "Book has been successfully returned")
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.HasPrefix(mediaType, "multipart/")
}

// readMultipart parses a book form. cleanup closes the image parts and
// removes any temp files the parser created.
func (s *Server) readMultipart(w http.ResponseWriter, r *http.Request) (url.Values, []app.Upload, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes*int64(domain.MaxBookImages)+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, nil, nil, err
	}
	form := r.MultipartForm
	var opened []multipart.File
	cleanup := func() {
		for _, f := range opened {
			_ = f.Close()
		}
		_ = form.RemoveAll()
	}
	headers := form.File["images"]
	if len(headers) > domain.MaxBookImages {
		cleanup()
		return nil, nil, nil, errTooManyImages
	}
	uploads := make([]app.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		opened = append(opened, f)
		uploads = append(uploads, app.Upload{Filename: fh.Filename, Body: f})
	}
	return url.Values(form.Value), uploads, cleanup, nil
}

var errTooManyImages = fmt.Errorf("a book can have at most %d images", domain.MaxBookImages)

func writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
	case errors.Is(err, errTooManyImages):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusBadRequest, "invalid form data")
	}
}

func bookInputFromForm(values url.Values) (app.BookInput, error) {
	in := app.BookInput{
		Title:       values.Get("title"),
		Author:      values.Get("author"),
		Description: values.Get("description"),
		Genre:       splitList(values["genre"]),
		Language:    values.Get("language"),
		Condition:   values.Get("condition"),
		Location:    values.Get("location"),
	}
	var err error
	if in.IsExchangeable, err = formBool(values, "isExchangeable"); err != nil {
		return in, err
	}
	if in.IsDonation, err = formBool(values, "isDonation"); err != nil {
		return in, err
	}
	if v := strings.TrimSpace(values.Get("borrowDuration")); v != "" {
		if in.BorrowDuration, err = strconv.Atoi(v); err != nil {
			return in, errors.New("borrowDuration must be a number")
		}
	}
	return in, nil
}

func bookPatchFromForm(values url.Values) (app.BookPatch, error) {
	var p app.BookPatch
	str := func(key string) *string {
		if _, ok := values[key]; !ok {
			return nil
		}
		v := values.Get(key)
		return &v
	}
	p.Title = str("title")
	p.Author = str("author")
	p.Description = str("description")
	p.Language = str("language")
	p.Condition = str("condition")
	p.Location = str("location")
	if raw, ok := values["genre"]; ok {
		genre := splitList(raw)
		p.Genre = &genre
	}
	for key, dst := range map[string]**bool{"isExchangeable": &p.IsExchangeable, "isDonation": &p.IsDonation} {
		if _, ok := values[key]; !ok {
			continue
		}
		b, err := formBool(values, key)
		if err != nil {
			return p, err
		}
		*dst = &b
	}
	if v := str("borrowDuration"); v != nil {
		n, err := strconv.Atoi(strings.TrimSpace(*v))
		if err != nil {
			return p, errors.New("borrowDuration must be a number")
		}
		p.BorrowDuration = &n
	}
	return p, nil
}

func formBool(values url.Values, key string) (bool, error) {
	v := strings.TrimSpace(values.Get(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", key)
	}
	return b, nil
}

// splitList accepts repeated values and comma separated ones.
func splitList(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
