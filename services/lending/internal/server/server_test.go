package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bookshare/internal/ratelimit"
	"bookshare/pkg/domain"
	"bookshare/pkg/store"
	"bookshare/services/lending/internal/app"
)

type memObjects struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = true
	return nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *memObjects) URL(key string) string { return "http://images.local/" + key }

func (m *memObjects) KeyFromURL(u string) (string, bool) {
	return strings.CutPrefix(u, "http://images.local/")
}

type testEnv struct {
	srv   *httptest.Server
	store *store.MemoryStore
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	core, err := app.New(app.Config{
		Store:     st,
		Objects:   &memObjects{keys: map[string]bool{}},
		UploadDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg := Config{App: core, WebhookSecret: "hook-secret"}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st}
}

func (e *testEnv) seedUser(t *testing.T, id, first string) domain.User {
	t.Helper()
	u := domain.User{ID: id, ExternalID: "ext_" + id, Email: id + "@example.com", FirstName: first, LastName: "Test"}
	if err := e.store.SaveUser(u); err != nil {
		t.Fatalf("save user: %v", err)
	}
	return u
}

func (e *testEnv) seedBook(t *testing.T, id, ownerID string) {
	t.Helper()
	b := domain.Book{ID: id, OwnerID: ownerID, Title: "Beloved", Author: "Toni Morrison", Condition: domain.ConditionGood, Status: domain.BookAvailable, BorrowDuration: 14}
	if err := e.store.SaveBook(b); err != nil {
		t.Fatalf("save book: %v", err)
	}
}

type response struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	Code      string          `json:"code"`
	RequestID string          `json:"requestId"`
}

func (e *testEnv) do(t *testing.T, method, path, externalID string, body any) (int, response, http.Header) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if externalID != "" {
		req.Header.Set("X-Clerk-User-Id", externalID)
	}
	return send(t, req)
}

func send(t *testing.T, req *http.Request) (int, response, http.Header) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", req.Method, req.URL.Path, err)
	}
	return resp.StatusCode, out, resp.Header
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestIdentityRequired(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body, hdr := env.do(t, http.MethodGet, "/api/notifications", "", nil)
	if status != http.StatusUnauthorized || body.Success || body.Message != "Authentication required" {
		t.Fatalf("no identity = %d %+v", status, body)
	}
	if body.RequestID == "" || body.RequestID != hdr.Get("X-Request-Id") {
		t.Fatalf("request id = %q, header %q", body.RequestID, hdr.Get("X-Request-Id"))
	}

	status, body, _ = env.do(t, http.MethodGet, "/api/notifications", "ext_ghost", nil)
	if status != http.StatusNotFound || body.Message != "User not found" {
		t.Fatalf("unknown user = %d %+v", status, body)
	}
}

func TestLendingFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedUser(t, "owner", "Olivia")
	env.seedUser(t, "reader", "Rui")
	env.seedBook(t, "b1", "owner")

	status, body, _ := env.do(t, http.MethodPost, "/api/book-requests", "ext_reader", map[string]any{"bookId": "b1", "requestType": "Borrow"})
	if status != http.StatusCreated || !body.Success || body.Message != "Book request submitted successfully" {
		t.Fatalf("create request = %d %+v", status, body)
	}
	var req domain.BookRequest
	if err := json.Unmarshal(body.Data, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}

	status, body, _ = env.do(t, http.MethodPut, "/api/book-requests/"+req.ID+"/approve", "ext_reader", nil)
	if status != http.StatusForbidden || body.Message != "You are not authorized to approve this request" {
		t.Fatalf("approve by requester = %d %+v", status, body)
	}
	status, body, _ = env.do(t, http.MethodPut, "/api/book-requests/"+req.ID+"/approve", "ext_owner", nil)
	if status != http.StatusOK || body.Message != "Book request accepted successfully" {
		t.Fatalf("approve = %d %+v", status, body)
	}
	status, body, _ = env.do(t, http.MethodPut, "/api/book-requests/"+req.ID+"/status", "ext_owner", map[string]string{"status": "Approved"})
	if status != http.StatusBadRequest || body.Message != "This request has already been accepted" {
		t.Fatalf("re-approve = %d %+v", status, body)
	}

	status, body, _ = env.do(t, http.MethodGet, "/api/books/b1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("get book = %d %+v", status, body)
	}
	var detail struct {
		Status          domain.BookStatus `json:"status"`
		CurrentBorrower struct {
			ID string `json:"id"`
		} `json:"currentBorrower"`
	}
	if err := json.Unmarshal(body.Data, &detail); err != nil {
		t.Fatalf("decode book: %v", err)
	}
	if detail.Status != domain.BookBorrowed || detail.CurrentBorrower.ID != "reader" {
		t.Fatalf("book after approve = %+v", detail)
	}

	status, body, _ = env.do(t, http.MethodPost, "/api/books/b1/return", "ext_reader", map[string]string{})
	if status != http.StatusOK || body.Message != "Book has been successfully returned" {
		t.Fatalf("return = %d %+v", status, body)
	}
	var book domain.Book
	if err := json.Unmarshal(body.Data, &book); err != nil {
		t.Fatalf("decode book: %v", err)
	}
	if book.Status != domain.BookAvailable || len(book.BorrowHistory) != 1 || book.BorrowHistory[0].ReturnDate == nil {
		t.Fatalf("returned book = %+v", book)
	}

	status, body, _ = env.do(t, http.MethodGet, "/api/book-requests/requester", "ext_reader", nil)
	if status != http.StatusOK {
		t.Fatalf("list requester = %d %+v", status, body)
	}
	var mine []struct {
		Status domain.RequestStatus `json:"status"`
		Book   struct {
			Title string `json:"title"`
		} `json:"book"`
	}
	if err := json.Unmarshal(body.Data, &mine); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(mine) != 1 || mine[0].Status != domain.RequestCompleted || mine[0].Book.Title != "Beloved" {
		t.Fatalf("requester list = %+v", mine)
	}

	status, body, _ = env.do(t, http.MethodPut, "/api/notifications/read-all", "ext_owner", nil)
	if status != http.StatusOK || body.Message != "Marked 2 notifications as read" {
		t.Fatalf("read-all = %d %+v", status, body)
	}
}

func TestRequestOwnBookIsForbidden(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedUser(t, "owner", "Olivia")
	env.seedBook(t, "b1", "owner")

	status, body, _ := env.do(t, http.MethodPost, "/api/books/b1/request", "ext_owner", map[string]any{"requestType": "Borrow"})
	if status != http.StatusForbidden || body.Message != "You cannot request your own book" || body.Code != "FORBIDDEN" {
		t.Fatalf("own request = %d %+v", status, body)
	}
	status, body, _ = env.do(t, http.MethodPost, "/api/books/b1/request", "ext_owner", map[string]any{})
	if status != http.StatusBadRequest || body.Message != "Request type is required" {
		t.Fatalf("missing type = %d %+v", status, body)
	}
}

func TestCreateBookMultipart(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedUser(t, "owner", "Olivia")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range map[string]string{
		"title":          "Kindred",
		"author":         "Octavia E. Butler",
		"description":    "Time travel to antebellum Maryland.",
		"genre":          "Fiction, Classic",
		"language":       "English",
		"condition":      "Good",
		"location":       "Braga",
		"isExchangeable": "true",
		"borrowDuration": "21",
	} {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	part, err := mw.CreateFormFile("images", "cover.png")
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	part.Write(append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{7}, 100)...))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/books", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Clerk-User-Id", "ext_owner")
	status, body, _ := send(t, req)
	if status != http.StatusCreated || body.Message != "Book created successfully" {
		t.Fatalf("create = %d %+v", status, body)
	}
	var book domain.Book
	if err := json.Unmarshal(body.Data, &book); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(book.Genre) != 2 || !book.IsExchangeable || book.BorrowDuration != 21 || len(book.Images) != 1 {
		t.Fatalf("book = %+v", book)
	}
	if !strings.HasPrefix(book.Images[0], "http://images.local/books/"+book.ID+"/") {
		t.Fatalf("image url = %q", book.Images[0])
	}

	status, body, _ = env.do(t, http.MethodGet, "/api/books?genre=Classic&search=kindred", "", nil)
	if status != http.StatusOK || body.Message != "Found 1 books" {
		t.Fatalf("list = %d %+v", status, body)
	}
	status, body, _ = env.do(t, http.MethodGet, "/api/books?status=lost", "", nil)
	if status != http.StatusBadRequest || body.Message != "Invalid status" {
		t.Fatalf("bad status filter = %d %+v", status, body)
	}
}

func TestRequestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewFixedWindow(client, "test:requests", 1, time.Hour)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	env := newTestEnv(t, func(c *Config) { c.RequestLimiter = limiter })
	env.seedUser(t, "owner", "Olivia")
	env.seedUser(t, "reader", "Rui")
	env.seedBook(t, "b1", "owner")
	env.seedBook(t, "b2", "owner")

	if status, body, _ := env.do(t, http.MethodPost, "/api/book-requests", "ext_reader", map[string]any{"bookId": "b1", "requestType": "Borrow"}); status != http.StatusCreated {
		t.Fatalf("first = %d %+v", status, body)
	}
	status, body, hdr := env.do(t, http.MethodPost, "/api/book-requests", "ext_reader", map[string]any{"bookId": "b2", "requestType": "Borrow"})
	if status != http.StatusTooManyRequests || body.Code != "RATE_LIMITED" {
		t.Fatalf("second = %d %+v", status, body)
	}
	if hdr.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestSyncUser(t *testing.T) {
	env := newTestEnv(t, nil)
	payload := map[string]any{
		"data": map[string]any{
			"id":              "user_abc",
			"email_addresses": []map[string]string{{"email_address": "ana@example.com"}},
			"first_name":      "Ana",
			"last_name":       "Lima",
		},
	}

	status, body, _ := env.do(t, http.MethodPost, "/api/users/sync", "", payload)
	if status != http.StatusUnauthorized {
		t.Fatalf("anonymous sync = %d %+v", status, body)
	}
	status, body, _ = env.do(t, http.MethodPost, "/api/users/sync", "user_other", payload)
	if status != http.StatusForbidden {
		t.Fatalf("foreign sync = %d %+v", status, body)
	}
	status, body, _ = env.do(t, http.MethodPost, "/api/users/sync", "user_abc", payload)
	if status != http.StatusCreated {
		t.Fatalf("self sync = %d %+v", status, body)
	}

	raw, _ := json.Marshal(payload)
	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/users/sync", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", "hook-secret")
	if status, body, _ = send(t, req); status != http.StatusOK {
		t.Fatalf("webhook resync = %d %+v", status, body)
	}

	status, body, _ = env.do(t, http.MethodGet, "/api/users/profile", "user_abc", nil)
	if status != http.StatusOK {
		t.Fatalf("profile = %d %+v", status, body)
	}
	var profile map[string]any
	if err := json.Unmarshal(body.Data, &profile); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if profile["clerkId"] != "user_abc" || profile["booksShared"] == nil || profile["ratings"] != float64(0) {
		t.Fatalf("profile = %+v", profile)
	}
}

func TestUnknownErrorsAreHidden(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
	writeAppError(rec, req, errors.New("pq: connection refused to 10.0.0.5"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.5") || !strings.Contains(rec.Body.String(), "internal error") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
