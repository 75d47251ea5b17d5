package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"bookshare/pkg/domain"
	"bookshare/pkg/events"
	"bookshare/pkg/queue"
	"bookshare/pkg/sms"
	"bookshare/pkg/store"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string
}

func newFakeObjects() *fakeObjects { return &fakeObjects{objects: map[string][]byte{}} }

func (f *fakeObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if f.failOn != "" && strings.Contains(key, f.failOn) {
		return errors.New("object store unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjects) URL(key string) string { return "https://img.test/books-bucket/" + key }

func (f *fakeObjects) KeyFromURL(u string) (string, bool) {
	return strings.CutPrefix(u, "https://img.test/books-bucket/")
}

func (f *fakeObjects) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type recordingJobs struct {
	mu       sync.Mutex
	messages []sms.Message
}

func (r *recordingJobs) Enqueue(_ context.Context, kind string, payload any) (queue.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind != sms.JobKind {
		return queue.Job{}, errors.New("unexpected kind " + kind)
	}
	r.messages = append(r.messages, payload.(sms.Message))
	return queue.Job{ID: "job-1", Kind: kind}, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []events.Event
	fail   bool
}

func (r *recordingEvents) Publish(_ context.Context, e events.Event) error {
	if r.fail {
		return errors.New("broker down")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingEvents) Close() error { return nil }

type harness struct {
	app       *App
	store     *store.MemoryStore
	uploadDir string
	objects   *fakeObjects
	jobs      *recordingJobs
	events    *recordingEvents
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewMemoryStore(),
		uploadDir: t.TempDir(),
		objects:   newFakeObjects(),
		jobs:      &recordingJobs{},
		events:    &recordingEvents{},
	}
	a, err := New(Config{
		Store:     h.store,
		Objects:   h.objects,
		UploadDir: h.uploadDir,
		Jobs:      h.jobs,
		Events:    h.events,
		Now:       func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	h.app = a
	return h
}

func (h *harness) user(t *testing.T, id, first, last, phone string) domain.User {
	t.Helper()
	u := domain.User{
		ID:          id,
		ExternalID:  "ext_" + id,
		Email:       id + "@example.com",
		FirstName:   first,
		LastName:    last,
		PhoneNumber: phone,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
	if err := h.store.SaveUser(u); err != nil {
		t.Fatalf("save user: %v", err)
	}
	return u
}

func (h *harness) book(t *testing.T, id, ownerID string) domain.Book {
	t.Helper()
	b := domain.Book{
		ID:             id,
		OwnerID:        ownerID,
		Title:          "Dune",
		Author:         "Frank Herbert",
		Genre:          []string{"Science Fiction"},
		Language:       "English",
		Condition:      domain.ConditionGood,
		Location:       "Lisbon",
		BorrowDuration: domain.DefaultBorrowDays,
		Status:         domain.BookAvailable,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
	if err := h.store.SaveBook(b); err != nil {
		t.Fatalf("save book: %v", err)
	}
	return b
}

func (h *harness) getBook(t *testing.T, id string) domain.Book {
	t.Helper()
	b, ok, err := h.store.GetBook(id)
	if err != nil || !ok {
		t.Fatalf("get book %s: ok=%v err=%v", id, ok, err)
	}
	return b
}

func (h *harness) getRequest(t *testing.T, id string) domain.BookRequest {
	t.Helper()
	r, ok, err := h.store.GetRequest(id)
	if err != nil || !ok {
		t.Fatalf("get request %s: ok=%v err=%v", id, ok, err)
	}
	return r
}

func (h *harness) notifications(t *testing.T, userID string) []domain.Notification {
	t.Helper()
	items, err := h.store.ListNotifications(userID, false, 0)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	return items
}

func checkBorrowInvariant(t *testing.T, b domain.Book) {
	t.Helper()
	if (b.Status == domain.BookBorrowed) != (b.CurrentBorrower != "") {
		t.Fatalf("book %s: status %s with currentBorrower %q", b.ID, b.Status, b.CurrentBorrower)
	}
	open := map[string]int{}
	for _, e := range b.BorrowHistory {
		if e.Open() {
			open[e.BorrowerID]++
		}
	}
	for borrower, n := range open {
		if n > 1 {
			t.Fatalf("book %s: %d open entries for %s", b.ID, n, borrower)
		}
	}
}

func wantKind(t *testing.T, err, kind error, msg string) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("err = %v, want kind %v", err, kind)
	}
	var appErr *Error
	if msg != "" && (!errors.As(err, &appErr) || appErr.Message != msg) {
		t.Fatalf("message = %q, want %q", err.Error(), msg)
	}
}
