package store

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"bookshare/pkg/domain"
)

// MemoryStore keeps everything in-process. Used by tests and local runs
// without Postgres. Transactions are serialized and roll back by restoring a
// snapshot.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	memoryState
}

type memoryState struct {
	users         map[string]domain.User
	books         map[string]domain.Book
	bookOrder     []string
	requests      map[string]domain.BookRequest
	requestOrder  []string
	notifications map[string]domain.Notification
	notifyOrder   []string
	messages      []domain.Message
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{memoryState: memoryState{
		users:         make(map[string]domain.User),
		books:         make(map[string]domain.Book),
		requests:      make(map[string]domain.BookRequest),
		notifications: make(map[string]domain.Notification),
	}}
}

func (st memoryState) clone() memoryState {
	out := memoryState{
		users:         make(map[string]domain.User, len(st.users)),
		books:         make(map[string]domain.Book, len(st.books)),
		bookOrder:     slices.Clone(st.bookOrder),
		requests:      make(map[string]domain.BookRequest, len(st.requests)),
		requestOrder:  slices.Clone(st.requestOrder),
		notifications: make(map[string]domain.Notification, len(st.notifications)),
		notifyOrder:   slices.Clone(st.notifyOrder),
		messages:      slices.Clone(st.messages),
	}
	for k, v := range st.users {
		out.users[k] = v
	}
	for k, v := range st.books {
		out.books[k] = v
	}
	for k, v := range st.requests {
		out.requests[k] = v
	}
	for k, v := range st.notifications {
		out.notifications[k] = v
	}
	return out
}

// Transaction serializes fn against other transactions and plain writes, and
// restores the previous state when fn fails or panics.
func (m *MemoryStore) Transaction(fn func(Store) error) (err error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.memoryState.clone()
	m.mu.RUnlock()

	rollback := func() {
		m.mu.Lock()
		m.memoryState = snapshot
		m.mu.Unlock()
	}
	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
	}()
	if err = fn(memoryTx{m}); err != nil {
		rollback()
	}
	return err
}

// memoryTx is the Store handed to a transaction body. Its writes skip txMu,
// which the enclosing Transaction already holds.
type memoryTx struct {
	*MemoryStore
}

func (t memoryTx) Transaction(fn func(Store) error) error { return fn(t) }

func (t memoryTx) SaveUser(u domain.User) error { return t.saveUser(u) }
func (t memoryTx) SaveBook(b domain.Book) error { return t.saveBook(b) }
func (t memoryTx) DeleteBook(id string) error { return t.deleteBook(id) }
func (t memoryTx) SaveRequest(r domain.BookRequest) error { return t.saveRequest(r) }
func (t memoryTx) SaveNotification(n domain.Notification) error { return t.saveNotification(n) }
func (t memoryTx) SaveMessage(msg domain.Message) error { return t.saveMessage(msg) }
func (t memoryTx) MarkAllNotificationsRead(userID string) (int, error) {
	return t.markAllNotificationsRead(userID)
}
func (t memoryTx) MarkRoomRead(roomID, receiverID string) (int, error) {
	return t.markRoomRead(roomID, receiverID)
}

func (m *MemoryStore) SaveUser(u domain.User) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.saveUser(u)
}

func (m *MemoryStore) saveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.users {
		if id == u.ID {
			continue
		}
		if u.ExternalID != "" && other.ExternalID == u.ExternalID {
			return fmt.Errorf("%w: external id %s", ErrConflict, u.ExternalID)
		}
		if u.Email != "" && strings.EqualFold(other.Email, u.Email) {
			return fmt.Errorf("%w: email %s", ErrConflict, u.Email)
		}
	}
	u.Interests = slices.Clone(u.Interests)
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) GetUser(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	u.Interests = slices.Clone(u.Interests)
	return u, ok, nil
}

func (m *MemoryStore) GetUserByExternalID(externalID string) (domain.User, bool, error) {
	return m.findUser(func(u domain.User) bool { return u.ExternalID == externalID })
}

func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	return m.findUser(func(u domain.User) bool { return strings.EqualFold(u.Email, email) })
}

func (m *MemoryStore) findUser(match func(domain.User) bool) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			u.Interests = slices.Clone(u.Interests)
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

// ListUsers returns users ordered by creation time.
func (m *MemoryStore) ListUsers() ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	slices.SortFunc(res, func(a, b domain.User) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return res, nil
}

func cloneBook(b domain.Book) domain.Book {
	b.Genre = slices.Clone(b.Genre)
	b.Images = slices.Clone(b.Images)
	b.BorrowHistory = slices.Clone(b.BorrowHistory)
	for i, e := range b.BorrowHistory {
		if e.ReturnDate != nil {
			d := *e.ReturnDate
			b.BorrowHistory[i].ReturnDate = &d
		}
		if e.Rating != nil {
			r := *e.Rating
			b.BorrowHistory[i].Rating = &r
		}
	}
	if b.BorrowHistory == nil {
		b.BorrowHistory = []domain.BorrowEntry{}
	}
	return b
}

func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.saveBook(b)
}

func (m *MemoryStore) saveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; !exists {
		m.bookOrder = append(m.bookOrder, b.ID)
	}
	m.books[b.ID] = cloneBook(b)
	return nil
}

func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	if !ok {
		return domain.Book{}, false, nil
	}
	return cloneBook(b), true, nil
}

// LockBook is GetBook; Transaction already serializes writers.
func (m *MemoryStore) LockBook(id string) (domain.Book, bool, error) {
	return m.GetBook(id)
}

// ListBooks returns matching books, newest first.
func (m *MemoryStore) ListBooks(f domain.BookFilter) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := []domain.Book{}
	for i := len(m.bookOrder) - 1; i >= 0; i-- {
		b, ok := m.books[m.bookOrder[i]]
		if !ok || !bookMatches(b, f) {
			continue
		}
		res = append(res, cloneBook(b))
		if f.Limit > 0 && len(res) == f.Limit {
			break
		}
	}
	return res, nil
}

func bookMatches(b domain.Book, f domain.BookFilter) bool {
	if len(f.Genres) > 0 && !slices.ContainsFunc(b.Genre, func(g string) bool { return slices.Contains(f.Genres, g) }) {
		return false
	}
	if f.Location != "" && b.Location != f.Location {
		return false
	}
	if f.Language != "" && !strings.EqualFold(b.Language, f.Language) {
		return false
	}
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if f.OwnerID != "" && b.OwnerID != f.OwnerID {
		return false
	}
	if f.CurrentBorrower != "" && b.CurrentBorrower != f.CurrentBorrower {
		return false
	}
	if f.BorrowedBy != "" && !slices.ContainsFunc(b.BorrowHistory, func(e domain.BorrowEntry) bool { return e.BorrowerID == f.BorrowedBy }) {
		return false
	}
	if f.Search != "" && !containsFold(b.Title, f.Search) && !containsFold(b.Author, f.Search) {
		return false
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(strings.TrimSpace(sub)))
}

func (m *MemoryStore) DeleteBook(id string) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.deleteBook(id)
}

func (m *MemoryStore) deleteBook(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, id)
	m.bookOrder = slices.DeleteFunc(m.bookOrder, func(v string) bool { return v == id })
	return nil
}

func (m *MemoryStore) SaveRequest(r domain.BookRequest) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.saveRequest(r)
}

func (m *MemoryStore) saveRequest(r domain.BookRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[r.ID]; !exists {
		m.requestOrder = append(m.requestOrder, r.ID)
	}
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRequest(id string) (domain.BookRequest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	return r, ok, nil
}

// ListRequests returns matching requests, newest first.
func (m *MemoryStore) ListRequests(f domain.RequestFilter) ([]domain.BookRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := []domain.BookRequest{}
	for i := len(m.requestOrder) - 1; i >= 0; i-- {
		r := m.requests[m.requestOrder[i]]
		switch {
		case f.BookID != "" && r.BookID != f.BookID:
		case f.OwnerID != "" && r.OwnerID != f.OwnerID:
		case f.RequesterID != "" && r.RequesterID != f.RequesterID:
		case f.UserID != "" && r.OwnerID != f.UserID && r.RequesterID != f.UserID:
		case len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status):
		default:
			res = append(res, r)
		}
	}
	return res, nil
}

func (m *MemoryStore) SaveNotification(n domain.Notification) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.saveNotification(n)
}

func (m *MemoryStore) saveNotification(n domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.notifications[n.ID]; !exists {
		m.notifyOrder = append(m.notifyOrder, n.ID)
	}
	m.notifications[n.ID] = n
	return nil
}

func (m *MemoryStore) GetNotification(id string) (domain.Notification, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	return n, ok, nil
}

func (m *MemoryStore) ListNotifications(userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := []domain.Notification{}
	for i := len(m.notifyOrder) - 1; i >= 0; i-- {
		n := m.notifications[m.notifyOrder[i]]
		if n.UserID != userID || (unreadOnly && n.Read) {
			continue
		}
		res = append(res, n)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

func (m *MemoryStore) MarkAllNotificationsRead(userID string) (int, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.markAllNotificationsRead(userID)
}

func (m *MemoryStore) markAllNotificationsRead(userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := 0
	for id, n := range m.notifications {
		if n.UserID == userID && !n.Read {
			n.Read = true
			m.notifications[id] = n
			changed++
		}
	}
	return changed, nil
}

func (m *MemoryStore) SaveMessage(msg domain.Message) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.saveMessage(msg)
}

func (m *MemoryStore) saveMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

// ListRoomMessages returns the last limit messages of a room, oldest first.
func (m *MemoryStore) ListRoomMessages(roomID string, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := []domain.Message{}
	for _, msg := range m.messages {
		if msg.RoomID == roomID {
			res = append(res, msg)
		}
	}
	if limit > 0 && len(res) > limit {
		res = res[len(res)-limit:]
	}
	return res, nil
}

// ListUserMessages returns a user's messages, newest first.
func (m *MemoryStore) ListUserMessages(userID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := []domain.Message{}
	for i := len(m.messages) - 1; i >= 0; i-- {
		msg := m.messages[i]
		if msg.SenderID == userID || msg.ReceiverID == userID {
			res = append(res, msg)
		}
	}
	return res, nil
}

func (m *MemoryStore) MarkRoomRead(roomID, receiverID string) (int, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.markRoomRead(roomID, receiverID)
}

func (m *MemoryStore) markRoomRead(roomID, receiverID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := 0
	for i, msg := range m.messages {
		if msg.RoomID == roomID && msg.ReceiverID == receiverID && !msg.Read {
			m.messages[i].Read = true
			changed++
		}
	}
	return changed, nil
}
