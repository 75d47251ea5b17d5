package store

import (
	"errors"

	"bookshare/pkg/domain"
)

// ErrConflict is returned when a save would break a uniqueness rule.
var ErrConflict = errors.New("store: conflict")

// Store defines persistence for users, books, requests, notifications and chat messages.
// Getters return ok=false with a nil error when the record does not exist.
type Store interface {
	// users
	SaveUser(domain.User) error
	GetUser(id string) (domain.User, bool, error)
	GetUserByExternalID(externalID string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	ListUsers() ([]domain.User, error)

	// books; SaveBook replaces the borrow history with the one on the book
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	// LockBook is GetBook that also holds the row until the enclosing
	// transaction ends.
	LockBook(id string) (domain.Book, bool, error)
	ListBooks(domain.BookFilter) ([]domain.Book, error)
	DeleteBook(id string) error

	// book requests
	SaveRequest(domain.BookRequest) error
	GetRequest(id string) (domain.BookRequest, bool, error)
	ListRequests(domain.RequestFilter) ([]domain.BookRequest, error)

	// notifications
	SaveNotification(domain.Notification) error
	GetNotification(id string) (domain.Notification, bool, error)
	ListNotifications(userID string, unreadOnly bool, limit int) ([]domain.Notification, error)
	MarkAllNotificationsRead(userID string) (int, error)

	// chat
	SaveMessage(domain.Message) error
	ListRoomMessages(roomID string, limit int) ([]domain.Message, error)
	ListUserMessages(userID string) ([]domain.Message, error)
	MarkRoomRead(roomID, receiverID string) (int, error)

	// Transaction runs fn against a Store bound to one transaction. A non-nil
	// error from fn rolls everything back.
	Transaction(fn func(Store) error) error
}
