package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// BookStatus is where a listing is in the lending cycle.
type BookStatus string

const (
	BookAvailable BookStatus = "Available"
	BookReserved  BookStatus = "Reserved"
	BookBorrowed  BookStatus = "Borrowed"
)

// Condition describes the physical state of a copy.
type Condition string

const (
	ConditionNew     Condition = "New"
	ConditionLikeNew Condition = "Like New"
	ConditionGood    Condition = "Good"
	ConditionFair    Condition = "Fair"
	ConditionPoor    Condition = "Poor"
)

const (
	DefaultBorrowDays = 14
	MaxBookImages     = 5
)

// RequestType is what the requester asks the owner for.
type RequestType string

const (
	RequestBorrow   RequestType = "Borrow"
	RequestExchange RequestType = "Exchange"
	RequestDonation RequestType = "Donation"
)

// RequestStatus is the canonical state of a book request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "Pending"
	RequestAccepted  RequestStatus = "Accepted"
	RequestRejected  RequestStatus = "Rejected"
	RequestCanceled  RequestStatus = "Canceled"
	RequestCompleted RequestStatus = "Completed"
)

// NotificationType tags a notification with the event that produced it.
type NotificationType string

const (
	NotifyBookRequest     NotificationType = "book_request"
	NotifyRequestApproved NotificationType = "request_approved"
	NotifyRequestRejected NotificationType = "request_rejected"
	NotifyRequestCanceled NotificationType = "request_canceled"
	NotifyBookReturned    NotificationType = "book_returned"
)

// User is a member, linked to the identity provider by ExternalID.
// The average rating is derived from RatingSum and ReviewsCount.
type User struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"clerkId"`
	Email        string    `json:"email"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	ProfileImage string    `json:"profileImage,omitempty"`
	Bio          string    `json:"bio,omitempty"`
	Location     string    `json:"location,omitempty"`
	Interests    []string  `json:"interests"`
	PhoneNumber  string    `json:"phoneNumber,omitempty"`
	RatingSum    float64   `json:"-"`
	ReviewsCount int       `json:"reviewsCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Rating is the owner's average review score, 0 when unrated.
func (u User) Rating() float64 {
	if u.ReviewsCount <= 0 {
		return 0
	}
	return u.RatingSum / float64(u.ReviewsCount)
}

// AddRating folds one review score into the aggregate.
func (u *User) AddRating(r int) {
	u.RatingSum += float64(r)
	u.ReviewsCount++
}

// DisplayName is "First Last", falling back to the email address.
func (u User) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		return u.Email
	}
	return name
}

func (u User) MarshalJSON() ([]byte, error) {
	type plain User
	if u.Interests == nil {
		u.Interests = []string{}
	}
	return json.Marshal(struct {
		plain
		Ratings float64 `json:"ratings"`
	}{plain(u), u.Rating()})
}

// Profile is a user plus the listings derived from book ownership and borrow history.
type Profile struct {
	User
	BooksShared   []Book `json:"booksShared"`
	BooksBorrowed []Book `json:"booksBorrowed"`
}

func (p Profile) MarshalJSON() ([]byte, error) {
	user, err := json.Marshal(p.User)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(user, &fields); err != nil {
		return nil, err
	}
	for key, books := range map[string][]Book{"booksShared": p.BooksShared, "booksBorrowed": p.BooksBorrowed} {
		if books == nil {
			books = []Book{}
		}
		raw, err := json.Marshal(books)
		if err != nil {
			return nil, err
		}
		fields[key] = raw
	}
	return json.Marshal(fields)
}

// BorrowEntry is one borrow cycle in a book's history.
type BorrowEntry struct {
	BorrowerID string     `json:"borrower"`
	BorrowDate time.Time  `json:"borrowDate"`
	ReturnDate *time.Time `json:"returnDate,omitempty"`
	Rating     *int       `json:"rating,omitempty"`
	Review     string     `json:"review,omitempty"`
}

// Open reports whether the borrow has not been returned yet.
func (e BorrowEntry) Open() bool { return e.ReturnDate == nil }

// Book is a listing owned by one user.
type Book struct {
	ID              string        `json:"id"`
	OwnerID         string        `json:"owner"`
	Title           string        `json:"title"`
	Author          string        `json:"author"`
	Description     string        `json:"description,omitempty"`
	Genre           []string      `json:"genre"`
	Language        string        `json:"language,omitempty"`
	Condition       Condition     `json:"condition"`
	Images          []string      `json:"images"`
	Location        string        `json:"location,omitempty"`
	IsExchangeable  bool          `json:"isExchangeable"`
	IsDonation      bool          `json:"isDonation"`
	BorrowDuration  int           `json:"borrowDuration"`
	Status          BookStatus    `json:"status"`
	CurrentBorrower string        `json:"currentBorrower,omitempty"`
	BorrowHistory   []BorrowEntry `json:"borrowHistory"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// OpenEntry returns the index of the first unreturned history entry for
// borrower, or -1.
func (b Book) OpenEntry(borrower string) int {
	for i, e := range b.BorrowHistory {
		if e.BorrowerID == borrower && e.Open() {
			return i
		}
	}
	return -1
}

// UnratedEntry returns the index of the first history entry for borrower that
// has no rating yet, or -1.
func (b Book) UnratedEntry(borrower string) int {
	for i, e := range b.BorrowHistory {
		if e.BorrowerID == borrower && e.Rating == nil {
			return i
		}
	}
	return -1
}

// BookRequest is one borrow, exchange or donation attempt on a book.
type BookRequest struct {
	ID             string        `json:"id"`
	BookID         string        `json:"book"`
	RequesterID    string        `json:"requester"`
	OwnerID        string        `json:"owner"`
	Type           RequestType   `json:"requestType"`
	Message        string        `json:"requestMessage,omitempty"`
	Duration       int           `json:"requestDuration"`
	ExchangeBookID string        `json:"exchangeBook,omitempty"`
	Status         RequestStatus `json:"status"`
	// ResponseDate is when the owner or requester decided; completion leaves it alone.
	ResponseDate   *time.Time    `json:"responseDate,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Notification is an in-app notice addressed to one user.
type Notification struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user"`
	Type             NotificationType `json:"type"`
	Message          string           `json:"message"`
	Read             bool             `json:"read"`
	RelatedBookID    string           `json:"relatedBook,omitempty"`
	RelatedRequestID string           `json:"relatedRequest,omitempty"`
	Link             string           `json:"link,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// Message is one chat line between two users in a room.
type Message struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"roomId"`
	SenderID      string    `json:"sender"`
	ReceiverID    string    `json:"receiver"`
	Content       string    `json:"content"`
	Read          bool      `json:"read"`
	RelatedBookID string    `json:"relatedBook,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ChatRoom summarizes a room from one participant's point of view.
type ChatRoom struct {
	RoomID        string  `json:"roomId"`
	LastMessage   Message `json:"lastMessage"`
	OtherUserID   string  `json:"otherUser"`
	RelatedBookID string  `json:"relatedBook,omitempty"`
	UnreadCount   int     `json:"unreadCount"`
}

// BookFilter narrows ListBooks. Zero fields are ignored; Limit <= 0 means no limit.
type BookFilter struct {
	Genres          []string
	Location        string // exact match
	Language        string
	Status          BookStatus
	OwnerID         string
	CurrentBorrower string
	BorrowedBy      string
	Search          string // case-insensitive, title or author
	Limit           int
}

// RequestFilter narrows ListRequests. UserID matches either side of the request.
type RequestFilter struct {
	BookID      string
	OwnerID     string
	RequesterID string
	UserID      string
	Statuses    []RequestStatus
}
