package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	ExternalID   string `gorm:"uniqueIndex;not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	FirstName    string
	LastName     string
	ProfileImage string
	Bio          string `gorm:"type:text"`
	Location     string
	Interests    datatypes.JSON `gorm:"type:jsonb"`
	PhoneNumber  string
	RatingSum    float64   `gorm:"not null;default:0"`
	ReviewsCount int       `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

type BookModel struct {
	ID                string         `gorm:"primaryKey"`
	OwnerID           string         `gorm:"not null;index"`
	Title             string         `gorm:"not null"`
	Author            string         `gorm:"not null"`
	Description       string         `gorm:"type:text"`
	Genre             datatypes.JSON `gorm:"type:jsonb"`
	Language          string
	Condition         string         `gorm:"not null"`
	Images            datatypes.JSON `gorm:"type:jsonb"`
	Location          string         `gorm:"index"`
	IsExchangeable    bool
	IsDonation        bool
	BorrowDuration    int       `gorm:"not null;default:14"`
	Status            string    `gorm:"not null;index"`
	CurrentBorrowerID string    `gorm:"index"`
	CreatedAt         time.Time `gorm:"not null;index"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (BookModel) TableName() string { return "books" }

// BorrowEntryModel is one row of a book's borrow history; Seq keeps append order.
type BorrowEntryModel struct {
	ID         uint      `gorm:"primaryKey"`
	BookID     string    `gorm:"not null;index:idx_borrow_book_seq,priority:1"`
	Seq        int       `gorm:"not null;index:idx_borrow_book_seq,priority:2"`
	BorrowerID string    `gorm:"not null;index"`
	BorrowDate time.Time `gorm:"not null"`
	ReturnDate *time.Time
	Rating     *int
	Review     string `gorm:"type:text"`
}

func (BorrowEntryModel) TableName() string { return "borrow_entries" }

type BookRequestModel struct {
	ID             string `gorm:"primaryKey"`
	BookID         string `gorm:"not null;index"`
	RequesterID    string `gorm:"not null;index"`
	OwnerID        string `gorm:"not null;index"`
	RequestType    string `gorm:"not null"`
	RequestMessage string `gorm:"type:text"`
	Duration       int    `gorm:"not null;default:14"`
	ExchangeBookID string
	Status         string `gorm:"not null;index"`
	ResponseDate   *time.Time
	CreatedAt      time.Time `gorm:"not null;index"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (BookRequestModel) TableName() string { return "book_requests" }

type NotificationModel struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"not null;index:idx_notification_user_created,priority:1"`
	Type             string `gorm:"not null"`
	Message          string `gorm:"type:text;not null"`
	Read             bool   `gorm:"not null;default:false"`
	RelatedBookID    string
	RelatedRequestID string
	Link             string
	CreatedAt        time.Time `gorm:"not null;index:idx_notification_user_created,priority:2"`
}

func (NotificationModel) TableName() string { return "notifications" }

type MessageModel struct {
	ID            string `gorm:"primaryKey"`
	RoomID        string `gorm:"not null;index"`
	SenderID      string `gorm:"not null;index"`
	ReceiverID    string `gorm:"not null;index"`
	Content       string `gorm:"type:text;not null"`
	Read          bool   `gorm:"not null;default:false"`
	RelatedBookID string
	CreatedAt     time.Time `gorm:"not null;index"`
}

func (MessageModel) TableName() string { return "messages" }
