package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"bookshare/pkg/domain"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 50174212

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{}, &BookModel{}, &BorrowEntryModel{}, &BookRequestModel{},
			&NotificationModel{}, &MessageModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Transaction runs fn inside one database transaction.
func (s *GormStore) Transaction(fn func(Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// SaveUser inserts or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return translate(s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"external_id", "email", "first_name", "last_name", "profile_image", "bio",
			"location", "interests", "phone_number", "rating_sum", "reviews_count", "updated_at",
		}),
	}).Create(&model).Error)
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(id string) (domain.User, bool, error) {
	return s.firstUser("id = ?", id)
}

// GetUserByExternalID looks a user up by identity-provider id.
func (s *GormStore) GetUserByExternalID(externalID string) (domain.User, bool, error) {
	return s.firstUser("external_id = ?", externalID)
}

// GetUserByEmail looks a user up by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	return s.firstUser("LOWER(email) = LOWER(?)", email)
}

func (s *GormStore) firstUser(cond string, arg any) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where(cond, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users ordered by created_at.
func (s *GormStore) ListUsers() ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// SaveBook upserts the book row and rewrites its borrow history.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"owner_id", "title", "author", "description", "genre", "language", "condition",
				"images", "location", "is_exchangeable", "is_donation", "borrow_duration",
				"status", "current_borrower_id", "updated_at",
			}),
		}).Create(&model).Error; err != nil {
			return err
		}
		if err := tx.Where("book_id = ?", b.ID).Delete(&BorrowEntryModel{}).Error; err != nil {
			return err
		}
		if len(b.BorrowHistory) == 0 {
			return nil
		}
		entries := make([]BorrowEntryModel, 0, len(b.BorrowHistory))
		for i, e := range b.BorrowHistory {
			entries = append(entries, borrowEntryToModel(b.ID, i, e))
		}
		return tx.Create(&entries).Error
	})
}

// GetBook retrieves a book with its borrow history.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	return s.getBook(s.db, id)
}

// LockBook retrieves a book and takes a row lock (SELECT ... FOR UPDATE).
func (s *GormStore) LockBook(id string) (domain.Book, bool, error) {
	return s.getBook(s.db.Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (s *GormStore) getBook(q *gorm.DB, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := q.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	books, err := s.withHistory([]BookModel{model})
	if err != nil {
		return domain.Book{}, false, err
	}
	return books[0], true, nil
}

// ListBooks returns books matching f, newest first.
func (s *GormStore) ListBooks(f domain.BookFilter) ([]domain.Book, error) {
	q := s.db.Model(&BookModel{})
	if len(f.Genres) > 0 {
		q = q.Where("EXISTS (SELECT 1 FROM jsonb_array_elements_text(books.genre) AS g(value) WHERE g.value IN ?)", f.Genres)
	}
	if f.Location != "" {
		q = q.Where("location = ?", f.Location)
	}
	if f.Language != "" {
		q = q.Where("LOWER(language) = LOWER(?)", f.Language)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.OwnerID != "" {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if f.CurrentBorrower != "" {
		q = q.Where("current_borrower_id = ?", f.CurrentBorrower)
	}
	if f.BorrowedBy != "" {
		q = q.Where("EXISTS (SELECT 1 FROM borrow_entries e WHERE e.book_id = books.id AND e.borrower_id = ?)", f.BorrowedBy)
	}
	if f.Search != "" {
		p := likePattern(f.Search)
		q = q.Where("(title ILIKE ? OR author ILIKE ?)", p, p)
	}
	q = q.Order("created_at DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var models []BookModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	return s.withHistory(models)
}

// withHistory converts models and attaches their borrow entries with one query.
func (s *GormStore) withHistory(models []BookModel) ([]domain.Book, error) {
	res := make([]domain.Book, 0, len(models))
	if len(models) == 0 {
		return res, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	var entries []BorrowEntryModel
	if err := s.db.Where("book_id IN ?", ids).Order("book_id, seq").Find(&entries).Error; err != nil {
		return nil, err
	}
	byBook := make(map[string][]domain.BorrowEntry, len(models))
	for _, e := range entries {
		byBook[e.BookID] = append(byBook[e.BookID], borrowEntryFromModel(e))
	}
	for _, m := range models {
		res = append(res, bookFromModel(m, byBook[m.ID]))
	}
	return res, nil
}

// DeleteBook removes a book and its borrow history.
func (s *GormStore) DeleteBook(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("book_id = ?", id).Delete(&BorrowEntryModel{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&BookModel{}).Error
	})
}

// SaveRequest inserts or updates a book request.
func (s *GormStore) SaveRequest(r domain.BookRequest) error {
	model := requestToModel(r)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "response_date", "request_message", "updated_at"}),
	}).Create(&model).Error
}

// GetRequest returns a book request by ID.
func (s *GormStore) GetRequest(id string) (domain.BookRequest, bool, error) {
	var model BookRequestModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BookRequest{}, false, nil
		}
		return domain.BookRequest{}, false, err
	}
	return requestFromModel(model), true, nil
}

// ListRequests returns requests matching f, newest first.
func (s *GormStore) ListRequests(f domain.RequestFilter) ([]domain.BookRequest, error) {
	q := s.db.Model(&BookRequestModel{})
	if f.BookID != "" {
		q = q.Where("book_id = ?", f.BookID)
	}
	if f.OwnerID != "" {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if f.RequesterID != "" {
		q = q.Where("requester_id = ?", f.RequesterID)
	}
	if f.UserID != "" {
		q = q.Where("(owner_id = ? OR requester_id = ?)", f.UserID, f.UserID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		q = q.Where("status IN ?", statuses)
	}
	var models []BookRequestModel
	if err := q.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.BookRequest, 0, len(models))
	for _, m := range models {
		res = append(res, requestFromModel(m))
	}
	return res, nil
}

// SaveNotification inserts or updates a notification.
func (s *GormStore) SaveNotification(n domain.Notification) error {
	model := notificationToModel(n)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"read"}),
	}).Create(&model).Error
}

// GetNotification returns a notification by ID.
func (s *GormStore) GetNotification(id string) (domain.Notification, bool, error) {
	var model NotificationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Notification{}, false, nil
		}
		return domain.Notification{}, false, err
	}
	return notificationFromModel(model), true, nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *GormStore) ListNotifications(userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	q := s.db.Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("read = ?", false)
	}
	q = q.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []NotificationModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Notification, 0, len(models))
	for _, m := range models {
		res = append(res, notificationFromModel(m))
	}
	return res, nil
}

// MarkAllNotificationsRead flags every unread notification of a user and
// returns how many changed.
func (s *GormStore) MarkAllNotificationsRead(userID string) (int, error) {
	res := s.db.Model(&NotificationModel{}).
		Where("user_id = ? AND read = ?", userID, false).
		Update("read", true)
	return int(res.RowsAffected), res.Error
}

// SaveMessage appends a chat message.
func (s *GormStore) SaveMessage(m domain.Message) error {
	model := messageToModel(m)
	return s.db.Create(&model).Error
}

// ListRoomMessages returns the most recent messages of a room in chronological order.
func (s *GormStore) ListRoomMessages(roomID string, limit int) ([]domain.Message, error) {
	q := s.db.Where("room_id = ?", roomID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []MessageModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromModel(models[i]))
	}
	return msgs, nil
}

// ListUserMessages returns every message a user sent or received, newest first.
func (s *GormStore) ListUserMessages(userID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("sender_id = ? OR receiver_id = ?", userID, userID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// MarkRoomRead flags the unread messages addressed to receiverID in a room.
func (s *GormStore) MarkRoomRead(roomID, receiverID string) (int, error) {
	res := s.db.Model(&MessageModel{}).
		Where("room_id = ? AND receiver_id = ? AND read = ?", roomID, receiverID, false).
		Update("read", true)
	return int(res.RowsAffected), res.Error
}

func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.TrimSpace(term)) + "%"
}

func jsonStrings(values []string) datatypes.JSON {
	if values == nil {
		values = []string{}
	}
	raw, _ := json.Marshal(values)
	return datatypes.JSON(raw)
}

func parseStrings(raw datatypes.JSON) []string {
	out := []string{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		ExternalID:   u.ExternalID,
		Email:        u.Email,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		ProfileImage: u.ProfileImage,
		Bio:          u.Bio,
		Location:     u.Location,
		Interests:    jsonStrings(u.Interests),
		PhoneNumber:  u.PhoneNumber,
		RatingSum:    u.RatingSum,
		ReviewsCount: u.ReviewsCount,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		ExternalID:   m.ExternalID,
		Email:        m.Email,
		FirstName:    m.FirstName,
		LastName:     m.LastName,
		ProfileImage: m.ProfileImage,
		Bio:          m.Bio,
		Location:     m.Location,
		Interests:    parseStrings(m.Interests),
		PhoneNumber:  m.PhoneNumber,
		RatingSum:    m.RatingSum,
		ReviewsCount: m.ReviewsCount,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:                b.ID,
		OwnerID:           b.OwnerID,
		Title:             b.Title,
		Author:            b.Author,
		Description:       b.Description,
		Genre:             jsonStrings(b.Genre),
		Language:          b.Language,
		Condition:         string(b.Condition),
		Images:            jsonStrings(b.Images),
		Location:          b.Location,
		IsExchangeable:    b.IsExchangeable,
		IsDonation:        b.IsDonation,
		BorrowDuration:    b.BorrowDuration,
		Status:            string(b.Status),
		CurrentBorrowerID: b.CurrentBorrower,
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
	}
}

func bookFromModel(m BookModel, history []domain.BorrowEntry) domain.Book {
	if history == nil {
		history = []domain.BorrowEntry{}
	}
	return domain.Book{
		ID:              m.ID,
		OwnerID:         m.OwnerID,
		Title:           m.Title,
		Author:          m.Author,
		Description:     m.Description,
		Genre:           parseStrings(m.Genre),
		Language:        m.Language,
		Condition:       domain.Condition(m.Condition),
		Images:          parseStrings(m.Images),
		Location:        m.Location,
		IsExchangeable:  m.IsExchangeable,
		IsDonation:      m.IsDonation,
		BorrowDuration:  m.BorrowDuration,
		Status:          domain.BookStatus(m.Status),
		CurrentBorrower: m.CurrentBorrowerID,
		BorrowHistory:   history,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func borrowEntryToModel(bookID string, seq int, e domain.BorrowEntry) BorrowEntryModel {
	return BorrowEntryModel{
		BookID:     bookID,
		Seq:        seq,
		BorrowerID: e.BorrowerID,
		BorrowDate: e.BorrowDate,
		ReturnDate: e.ReturnDate,
		Rating:     e.Rating,
		Review:     e.Review,
	}
}

func borrowEntryFromModel(m BorrowEntryModel) domain.BorrowEntry {
	return domain.BorrowEntry{
		BorrowerID: m.BorrowerID,
		BorrowDate: m.BorrowDate,
		ReturnDate: m.ReturnDate,
		Rating:     m.Rating,
		Review:     m.Review,
	}
}

func requestToModel(r domain.BookRequest) BookRequestModel {
	return BookRequestModel{
		ID:             r.ID,
		BookID:         r.BookID,
		RequesterID:    r.RequesterID,
		OwnerID:        r.OwnerID,
		RequestType:    string(r.Type),
		RequestMessage: r.Message,
		Duration:       r.Duration,
		ExchangeBookID: r.ExchangeBookID,
		Status:         string(r.Status),
		ResponseDate:   r.ResponseDate,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func requestFromModel(m BookRequestModel) domain.BookRequest {
	return domain.BookRequest{
		ID:             m.ID,
		BookID:         m.BookID,
		RequesterID:    m.RequesterID,
		OwnerID:        m.OwnerID,
		Type:           domain.RequestType(m.RequestType),
		Message:        m.RequestMessage,
		Duration:       m.Duration,
		ExchangeBookID: m.ExchangeBookID,
		Status:         domain.RequestStatus(m.Status),
		ResponseDate:   m.ResponseDate,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func notificationToModel(n domain.Notification) NotificationModel {
	return NotificationModel{
		ID:               n.ID,
		UserID:           n.UserID,
		Type:             string(n.Type),
		Message:          n.Message,
		Read:             n.Read,
		RelatedBookID:    n.RelatedBookID,
		RelatedRequestID: n.RelatedRequestID,
		Link:             n.Link,
		CreatedAt:        n.CreatedAt,
	}
}

func notificationFromModel(m NotificationModel) domain.Notification {
	return domain.Notification{
		ID:               m.ID,
		UserID:           m.UserID,
		Type:             domain.NotificationType(m.Type),
		Message:          m.Message,
		Read:             m.Read,
		RelatedBookID:    m.RelatedBookID,
		RelatedRequestID: m.RelatedRequestID,
		Link:             m.Link,
		CreatedAt:        m.CreatedAt,
	}
}

func messageToModel(m domain.Message) MessageModel {
	return MessageModel{
		ID:            m.ID,
		RoomID:        m.RoomID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Content:       m.Content,
		Read:          m.Read,
		RelatedBookID: m.RelatedBookID,
		CreatedAt:     m.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:            m.ID,
		RoomID:        m.RoomID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Content:       m.Content,
		Read:          m.Read,
		RelatedBookID: m.RelatedBookID,
		CreatedAt:     m.CreatedAt,
	}
}
