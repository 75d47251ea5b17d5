package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"bookshare/internal/util"
	"bookshare/internal/validation"
	"bookshare/pkg/domain"
	"bookshare/pkg/storage"
	"bookshare/pkg/store"
)

// BookInput is a new listing.
type BookInput struct {
	Title          string   `json:"title" validate:"required,max=200"`
	Author         string   `json:"author" validate:"required,max=200"`
	Description    string   `json:"description" validate:"required,max=5000"`
	Genre          []string `json:"genre" validate:"required,min=1,max=10,dive,required,max=50"`
	Language       string   `json:"language" validate:"required,max=50"`
	Condition      string   `json:"condition" validate:"required,condition"`
	Location       string   `json:"location" validate:"required,max=200"`
	IsExchangeable bool     `json:"isExchangeable"`
	IsDonation     bool     `json:"isDonation"`
	BorrowDuration int      `json:"borrowDuration" validate:"gte=0,lte=365"`
}

// BookPatch changes the fields that are set. Status belongs to the request
// workflow and cannot be patched.
type BookPatch struct {
	Title          *string   `json:"title" validate:"omitnil,min=1,max=200"`
	Author         *string   `json:"author" validate:"omitnil,min=1,max=200"`
	Description    *string   `json:"description" validate:"omitnil,max=5000"`
	Genre          *[]string `json:"genre" validate:"omitnil,min=1,max=10,dive,required,max=50"`
	Language       *string   `json:"language" validate:"omitnil,max=50"`
	Condition      *string   `json:"condition" validate:"omitnil,condition"`
	Location       *string   `json:"location" validate:"omitnil,max=200"`
	IsExchangeable *bool     `json:"isExchangeable"`
	IsDonation     *bool     `json:"isDonation"`
	BorrowDuration *int      `json:"borrowDuration" validate:"omitnil,gte=1,lte=365"`
}

// Upload is one image part of a multipart form.
type Upload struct {
	Filename string
	Body     io.Reader
}

// ReviewInput rates a finished borrow. BorrowerID defaults to the caller.
type ReviewInput struct {
	BorrowerID string `json:"borrowerId"`
	Rating     int    `json:"rating" validate:"required,gte=1,lte=5"`
	Review     string `json:"review" validate:"max=2000"`
}

// BookDetail is a book with its owner and current borrower resolved.
type BookDetail struct {
	domain.Book
	Owner           *UserSummary `json:"owner"`
	CurrentBorrower *UserSummary `json:"currentBorrower,omitempty"`
}

// ListBooks returns books matching f, newest first.
func (a *App) ListBooks(ctx context.Context, f domain.BookFilter) ([]domain.Book, error) {
	books, err := a.store.ListBooks(f)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

// GetBook returns one book with owner and borrower summaries.
func (a *App) GetBook(ctx context.Context, id string) (BookDetail, error) {
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return BookDetail{}, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return BookDetail{}, notFoundError("Book not found")
	}
	detail := BookDetail{Book: book}
	if owner, ok, err := a.store.GetUser(book.OwnerID); err != nil {
		return BookDetail{}, fmt.Errorf("get owner: %w", err)
	} else if ok {
		detail.Owner = summarize(owner)
	}
	if book.CurrentBorrower != "" {
		if borrower, ok, err := a.store.GetUser(book.CurrentBorrower); err != nil {
			return BookDetail{}, fmt.Errorf("get borrower: %w", err)
		} else if ok {
			detail.CurrentBorrower = summarize(borrower)
		}
	}
	return detail, nil
}

// CreateBook lists a new Available book owned by owner.
func (a *App) CreateBook(ctx context.Context, owner domain.User, in BookInput, images []Upload) (domain.Book, error) {
	in.Genre = cleanList(in.Genre)
	if err := validation.Struct(in); err != nil {
		return domain.Book{}, validationError("%s", err.Error())
	}
	if len(images) > domain.MaxBookImages {
		return domain.Book{}, validationError("a book can have at most %d images", domain.MaxBookImages)
	}
	condition, _ := domain.ParseCondition(in.Condition)
	if in.BorrowDuration <= 0 {
		in.BorrowDuration = domain.DefaultBorrowDays
	}

	id := util.NewID()
	urls, err := a.uploadImages(ctx, id, 0, images)
	if err != nil {
		return domain.Book{}, err
	}
	now := a.now()
	book := domain.Book{
		ID:             id,
		OwnerID:        owner.ID,
		Title:          strings.TrimSpace(in.Title),
		Author:         strings.TrimSpace(in.Author),
		Description:    strings.TrimSpace(in.Description),
		Genre:          in.Genre,
		Language:       strings.TrimSpace(in.Language),
		Condition:      condition,
		Images:         urls,
		Location:       strings.TrimSpace(in.Location),
		IsExchangeable: in.IsExchangeable,
		IsDonation:     in.IsDonation,
		BorrowDuration: in.BorrowDuration,
		Status:         domain.BookAvailable,
		BorrowHistory:  []domain.BorrowEntry{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.SaveBook(book); err != nil {
		a.deleteImages(ctx, urls)
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	util.LoggerFromContext(ctx).Info("book created", "book_id", book.ID, "owner", owner.ID, "images", len(urls))
	return book, nil
}

// UpdateBook applies patch to the actor's own book; new images are appended.
func (a *App) UpdateBook(ctx context.Context, actor domain.User, id string, patch BookPatch, images []Upload) (domain.Book, error) {
	if patch.Genre != nil {
		cleaned := cleanList(*patch.Genre)
		patch.Genre = &cleaned
	}
	if err := validation.Struct(patch); err != nil {
		return domain.Book{}, validationError("%s", err.Error())
	}
	current, ok, err := a.store.GetBook(id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return domain.Book{}, notFoundError("Book not found")
	}
	if current.OwnerID != actor.ID {
		return domain.Book{}, forbiddenError("You are not authorized to update this book")
	}
	if len(current.Images)+len(images) > domain.MaxBookImages {
		return domain.Book{}, validationError("a book can have at most %d images", domain.MaxBookImages)
	}
	urls, err := a.uploadImages(ctx, id, len(current.Images), images)
	if err != nil {
		return domain.Book{}, err
	}

	var book domain.Book
	err = a.store.Transaction(func(tx store.Store) error {
		var ok bool
		var err error
		book, ok, err = tx.LockBook(id)
		if err != nil {
			return fmt.Errorf("lock book: %w", err)
		}
		if !ok {
			return notFoundError("Book not found")
		}
		if len(book.Images)+len(urls) > domain.MaxBookImages {
			return validationError("a book can have at most %d images", domain.MaxBookImages)
		}
		applyPatch(&book, patch)
		book.Images = append(book.Images, urls...)
		book.UpdatedAt = a.now()
		if err := tx.SaveBook(book); err != nil {
			return fmt.Errorf("save book: %w", err)
		}
		return nil
	})
	if err != nil {
		a.deleteImages(ctx, urls)
		return domain.Book{}, err
	}
	return book, nil
}

func applyPatch(book *domain.Book, p BookPatch) {
	if p.Title != nil {
		book.Title = strings.TrimSpace(*p.Title)
	}
	if p.Author != nil {
		book.Author = strings.TrimSpace(*p.Author)
	}
	if p.Description != nil {
		book.Description = strings.TrimSpace(*p.Description)
	}
	if p.Genre != nil {
		book.Genre = *p.Genre
	}
	if p.Language != nil {
		book.Language = strings.TrimSpace(*p.Language)
	}
	if p.Condition != nil {
		book.Condition, _ = domain.ParseCondition(*p.Condition)
	}
	if p.Location != nil {
		book.Location = strings.TrimSpace(*p.Location)
	}
	if p.IsExchangeable != nil {
		book.IsExchangeable = *p.IsExchangeable
	}
	if p.IsDonation != nil {
		book.IsDonation = *p.IsDonation
	}
	if p.BorrowDuration != nil {
		book.BorrowDuration = *p.BorrowDuration
	}
}

// DeleteBook removes the actor's own book while it is Available.
func (a *App) DeleteBook(ctx context.Context, actor domain.User, id string) error {
	var images []string
	err := a.store.Transaction(func(tx store.Store) error {
		book, ok, err := tx.LockBook(id)
		if err != nil {
			return fmt.Errorf("lock book: %w", err)
		}
		if !ok {
			return notFoundError("Book not found")
		}
		if book.OwnerID != actor.ID {
			return forbiddenError("You are not authorized to delete this book")
		}
		if book.Status != domain.BookAvailable {
			return invalidStateError("Cannot delete a book that is currently %s", strings.ToLower(string(book.Status)))
		}
		images = book.Images
		if err := tx.DeleteBook(id); err != nil {
			return fmt.Errorf("delete book: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.deleteImages(ctx, images)
	util.LoggerFromContext(ctx).Info("book deleted", "book_id", id, "owner", actor.ID)
	return nil
}

// ReturnBook hands a Borrowed book back to its owner. Either party may record
// the return; borrowerID defaults to the current borrower.
func (a *App) ReturnBook(ctx context.Context, actor domain.User, bookID, borrowerID string) (domain.Book, error) {
	var book domain.Book
	var sent notice
	err := a.store.Transaction(func(tx store.Store) error {
		var ok bool
		var err error
		book, ok, err = tx.LockBook(bookID)
		if err != nil {
			return fmt.Errorf("lock book: %w", err)
		}
		if !ok {
			return notFoundError("Book not found")
		}
		if book.Status != domain.BookBorrowed {
			return invalidStateError("Cannot return a book that is not borrowed (current status: %s)", book.Status)
		}
		if borrowerID == "" {
			borrowerID = book.CurrentBorrower
			if actor.ID != book.OwnerID {
				borrowerID = actor.ID
			}
		}
		if actor.ID != book.OwnerID && actor.ID != borrowerID {
			return forbiddenError("You are not authorized to return this book")
		}
		if book.CurrentBorrower != "" && book.CurrentBorrower != borrowerID {
			return forbiddenError("You are not authorized to return this book")
		}
		borrower, ok, err := tx.GetUser(borrowerID)
		if err != nil {
			return fmt.Errorf("get borrower: %w", err)
		}
		if !ok {
			return notFoundError("Borrower not found")
		}

		now := a.now()
		if idx := book.OpenEntry(borrowerID); idx >= 0 {
			returned := now
			book.BorrowHistory[idx].ReturnDate = &returned
		} else {
			returned := now
			book.BorrowHistory = append(book.BorrowHistory, domain.BorrowEntry{
				BorrowerID: borrowerID,
				BorrowDate: now.Add(-7 * 24 * time.Hour),
				ReturnDate: &returned,
			})
		}
		book.Status = domain.BookAvailable
		book.CurrentBorrower = ""
		book.UpdatedAt = now
		if err := tx.SaveBook(book); err != nil {
			return fmt.Errorf("save book: %w", err)
		}

		accepted, err := tx.ListRequests(domain.RequestFilter{BookID: book.ID, Statuses: []domain.RequestStatus{domain.RequestAccepted}})
		if err != nil {
			return fmt.Errorf("list accepted requests: %w", err)
		}
		relatedRequest := ""
		for _, r := range accepted {
			r.Status = domain.RequestCompleted
			r.UpdatedAt = now
			if err := tx.SaveRequest(r); err != nil {
				return fmt.Errorf("complete request: %w", err)
			}
			if r.RequesterID == borrowerID {
				relatedRequest = r.ID
			}
		}

		owner, err := userOrStub(tx, book.OwnerID)
		if err != nil {
			return err
		}
		sent, err = a.notify(tx, domain.NotifyBookReturned, owner, borrower, book, relatedRequest)
		return err
	})
	if err != nil {
		return domain.Book{}, err
	}
	util.LoggerFromContext(ctx).Info("book returned", "book_id", book.ID, "borrower", borrowerID, "actor", actor.ID)
	a.dispatch(ctx, sent)
	return book, nil
}

// AddReview rates the borrower's first unrated borrow of the book and folds
// the rating into the owner's aggregate.
func (a *App) AddReview(ctx context.Context, actor domain.User, bookID string, in ReviewInput) (domain.Book, error) {
	if err := validation.Struct(in); err != nil {
		return domain.Book{}, validationError("%s", err.Error())
	}
	borrowerID := actor.ID
	if in.BorrowerID != "" && in.BorrowerID != actor.ID {
		return domain.Book{}, forbiddenError("You can only review your own borrows")
	}

	var book domain.Book
	err := a.store.Transaction(func(tx store.Store) error {
		var ok bool
		var err error
		book, ok, err = tx.LockBook(bookID)
		if err != nil {
			return fmt.Errorf("lock book: %w", err)
		}
		if !ok {
			return notFoundError("Book not found")
		}
		idx := book.UnratedEntry(borrowerID)
		if idx < 0 {
			return invalidStateError("No eligible borrow history found for this user")
		}
		rating := in.Rating
		book.BorrowHistory[idx].Rating = &rating
		book.BorrowHistory[idx].Review = strings.TrimSpace(in.Review)
		book.UpdatedAt = a.now()
		if err := tx.SaveBook(book); err != nil {
			return fmt.Errorf("save book: %w", err)
		}

		owner, ok, err := tx.GetUser(book.OwnerID)
		if err != nil {
			return fmt.Errorf("get owner: %w", err)
		}
		if !ok {
			return nil
		}
		owner.AddRating(rating)
		owner.UpdatedAt = a.now()
		if err := tx.SaveUser(owner); err != nil {
			return fmt.Errorf("save owner: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Book{}, err
	}
	return book, nil
}

// uploadImages stages every upload on disk, then pushes them to the object
// store concurrently. Staged copies are always removed; on failure the
// objects already stored are deleted again.
func (a *App) uploadImages(ctx context.Context, bookID string, offset int, images []Upload) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	logger := util.LoggerFromContext(ctx)
	staged := make([]storage.StagedFile, 0, len(images))
	defer func() {
		for _, f := range staged {
			if err := a.files.Remove(f); err != nil {
				logger.Warn("remove staged upload failed", "path", f.Path, "err", err)
			}
		}
	}()
	for _, img := range images {
		f, err := a.files.Stage(img.Filename, img.Body, a.maxUploadBytes)
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, validationError("image %s exceeds %d bytes", storage.SafeFilename(img.Filename), a.maxUploadBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("stage image: %w", err)
		}
		staged = append(staged, f)
		if !strings.HasPrefix(f.ContentType, "image/") {
			return nil, validationError("image %s is not an image file", f.Name)
		}
	}

	keys := make([]string, len(staged))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range staged {
		key := fmt.Sprintf("books/%s/%d-%s", bookID, offset+i+1, f.Name)
		g.Go(func() error {
			r, err := os.Open(f.Path)
			if err != nil {
				return err
			}
			defer r.Close()
			if err := a.objects.Put(gctx, key, r, f.Size, f.ContentType); err != nil {
				return fmt.Errorf("upload %s: %w", f.Name, err)
			}
			keys[i] = key
			return nil
		})
	}
	err := g.Wait()
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		if key != "" {
			urls = append(urls, a.objects.URL(key))
		}
	}
	if err != nil {
		a.deleteImages(ctx, urls)
		return nil, fmt.Errorf("upload images: %w", err)
	}
	return urls, nil
}

func (a *App) deleteImages(ctx context.Context, urls []string) {
	for _, u := range urls {
		key, ok := a.objects.KeyFromURL(u)
		if !ok {
			continue
		}
		if err := a.objects.Delete(ctx, key); err != nil {
			util.LoggerFromContext(ctx).Warn("delete image failed", "key", key, "err", err)
		}
	}
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
