package app

import (
	"bytes"
	"context"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"bookshare/pkg/domain"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{1}, 256)...)

func validBookInput() BookInput {
	return BookInput{
		Title:       "The Left Hand of Darkness",
		Author:      "Ursula K. Le Guin",
		Description: "Winter, a planet of ambisexual people.",
		Genre:       []string{" Science Fiction ", "", "Classic"},
		Language:    "English",
		Condition:   "like new",
		Location:    "Porto",
	}
}

func TestCreateBookUploadsImages(t *testing.T) {
	h := newHarness(t)
	owner := h.user(t, "owner", "Olivia", "Owner", "")
	uploads := []Upload{
		{Filename: "front cover.png", Body: bytes.NewReader(pngBytes)},
		{Filename: "back.png", Body: bytes.NewReader(pngBytes)},
	}

	book, err := h.app.CreateBook(context.Background(), owner, validBookInput(), uploads)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	if book.Status != domain.BookAvailable || book.OwnerID != owner.ID {
		t.Fatalf("book = %+v", book)
	}
	if book.Condition != domain.ConditionLikeNew || book.BorrowDuration != domain.DefaultBorrowDays {
		t.Fatalf("normalized fields = %s %d", book.Condition, book.BorrowDuration)
	}
	if len(book.Genre) != 2 || book.Genre[0] != "Science Fiction" {
		t.Fatalf("genre = %#v", book.Genre)
	}
	if len(book.Images) != 2 || h.objects.count() != 2 {
		t.Fatalf("images = %#v, stored = %d", book.Images, h.objects.count())
	}
	want := "https://img.test/books-bucket/books/" + book.ID + "/1-front_cover.png"
	if book.Images[0] != want {
		t.Fatalf("first image = %q, want %q", book.Images[0], want)
	}
	entries, err := os.ReadDir(h.uploadDir)
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("staged files left behind: %d", len(entries))
	}
	if _, ok, _ := h.store.GetBook(book.ID); !ok {
		t.Fatal("book not stored")
	}
}

func TestCreateBookRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	owner := h.user(t, "owner", "Olivia", "Owner", "")
	ctx := context.Background()

	missingTitle := validBookInput()
	missingTitle.Title = ""
	_, err := h.app.CreateBook(ctx, owner, missingTitle, nil)
	wantKind(t, err, ErrValidation, "title is required")

	badCondition := validBookInput()
	badCondition.Condition = "Mint"
	_, err = h.app.CreateBook(ctx, owner, badCondition, nil)
	wantKind(t, err, ErrValidation, "condition must be one of: New, Like New, Good, Fair, Poor")

	_, err = h.app.CreateBook(ctx, owner, validBookInput(), []Upload{{Filename: "notes.txt", Body: strings.NewReader("plain text, not an image")}})
	wantKind(t, err, ErrValidation, "image notes.txt is not an image file")

	tooMany := make([]Upload, domain.MaxBookImages+1)
	for i := range tooMany {
		tooMany[i] = Upload{Filename: "p.png", Body: bytes.NewReader(pngBytes)}
	}
	_, err = h.app.CreateBook(ctx, owner, validBookInput(), tooMany)
	wantKind(t, err, ErrValidation, "a book can have at most 5 images")

	if h.objects.count() != 0 {
		t.Fatalf("rejected books must not leave objects, got %d", h.objects.count())
	}
}

func TestCreateBookRollsBackUploadsOnFailure(t *testing.T) {
	h := newHarness(t)
	h.objects.failOn = "2-"
	owner := h.user(t, "owner", "Olivia", "Owner", "")
	uploads := []Upload{
		{Filename: "a.png", Body: bytes.NewReader(pngBytes)},
		{Filename: "b.png", Body: bytes.NewReader(pngBytes)},
	}
	if _, err := h.app.CreateBook(context.Background(), owner, validBookInput(), uploads); err == nil {
		t.Fatal("expected upload failure")
	}
	if h.objects.count() != 0 {
		t.Fatalf("uploaded objects not cleaned up: %d", h.objects.count())
	}
	books, _ := h.store.ListBooks(domain.BookFilter{})
	if len(books) != 0 {
		t.Fatalf("books = %d, want 0", len(books))
	}
}

func TestUpdateBookAppendsImagesForOwnerOnly(t *testing.T) {
	h := newHarness(t)
	owner := h.user(t, "owner", "Olivia", "Owner", "")
	other := h.user(t, "other", "Otto", "Other", "")
	ctx := context.Background()
	book, err := h.app.CreateBook(ctx, owner, validBookInput(), []Upload{{Filename: "a.png", Body: bytes.NewReader(pngBytes)}})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}

	title := "New Title"
	_, err = h.app.UpdateBook(ctx, other, book.ID, BookPatch{Title: &title}, nil)
	wantKind(t, err, ErrForbidden, "You are not authorized to update this book")

	days := 30
	updated, err := h.app.UpdateBook(ctx, owner, book.ID, BookPatch{Title: &title, BorrowDuration: &days},
		[]Upload{{Filename: "b.png", Body: bytes.NewReader(pngBytes)}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "New Title" || updated.BorrowDuration != 30 || updated.Author != book.Author {
		t.Fatalf("updated = %+v", updated)
	}
	if len(updated.Images) != 2 || updated.Images[0] != book.Images[0] || !strings.HasSuffix(updated.Images[1], "/2-b.png") {
		t.Fatalf("images = %#v", updated.Images)
	}

	empty := ""
	_, err = h.app.UpdateBook(ctx, owner, book.ID, BookPatch{Title: &empty}, nil)
	wantKind(t, err, ErrValidation, "")
}

func TestDeleteBookOnlyWhenAvailable(t *testing.T) {
	h := newHarness(t)
	owner := h.user(t, "owner", "Olivia", "Owner", "")
	reader := h.user(t, "reader", "Rui", "Reader", "")
	ctx := context.Background()
	book, err := h.app.CreateBook(ctx, owner, validBookInput(), []Upload{{Filename: "a.png", Body: bytes.NewReader(pngBytes)}})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	req, err := h.app.CreateRequest(ctx, reader, RequestInput{BookID: book.ID, Type: "Borrow"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	err = h.app.DeleteBook(ctx, reader, book.ID)
	wantKind(t, err, ErrForbidden, "You are not authorized to delete this book")
	err = h.app.DeleteBook(ctx, owner, book.ID)
	wantKind(t, err, ErrInvalidState, "Cannot delete a book that is currently reserved")

	if _, err := h.app.ApproveRequest(ctx, owner, req.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	err = h.app.DeleteBook(ctx, owner, book.ID)
	wantKind(t, err, ErrInvalidState, "Cannot delete a book that is currently borrowed")

	if _, err := h.app.ReturnBook(ctx, owner, book.ID, ""); err != nil {
		t.Fatalf("return: %v", err)
	}
	if err := h.app.DeleteBook(ctx, owner, book.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := h.store.GetBook(book.ID); ok {
		t.Fatal("book still stored")
	}
	if h.objects.count() != 0 {
		t.Fatalf("images not deleted: %d", h.objects.count())
	}
}

func TestReturnBookGuards(t *testing.T) {
	h := newHarness(t)
	owner := h.user(t, "owner", "Olivia", "Owner", "")
	reader := h.user(t, "reader", "Rui", "Reader", "")
	stranger := h.user(t, "stranger", "Sue", "Stranger", "")
	h.book(t, "b1", owner.ID)
	ctx := context.Background()

	_, err := h.app.ReturnBook(ctx, owner, "b1", reader.ID)
	wantKind(t, err, ErrInvalidState, "Cannot return a book that is not borrowed (current status: Available)")
	_, err = h.app.ReturnBook(ctx, owner, "missing", reader.ID)
	wantKind(t, err, ErrNotFound, "Book not found")

	b := h.getBook(t, "b1")
	b.Status = domain.BookBorrowed
	b.CurrentBorrower = reader.ID
	if err := h.store.SaveBook(b); err != nil {
		t.Fatalf("save book: %v", err)
	}
	_, err = h.app.ReturnBook(ctx, stranger, "b1", "")
	wantKind(t, err, ErrForbidden, "You are not authorized to return this book")
	_, err = h.app.ReturnBook(ctx, owner, "b1", stranger.ID)
	wantKind(t, err, ErrForbidden, "You are not authorized to return this book")

	b.CurrentBorrower = "ghost"
	if err := h.store.SaveBook(b); err != nil {
		t.Fatalf("save book: %v", err)
	}
	_, err = h.app.ReturnBook(ctx, owner, "b1", "")
	wantKind(t, err, ErrNotFound, "Borrower not found")
}

func TestReturnWithoutOpenEntryAppendsSyntheticEntry(t *testing.T) {
	h := newHarness(t)
	owner := h.user(t, "owner", "Olivia", "Owner", "")
	reader := h.user(t, "reader", "Rui", "Reader", "")
	b := h.book(t, "b1", owner.ID)
	b.Status = domain.BookBorrowed
	b.CurrentBorrower = reader.ID
	if err := h.store.SaveBook(b); err != nil {
		t.Fatalf("save book: %v", err)
	}

	got, err := h.app.ReturnBook(context.Background(), owner, "b1", reader.ID)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	checkBorrowInvariant(t, got)
	if len(got.BorrowHistory) != 1 {
		t.Fatalf("history = %+v", got.BorrowHistory)
	}
	e := got.BorrowHistory[0]
	if e.BorrowerID != reader.ID || e.Open() || !e.BorrowDate.Equal(testNow.Add(-7*24*time.Hour)) {
		t.Fatalf("synthetic entry = %+v", e)
	}
	notes := h.notifications(t, owner.ID)
	if len(notes) != 1 || notes[0].Type != domain.NotifyBookReturned || notes[0].RelatedRequestID != "" {
		t.Fatalf("notifications = %+v", notes)
	}
}

func TestAddReviewAggregatesOwnerRating(t *testing.T) {
	h := newHarness(t)
	owner := h.user(t, "owner", "Olivia", "Owner", "")
	owner.RatingSum = 8
	owner.ReviewsCount = 2
	if err := h.store.SaveUser(owner); err != nil {
		t.Fatalf("save owner: %v", err)
	}
	reader := h.user(t, "reader", "Rui", "Reader", "")
	b := h.book(t, "b1", owner.ID)
	returned := testNow
	b.BorrowHistory = []domain.BorrowEntry{{BorrowerID: reader.ID, BorrowDate: testNow.Add(-72 * time.Hour), ReturnDate: &returned}}
	if err := h.store.SaveBook(b); err != nil {
		t.Fatalf("save book: %v", err)
	}
	ctx := context.Background()

	book, err := h.app.AddReview(ctx, reader, "b1", ReviewInput{Rating: 5, Review: " great "})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	e := book.BorrowHistory[0]
	if e.Rating == nil || *e.Rating != 5 || e.Review != "great" {
		t.Fatalf("entry = %+v", e)
	}
	got, _, _ := h.store.GetUser(owner.ID)
	if got.ReviewsCount != 3 || math.Abs(got.Rating()-13.0/3.0) > 1e-9 {
		t.Fatalf("owner rating = %v over %d", got.Rating(), got.ReviewsCount)
	}

	_, err = h.app.AddReview(ctx, reader, "b1", ReviewInput{Rating: 4})
	wantKind(t, err, ErrInvalidState, "No eligible borrow history found for this user")
	_, err = h.app.AddReview(ctx, reader, "b1", ReviewInput{Rating: 6})
	wantKind(t, err, ErrValidation, "rating must be 5 or less")
	_, err = h.app.AddReview(ctx, reader, "b1", ReviewInput{BorrowerID: owner.ID, Rating: 3})
	wantKind(t, err, ErrForbidden, "You can only review your own borrows")
}

func TestGetBookResolvesPeople(t *testing.T) {
	h := newHarness(t)
	owner := h.user(t, "owner", "Olivia", "Owner", "")
	reader := h.user(t, "reader", "Rui", "Reader", "")
	b := h.book(t, "b1", owner.ID)
	b.Status = domain.BookBorrowed
	b.CurrentBorrower = reader.ID
	if err := h.store.SaveBook(b); err != nil {
		t.Fatalf("save book: %v", err)
	}
	detail, err := h.app.GetBook(context.Background(), "b1")
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if detail.Owner == nil || detail.Owner.ID != owner.ID || detail.CurrentBorrower == nil || detail.CurrentBorrower.ID != reader.ID {
		t.Fatalf("detail = %+v", detail)
	}
	_, err = h.app.GetBook(context.Background(), "nope")
	wantKind(t, err, ErrNotFound, "Book not found")
}
