package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bookshare/internal/util"
	"bookshare/internal/validation"
	"bookshare/pkg/domain"
	"bookshare/pkg/store"
)

// RequestInput is the body of a new book request.
type RequestInput struct {
	BookID         string `json:"bookId" validate:"required"`
	Type           string `json:"requestType" validate:"requesttype"`
	Message        string `json:"requestMessage" validate:"max=1000"`
	Duration       int    `json:"requestDuration" validate:"gte=0,lte=365"`
	ExchangeBookID string `json:"exchangeBook"`
}

// RequestDetail is a request with its book and both parties resolved.
type RequestDetail struct {
	domain.BookRequest
	Book      *domain.Book `json:"book"`
	Requester *UserSummary `json:"requester"`
	Owner     *UserSummary `json:"owner"`
}

// UserSummary is the public face of a user embedded in other records.
type UserSummary struct {
	ID           string `json:"id"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	Email        string `json:"email"`
	ProfileImage string `json:"profileImage,omitempty"`
}

func summarize(u domain.User) *UserSummary {
	return &UserSummary{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Email: u.Email, ProfileImage: u.ProfileImage}
}

var activeStatuses = []domain.RequestStatus{domain.RequestPending, domain.RequestAccepted}

// CreateRequest files a Pending request for an Available book and reserves it.
func (a *App) CreateRequest(ctx context.Context, requester domain.User, in RequestInput) (domain.BookRequest, error) {
	if strings.TrimSpace(in.Type) == "" {
		return domain.BookRequest{}, validationError("Request type is required")
	}
	if err := validation.Struct(in); err != nil {
		return domain.BookRequest{}, validationError("%s", err.Error())
	}
	reqType, _ := domain.ParseRequestType(in.Type)
	if in.Duration <= 0 {
		in.Duration = domain.DefaultBorrowDays
	}

	var req domain.BookRequest
	var sent notice
	err := a.store.Transaction(func(tx store.Store) error {
		book, ok, err := tx.LockBook(in.BookID)
		if err != nil {
			return fmt.Errorf("lock book: %w", err)
		}
		if !ok {
			return notFoundError("Book not found")
		}
		if book.OwnerID == requester.ID {
			return forbiddenError("You cannot request your own book")
		}
		if book.Status != domain.BookAvailable {
			return invalidStateError("Book is not available for request")
		}
		active, err := tx.ListRequests(domain.RequestFilter{BookID: book.ID, Statuses: activeStatuses})
		if err != nil {
			return fmt.Errorf("list active requests: %w", err)
		}
		if len(active) > 0 {
			return invalidStateError("Book is not available for request")
		}
		if in.ExchangeBookID != "" {
			if reqType != domain.RequestExchange {
				return validationError("exchangeBook is only allowed for exchange requests")
			}
			offered, ok, err := tx.GetBook(in.ExchangeBookID)
			if err != nil {
				return fmt.Errorf("get exchange book: %w", err)
			}
			if !ok {
				return notFoundError("Exchange book not found")
			}
			if offered.OwnerID != requester.ID {
				return validationError("exchangeBook must be one of your own books")
			}
		}

		now := a.now()
		req = domain.BookRequest{
			ID:             util.NewID(),
			BookID:         book.ID,
			RequesterID:    requester.ID,
			OwnerID:        book.OwnerID,
			Type:           reqType,
			Message:        strings.TrimSpace(in.Message),
			Duration:       in.Duration,
			ExchangeBookID: in.ExchangeBookID,
			Status:         domain.RequestPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.SaveRequest(req); err != nil {
			return fmt.Errorf("save request: %w", err)
		}
		book.Status = domain.BookReserved
		book.UpdatedAt = now
		if err := tx.SaveBook(book); err != nil {
			return fmt.Errorf("save book: %w", err)
		}
		owner, err := userOrStub(tx, book.OwnerID)
		if err != nil {
			return err
		}
		sent, err = a.notify(tx, domain.NotifyBookRequest, owner, requester, book, req.ID)
		return err
	})
	if err != nil {
		return domain.BookRequest{}, err
	}
	util.LoggerFromContext(ctx).Info("book requested", "request_id", req.ID, "book_id", req.BookID, "requester", requester.ID)
	a.dispatch(ctx, sent)
	return req, nil
}

// ApproveRequest accepts a Pending request: the book is lent to the requester.
func (a *App) ApproveRequest(ctx context.Context, actor domain.User, requestID string) (domain.BookRequest, error) {
	return a.respond(ctx, actor, requestID, domain.RequestAccepted, "approve")
}

// RejectRequest declines a Pending request.
func (a *App) RejectRequest(ctx context.Context, actor domain.User, requestID string) (domain.BookRequest, error) {
	return a.respond(ctx, actor, requestID, domain.RequestRejected, "reject")
}

// CancelRequest withdraws a Pending request on behalf of its requester.
func (a *App) CancelRequest(ctx context.Context, actor domain.User, requestID string) (domain.BookRequest, error) {
	return a.respond(ctx, actor, requestID, domain.RequestCanceled, "cancel")
}

// UpdateRequestStatus moves a request to status. Only Pending requests can be
// accepted, rejected or canceled, and only Accepted ones completed.
func (a *App) UpdateRequestStatus(ctx context.Context, actor domain.User, requestID, status string) (domain.BookRequest, error) {
	target, err := domain.ParseRequestStatus(status)
	if err != nil || target == domain.RequestPending {
		return domain.BookRequest{}, validationError("Invalid status: %s", strings.TrimSpace(status))
	}
	switch target {
	case domain.RequestAccepted:
		return a.respond(ctx, actor, requestID, target, "approve")
	case domain.RequestRejected:
		return a.respond(ctx, actor, requestID, target, "reject")
	case domain.RequestCanceled:
		return a.respond(ctx, actor, requestID, target, "cancel")
	default:
		return a.complete(ctx, actor, requestID)
	}
}

// respond applies an approve, reject or cancel decision to a Pending request.
func (a *App) respond(ctx context.Context, actor domain.User, requestID string, target domain.RequestStatus, verb string) (domain.BookRequest, error) {
	var req domain.BookRequest
	var sent notice
	err := a.store.Transaction(func(tx store.Store) error {
		var book domain.Book
		var err error
		req, book, err = loadRequest(tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != domain.RequestPending {
			if target == domain.RequestCanceled {
				return invalidStateError("This request cannot be canceled because it has already been %s", strings.ToLower(string(req.Status)))
			}
			return invalidStateError("This request has already been %s", strings.ToLower(string(req.Status)))
		}
		decider := req.OwnerID
		if target == domain.RequestCanceled {
			decider = req.RequesterID
		}
		if actor.ID != decider {
			return forbiddenError("You are not authorized to %s this request", verb)
		}
		if target == domain.RequestAccepted {
			if err := ensureLendable(tx, book, req.ID); err != nil {
				return err
			}
		}

		now := a.now()
		req.Status = target
		req.ResponseDate = &now
		req.UpdatedAt = now
		if err := tx.SaveRequest(req); err != nil {
			return fmt.Errorf("save request: %w", err)
		}
		if target == domain.RequestAccepted {
			book.Status = domain.BookBorrowed
			book.CurrentBorrower = req.RequesterID
			book.BorrowHistory = append(book.BorrowHistory, domain.BorrowEntry{BorrowerID: req.RequesterID, BorrowDate: now})
		} else if err := releaseIfIdle(tx, &book, req.ID); err != nil {
			return err
		}
		book.UpdatedAt = now
		if err := tx.SaveBook(book); err != nil {
			return fmt.Errorf("save book: %w", err)
		}

		var typ domain.NotificationType
		var recipientID string
		switch target {
		case domain.RequestAccepted:
			typ, recipientID = domain.NotifyRequestApproved, req.RequesterID
		case domain.RequestRejected:
			typ, recipientID = domain.NotifyRequestRejected, req.RequesterID
		default:
			typ, recipientID = domain.NotifyRequestCanceled, req.OwnerID
		}
		recipient, err := userOrStub(tx, recipientID)
		if err != nil {
			return err
		}
		sent, err = a.notify(tx, typ, recipient, actor, book, req.ID)
		return err
	})
	if err != nil {
		return domain.BookRequest{}, err
	}
	util.LoggerFromContext(ctx).Info("book request updated", "request_id", req.ID, "status", req.Status, "actor", actor.ID)
	a.dispatch(ctx, sent)
	return req, nil
}

// complete closes an Accepted request: the book comes back to its owner.
func (a *App) complete(ctx context.Context, actor domain.User, requestID string) (domain.BookRequest, error) {
	var req domain.BookRequest
	var sent notice
	err := a.store.Transaction(func(tx store.Store) error {
		var book domain.Book
		var err error
		req, book, err = loadRequest(tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != domain.RequestAccepted {
			return invalidStateError("This request cannot be completed because it is %s", strings.ToLower(string(req.Status)))
		}
		if actor.ID != req.OwnerID && actor.ID != req.RequesterID {
			return forbiddenError("You are not authorized to complete this request")
		}

		now := a.now()
		req.Status = domain.RequestCompleted
		req.UpdatedAt = now
		if err := tx.SaveRequest(req); err != nil {
			return fmt.Errorf("save request: %w", err)
		}
		closeBorrow(&book, req.RequesterID, now)
		book.UpdatedAt = now
		if err := tx.SaveBook(book); err != nil {
			return fmt.Errorf("save book: %w", err)
		}
		owner, err := userOrStub(tx, req.OwnerID)
		if err != nil {
			return err
		}
		borrower, err := userOrStub(tx, req.RequesterID)
		if err != nil {
			return err
		}
		sent, err = a.notify(tx, domain.NotifyBookReturned, owner, borrower, book, req.ID)
		return err
	})
	if err != nil {
		return domain.BookRequest{}, err
	}
	util.LoggerFromContext(ctx).Info("book request completed", "request_id", req.ID, "actor", actor.ID)
	a.dispatch(ctx, sent)
	return req, nil
}

// GetRequest returns a request to one of its two parties.
func (a *App) GetRequest(ctx context.Context, actor domain.User, requestID string) (RequestDetail, error) {
	req, ok, err := a.store.GetRequest(requestID)
	if err != nil {
		return RequestDetail{}, fmt.Errorf("get request: %w", err)
	}
	if !ok {
		return RequestDetail{}, notFoundError("Book request not found")
	}
	if actor.ID != req.OwnerID && actor.ID != req.RequesterID {
		return RequestDetail{}, forbiddenError("You are not authorized to view this request")
	}
	details, err := a.describe([]domain.BookRequest{req})
	if err != nil {
		return RequestDetail{}, err
	}
	return details[0], nil
}

// Request listing roles.
const (
	RoleOwner     = "owner"
	RoleRequester = "requester"
)

// ListRequests returns the user's requests, newest first. role narrows to
// requests received (owner) or sent (requester); empty means both.
func (a *App) ListRequests(ctx context.Context, userID, role string) ([]RequestDetail, error) {
	filter := domain.RequestFilter{}
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleOwner:
		filter.OwnerID = userID
	case RoleRequester:
		filter.RequesterID = userID
	case "":
		filter.UserID = userID
	default:
		return nil, validationError("type must be owner or requester")
	}
	reqs, err := a.store.ListRequests(filter)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return a.describe(reqs)
}

func (a *App) describe(reqs []domain.BookRequest) ([]RequestDetail, error) {
	books := map[string]*domain.Book{}
	users := map[string]*UserSummary{}
	book := func(id string) (*domain.Book, error) {
		if b, seen := books[id]; seen {
			return b, nil
		}
		b, ok, err := a.store.GetBook(id)
		if err != nil {
			return nil, fmt.Errorf("get book: %w", err)
		}
		if ok {
			books[id] = &b
		} else {
			books[id] = nil
		}
		return books[id], nil
	}
	user := func(id string) (*UserSummary, error) {
		if u, seen := users[id]; seen {
			return u, nil
		}
		u, ok, err := a.store.GetUser(id)
		if err != nil {
			return nil, fmt.Errorf("get user: %w", err)
		}
		if ok {
			users[id] = summarize(u)
		} else {
			users[id] = nil
		}
		return users[id], nil
	}

	out := make([]RequestDetail, 0, len(reqs))
	for _, r := range reqs {
		d := RequestDetail{BookRequest: r}
		var err error
		if d.Book, err = book(r.BookID); err != nil {
			return nil, err
		}
		if d.Requester, err = user(r.RequesterID); err != nil {
			return nil, err
		}
		if d.Owner, err = user(r.OwnerID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func loadRequest(tx store.Store, requestID string) (domain.BookRequest, domain.Book, error) {
	req, ok, err := tx.GetRequest(requestID)
	if err != nil {
		return domain.BookRequest{}, domain.Book{}, fmt.Errorf("get request: %w", err)
	}
	if !ok {
		return domain.BookRequest{}, domain.Book{}, notFoundError("Book request not found")
	}
	book, ok, err := tx.LockBook(req.BookID)
	if err != nil {
		return domain.BookRequest{}, domain.Book{}, fmt.Errorf("lock book: %w", err)
	}
	if !ok {
		return domain.BookRequest{}, domain.Book{}, notFoundError("Book not found")
	}
	return req, book, nil
}

// ensureLendable refuses an approval unless the book is still held only by
// pending requests.
func ensureLendable(tx store.Store, book domain.Book, requestID string) error {
	if book.Status != domain.BookReserved {
		return invalidStateError("Book is %s and cannot be lent", strings.ToLower(string(book.Status)))
	}
	accepted, err := tx.ListRequests(domain.RequestFilter{BookID: book.ID, Statuses: []domain.RequestStatus{domain.RequestAccepted}})
	if err != nil {
		return fmt.Errorf("list accepted requests: %w", err)
	}
	for _, r := range accepted {
		if r.ID != requestID {
			return invalidStateError("Book is already lent through another request")
		}
	}
	return nil
}

// releaseIfIdle makes a Reserved book Available again unless another Pending
// request still holds it.
func releaseIfIdle(tx store.Store, book *domain.Book, exceptRequestID string) error {
	if book.Status != domain.BookReserved {
		return nil
	}
	pending, err := tx.ListRequests(domain.RequestFilter{BookID: book.ID, Statuses: []domain.RequestStatus{domain.RequestPending}})
	if err != nil {
		return fmt.Errorf("list pending requests: %w", err)
	}
	for _, r := range pending {
		if r.ID != exceptRequestID {
			return nil
		}
	}
	book.Status = domain.BookAvailable
	book.CurrentBorrower = ""
	return nil
}

// closeBorrow makes the book Available and stamps the return date on the
// borrower's open history entry, falling back to the last entry if it is open.
func closeBorrow(book *domain.Book, borrowerID string, now time.Time) {
	idx := book.OpenEntry(borrowerID)
	if idx < 0 && len(book.BorrowHistory) > 0 && book.BorrowHistory[len(book.BorrowHistory)-1].Open() {
		idx = len(book.BorrowHistory) - 1
	}
	if idx >= 0 {
		returned := now
		book.BorrowHistory[idx].ReturnDate = &returned
	}
	book.Status = domain.BookAvailable
	book.CurrentBorrower = ""
}

// userOrStub loads a user, falling back to a bare record for dangling ids so
// a notification can still be stored.
func userOrStub(tx store.Store, id string) (domain.User, error) {
	u, ok, err := tx.GetUser(id)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	if !ok {
		return domain.User{ID: id}, nil
	}
	return u, nil
}
