package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bookshare/internal/util"
	"bookshare/internal/validation"
	"bookshare/pkg/domain"
	"bookshare/pkg/sms"
	"bookshare/pkg/store"
)

// SyncInput is the identity provider's view of a user.
type SyncInput struct {
	ExternalID   string `json:"id" validate:"required,max=128"`
	Email        string `json:"email" validate:"required,email"`
	FirstName    string `json:"first_name" validate:"max=100"`
	LastName     string `json:"last_name" validate:"max=100"`
	ProfileImage string `json:"image_url" validate:"omitempty,url"`
}

// ProfileUpdate changes the fields that are set.
type ProfileUpdate struct {
	Bio         *string   `json:"bio" validate:"omitnil,max=1000"`
	Location    *string   `json:"location" validate:"omitnil,max=200"`
	Interests   *[]string `json:"interests" validate:"omitnil,max=20,dive,max=50"`
	PhoneNumber *string   `json:"phoneNumber" validate:"omitnil,max=32"`
}

// ResolveUser maps an identity-provider id to the stored user.
func (a *App) ResolveUser(ctx context.Context, externalID string) (domain.User, error) {
	u, ok, err := a.store.GetUserByExternalID(externalID)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user by external id: %w", err)
	}
	if !ok {
		return domain.User{}, notFoundError("User not found")
	}
	return u, nil
}

// SyncUser creates or refreshes the user linked to in.ExternalID. created
// reports whether a new record was made.
func (a *App) SyncUser(ctx context.Context, in SyncInput) (user domain.User, created bool, err error) {
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	in.Email = strings.TrimSpace(in.Email)
	if err := validation.Struct(in); err != nil {
		return domain.User{}, false, validationError("%s", err.Error())
	}
	err = a.store.Transaction(func(tx store.Store) error {
		existing, ok, err := tx.GetUserByExternalID(in.ExternalID)
		if err != nil {
			return fmt.Errorf("get user by external id: %w", err)
		}
		now := a.now()
		if ok {
			user = existing
		} else {
			user = domain.User{ID: util.NewID(), ExternalID: in.ExternalID, Interests: []string{}, CreatedAt: now}
			created = true
		}
		user.Email = in.Email
		user.FirstName = strings.TrimSpace(in.FirstName)
		user.LastName = strings.TrimSpace(in.LastName)
		user.ProfileImage = strings.TrimSpace(in.ProfileImage)
		user.UpdatedAt = now
		if err := tx.SaveUser(user); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return newError(ErrValidation, "A user with this email already exists")
			}
			return fmt.Errorf("save user: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.User{}, false, err
	}
	util.LoggerFromContext(ctx).Info("user synced", "user_id", user.ID, "created", created)
	return user, created, nil
}

// GetUser returns a user by id.
func (a *App) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, ok, err := a.store.GetUser(id)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	if !ok {
		return domain.User{}, notFoundError("User not found")
	}
	return u, nil
}

// Profile returns the user with the books they share and have borrowed.
func (a *App) Profile(ctx context.Context, user domain.User) (domain.Profile, error) {
	shared, err := a.BooksShared(ctx, user.ID)
	if err != nil {
		return domain.Profile{}, err
	}
	borrowed, err := a.BooksBorrowed(ctx, user.ID)
	if err != nil {
		return domain.Profile{}, err
	}
	return domain.Profile{User: user, BooksShared: shared, BooksBorrowed: borrowed}, nil
}

// UpdateProfile edits the actor's own profile.
func (a *App) UpdateProfile(ctx context.Context, actor domain.User, id string, in ProfileUpdate) (domain.User, error) {
	if actor.ID != id {
		return domain.User{}, forbiddenError("You can only update your own profile")
	}
	if err := validation.Struct(in); err != nil {
		return domain.User{}, validationError("%s", err.Error())
	}
	phone := ""
	if in.PhoneNumber != nil && strings.TrimSpace(*in.PhoneNumber) != "" {
		normalized, err := sms.NormalizeNumber(*in.PhoneNumber)
		if err != nil {
			return domain.User{}, validationError("phoneNumber must be a valid phone number")
		}
		phone = normalized
	}

	var user domain.User
	err := a.store.Transaction(func(tx store.Store) error {
		var ok bool
		var err error
		user, ok, err = tx.GetUser(id)
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		if !ok {
			return notFoundError("User not found")
		}
		if in.Bio != nil {
			user.Bio = strings.TrimSpace(*in.Bio)
		}
		if in.Location != nil {
			user.Location = strings.TrimSpace(*in.Location)
		}
		if in.Interests != nil {
			user.Interests = cleanList(*in.Interests)
		}
		if in.PhoneNumber != nil {
			user.PhoneNumber = phone
		}
		user.UpdatedAt = a.now()
		if err := tx.SaveUser(user); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// BooksShared lists the books a user owns.
func (a *App) BooksShared(ctx context.Context, userID string) ([]domain.Book, error) {
	books, err := a.store.ListBooks(domain.BookFilter{OwnerID: userID})
	if err != nil {
		return nil, fmt.Errorf("list shared books: %w", err)
	}
	return books, nil
}

// BooksBorrowed lists the books a user has borrowed at some point.
func (a *App) BooksBorrowed(ctx context.Context, userID string) ([]domain.Book, error) {
	books, err := a.store.ListBooks(domain.BookFilter{BorrowedBy: userID})
	if err != nil {
		return nil, fmt.Errorf("list borrowed books: %w", err)
	}
	return books, nil
}
