package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"bookshare/internal/util"
	"bookshare/internal/validation"
	"bookshare/pkg/domain"
	"bookshare/pkg/store"
)

// Config holds runtime configuration for the chat core.
type Config struct {
	DatabaseURL string
	Store       store.Store
	// HistoryLimit caps messages returned for a room; 0 returns all.
	HistoryLimit int
	Now          func() time.Time
}

// App persists chat messages and answers room queries.
type App struct {
	store        store.Store
	historyLimit int
	now          func() time.Time
}

// New constructs the application with database-backed storage for messages.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:        dataStore,
		historyLimit: max(cfg.HistoryLimit, 0),
		now:          func() time.Time { return now().UTC() },
	}, nil
}

// MessageInput is a new chat line. RoomID is derived from the two users when empty.
type MessageInput struct {
	ReceiverID    string `json:"receiverId" validate:"required"`
	Content       string `json:"content" validate:"required,max=2000"`
	RelatedBookID string `json:"relatedBookId"`
	RoomID        string `json:"roomId"`
}

// ResolveUser maps an identity-provider id to the local user.
func (a *App) ResolveUser(ctx context.Context, externalID string) (domain.User, error) {
	u, ok, err := a.store.GetUserByExternalID(externalID)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user by external id: %w", err)
	}
	if !ok {
		return domain.User{}, newError(ErrNotFound, "User not found")
	}
	return u, nil
}

// SendMessage stores a message from sender to the input's receiver.
func (a *App) SendMessage(ctx context.Context, sender domain.User, in MessageInput) (domain.Message, error) {
	in.ReceiverID = strings.TrimSpace(in.ReceiverID)
	in.Content = strings.TrimSpace(in.Content)
	in.RoomID = strings.TrimSpace(in.RoomID)
	if err := validation.Struct(in); err != nil {
		return domain.Message{}, newError(ErrValidation, "%s", err.Error())
	}
	if in.ReceiverID == sender.ID {
		return domain.Message{}, newError(ErrValidation, "You cannot message yourself")
	}
	receiver, ok, err := a.store.GetUser(in.ReceiverID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("get receiver: %w", err)
	}
	if !ok {
		return domain.Message{}, newError(ErrNotFound, "Receiver not found")
	}
	room := domain.RoomID(sender.ID, receiver.ID)
	if in.RoomID != "" && in.RoomID != room {
		return domain.Message{}, newError(ErrValidation, "roomId does not match the participants")
	}
	if in.RelatedBookID != "" {
		if _, ok, err := a.store.GetBook(in.RelatedBookID); err != nil {
			return domain.Message{}, fmt.Errorf("get related book: %w", err)
		} else if !ok {
			return domain.Message{}, newError(ErrNotFound, "Book not found")
		}
	}
	msg := domain.Message{
		ID:            util.NewID(),
		RoomID:        room,
		SenderID:      sender.ID,
		ReceiverID:    receiver.ID,
		Content:       in.Content,
		RelatedBookID: in.RelatedBookID,
		CreatedAt:     a.now(),
	}
	if err := a.store.SaveMessage(msg); err != nil {
		return domain.Message{}, fmt.Errorf("save message: %w", err)
	}
	return msg, nil
}

// RoomMessages returns a room's history, oldest first.
func (a *App) RoomMessages(ctx context.Context, user domain.User, roomID string) ([]domain.Message, error) {
	if !domain.InRoom(roomID, user.ID) {
		return nil, newError(ErrForbidden, "You are not a participant of this room")
	}
	msgs, err := a.store.ListRoomMessages(roomID, a.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("list room messages: %w", err)
	}
	return msgs, nil
}

// MarkRoomRead flags every message user received in roomID as read.
func (a *App) MarkRoomRead(ctx context.Context, user domain.User, roomID string) (int, error) {
	if !domain.InRoom(roomID, user.ID) {
		return 0, newError(ErrForbidden, "You are not a participant of this room")
	}
	n, err := a.store.MarkRoomRead(roomID, user.ID)
	if err != nil {
		return 0, fmt.Errorf("mark room read: %w", err)
	}
	return n, nil
}

// Rooms lists user's conversations, most recent first, with unread counts.
func (a *App) Rooms(ctx context.Context, user domain.User) ([]domain.ChatRoom, error) {
	msgs, err := a.store.ListUserMessages(user.ID)
	if err != nil {
		return nil, fmt.Errorf("list user messages: %w", err)
	}
	index := make(map[string]int)
	rooms := []domain.ChatRoom{}
	for _, m := range msgs {
		i, seen := index[m.RoomID]
		if !seen {
			other := m.SenderID
			if other == user.ID {
				other = m.ReceiverID
			}
			i = len(rooms)
			index[m.RoomID] = i
			rooms = append(rooms, domain.ChatRoom{
				RoomID:        m.RoomID,
				LastMessage:   m,
				OtherUserID:   other,
				RelatedBookID: m.RelatedBookID,
			})
		}
		if m.ReceiverID == user.ID && !m.Read {
			rooms[i].UnreadCount++
		}
	}
	slices.SortStableFunc(rooms, func(x, y domain.ChatRoom) int {
		return y.LastMessage.CreatedAt.Compare(x.LastMessage.CreatedAt)
	})
	return rooms, nil
}

// CanJoin reports whether user may subscribe to roomID.
func (a *App) CanJoin(user domain.User, roomID string) bool {
	return domain.InRoom(roomID, user.ID)
}
