package app

import (
	"context"
	"fmt"

	"bookshare/internal/util"
	"bookshare/pkg/domain"
	"bookshare/pkg/events"
	"bookshare/pkg/sms"
	"bookshare/pkg/store"
)

// notice is a persisted notification plus the phone to text, if any.
type notice struct {
	notification domain.Notification
	phone        string
}

// textedTypes are relayed by SMS when the recipient has a phone number.
var textedTypes = map[domain.NotificationType]bool{
	domain.NotifyRequestApproved: true,
	domain.NotifyRequestRejected: true,
	domain.NotifyRequestCanceled: true,
	domain.NotifyBookReturned:    true,
}

var noticeLinks = map[domain.NotificationType]string{
	domain.NotifyBookRequest:     "/my-books/requests",
	domain.NotifyRequestApproved: "/my-requests",
	domain.NotifyRequestRejected: "/my-requests",
	domain.NotifyRequestCanceled: "/my-books/requests",
	domain.NotifyBookReturned:    "/my-books",
}

func noticeMessage(typ domain.NotificationType, actor, title string) string {
	switch typ {
	case domain.NotifyBookRequest:
		return fmt.Sprintf("%s requested to borrow your book \"%s\"", actor, title)
	case domain.NotifyRequestApproved:
		return fmt.Sprintf("%s approved your request to borrow \"%s\"", actor, title)
	case domain.NotifyRequestRejected:
		return fmt.Sprintf("%s declined your request to borrow \"%s\"", actor, title)
	case domain.NotifyRequestCanceled:
		return fmt.Sprintf("%s canceled their request to borrow \"%s\"", actor, title)
	case domain.NotifyBookReturned:
		return fmt.Sprintf("%s returned your book \"%s\"", actor, title)
	}
	return title
}

// notify persists a notification for recipient inside tx. The returned
// notice is dispatched once the transaction has committed.
func (a *App) notify(tx store.Store, typ domain.NotificationType, recipient, actor domain.User, book domain.Book, requestID string) (notice, error) {
	n := domain.Notification{
		ID:               util.NewID(),
		UserID:           recipient.ID,
		Type:             typ,
		Message:          noticeMessage(typ, actor.DisplayName(), book.Title),
		RelatedBookID:    book.ID,
		RelatedRequestID: requestID,
		Link:             noticeLinks[typ],
		CreatedAt:        a.now(),
	}
	if err := tx.SaveNotification(n); err != nil {
		return notice{}, fmt.Errorf("save notification: %w", err)
	}
	out := notice{notification: n}
	if textedTypes[typ] {
		out.phone = recipient.PhoneNumber
	}
	return out, nil
}

// dispatch relays committed notices. Failures are logged and never returned.
func (a *App) dispatch(ctx context.Context, notices ...notice) {
	logger := util.LoggerFromContext(ctx)
	for _, nt := range notices {
		n := nt.notification
		err := a.events.Publish(ctx, events.Event{
			Type:      string(n.Type),
			UserID:    n.UserID,
			BookID:    n.RelatedBookID,
			RequestID: n.RelatedRequestID,
			Message:   n.Message,
			Link:      n.Link,
			At:        n.CreatedAt,
		})
		if err != nil {
			logger.Warn("publish notification event failed", "notification_id", n.ID, "type", n.Type, "err", err)
		}
		if a.jobs == nil || nt.phone == "" {
			continue
		}
		to, err := sms.NormalizeNumber(nt.phone)
		if err != nil {
			logger.Warn("skip sms", "notification_id", n.ID, "err", err)
			continue
		}
		job, err := a.jobs.Enqueue(ctx, sms.JobKind, sms.Message{To: to, Body: n.Message, NotificationID: n.ID})
		if err != nil {
			logger.Warn("enqueue sms failed", "notification_id", n.ID, "err", err)
			continue
		}
		logger.Info("sms queued", "notification_id", n.ID, "job_id", job.ID)
	}
}

// ListNotifications returns the user's most recent notifications.
func (a *App) ListNotifications(ctx context.Context, user domain.User, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	items, err := a.store.ListNotifications(user.ID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationRead marks one of the user's notifications as read.
func (a *App) MarkNotificationRead(ctx context.Context, user domain.User, id string) (domain.Notification, error) {
	n, ok, err := a.store.GetNotification(id)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("get notification: %w", err)
	}
	if !ok {
		return domain.Notification{}, notFoundError("Notification not found")
	}
	if n.UserID != user.ID {
		return domain.Notification{}, forbiddenError("Not authorized to access this notification")
	}
	if n.Read {
		return n, nil
	}
	n.Read = true
	if err := a.store.SaveNotification(n); err != nil {
		return domain.Notification{}, fmt.Errorf("save notification: %w", err)
	}
	return n, nil
}

// MarkAllNotificationsRead marks every unread notification of the user and
// returns how many changed.
func (a *App) MarkAllNotificationsRead(ctx context.Context, user domain.User) (int, error) {
	n, err := a.store.MarkAllNotificationsRead(user.ID)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return n, nil
}
