package notification

import (
	"context"
	"errors"

	"github.com/rickgao/collabhub/internal/connection"
	"github.com/rickgao/collabhub/internal/model"
)

// EventName is the wire event a notification is delivered under.
const EventName = "notification"

// ErrInvalidNotification is returned when a notification lacks an id or user.
var ErrInvalidNotification = errors.New("notification requires id and user id")

// Store reads and acknowledges notifications.
type Store interface {
	// GetUserNotifications returns a user's notifications, oldest first.
	GetUserNotifications(ctx context.Context, userID string, unreadOnly bool) ([]model.Notification, error)

	// MarkNotificationAsRead marks one of userID's notifications read.
	// Returns false when no such notification belongs to the user.
	MarkNotificationAsRead(ctx context.Context, id, userID string) (bool, error)

	// Insert adds notifications, skipping ids that already exist.
	// Returns how many were skipped.
	Insert(ctx context.Context, ns ...model.Notification) (conflicts int, err error)
}

func validate(n model.Notification) error {
	if n.ID == "" || n.UserID == "" {
		return ErrInvalidNotification
	}
	return nil
}

// Envelope wraps n for delivery to its owner. The message id is the
// notification id so clients can acknowledge it with notification.read.
func Envelope(n model.Notification) connection.Envelope {
	return connection.Envelope{
		Type:      connection.TypeEvent,
		Event:     EventName,
		Data:      n,
		Timestamp: n.CreatedAt.UnixMilli(),
		MessageID: n.ID,
	}
}
