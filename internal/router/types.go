package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/collabhub/internal/broadcast"
	"github.com/rickgao/collabhub/internal/connection"
	"github.com/rickgao/collabhub/internal/model"
	"github.com/rickgao/collabhub/internal/presence"
)

// Error codes sent in error replies.
const (
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeMalformedMessage   = "MALFORMED_MESSAGE"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeNotFound           = "NOT_FOUND"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeRateLimited        = "RATE_LIMITED"
)

// Error is a handler failure carrying a wire error code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Errorf builds an *Error.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Inbound is a decoded client frame.
type Inbound struct {
	Type      string          `json:"type,omitempty"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// ErrorPayload is the data of an error reply.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"` // The inbound event that failed
}

// Call is the context of one inbound message.
type Call struct {
	Conn      *connection.Connection
	Event     string
	MessageID string
}

// User returns the caller's identity.
func (c Call) User() model.User { return c.Conn.User() }

// Reply sends a response correlated with the request's messageId.
// Replies bypass the outbound queue.
func (c Call) Reply(event string, data any) error {
	return c.Conn.SendEnvelope(connection.Envelope{
		Type:      connection.TypeResponse,
		Event:     event,
		Data:      data,
		MessageID: c.MessageID,
	}, model.PriorityHigh)
}

// Stats contains runtime statistics.
type Stats struct {
	Received  int64
	Handled   int64
	Errors    int64
	Unknown   int64
	Malformed int64
}

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// Registry mutates connection subscriptions. *connection.Registry satisfies it.
type Registry interface {
	Subscribe(id, channel string) (bool, error)
	Unsubscribe(id, channel string) (bool, error)
	SubscribeToProject(id, projectID string) (bool, error)
	UnsubscribeFromProject(id, projectID string) (bool, error)
}

// Publisher broadcasts events and serves stored events.
// *broadcast.Broadcaster satisfies it.
type Publisher interface {
	Broadcast(evt model.BroadcastEvent) (broadcast.Report, error)
	StoredEvents(user model.User, since time.Time, filter *model.Filter) []model.BroadcastEvent
}

// Presence is the presence tracker surface used by handlers.
// *presence.Tracker satisfies it.
type Presence interface {
	UpdatePresence(userID string, u presence.Update) (model.UserPresence, error)
	UpdateTyping(userID, resourceID, resourceType string, isTyping bool) error
	RecordActivity(userID string, typ model.ActivityType, res model.ResourceRef, metadata map[string]any) (model.ActivityEvent, error)
	ScopePresence(locType model.LocationType, id string) []model.UserPresence
	WorkspacePresence(workspaceID string) []model.UserPresence
	GetActivityFeed(workspaceID string, q presence.FeedQuery) []model.ActivityEvent
}

// Authorizer decides whether a user may perform an action on a resource.
type Authorizer interface {
	Authorize(ctx context.Context, user model.User, action string, resource model.ResourceRef) (bool, error)
}

// Notifications marks stored notifications read.
type Notifications interface {
	MarkNotificationAsRead(ctx context.Context, id, userID string) (bool, error)
}

// Deps are the collaborators the default handlers need.
// Notifications may be nil. A nil Clock uses the real clock.
type Deps struct {
	Registry      Registry
	Publisher     Publisher
	Presence      Presence
	Authorizer    Authorizer
	Notifications Notifications
	Clock         clockwork.Clock
}
