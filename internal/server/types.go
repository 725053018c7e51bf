package server

import (
	"context"
	"time"

	"github.com/rickgao/collabhub/internal/connection"
	"github.com/rickgao/collabhub/internal/model"
)

// Verifier authenticates a handshake token.
type Verifier interface {
	Verify(ctx context.Context, token string) (model.User, error)
}

// Dispatcher handles one inbound frame. *router.Router satisfies it.
type Dispatcher interface {
	HandleMessage(ctx context.Context, conn *connection.Connection, raw []byte)
}

// EventSource replays stored events. *broadcast.Broadcaster satisfies it.
type EventSource interface {
	StoredEvents(user model.User, since time.Time, filter *model.Filter) []model.BroadcastEvent
}

// NotificationSource lists a user's notifications.
type NotificationSource interface {
	GetUserNotifications(ctx context.Context, userID string, unreadOnly bool) ([]model.Notification, error)
}

// ActivityToucher refreshes a user's presence on inbound traffic.
// *presence.Tracker satisfies it.
type ActivityToucher interface {
	Touch(userID string)
}

// Config configures the WebSocket handler.
type Config struct {
	MaxMessageBytes      int64
	MaxMessagesPerSecond int // 0 disables the limit
	MaxRateViolations    int // Close after this many limited frames; 0 never closes
	AllowedOrigins       []string
	WriteTimeout         time.Duration
	HeartbeatInterval    time.Duration // Advertised to clients
	Conn                 connection.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageBytes:      64 << 10,
		MaxMessagesPerSecond: 50,
		MaxRateViolations:    10,
		WriteTimeout:         10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		Conn:                 connection.DefaultConfig(),
	}
}

// Welcome is the data of the connection.established message.
type Welcome struct {
	ConnectionID      string     `json:"connectionId"`
	User              model.User `json:"user"`
	ServerTime        int64      `json:"serverTime"`
	HeartbeatInterval int64      `json:"heartbeatInterval"` // Milliseconds
	Replayed          int        `json:"replayed"`
	Notifications     int        `json:"notifications"`
}

// Close reasons recorded on disconnect.
const (
	ReasonClientClosed = "client closed"
	ReasonReadError    = "read error"
	ReasonRateLimited  = "rate limited"
	ReasonShutdown     = "shutdown"
)
