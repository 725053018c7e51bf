package presence

import (
	"errors"
	"time"

	"github.com/rickgao/collabhub/internal/broadcast"
	"github.com/rickgao/collabhub/internal/model"
)

// Errors
var (
	ErrInvalidStatus   = errors.New("invalid presence status")
	ErrInvalidLocation = errors.New("invalid location")
	ErrInvalidActivity = errors.New("invalid activity")
	ErrInvalidResource = errors.New("invalid resource")
	ErrNoWorkspace     = errors.New("workspace unknown for user")
)

// Event names published by the Tracker.
const (
	EventPresenceUpdated  = "presence.updated"
	EventTypingStarted    = "typing.started"
	EventTypingStopped    = "typing.stopped"
	EventActivityRecorded = "activity.recorded"
)

// Publisher delivers events to connections. *broadcast.Broadcaster satisfies it.
type Publisher interface {
	Broadcast(evt model.BroadcastEvent) (broadcast.Report, error)
}

// WorkspaceResolver finds a user's workspace from live connection state.
// *connection.Registry satisfies it.
type WorkspaceResolver interface {
	UserWorkspace(userID string) (string, bool)
}

// Update is a presence change requested by a user.
type Update struct {
	Status       model.PresenceStatus
	Location     *model.Location
	Device       string
	CustomStatus *model.CustomStatus
	WorkspaceID  string // Optional; resolved from the previous record or live connections
}

// FeedQuery selects a page of a workspace activity feed.
type FeedQuery struct {
	Limit        int // Default 50
	Offset       int
	UserID       string
	Type         model.ActivityType
	ResourceType string
	Since        time.Time
}

// Config configures the Tracker.
type Config struct {
	TypingIdle            time.Duration // Indicator expires after this long without refresh
	TypingSweepInterval   time.Duration
	AwayAfter             time.Duration // Online presence demoted to away
	OfflineAfter          time.Duration // Any presence demoted to offline
	PresenceSweepInterval time.Duration
	FeedCap               int           // Max entries per workspace feed
	FeedMaxAge            time.Duration // Entries older than this are pruned
	ActivitySweepInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TypingIdle:            10 * time.Second,
		TypingSweepInterval:   time.Second,
		AwayAfter:             5 * time.Minute,
		OfflineAfter:          30 * time.Minute,
		PresenceSweepInterval: 30 * time.Second,
		FeedCap:               1000,
		FeedMaxAge:            30 * 24 * time.Hour,
		ActivitySweepInterval: time.Hour,
	}
}

// Stats provides tracker counts.
type Stats struct {
	Users          int
	Online         int
	Away           int
	Busy           int
	TypingSessions int
	FeedEntries    int
}

// scopeKey identifies one presence set.
type scopeKey struct {
	Type model.LocationType
	ID   string
}

func keyOf(loc *model.Location) (scopeKey, bool) {
	if loc == nil {
		return scopeKey{}, false
	}
	return scopeKey{Type: loc.Type, ID: loc.ID}, true
}
