package broadcast

import (
	"errors"
	"time"

	"github.com/rickgao/collabhub/internal/connection"
	"github.com/rickgao/collabhub/internal/model"
)

// Errors
var (
	ErrInvalidEvent  = errors.New("invalid broadcast event")
	ErrInvalidTarget = errors.New("invalid broadcast target")
)

// Audience resolves broadcast targets to connection snapshots.
// *connection.Registry satisfies it.
type Audience interface {
	ByUser(userID string) []*connection.Connection
	ByWorkspace(workspaceID string) []*connection.Connection
	ByProject(projectID string) []*connection.Connection
	ByRole(role string) []*connection.Connection
	All() []*connection.Connection
}

// ProjectMembership decides whether a user belongs to a project when replaying
// project-scoped stored events.
type ProjectMembership interface {
	IsProjectMember(user model.User, projectID string) bool
}

// MembershipFunc adapts a function to ProjectMembership.
type MembershipFunc func(user model.User, projectID string) bool

// IsProjectMember calls f.
func (f MembershipFunc) IsProjectMember(user model.User, projectID string) bool {
	return f(user, projectID)
}

// Outcome is the result of delivering one event to one connection.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFiltered  Outcome = "filtered"
	OutcomeFailed    Outcome = "failed"
	OutcomeQueued    Outcome = "queued" // Waiting in a lane; finalised at drain time
)

// Delivery is the outcome for one recipient.
type Delivery struct {
	EventID  string
	Event    string
	ConnID   string
	UserID   string
	Priority model.Priority
	Outcome  Outcome
	Err      error
	Latency  time.Duration // Event timestamp to hand-off
}

// Report lists every recipient outcome of one Broadcast call.
type Report struct {
	EventID  string
	Event    string
	Stored   bool
	Outcomes []Delivery
}

// Count returns how many recipients ended with outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, d := range r.Outcomes {
		if d.Outcome == o {
			n++
		}
	}
	return n
}

// Stats provides broadcaster counters.
type Stats struct {
	Broadcasts   int64
	Delivered    int64
	Filtered     int64
	Failed       int64
	Queued       int64
	Pending      int // Queued deliveries not yet drained
	StoredEvents int
	Evicted      int64
	AvgLatency   time.Duration
}

// Config configures the Broadcaster.
type Config struct {
	DrainInterval   time.Duration // Lane drain tick
	DrainBatch      int           // Max deliveries per tick
	DefaultTTL      time.Duration // TTL for persistent events that carry none
	MaxStoredEvents int           // Oldest evicted first beyond this (0 = unbounded)
	MaxPending      int           // Per-lane limit (0 = unbounded)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DrainInterval:   100 * time.Millisecond,
		DrainBatch:      100,
		DefaultTTL:      24 * time.Hour,
		MaxStoredEvents: 10000,
		MaxPending:      100000,
	}
}
