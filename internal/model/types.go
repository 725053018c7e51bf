package model

import (
	"encoding/json"
	"slices"
	"time"
)

// -----------------------------------------------------------------------------
// Identity
// -----------------------------------------------------------------------------

// User is the authenticated identity behind a connection.
// Supplied at handshake and immutable for the connection's life.
type User struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	WorkspaceID string   `json:"workspaceId"`
	Roles       []string `json:"roles,omitempty"`
}

// HasRole reports whether the user carries the given role.
func (u User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// -----------------------------------------------------------------------------
// Broadcast Types
// -----------------------------------------------------------------------------

// Priority orders delivery. High bypasses every queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns a comparable weight (high > normal > low).
// Unknown priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// TargetType selects how a broadcast audience is resolved.
type TargetType string

const (
	TargetWorkspace TargetType = "workspace"
	TargetProject   TargetType = "project"
	TargetUser      TargetType = "user"
	TargetRole      TargetType = "role"
	TargetGlobal    TargetType = "global"
)

// Valid reports whether t is one of the known target types.
func (t TargetType) Valid() bool {
	switch t {
	case TargetWorkspace, TargetProject, TargetUser, TargetRole, TargetGlobal:
		return true
	}
	return false
}

// Target is the audience descriptor of a broadcast.
type Target struct {
	Type         TargetType `json:"type"`
	ID           string     `json:"id,omitempty"` // Empty for global
	ExcludeUsers []string   `json:"excludeUsers,omitempty"`
}

// Excludes reports whether userID is in the exclusion list.
func (t Target) Excludes(userID string) bool {
	return slices.Contains(t.ExcludeUsers, userID)
}

// Source identifies who produced a broadcast.
type Source struct {
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
}

// BroadcastEvent is one logical event fanned out to a resolved audience.
type BroadcastEvent struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`  // Category, e.g. "task", "presence", "typing"
	Event      string        `json:"event"` // Wire event name, e.g. "task.updated"
	Data       any           `json:"data,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Source     Source        `json:"source"`
	Target     Target        `json:"target"`
	Priority   Priority      `json:"priority"`
	Persistent bool          `json:"persistent"`
	TTL        time.Duration `json:"-"` // Only meaningful when Persistent
}

// ExpiresAt returns when a persistent event is evicted from the store.
func (e BroadcastEvent) ExpiresAt() time.Time {
	return e.Timestamp.Add(e.TTL)
}

// -----------------------------------------------------------------------------
// Presence Types
// -----------------------------------------------------------------------------

// PresenceStatus is a user's coarse availability.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// Valid reports whether s is one of the known statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// LocationType is the kind of resource a user is currently looking at.
type LocationType string

const (
	LocationWorkspace LocationType = "workspace"
	LocationProject   LocationType = "project"
	LocationTask      LocationType = "task"
	LocationDocument  LocationType = "document"
)

// Valid reports whether t is one of the known location types.
func (t LocationType) Valid() bool {
	switch t {
	case LocationWorkspace, LocationProject, LocationTask, LocationDocument:
		return true
	}
	return false
}

// Location places a user inside one scope.
type Location struct {
	Type LocationType `json:"type"`
	ID   string       `json:"id"`
}

// Equal compares two optional locations by type and id.
func (l *Location) Equal(other *Location) bool {
	if l == nil || other == nil {
		return l == nil && other == nil
	}
	return l.Type == other.Type && l.ID == other.ID
}

// CustomStatus is a user-set message with an optional expiry.
type CustomStatus struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// UserPresence is the current presence record for one user.
type UserPresence struct {
	UserID       string         `json:"userId"`
	WorkspaceID  string         `json:"workspaceId,omitempty"`
	Status       PresenceStatus `json:"status"`
	LastSeen     time.Time      `json:"lastSeen"`
	Location     *Location      `json:"location,omitempty"`
	Device       string         `json:"device,omitempty"`
	CustomStatus *CustomStatus  `json:"customStatus,omitempty"`
}

// TypingIndicator is the ephemeral fact that a user is composing on a resource.
type TypingIndicator struct {
	UserID       string    `json:"userId"`
	ResourceID   string    `json:"resourceId"`
	ResourceType string    `json:"resourceType"`
	IsTyping     bool      `json:"isTyping"`
	Timestamp    time.Time `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Activity Types
// -----------------------------------------------------------------------------

// ActivityType is the verb of an activity feed entry.
type ActivityType string

const (
	ActivityView     ActivityType = "view"
	ActivityEdit     ActivityType = "edit"
	ActivityComment  ActivityType = "comment"
	ActivityAssign   ActivityType = "assign"
	ActivityComplete ActivityType = "complete"
	ActivityCreate   ActivityType = "create"
	ActivityDelete   ActivityType = "delete"
)

// Valid reports whether t is one of the known activity types.
func (t ActivityType) Valid() bool {
	switch t {
	case ActivityView, ActivityEdit, ActivityComment, ActivityAssign,
		ActivityComplete, ActivityCreate, ActivityDelete:
		return true
	}
	return false
}

// ResourceRef points at a domain object (task, project, document, ...).
type ResourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ActivityEvent is one entry in a workspace activity feed.
type ActivityEvent struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	WorkspaceID string         `json:"workspaceId"`
	Type        ActivityType   `json:"type"`
	Resource    ResourceRef    `json:"resource"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// Notification is a stored, per-user notice replayed on (re)connect.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Body      string          `json:"body,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"createdAt"`
}
