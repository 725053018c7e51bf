package connection

import (
	"errors"
	"strings"
	"time"
)

// Errors
var (
	ErrConnectionClosed    = errors.New("connection closed")
	ErrQueueFull           = errors.New("outbound queue full")
	ErrCapacityExceeded    = errors.New("connection capacity exceeded")
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrNotFound            = errors.New("connection not found")
)

// WebSocket close codes used by this layer.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
)

// MessageType is the envelope category.
type MessageType string

const (
	TypeEvent    MessageType = "event"
	TypeResponse MessageType = "response"
	TypeError    MessageType = "error"
	TypeSystem   MessageType = "system"
)

// Envelope is the outbound wire frame.
type Envelope struct {
	Type      MessageType `json:"type"`
	Event     string      `json:"event"`
	Data      any         `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"` // Unix milliseconds
	MessageID string      `json:"messageId"`
}

// Config configures a single Connection.
type Config struct {
	FlushInterval time.Duration // Outbound lane flush tick
	FlushBatch    int           // Max queued messages written per tick
	MaxQueue      int           // Per-lane limit (0 = unbounded)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 50 * time.Millisecond,
		FlushBatch:    10,
		MaxQueue:      1000,
	}
}

// RegistryConfig configures the Registry and its reaper.
type RegistryConfig struct {
	HeartbeatInterval time.Duration // Reaper tick; live connections are pinged each tick
	Timeout           time.Duration // Max time since last heartbeat before reaping
	MaxConnections    int           // 0 = unlimited
}

// DefaultRegistryConfig returns sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		HeartbeatInterval: 30 * time.Second,
		Timeout:           60 * time.Second,
		MaxConnections:    10000,
	}
}

// Channel kinds.
const (
	KindUser      = "user"
	KindWorkspace = "workspace"
	KindProject   = "project"
	KindRole      = "role"
)

// UserChannel returns the personal channel of a user.
func UserChannel(userID string) string { return KindUser + ":" + userID }

// WorkspaceChannel returns the channel of a workspace.
func WorkspaceChannel(workspaceID string) string { return KindWorkspace + ":" + workspaceID }

// ProjectChannel returns the channel of a project.
func ProjectChannel(projectID string) string { return KindProject + ":" + projectID }

// RoleChannel returns the channel of a role.
func RoleChannel(role string) string { return KindRole + ":" + role }

// ParseChannel splits "kind:id". ok is false when either half is empty.
func ParseChannel(channel string) (kind, id string, ok bool) {
	kind, id, found := strings.Cut(channel, ":")
	if !found || kind == "" || id == "" {
		return "", "", false
	}
	return kind, id, true
}
