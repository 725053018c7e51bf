package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/collabhub/internal/model"
	"github.com/rickgao/collabhub/internal/queue"
)

// Connection is one live duplex channel to one authenticated user.
type Connection struct {
	id        string
	user      model.User
	transport Transport
	cfg       Config
	clock     clockwork.Clock
	logger    *slog.Logger

	connectedAt time.Time

	// State
	mu            sync.RWMutex
	subs          map[string]struct{}
	filter        *model.Filter
	alive         bool
	lastHeartbeat time.Time

	// Outbound lanes, normal drained before low
	normal *queue.Ring[[]byte]
	low    *queue.Ring[[]byte]

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// ConnStats is a point-in-time view of one connection.
type ConnStats struct {
	ID            string
	UserID        string
	WorkspaceID   string
	Alive         bool
	Subscriptions int
	QueuedNormal  int
	QueuedLow     int
	Sent          int64
	Dropped       int64
	Failed        int64
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// New creates a live Connection for user over t.
func New(user model.User, t Transport, cfg Config, clk clockwork.Clock, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = DefaultConfig().FlushBatch
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}

	id := uuid.NewString()
	now := clk.Now()

	return &Connection{
		id:            id,
		user:          user,
		transport:     t,
		cfg:           cfg,
		clock:         clk,
		logger:        logger.With("conn_id", id, "user_id", user.ID),
		connectedAt:   now,
		subs:          make(map[string]struct{}),
		alive:         true,
		lastHeartbeat: now,
		normal:        queue.NewRing[[]byte](16, cfg.MaxQueue),
		low:           queue.NewRing[[]byte](16, cfg.MaxQueue),
		done:          make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// User returns the authenticated user.
func (c *Connection) User() model.User { return c.user }

// ConnectedAt returns when the connection was created.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Send wraps data in an event envelope and delivers it with the given priority.
func (c *Connection) Send(event string, data any, priority model.Priority) error {
	return c.SendEnvelope(Envelope{
		Type:      TypeEvent,
		Event:     event,
		Data:      data,
		MessageID: uuid.NewString(),
	}, priority)
}

// SendEnvelope delivers env. High priority is written immediately;
// normal and low are queued for the next flush.
// Returns ErrConnectionClosed once the connection is dead.
func (c *Connection) SendEnvelope(env Envelope, priority model.Priority) error {
	if !c.IsAlive() {
		c.dropped.Add(1)
		return ErrConnectionClosed
	}

	if env.Timestamp == 0 {
		env.Timestamp = c.clock.Now().UnixMilli()
	}
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}

	data, err := json.Marshal(env)
	if err != nil {
		c.failed.Add(1)
		return fmt.Errorf("marshal %s: %w", env.Event, err)
	}

	lane := c.normal
	switch priority {
	case model.PriorityHigh:
		return c.write(data)
	case model.PriorityLow:
		lane = c.low
	}

	if err := lane.Push(data); err != nil {
		c.dropped.Add(1)
		if errors.Is(err, queue.ErrClosed) {
			return ErrConnectionClosed
		}
		return ErrQueueFull
	}
	return nil
}

// Flush writes up to FlushBatch queued messages, normal lane first.
// Returns the number written.
func (c *Connection) Flush() int {
	if !c.IsAlive() {
		return 0
	}

	batch := c.normal.DrainTo(c.cfg.FlushBatch)
	if remaining := c.cfg.FlushBatch - len(batch); remaining > 0 {
		batch = append(batch, c.low.DrainTo(remaining)...)
	}

	written := 0
	for _, data := range batch {
		if err := c.write(data); err != nil {
			c.dropped.Add(int64(len(batch) - written - 1))
			break
		}
		written++
	}
	return written
}

// Run flushes the outbound lanes on a ticker until ctx is cancelled
// or the connection closes.
func (c *Connection) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.Chan():
			c.Flush()
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.transport.Write(data); err != nil {
		c.failed.Add(1)
		c.logger.Debug("write failed", "error", err)
		c.Close(CloseInternalError, "write failed")
		return fmt.Errorf("write: %w", err)
	}
	c.sent.Add(1)
	return nil
}

// subscribe adds channel to the subscription set. Only the Registry calls this
// so the indexes stay consistent with the set.
func (c *Connection) subscribe(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[channel]; ok {
		return false
	}
	c.subs[channel] = struct{}{}
	return true
}

func (c *Connection) unsubscribe(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[channel]; !ok {
		return false
	}
	delete(c.subs, channel)
	return true
}

// Subscriptions returns the subscribed channels, sorted.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	c.mu.RUnlock()

	slices.Sort(out)
	return out
}

// IsSubscribed reports whether the connection is subscribed to channel.
func (c *Connection) IsSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[channel]
	return ok
}

// SetFilter replaces the delivery filter. nil clears it.
func (c *Connection) SetFilter(f *model.Filter) {
	var cp *model.Filter
	if f != nil {
		v := *f
		v.EventTypes = slices.Clone(f.EventTypes)
		cp = &v
	}

	c.mu.Lock()
	c.filter = cp
	c.mu.Unlock()
}

// Filter returns the current delivery filter, or nil.
func (c *Connection) Filter() *model.Filter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter
}

// Accepts reports whether evt passes the connection's filter.
func (c *Connection) Accepts(evt model.BroadcastEvent) bool {
	return c.Filter().Allows(evt)
}

// Ping sends a heartbeat probe. Liveness is refreshed when the pong arrives.
func (c *Connection) Ping() error {
	if !c.IsAlive() {
		return ErrConnectionClosed
	}
	return c.transport.Ping()
}

// Touch records a heartbeat acknowledgment or inbound traffic.
func (c *Connection) Touch() {
	now := c.clock.Now()

	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
}

// LastHeartbeat returns when liveness was last refreshed.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// IsAlive reports whether the connection is still open.
func (c *Connection) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alive
}

// IsStale reports whether no heartbeat was seen for longer than timeout.
func (c *Connection) IsStale(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.LastHeartbeat()) > timeout
}

// Close marks the connection dead, drops queued messages and closes the
// transport. Only the first call has effect.
func (c *Connection) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.alive = false
		c.mu.Unlock()

		c.normal.Close()
		c.low.Close()
		dropped := c.normal.Clear() + c.low.Clear()
		c.dropped.Add(int64(dropped))

		close(c.done)
		c.closeErr = c.transport.Close(code, reason)

		c.logger.Debug("connection closed", "code", code, "reason", reason, "dropped", dropped)
	})
	return c.closeErr
}

// Stats returns a snapshot of the connection's counters.
func (c *Connection) Stats() ConnStats {
	c.mu.RLock()
	alive := c.alive
	subs := len(c.subs)
	last := c.lastHeartbeat
	c.mu.RUnlock()

	return ConnStats{
		ID:            c.id,
		UserID:        c.user.ID,
		WorkspaceID:   c.user.WorkspaceID,
		Alive:         alive,
		Subscriptions: subs,
		QueuedNormal:  c.normal.Len(),
		QueuedLow:     c.low.Len(),
		Sent:          c.sent.Load(),
		Dropped:       c.dropped.Load(),
		Failed:        c.failed.Load(),
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: last,
	}
}
