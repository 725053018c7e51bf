package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/collabhub/internal/hooks"
)

// Disconnect describes a connection leaving the registry.
type Disconnect struct {
	Conn        *Connection
	Reason      string
	LastForUser bool // The user has no remaining connections
}

// RegistryStats provides statistics about registered connections.
type RegistryStats struct {
	Total       int
	Active      int
	ByWorkspace map[string]int
}

type idSet map[string]struct{}

// Registry owns every live Connection and its secondary indexes.
//
// A connection id is in the workspace or project index exactly while the
// connection is subscribed to that scope's channel.
type Registry struct {
	cfg    RegistryConfig
	clock  clockwork.Clock
	logger *slog.Logger

	mu          sync.RWMutex
	conns       map[string]*Connection
	byUser      map[string]idSet
	byWorkspace map[string]idSet
	byProject   map[string]idSet

	// Hooks, emitted outside the registry lock.
	Connected    hooks.Topic[*Connection]
	Disconnected hooks.Topic[Disconnect]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg RegistryConfig, clk clockwork.Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}

	return &Registry{
		cfg:         cfg,
		clock:       clk,
		logger:      logger.With("component", "registry"),
		conns:       make(map[string]*Connection),
		byUser:      make(map[string]idSet),
		byWorkspace: make(map[string]idSet),
		byProject:   make(map[string]idSet),
	}
}

// Add registers conn and subscribes it to its user, workspace and role channels.
func (r *Registry) Add(conn *Connection) error {
	r.mu.Lock()
	if _, exists := r.conns[conn.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, conn.ID())
	}
	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		return ErrCapacityExceeded
	}

	user := conn.User()
	r.conns[conn.ID()] = conn
	addTo(r.byUser, user.ID, conn.ID())

	r.subscribeLocked(conn, UserChannel(user.ID))
	if user.WorkspaceID != "" {
		r.subscribeLocked(conn, WorkspaceChannel(user.WorkspaceID))
	}
	for _, role := range user.Roles {
		r.subscribeLocked(conn, RoleChannel(role))
	}
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Debug("connection added", "conn_id", conn.ID(), "user_id", user.ID, "total", total)
	r.Connected.Emit(conn)
	return nil
}

// Remove purges a connection from every index. It does not close the
// connection. Safe to call repeatedly; returns false if already gone.
func (r *Registry) Remove(id, reason string) bool {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	userID := conn.User().ID
	delete(r.conns, id)
	removeFrom(r.byUser, userID, id)
	for _, channel := range conn.Subscriptions() {
		r.unindexLocked(channel, id)
	}
	_, stillOnline := r.byUser[userID]
	r.mu.Unlock()

	r.logger.Debug("connection removed", "conn_id", id, "user_id", userID, "reason", reason)
	r.Disconnected.Emit(Disconnect{Conn: conn, Reason: reason, LastForUser: !stillOnline})
	return true
}

// Subscribe adds channel to a connection's subscriptions.
// Returns false if it was already subscribed.
func (r *Registry) Subscribe(id, channel string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return false, ErrNotFound
	}
	return r.subscribeLocked(conn, channel), nil
}

// Unsubscribe removes channel from a connection's subscriptions.
// Returns false if it was not subscribed.
func (r *Registry) Unsubscribe(id, channel string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return false, ErrNotFound
	}
	if !conn.unsubscribe(channel) {
		return false, nil
	}
	r.unindexLocked(channel, id)
	return true, nil
}

// SubscribeToProject joins a connection to a project scope.
func (r *Registry) SubscribeToProject(id, projectID string) (bool, error) {
	return r.Subscribe(id, ProjectChannel(projectID))
}

// UnsubscribeFromProject leaves a project scope.
func (r *Registry) UnsubscribeFromProject(id, projectID string) (bool, error) {
	return r.Unsubscribe(id, ProjectChannel(projectID))
}

func (r *Registry) subscribeLocked(conn *Connection, channel string) bool {
	if !conn.subscribe(channel) {
		return false
	}
	kind, scopeID, ok := ParseChannel(channel)
	if !ok {
		return true
	}
	switch kind {
	case KindWorkspace:
		addTo(r.byWorkspace, scopeID, conn.ID())
	case KindProject:
		addTo(r.byProject, scopeID, conn.ID())
	}
	return true
}

func (r *Registry) unindexLocked(channel, id string) {
	kind, scopeID, ok := ParseChannel(channel)
	if !ok {
		return
	}
	switch kind {
	case KindWorkspace:
		removeFrom(r.byWorkspace, scopeID, id)
	case KindProject:
		removeFrom(r.byProject, scopeID, id)
	}
}

func addTo(index map[string]idSet, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(idSet)
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(index map[string]idSet, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

// -----------------------------------------------------------------------------
// Queries (snapshots)
// -----------------------------------------------------------------------------

// Get returns a connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// ByUser returns the connections owned by userID.
func (r *Registry) ByUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byUser[userID])
}

// ByWorkspace returns the connections subscribed to a workspace.
func (r *Registry) ByWorkspace(workspaceID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byWorkspace[workspaceID])
}

// ByProject returns the connections subscribed to a project.
func (r *Registry) ByProject(projectID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byProject[projectID])
}

// ByRole returns the connections whose user carries role.
func (r *Registry) ByRole(role string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	for _, conn := range r.conns {
		if conn.User().HasRole(role) {
			out = append(out, conn)
		}
	}
	return out
}

// All returns every registered connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

func (r *Registry) collectLocked(ids idSet) []*Connection {
	if len(ids) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(ids))
	for id := range ids {
		out = append(out, r.conns[id])
	}
	return out
}

// UserWorkspace returns the workspace of any live connection owned by userID.
func (r *Registry) UserWorkspace(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id := range r.byUser[userID] {
		return r.conns[id].User().WorkspaceID, true
	}
	return "", false
}

// IsUserOnline reports whether userID has at least one connection.
func (r *Registry) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// HasCapacity reports whether another connection can be added.
func (r *Registry) HasCapacity() bool {
	if r.cfg.MaxConnections <= 0 {
		return true
	}
	return r.Len() < r.cfg.MaxConnections
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stats returns connection counts.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Total:       len(r.conns),
		ByWorkspace: make(map[string]int, len(r.byWorkspace)),
	}
	for _, conn := range r.conns {
		if conn.IsAlive() {
			stats.Active++
		}
	}
	for ws, ids := range r.byWorkspace {
		stats.ByWorkspace[ws] = len(ids)
	}
	return stats
}

// -----------------------------------------------------------------------------
// Reaper
// -----------------------------------------------------------------------------

// Start runs the heartbeat reaper.
func (r *Registry) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.reapLoop()

	r.logger.Info("registry started",
		"heartbeat_interval", r.cfg.HeartbeatInterval,
		"timeout", r.cfg.Timeout,
	)
	return nil
}

// Stop halts the reaper.
func (r *Registry) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) reapLoop() {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.Chan():
			r.Reap()
		}
	}
}

// Reap closes and removes connections that are dead or whose last heartbeat
// is older than the timeout, and pings the rest. Returns the number reaped.
func (r *Registry) Reap() int {
	now := r.clock.Now()
	reaped := 0

	for _, conn := range r.All() {
		switch {
		case !conn.IsAlive():
			r.Remove(conn.ID(), "closed")
			reaped++
		case conn.IsStale(now, r.cfg.Timeout):
			r.logger.Info("reaping stale connection",
				"conn_id", conn.ID(),
				"user_id", conn.User().ID,
				"last_heartbeat", conn.LastHeartbeat(),
			)
			conn.Close(CloseGoingAway, "timeout")
			r.Remove(conn.ID(), "timeout")
			reaped++
		default:
			if err := conn.Ping(); err != nil {
				r.logger.Debug("ping failed", "conn_id", conn.ID(), "error", err)
			}
		}
	}
	return reaped
}

// CloseAll closes and removes every connection.
func (r *Registry) CloseAll(code int, reason string) {
	for _, conn := range r.All() {
		conn.Close(code, reason)
		r.Remove(conn.ID(), reason)
	}
}
