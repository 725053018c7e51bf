package presence

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/collabhub/internal/hooks"
	"github.com/rickgao/collabhub/internal/model"
)

// Tracker maintains presence, typing indicators and activity feeds.
type Tracker struct {
	cfg      Config
	pub      Publisher
	resolver WorkspaceResolver
	clock    clockwork.Clock
	logger   *slog.Logger

	// Presence records and scope membership
	mu       sync.RWMutex
	presence map[string]model.UserPresence
	memberOf map[string]scopeKey              // userID → the one scope it belongs to
	members  map[scopeKey]map[string]struct{} // scope → userIDs
	autoAway map[string]struct{}              // Demoted by the sweep, not by the user

	// Typing indicators: resourceID → userID → indicator
	typingMu sync.Mutex
	typing   map[string]map[string]model.TypingIndicator

	// Activity feeds, newest first
	feedMu sync.RWMutex
	feeds  map[string][]model.ActivityEvent

	// Hooks
	PresenceChanged  hooks.Topic[model.UserPresence]
	TypingChanged    hooks.Topic[model.TypingIndicator]
	ActivityRecorded hooks.Topic[model.ActivityEvent]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Tracker publishing through pub.
// resolver may be nil when callers always supply workspace ids.
func New(cfg Config, pub Publisher, resolver WorkspaceResolver, clk clockwork.Clock, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}

	return &Tracker{
		cfg:      cfg,
		pub:      pub,
		resolver: resolver,
		clock:    clk,
		logger:   logger.With("component", "presence"),
		presence: make(map[string]model.UserPresence),
		memberOf: make(map[string]scopeKey),
		members:  make(map[scopeKey]map[string]struct{}),
		autoAway: make(map[string]struct{}),
		typing:   make(map[string]map[string]model.TypingIndicator),
		feeds:    make(map[string][]model.ActivityEvent),
	}
}

// -----------------------------------------------------------------------------
// Presence
// -----------------------------------------------------------------------------

// UpdatePresence replaces userID's presence record and moves its scope
// membership to the new location. The change is broadcast to the user's
// workspace, excluding the user.
func (t *Tracker) UpdatePresence(userID string, u Update) (model.UserPresence, error) {
	if !u.Status.Valid() {
		return model.UserPresence{}, fmt.Errorf("%w: %q", ErrInvalidStatus, u.Status)
	}
	if u.Location != nil && (!u.Location.Type.Valid() || u.Location.ID == "") {
		return model.UserPresence{}, fmt.Errorf("%w: %+v", ErrInvalidLocation, *u.Location)
	}

	var loc *model.Location
	if u.Location != nil {
		l := *u.Location
		loc = &l
	}
	var custom *model.CustomStatus
	if u.CustomStatus != nil {
		c := *u.CustomStatus
		custom = &c
	}

	t.mu.Lock()
	workspaceID := u.WorkspaceID
	if workspaceID == "" {
		workspaceID = t.presence[userID].WorkspaceID
	}
	if workspaceID == "" {
		workspaceID = t.resolveWorkspace(userID)
	}

	next := model.UserPresence{
		UserID:       userID,
		WorkspaceID:  workspaceID,
		Status:       u.Status,
		LastSeen:     t.clock.Now(),
		Location:     loc,
		Device:       u.Device,
		CustomStatus: custom,
	}
	t.presence[userID] = next
	delete(t.autoAway, userID)
	t.syncMembershipLocked(next)
	t.mu.Unlock()

	t.publishPresence(next)
	return next, nil
}

// SetUserOffline marks userID offline and removes it from every scope.
// Returns false if the user has no presence record.
func (t *Tracker) SetUserOffline(userID string) (model.UserPresence, bool) {
	t.mu.Lock()
	p, ok := t.presence[userID]
	if !ok {
		t.mu.Unlock()
		return model.UserPresence{}, false
	}
	p.Status = model.StatusOffline
	p.LastSeen = t.clock.Now()
	t.presence[userID] = p
	delete(t.autoAway, userID)
	t.syncMembershipLocked(p)
	t.mu.Unlock()

	t.publishPresence(p)
	return p, true
}

// Touch refreshes LastSeen for inbound activity. A user the sweep moved to
// away comes back online.
func (t *Tracker) Touch(userID string) {
	t.mu.Lock()
	p, ok := t.presence[userID]
	if !ok || p.Status == model.StatusOffline {
		t.mu.Unlock()
		return
	}
	p.LastSeen = t.clock.Now()
	_, wasAuto := t.autoAway[userID]
	restored := wasAuto && p.Status == model.StatusAway
	if restored {
		p.Status = model.StatusOnline
		delete(t.autoAway, userID)
	}
	t.presence[userID] = p
	t.mu.Unlock()

	if restored {
		t.publishPresence(p)
	}
}

// GetPresence returns userID's presence record.
func (t *Tracker) GetPresence(userID string) (model.UserPresence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.presence[userID]
	return p, ok
}

// ScopeMembers returns the users currently located in a scope, sorted.
func (t *Tracker) ScopeMembers(locType model.LocationType, id string) []string {
	t.mu.RLock()
	set := t.members[scopeKey{Type: locType, ID: id}]
	out := make([]string, 0, len(set))
	for userID := range set {
		out = append(out, userID)
	}
	t.mu.RUnlock()

	slices.Sort(out)
	return out
}

// ScopePresence returns the presence records of the users in a scope.
func (t *Tracker) ScopePresence(locType model.LocationType, id string) []model.UserPresence {
	users := t.ScopeMembers(locType, id)

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.UserPresence, 0, len(users))
	for _, userID := range users {
		if p, ok := t.presence[userID]; ok {
			out = append(out, p)
		}
	}
	return out
}

// WorkspacePresence returns every non-offline presence in a workspace,
// sorted by user id.
func (t *Tracker) WorkspacePresence(workspaceID string) []model.UserPresence {
	t.mu.RLock()
	var out []model.UserPresence
	for _, p := range t.presence {
		if p.WorkspaceID == workspaceID && p.Status != model.StatusOffline {
			out = append(out, p)
		}
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.UserPresence) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out
}

// SweepPresence demotes online records idle past AwayAfter to away, any
// record idle past OfflineAfter to offline, and clears expired custom
// statuses. Returns the number of records changed.
func (t *Tracker) SweepPresence() int {
	now := t.clock.Now()
	var changed []model.UserPresence

	t.mu.Lock()
	for userID, p := range t.presence {
		if p.Status == model.StatusOffline {
			continue
		}

		dirty := false
		idle := now.Sub(p.LastSeen)
		switch {
		case idle >= t.cfg.OfflineAfter:
			p.Status = model.StatusOffline
			delete(t.autoAway, userID)
			dirty = true
		case p.Status == model.StatusOnline && idle >= t.cfg.AwayAfter:
			p.Status = model.StatusAway
			t.autoAway[userID] = struct{}{}
			dirty = true
		}

		if cs := p.CustomStatus; cs != nil && !cs.ExpiresAt.IsZero() && !now.Before(cs.ExpiresAt) {
			p.CustomStatus = nil
			dirty = true
		}

		if dirty {
			t.presence[userID] = p
			t.syncMembershipLocked(p)
			changed = append(changed, p)
		}
	}
	t.mu.Unlock()

	for _, p := range changed {
		t.publishPresence(p)
	}
	return len(changed)
}

// syncMembershipLocked makes scope membership match p: none when offline or
// unlocated, otherwise exactly the scope of p.Location.
func (t *Tracker) syncMembershipLocked(p model.UserPresence) {
	want, wantOK := keyOf(p.Location)
	if p.Status == model.StatusOffline {
		wantOK = false
	}
	have, haveOK := t.memberOf[p.UserID]

	if haveOK == wantOK && have == want {
		return
	}

	if haveOK {
		if set := t.members[have]; set != nil {
			delete(set, p.UserID)
			if len(set) == 0 {
				delete(t.members, have)
			}
		}
		delete(t.memberOf, p.UserID)
	}

	if wantOK {
		set := t.members[want]
		if set == nil {
			set = make(map[string]struct{})
			t.members[want] = set
		}
		set[p.UserID] = struct{}{}
		t.memberOf[p.UserID] = want
	}
}

func (t *Tracker) publishPresence(p model.UserPresence) {
	t.PresenceChanged.Emit(p)

	if p.WorkspaceID == "" {
		t.logger.Debug("presence change has no workspace", "user_id", p.UserID)
		return
	}
	t.publish(model.BroadcastEvent{
		Type:   "presence",
		Event:  EventPresenceUpdated,
		Data:   p,
		Source: model.Source{UserID: p.UserID, WorkspaceID: p.WorkspaceID},
		Target: model.Target{
			Type:         model.TargetWorkspace,
			ID:           p.WorkspaceID,
			ExcludeUsers: []string{p.UserID},
		},
		Priority: model.PriorityNormal,
	})
}

func (t *Tracker) publish(evt model.BroadcastEvent) {
	if t.pub == nil {
		return
	}
	if _, err := t.pub.Broadcast(evt); err != nil {
		t.logger.Warn("publish failed", "event", evt.Event, "error", err)
	}
}

// workspaceOf finds a user's workspace from presence, then live connections.
func (t *Tracker) workspaceOf(userID string) string {
	t.mu.RLock()
	ws := t.presence[userID].WorkspaceID
	t.mu.RUnlock()

	if ws != "" {
		return ws
	}
	return t.resolveWorkspace(userID)
}

func (t *Tracker) resolveWorkspace(userID string) string {
	if t.resolver == nil {
		return ""
	}
	ws, _ := t.resolver.UserWorkspace(userID)
	return ws
}

// Stats returns current counts.
func (t *Tracker) Stats() Stats {
	var s Stats

	t.mu.RLock()
	s.Users = len(t.presence)
	for _, p := range t.presence {
		switch p.Status {
		case model.StatusOnline:
			s.Online++
		case model.StatusAway:
			s.Away++
		case model.StatusBusy:
			s.Busy++
		}
	}
	t.mu.RUnlock()

	t.typingMu.Lock()
	for _, users := range t.typing {
		s.TypingSessions += len(users)
	}
	t.typingMu.Unlock()

	t.feedMu.RLock()
	for _, feed := range t.feeds {
		s.FeedEntries += len(feed)
	}
	t.feedMu.RUnlock()

	return s
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start runs the typing, presence and activity sweeps.
func (t *Tracker) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	t.every(t.cfg.TypingSweepInterval, func() { t.SweepTyping() })
	t.every(t.cfg.PresenceSweepInterval, func() { t.SweepPresence() })
	t.every(t.cfg.ActivitySweepInterval, func() { t.SweepActivity() })

	t.logger.Info("presence tracker started",
		"typing_idle", t.cfg.TypingIdle,
		"away_after", t.cfg.AwayAfter,
		"offline_after", t.cfg.OfflineAfter,
	)
	return nil
}

// Stop halts the sweeps.
func (t *Tracker) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) every(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := t.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.ctx.Done():
				return
			case <-ticker.Chan():
				fn()
			}
		}
	}()
}
