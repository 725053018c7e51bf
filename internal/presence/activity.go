package presence

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/collabhub/internal/model"
)

const defaultFeedLimit = 50

// RecordActivity prepends an entry to the user's workspace feed and publishes
// it. The workspace comes from the user's presence record or, failing that,
// from any live connection of the user; resources are not mapped to
// workspaces directly.
func (t *Tracker) RecordActivity(userID string, typ model.ActivityType, res model.ResourceRef, metadata map[string]any) (model.ActivityEvent, error) {
	if !typ.Valid() {
		return model.ActivityEvent{}, fmt.Errorf("%w: type %q", ErrInvalidActivity, typ)
	}
	if res.ID == "" || res.Type == "" {
		return model.ActivityEvent{}, fmt.Errorf("%w: resource id and type are required", ErrInvalidActivity)
	}

	ws := t.workspaceOf(userID)
	if ws == "" {
		return model.ActivityEvent{}, fmt.Errorf("%w: %s", ErrNoWorkspace, userID)
	}

	evt := model.ActivityEvent{
		ID:          uuid.NewString(),
		UserID:      userID,
		WorkspaceID: ws,
		Type:        typ,
		Resource:    res,
		Timestamp:   t.clock.Now(),
		Metadata:    maps.Clone(metadata),
	}

	t.feedMu.Lock()
	feed := append([]model.ActivityEvent{evt}, t.feeds[ws]...)
	t.feeds[ws] = t.trimLocked(feed, evt.Timestamp)
	t.feedMu.Unlock()

	t.ActivityRecorded.Emit(evt)
	t.publish(model.BroadcastEvent{
		Type:     "activity",
		Event:    EventActivityRecorded,
		Data:     evt,
		Source:   model.Source{UserID: userID, WorkspaceID: ws},
		Target:   model.Target{Type: model.TargetWorkspace, ID: ws},
		Priority: model.PriorityNormal,
	})
	return evt, nil
}

// GetActivityFeed returns a newest-first page of a workspace feed.
func (t *Tracker) GetActivityFeed(workspaceID string, q FeedQuery) []model.ActivityEvent {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	cutoff := t.cutoff(t.clock.Now())

	t.feedMu.RLock()
	defer t.feedMu.RUnlock()

	out := make([]model.ActivityEvent, 0, limit)
	skipped := 0
	for _, evt := range t.feeds[workspaceID] {
		if !cutoff.IsZero() && evt.Timestamp.Before(cutoff) {
			break
		}
		if !matches(evt, q) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, evt)
		if len(out) == limit {
			break
		}
	}
	return out
}

func matches(evt model.ActivityEvent, q FeedQuery) bool {
	if q.UserID != "" && evt.UserID != q.UserID {
		return false
	}
	if q.Type != "" && evt.Type != q.Type {
		return false
	}
	if q.ResourceType != "" && evt.Resource.Type != q.ResourceType {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// SweepActivity prunes entries older than FeedMaxAge from every feed.
// Returns the number pruned.
func (t *Tracker) SweepActivity() int {
	now := t.clock.Now()
	pruned := 0

	t.feedMu.Lock()
	defer t.feedMu.Unlock()

	for ws, feed := range t.feeds {
		kept := t.trimLocked(feed, now)
		pruned += len(feed) - len(kept)
		if len(kept) == 0 {
			delete(t.feeds, ws)
			continue
		}
		t.feeds[ws] = kept
	}
	return pruned
}

// trimLocked applies the size cap and age bound to a newest-first feed.
func (t *Tracker) trimLocked(feed []model.ActivityEvent, now time.Time) []model.ActivityEvent {
	if t.cfg.FeedCap > 0 && len(feed) > t.cfg.FeedCap {
		feed = feed[:t.cfg.FeedCap]
	}
	cutoff := t.cutoff(now)
	if cutoff.IsZero() {
		return feed
	}
	for len(feed) > 0 && feed[len(feed)-1].Timestamp.Before(cutoff) {
		feed = feed[:len(feed)-1]
	}
	return feed
}

func (t *Tracker) cutoff(now time.Time) time.Time {
	if t.cfg.FeedMaxAge <= 0 {
		return time.Time{}
	}
	return now.Add(-t.cfg.FeedMaxAge)
}
