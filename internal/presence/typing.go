package presence

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rickgao/collabhub/internal/model"
)

// UpdateTyping records that userID started or stopped typing on a resource.
// typing.started is published only for a new indicator; typing.stopped only
// when one existed. Refreshing an existing indicator is silent.
func (t *Tracker) UpdateTyping(userID, resourceID, resourceType string, isTyping bool) error {
	if resourceID == "" || resourceType == "" {
		return fmt.Errorf("%w: resource id and type are required", ErrInvalidResource)
	}

	now := t.clock.Now()
	ind := model.TypingIndicator{
		UserID:       userID,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		IsTyping:     isTyping,
		Timestamp:    now,
	}

	t.typingMu.Lock()
	users := t.typing[resourceID]
	_, existed := users[userID]
	if isTyping {
		if users == nil {
			users = make(map[string]model.TypingIndicator)
			t.typing[resourceID] = users
		}
		users[userID] = ind
	} else if existed {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.typing, resourceID)
		}
	}
	t.typingMu.Unlock()

	if isTyping == existed {
		return nil
	}
	t.publishTyping(ind)
	return nil
}

// GetTypingIndicators returns the unexpired indicators on a resource,
// sorted by user id.
func (t *Tracker) GetTypingIndicators(resourceID string) []model.TypingIndicator {
	now := t.clock.Now()

	t.typingMu.Lock()
	var out []model.TypingIndicator
	for _, ind := range t.typing[resourceID] {
		if now.Sub(ind.Timestamp) < t.cfg.TypingIdle {
			out = append(out, ind)
		}
	}
	t.typingMu.Unlock()

	slices.SortFunc(out, func(a, b model.TypingIndicator) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return out
}

// SweepTyping removes indicators idle for at least TypingIdle and publishes a
// typing.stopped for each. Returns the number removed.
func (t *Tracker) SweepTyping() int {
	now := t.clock.Now()
	var expired []model.TypingIndicator

	t.typingMu.Lock()
	for resourceID, users := range t.typing {
		for userID, ind := range users {
			if now.Sub(ind.Timestamp) >= t.cfg.TypingIdle {
				delete(users, userID)
				ind.IsTyping = false
				ind.Timestamp = now
				expired = append(expired, ind)
			}
		}
		if len(users) == 0 {
			delete(t.typing, resourceID)
		}
	}
	t.typingMu.Unlock()

	for _, ind := range expired {
		t.publishTyping(ind)
	}
	return len(expired)
}

// ClearUserTyping drops every indicator held by userID, publishing stops.
func (t *Tracker) ClearUserTyping(userID string) int {
	now := t.clock.Now()
	var cleared []model.TypingIndicator

	t.typingMu.Lock()
	for resourceID, users := range t.typing {
		ind, ok := users[userID]
		if !ok {
			continue
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(t.typing, resourceID)
		}
		ind.IsTyping = false
		ind.Timestamp = now
		cleared = append(cleared, ind)
	}
	t.typingMu.Unlock()

	for _, ind := range cleared {
		t.publishTyping(ind)
	}
	return len(cleared)
}

func (t *Tracker) publishTyping(ind model.TypingIndicator) {
	t.TypingChanged.Emit(ind)

	event := EventTypingStopped
	if ind.IsTyping {
		event = EventTypingStarted
	}

	ws := t.workspaceOf(ind.UserID)
	if ws == "" {
		t.logger.Debug("typing change has no workspace", "user_id", ind.UserID, "resource_id", ind.ResourceID)
		return
	}
	t.publish(model.BroadcastEvent{
		Type:   "typing",
		Event:  event,
		Data:   ind,
		Source: model.Source{UserID: ind.UserID, WorkspaceID: ws},
		Target: model.Target{
			Type:         model.TargetWorkspace,
			ID:           ws,
			ExcludeUsers: []string{ind.UserID},
		},
		Priority: model.PriorityLow,
	})
}
