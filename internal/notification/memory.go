package notification

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/collabhub/internal/model"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	clock clockwork.Clock

	mu     sync.RWMutex
	byUser map[string][]*model.Notification
	byID   map[string]*model.Notification
}

// NewMemoryStore creates an empty store. clk stamps notifications inserted
// without a CreatedAt; nil uses the real clock.
func NewMemoryStore(clk clockwork.Clock) *MemoryStore {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:  clk,
		byUser: make(map[string][]*model.Notification),
		byID:   make(map[string]*model.Notification),
	}
}

// GetUserNotifications implements Store.
func (s *MemoryStore) GetUserNotifications(_ context.Context, userID string, unreadOnly bool) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Notification
	for _, n := range s.byUser[userID] {
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, *n)
	}
	return out, nil
}

// MarkNotificationAsRead implements Store.
func (s *MemoryStore) MarkNotificationAsRead(_ context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok || n.UserID != userID {
		return false, nil
	}
	n.Read = true
	return true, nil
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, ns ...model.Notification) (int, error) {
	for _, n := range ns {
		if err := validate(n); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conflicts := 0
	for _, n := range ns {
		if _, exists := s.byID[n.ID]; exists {
			conflicts++
			continue
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = s.clock.Now()
		}
		stored := n
		s.byID[n.ID] = &stored
		s.byUser[n.UserID] = append(s.byUser[n.UserID], &stored)
	}
	return conflicts, nil
}

// Len returns the number of stored notifications.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
