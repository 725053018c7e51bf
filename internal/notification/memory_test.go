package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/collabhub/internal/model"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestMemoryStore_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(testEpoch)
	s := NewMemoryStore(clk)

	conflicts, err := s.Insert(ctx,
		model.Notification{ID: "N1", UserID: "U1", Type: "mention", Title: "You were mentioned"},
		model.Notification{ID: "N2", UserID: "U1", Type: "assign", Title: "Task assigned"},
		model.Notification{ID: "N3", UserID: "U2", Type: "mention", Title: "Hi"},
	)
	if err != nil || conflicts != 0 {
		t.Fatalf("Insert = %d, %v", conflicts, err)
	}

	conflicts, err = s.Insert(ctx, model.Notification{ID: "N1", UserID: "U1", Title: "dup"})
	if err != nil || conflicts != 1 {
		t.Errorf("duplicate Insert = %d, %v; want 1 conflict", conflicts, err)
	}
	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}

	got, err := s.GetUserNotifications(ctx, "U1", false)
	if err != nil {
		t.Fatalf("GetUserNotifications failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "N1" || got[1].ID != "N2" {
		t.Fatalf("U1 notifications = %+v, want N1, N2", got)
	}
	if !got[0].CreatedAt.Equal(testEpoch) {
		t.Errorf("CreatedAt = %v, want %v", got[0].CreatedAt, testEpoch)
	}
	if got[0].Title != "You were mentioned" {
		t.Errorf("duplicate insert overwrote title: %q", got[0].Title)
	}
}

func TestMemoryStore_MarkRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	s.Insert(ctx,
		model.Notification{ID: "N1", UserID: "U1"},
		model.Notification{ID: "N2", UserID: "U1"},
	)

	tests := []struct {
		id, user string
		want     bool
	}{
		{"N1", "U1", true},
		{"N1", "U1", true}, // idempotent
		{"N2", "U2", false},
		{"N9", "U1", false},
	}
	for _, tt := range tests {
		got, err := s.MarkNotificationAsRead(ctx, tt.id, tt.user)
		if err != nil {
			t.Fatalf("MarkNotificationAsRead failed: %v", err)
		}
		if got != tt.want {
			t.Errorf("MarkNotificationAsRead(%s, %s) = %v, want %v", tt.id, tt.user, got, tt.want)
		}
	}

	unread, _ := s.GetUserNotifications(ctx, "U1", true)
	if len(unread) != 1 || unread[0].ID != "N2" {
		t.Errorf("unread = %+v, want only N2", unread)
	}

	// Returned values are copies.
	all, _ := s.GetUserNotifications(ctx, "U1", false)
	all[1].Read = true
	unread, _ = s.GetUserNotifications(ctx, "U1", true)
	if len(unread) != 1 {
		t.Error("mutating a returned notification changed the store")
	}
}

func TestMemoryStore_InsertInvalid(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.Insert(context.Background(),
		model.Notification{ID: "N1", UserID: "U1"},
		model.Notification{ID: "N2"},
	)
	if !errors.Is(err, ErrInvalidNotification) {
		t.Errorf("error = %v, want ErrInvalidNotification", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0 after rejected batch", s.Len())
	}
}
