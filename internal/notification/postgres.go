package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/collabhub/internal/model"
)

// Schema creates the notifications table.
const Schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	type        TEXT NOT NULL,
	title       TEXT NOT NULL,
	body        TEXT,
	data        JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	read_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS notifications_user_created_idx ON notifications (user_id, created_at);
`

const selectNotifications = `
	SELECT id, user_id, type, title, COALESCE(body, ''), data, read_at IS NOT NULL, created_at
	FROM notifications
	WHERE user_id = $1 AND ($2 = false OR read_at IS NULL)
	ORDER BY created_at, id
`

const markRead = `
	UPDATE notifications
	SET read_at = COALESCE(read_at, $3)
	WHERE id = $1 AND user_id = $2
`

const insertNotification = `
	INSERT INTO notifications (id, user_id, type, title, body, data, created_at)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	ON CONFLICT (id) DO NOTHING
`

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db  DB
	now func() time.Time
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// EnsureSchema creates the notifications table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create notifications schema: %w", err)
	}
	return nil
}

// GetUserNotifications implements Store.
func (s *PostgresStore) GetUserNotifications(ctx context.Context, userID string, unreadOnly bool) ([]model.Notification, error) {
	rows, err := s.db.Query(ctx, selectNotifications, userID, unreadOnly)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}

	ns, err := pgx.CollectRows(rows, scanNotification)
	if err != nil {
		return nil, fmt.Errorf("scan notifications: %w", err)
	}
	return ns, nil
}

func scanNotification(row pgx.CollectableRow) (model.Notification, error) {
	var (
		n    model.Notification
		data []byte
	)
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &data, &n.Read, &n.CreatedAt)
	if len(data) > 0 {
		n.Data = data
	}
	return n, err
}

// MarkNotificationAsRead implements Store. Marking an already read
// notification succeeds and keeps its original read time.
func (s *PostgresStore) MarkNotificationAsRead(ctx context.Context, id, userID string) (bool, error) {
	ct, err := s.db.Exec(ctx, markRead, id, userID, s.now())
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Insert implements Store using one batch with ON CONFLICT DO NOTHING.
func (s *PostgresStore) Insert(ctx context.Context, ns ...model.Notification) (conflicts int, err error) {
	if len(ns) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, n := range ns {
		if err := validate(n); err != nil {
			return 0, err
		}
		created := n.CreatedAt
		if created.IsZero() {
			created = s.now()
		}
		var data []byte
		if len(n.Data) > 0 {
			data = n.Data
		}
		batch.Queue(insertNotification, n.ID, n.UserID, n.Type, n.Title, n.Body, data, created)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range ns {
		ct, err := results.Exec()
		if err != nil {
			return 0, fmt.Errorf("insert notification: %w", err)
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
