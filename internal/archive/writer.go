package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/collabhub/internal/metrics"
	"github.com/rickgao/collabhub/internal/model"
	"github.com/rickgao/collabhub/internal/queue"
)

// Schema creates the activity_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS activity_events (
	id            TEXT PRIMARY KEY,
	workspace_id  TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	type          TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	metadata      JSONB,
	occurred_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS activity_events_workspace_idx ON activity_events (workspace_id, occurred_at DESC);
`

const insertActivity = `
INSERT INTO activity_events (id, workspace_id, user_id, type, resource_type, resource_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`

// DB is the subset of pgxpool.Pool used by the writer.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds writer configuration.
type Config struct {
	BatchSize     int           // Rows per insert batch; a full batch flushes early
	FlushInterval time.Duration // Max time an event waits before being written
	BufferLimit   int           // Events held while the database is slow (0 = unbounded)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferLimit:   100000,
	}
}

// Stats contains writer counters.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64 // Rejected because the buffer was full
	Buffered  int
}

type activityRow struct {
	ID           string
	WorkspaceID  string
	UserID       string
	Type         string
	ResourceType string
	ResourceID   string
	Metadata     []byte
	OccurredAt   time.Time
}

// Writer archives activity events to PostgreSQL in batches. Events are
// buffered by Record and written by a flush loop, so recording never waits
// on the database.
type Writer struct {
	cfg     Config
	db      DB
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	input *queue.Ring[model.ActivityEvent]
	kick  chan struct{}

	flushMu sync.Mutex // Serialises flushes

	statsMu sync.Mutex
	stats   Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter creates a Writer.
func NewWriter(cfg Config, db DB, clk clockwork.Clock, logger *slog.Logger, m *metrics.Metrics) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Writer{
		cfg:     cfg,
		db:      db,
		clock:   clk,
		logger:  logger.With("component", "archive"),
		metrics: m,
		input:   queue.NewRing[model.ActivityEvent](min(cfg.BatchSize, 1024), cfg.BufferLimit),
		kick:    make(chan struct{}, 1),
	}
}

// EnsureSchema creates the activity_events table if missing.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create activity_events: %w", err)
	}
	return nil
}

// Record buffers evt for the next flush. It has the signature of a
// presence.Tracker ActivityRecorded hook.
func (w *Writer) Record(evt model.ActivityEvent) {
	if err := w.input.Push(evt); err != nil {
		w.statsMu.Lock()
		w.stats.Dropped++
		w.statsMu.Unlock()
		w.metrics.RecordError("archive", "buffer_full")
		return
	}
	if w.input.Len() >= w.cfg.BatchSize {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// Start begins the flush loop.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("activity archive started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop halts the flush loop and writes whatever is still buffered.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping activity archive")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("activity archive stop timed out")
	}

	// Final flush
	w.Flush(ctx)
	w.input.Close()

	w.logger.Info("activity archive stopped")
	return nil
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.Chan():
			w.Flush(w.ctx)
		case <-w.kick:
			w.Flush(w.ctx)
		}
	}
}

// Flush writes every buffered event, one batch at a time. Returns the
// number of rows inserted. A failed batch is dropped and counted.
func (w *Writer) Flush(ctx context.Context) int {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	inserted := 0
	for {
		events := w.input.DrainTo(w.cfg.BatchSize)
		if len(events) == 0 {
			return inserted
		}

		rows := make([]activityRow, 0, len(events))
		for _, evt := range events {
			rows = append(rows, w.transform(evt))
		}

		start := w.clock.Now()
		conflicts, err := w.batchInsert(ctx, rows)
		if err != nil {
			w.logger.Error("batch insert failed", "error", err, "count", len(rows))
			w.metrics.RecordError("archive", "insert")
			w.statsMu.Lock()
			w.stats.Errors++
			w.statsMu.Unlock()
			return inserted
		}

		w.statsMu.Lock()
		w.stats.Inserts += int64(len(rows) - conflicts)
		w.stats.Conflicts += int64(conflicts)
		w.stats.Flushes++
		w.statsMu.Unlock()
		inserted += len(rows) - conflicts

		w.logger.Debug("flushed activity",
			"count", len(rows),
			"conflicts", conflicts,
			"duration", w.clock.Since(start),
		)
	}
}

func (w *Writer) transform(evt model.ActivityEvent) activityRow {
	var meta []byte
	if len(evt.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(evt.Metadata); err != nil {
			w.logger.Debug("dropping unencodable metadata", "activity_id", evt.ID, "error", err)
			meta = nil
		}
	}
	return activityRow{
		ID:           evt.ID,
		WorkspaceID:  evt.WorkspaceID,
		UserID:       evt.UserID,
		Type:         string(evt.Type),
		ResourceType: evt.Resource.Type,
		ResourceID:   evt.Resource.ID,
		Metadata:     meta,
		OccurredAt:   evt.Timestamp,
	}
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []activityRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertActivity,
			r.ID, r.WorkspaceID, r.UserID, r.Type, r.ResourceType, r.ResourceID, r.Metadata, r.OccurredAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}

// Stats returns a snapshot of the counters.
func (w *Writer) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	st := w.stats
	st.Buffered = w.input.Len()
	return st
}
