package notifier

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/collabhub/internal/connection"
	"github.com/rickgao/collabhub/internal/metrics"
	"github.com/rickgao/collabhub/internal/model"
	"github.com/rickgao/collabhub/internal/notification"
)

// Source provides stored notifications. notification.Store satisfies it.
type Source interface {
	GetUserNotifications(ctx context.Context, userID string, unreadOnly bool) ([]model.Notification, error)
}

// Audience provides the live connections to push to.
// *connection.Registry satisfies it.
type Audience interface {
	All() []*connection.Connection
	ByUser(userID string) []*connection.Connection
}

// Config holds notifier configuration.
type Config struct {
	Interval    time.Duration // Poll interval
	Concurrency int           // Max users fetched concurrently
	Timeout     time.Duration // Per-user fetch timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		Concurrency: 16,
		Timeout:     5 * time.Second,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Cycles int64
	Pushed int64
	Errors int64
}

// Notifier periodically pushes notifications created since the previous
// cycle to their owners' live connections. Connections opened after a
// notification was created are skipped; they received it on connect.
type Notifier struct {
	cfg      Config
	source   Source
	audience Audience
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	watermark time.Time
	retry     map[string]time.Time // Users whose last fetch failed, with the window start they still owe

	cycles atomic.Int64
	pushed atomic.Int64
	errors atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Notifier. Only notifications created after New are pushed.
func New(cfg Config, source Source, audience Audience, clk clockwork.Clock, logger *slog.Logger, m *metrics.Metrics) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Notifier{
		cfg:       cfg,
		source:    source,
		audience:  audience,
		clock:     clk,
		logger:    logger.With("component", "notifier"),
		metrics:   m,
		watermark: clk.Now(),
		retry:     make(map[string]time.Time),
	}
}

// Start begins the polling loop.
func (n *Notifier) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	n.wg.Add(1)
	go n.run()

	n.logger.Info("notifier started",
		"interval", n.cfg.Interval,
		"concurrency", n.cfg.Concurrency,
	)
	return nil
}

// Stop gracefully shuts down the notifier.
func (n *Notifier) Stop(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("notifier stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()

	ticker := n.clock.NewTicker(n.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.Chan():
			n.Poll(n.ctx)
		}
	}
}

// Poll runs one cycle over every online user and returns the number of
// notifications pushed. A user whose fetch fails keeps its window open until
// a later cycle succeeds.
func (n *Notifier) Poll(ctx context.Context) int {
	start := n.clock.Now()
	users := n.onlineUsers()

	n.mu.Lock()
	since := n.watermark
	n.watermark = start
	windows := make(map[string]time.Time, len(users))
	for _, userID := range users {
		windows[userID] = since
		if owed, ok := n.retry[userID]; ok {
			windows[userID] = owed
		}
	}
	// Offline users get their backlog from the replay on connect.
	n.retry = make(map[string]time.Time)
	n.mu.Unlock()

	n.cycles.Add(1)
	if len(users) == 0 {
		return 0
	}

	var pushed, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.Concurrency)
	for _, userID := range users {
		from := windows[userID]
		g.Go(func() error {
			sent, err := n.pollUser(gctx, userID, from, start)
			if err != nil {
				failed.Add(1)
				n.metrics.RecordError("notifier", "fetch")
				n.logger.Warn("failed to fetch notifications", "user_id", userID, "error", err)
				n.mu.Lock()
				n.retry[userID] = from
				n.mu.Unlock()
				return nil
			}
			pushed.Add(int64(sent))
			return nil
		})
	}
	g.Wait()

	n.pushed.Add(pushed.Load())
	n.errors.Add(failed.Load())

	n.logger.Debug("poll cycle complete",
		"users", len(users),
		"pushed", pushed.Load(),
		"errors", failed.Load(),
		"duration", n.clock.Since(start),
	)
	return int(pushed.Load())
}

// pollUser pushes userID's unread notifications created in (since, until].
func (n *Notifier) pollUser(ctx context.Context, userID string, since, until time.Time) (int, error) {
	if n.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}

	notes, err := n.source.GetUserNotifications(ctx, userID, true)
	if err != nil {
		return 0, err
	}

	sent := 0
	conns := n.audience.ByUser(userID)
	for _, note := range notes {
		if !note.CreatedAt.After(since) || note.CreatedAt.After(until) {
			continue
		}
		for _, conn := range conns {
			if conn.ConnectedAt().After(note.CreatedAt) {
				continue
			}
			if err := conn.SendEnvelope(notification.Envelope(note), model.PriorityNormal); err == nil {
				sent++
			}
		}
	}
	return sent, nil
}

func (n *Notifier) onlineUsers() []string {
	seen := make(map[string]struct{})
	var users []string
	for _, conn := range n.audience.All() {
		id := conn.User().ID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		users = append(users, id)
	}
	return users
}

// Stats returns a snapshot of the counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		Cycles: n.cycles.Load(),
		Pushed: n.pushed.Load(),
		Errors: n.errors.Load(),
	}
}
