package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/collabhub/internal/connection"
	"github.com/rickgao/collabhub/internal/hooks"
	"github.com/rickgao/collabhub/internal/metrics"
	"github.com/rickgao/collabhub/internal/model"
	"github.com/rickgao/collabhub/internal/queue"
)

// pending is one queued (event, recipient) pair.
type pending struct {
	evt  model.BroadcastEvent
	env  connection.Envelope
	conn *connection.Connection
}

// Broadcaster resolves audiences and delivers events with priority ordering.
type Broadcaster struct {
	cfg        Config
	audience   Audience
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	membership ProjectMembership

	normal *queue.Ring[pending]
	low    *queue.Ring[pending]
	store  *eventStore

	// Hooks
	Delivered hooks.Topic[Delivery]             // Final outcomes (delivered, filtered, failed)
	Stored    hooks.Topic[model.BroadcastEvent] // Persistent event accepted
	Evicted   hooks.Topic[model.BroadcastEvent] // TTL elapsed or pushed out by the cap

	broadcasts   atomic.Int64
	delivered    atomic.Int64
	filtered     atomic.Int64
	failed       atomic.Int64
	queued       atomic.Int64
	evicted      atomic.Int64
	latencyNanos atomic.Int64
	latencyCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises a Broadcaster.
type Option func(*Broadcaster)

// WithMetrics records outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// WithProjectMembership resolves project-scoped replay relevance through pm
// instead of comparing workspaces.
func WithProjectMembership(pm ProjectMembership) Option {
	return func(b *Broadcaster) { b.membership = pm }
}

// New creates a Broadcaster delivering to audience.
func New(cfg Config, audience Audience, clk clockwork.Clock, logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = DefaultConfig().DrainBatch
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultConfig().DrainInterval
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}

	b := &Broadcaster{
		cfg:      cfg,
		audience: audience,
		clock:    clk,
		logger:   logger.With("component", "broadcaster"),
		normal:   queue.NewRing[pending](64, cfg.MaxPending),
		low:      queue.NewRing[pending](64, cfg.MaxPending),
		store:    newEventStore(clk, cfg.MaxStoredEvents),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast stamps evt, stores it when persistent, and fans it out.
// High priority recipients are delivered before Broadcast returns; the rest
// are reported as queued.
func (b *Broadcaster) Broadcast(evt model.BroadcastEvent) (Report, error) {
	evt, err := b.prepare(evt)
	if err != nil {
		return Report{}, err
	}

	report := Report{EventID: evt.ID, Event: evt.Event}
	if evt.Persistent {
		report.Stored = b.storeEvent(evt)
	}

	b.broadcasts.Add(1)
	b.metrics.BroadcastPublished(string(evt.Priority))

	env := connection.Envelope{
		Type:      connection.TypeEvent,
		Event:     evt.Event,
		Data:      evt.Data,
		Timestamp: evt.Timestamp.UnixMilli(),
		MessageID: evt.ID,
	}

	for _, conn := range b.resolve(evt.Target) {
		if conn == nil || evt.Target.Excludes(conn.User().ID) {
			continue
		}

		d := Delivery{
			EventID:  evt.ID,
			Event:    evt.Event,
			ConnID:   conn.ID(),
			UserID:   conn.User().ID,
			Priority: evt.Priority,
		}

		switch {
		case !conn.Accepts(evt):
			d.Outcome = OutcomeFiltered
			b.finish(d)
		case evt.Priority == model.PriorityHigh:
			d = b.deliver(pending{evt: evt, env: env, conn: conn})
		default:
			d = b.enqueue(pending{evt: evt, env: env, conn: conn}, d)
		}
		report.Outcomes = append(report.Outcomes, d)
	}

	b.logger.Debug("broadcast",
		"event_id", evt.ID,
		"event", evt.Event,
		"target", evt.Target.Type,
		"target_id", evt.Target.ID,
		"priority", evt.Priority,
		"recipients", len(report.Outcomes),
	)
	return report, nil
}

// StoreEvent stamps and stores a persistent event without delivering it.
func (b *Broadcaster) StoreEvent(evt model.BroadcastEvent) (model.BroadcastEvent, error) {
	evt.Persistent = true
	evt, err := b.prepare(evt)
	if err != nil {
		return model.BroadcastEvent{}, err
	}
	if !b.storeEvent(evt) {
		return model.BroadcastEvent{}, fmt.Errorf("%w: expired at %s", ErrInvalidEvent, evt.ExpiresAt().Format(time.RFC3339))
	}
	return evt, nil
}

// prepare validates evt and fills id, timestamp, priority and TTL.
func (b *Broadcaster) prepare(evt model.BroadcastEvent) (model.BroadcastEvent, error) {
	if evt.Event == "" {
		return evt, fmt.Errorf("%w: missing event name", ErrInvalidEvent)
	}
	if !evt.Target.Type.Valid() {
		return evt, fmt.Errorf("%w: type %q", ErrInvalidTarget, evt.Target.Type)
	}
	if evt.Target.Type != model.TargetGlobal && evt.Target.ID == "" {
		return evt, fmt.Errorf("%w: %s target needs an id", ErrInvalidTarget, evt.Target.Type)
	}
	if evt.Priority == "" {
		evt.Priority = model.PriorityNormal
	}
	if !evt.Priority.Valid() {
		return evt, fmt.Errorf("%w: priority %q", ErrInvalidEvent, evt.Priority)
	}

	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.clock.Now()
	}
	if evt.Persistent && evt.TTL <= 0 {
		evt.TTL = b.cfg.DefaultTTL
	}
	return evt, nil
}

func (b *Broadcaster) storeEvent(evt model.BroadcastEvent) bool {
	pushedOut, ok := b.store.put(evt, b.expire)
	if !ok {
		b.logger.Debug("not storing expired event", "event_id", evt.ID, "event", evt.Event)
		return false
	}
	b.Stored.Emit(evt)
	for _, old := range pushedOut {
		b.evicted.Add(1)
		b.Evicted.Emit(old)
	}
	b.metrics.SetStoredEvents(b.store.len())
	return true
}

func (b *Broadcaster) expire(id string) {
	evt, ok := b.store.remove(id)
	if !ok {
		return
	}
	b.evicted.Add(1)
	b.metrics.SetStoredEvents(b.store.len())
	b.logger.Debug("stored event expired", "event_id", id, "event", evt.Event)
	b.Evicted.Emit(evt)
}

func (b *Broadcaster) resolve(t model.Target) []*connection.Connection {
	switch t.Type {
	case model.TargetWorkspace:
		return b.audience.ByWorkspace(t.ID)
	case model.TargetProject:
		return b.audience.ByProject(t.ID)
	case model.TargetUser:
		return b.audience.ByUser(t.ID)
	case model.TargetRole:
		return b.audience.ByRole(t.ID)
	case model.TargetGlobal:
		return b.audience.All()
	}
	return nil
}

func (b *Broadcaster) enqueue(p pending, d Delivery) Delivery {
	lane := b.normal
	if p.evt.Priority == model.PriorityLow {
		lane = b.low
	}

	if err := lane.Push(p); err != nil {
		d.Outcome = OutcomeFailed
		d.Err = err
		b.finish(d)
		return d
	}

	d.Outcome = OutcomeQueued
	b.queued.Add(1)
	b.metrics.RecordDelivery(string(OutcomeQueued), 0)
	return d
}

// deliver hands one event to one connection and records the outcome.
func (b *Broadcaster) deliver(p pending) Delivery {
	d := Delivery{
		EventID:  p.evt.ID,
		Event:    p.evt.Event,
		ConnID:   p.conn.ID(),
		UserID:   p.conn.User().ID,
		Priority: p.evt.Priority,
		Outcome:  OutcomeDelivered,
	}

	if err := p.conn.SendEnvelope(p.env, p.evt.Priority); err != nil {
		d.Outcome = OutcomeFailed
		d.Err = err
	} else {
		d.Latency = b.clock.Since(p.evt.Timestamp)
	}

	b.finish(d)
	return d
}

// finish records a final outcome.
func (b *Broadcaster) finish(d Delivery) {
	switch d.Outcome {
	case OutcomeDelivered:
		b.delivered.Add(1)
		b.latencyNanos.Add(int64(d.Latency))
		b.latencyCount.Add(1)
	case OutcomeFiltered:
		b.filtered.Add(1)
		b.logger.Debug("delivery filtered", "event_id", d.EventID, "conn_id", d.ConnID)
	case OutcomeFailed:
		b.failed.Add(1)
		b.metrics.RecordError("broadcast", "delivery_failed")
		b.logger.Debug("delivery failed", "event_id", d.EventID, "conn_id", d.ConnID, "error", d.Err)
	}

	b.metrics.RecordDelivery(string(d.Outcome), d.Latency)
	b.Delivered.Emit(d)
}

// Drain delivers up to DrainBatch queued recipients, normal lane first.
// Returns the number processed.
func (b *Broadcaster) Drain() int {
	batch := b.normal.DrainTo(b.cfg.DrainBatch)
	if remaining := b.cfg.DrainBatch - len(batch); remaining > 0 {
		batch = append(batch, b.low.DrainTo(remaining)...)
	}

	for _, p := range batch {
		b.deliver(p)
	}
	return len(batch)
}

// Pending returns the number of queued deliveries.
func (b *Broadcaster) Pending() int {
	return b.normal.Len() + b.low.Len()
}

// StoredEvents returns persistent, unexpired events relevant to user with a
// timestamp at or after since, passing filter, oldest first.
func (b *Broadcaster) StoredEvents(user model.User, since time.Time, filter *model.Filter) []model.BroadcastEvent {
	now := b.clock.Now()

	var out []model.BroadcastEvent
	for _, evt := range b.store.snapshot() {
		if !now.Before(evt.ExpiresAt()) {
			continue
		}
		if evt.Timestamp.Before(since) {
			continue
		}
		if !b.relevant(user, evt) || !filter.Allows(evt) {
			continue
		}
		out = append(out, evt)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// relevant reports whether evt's target covers user.
//
// Without a ProjectMembership, a project-scoped event is treated as relevant
// to every user in the source workspace.
func (b *Broadcaster) relevant(user model.User, evt model.BroadcastEvent) bool {
	if evt.Target.Excludes(user.ID) {
		return false
	}

	switch evt.Target.Type {
	case model.TargetGlobal:
		return true
	case model.TargetUser:
		return evt.Target.ID == user.ID
	case model.TargetWorkspace:
		return evt.Target.ID == user.WorkspaceID
	case model.TargetRole:
		return user.HasRole(evt.Target.ID)
	case model.TargetProject:
		if b.membership != nil {
			return b.membership.IsProjectMember(user, evt.Target.ID)
		}
		return evt.Source.WorkspaceID != "" && evt.Source.WorkspaceID == user.WorkspaceID
	}
	return false
}

// Stats returns broadcaster counters.
func (b *Broadcaster) Stats() Stats {
	stats := Stats{
		Broadcasts:   b.broadcasts.Load(),
		Delivered:    b.delivered.Load(),
		Filtered:     b.filtered.Load(),
		Failed:       b.failed.Load(),
		Queued:       b.queued.Load(),
		Pending:      b.Pending(),
		StoredEvents: b.store.len(),
		Evicted:      b.evicted.Load(),
	}
	if n := b.latencyCount.Load(); n > 0 {
		stats.AvgLatency = time.Duration(b.latencyNanos.Load() / n)
	}
	return stats
}

// Start begins draining the delivery lanes.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.drainLoop()

	b.logger.Info("broadcaster started", "drain_interval", b.cfg.DrainInterval)
	return nil
}

// Stop halts draining, flushes what is left in the lanes and stops eviction
// timers.
func (b *Broadcaster) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for b.Drain() > 0 {
	}
	b.store.clear()
	return nil
}

func (b *Broadcaster) drainLoop() {
	defer b.wg.Done()

	ticker := b.clock.NewTicker(b.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.Chan():
			b.Drain()
		}
	}
}
