package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/collabhub/internal/connection"
	"github.com/rickgao/collabhub/internal/metrics"
	"github.com/rickgao/collabhub/internal/model"
	"github.com/rickgao/collabhub/internal/notification"
	"github.com/rickgao/collabhub/internal/router"
)

// Deps are the collaborators of a Handler. Presence, Events and
// Notifications may be nil.
type Deps struct {
	Registry      *connection.Registry
	Verifier      Verifier
	Router        Dispatcher
	Events        EventSource
	Notifications NotificationSource
	Presence      ActivityToucher
	Metrics       *metrics.Metrics
	Clock         clockwork.Clock
	Logger        *slog.Logger
}

// Handler upgrades authenticated requests to WebSocket connections.
type Handler struct {
	cfg      Config
	deps     Deps
	clock    clockwork.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	h := &Handler{
		cfg:    cfg,
		deps:   deps,
		clock:  deps.Clock,
		logger: deps.Logger.With("component", "server"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin allows requests without an Origin header, the configured
// origins, or any origin when the list holds "*". With no list configured
// it falls back to a same-host check.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.cfg.AllowedOrigins) == 0 {
		return strings.HasSuffix(origin, "://"+r.Host)
	}
	return slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// tokenFrom reads the token from ?token= or an Authorization bearer header.
func tokenFrom(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(tok)
	}
	return ""
}

// ServeHTTP performs the handshake and blocks in the read loop until the
// client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.deps.Verifier.Verify(r.Context(), tokenFrom(r))
	if err != nil {
		h.deps.Metrics.HandshakeRejected("auth")
		h.logger.Debug("handshake rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	if !h.deps.Registry.HasCapacity() {
		h.deps.Metrics.HandshakeRejected("capacity")
		h.logger.Warn("handshake rejected at capacity", "user_id", user.ID)
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.deps.Metrics.HandshakeRejected("upgrade")
		h.logger.Debug("upgrade failed", "user_id", user.ID, "error", err)
		return
	}
	if h.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	conn := connection.New(user, connection.NewWSTransport(ws, h.cfg.WriteTimeout), h.cfg.Conn, h.clock, h.deps.Logger)
	if err := h.deps.Registry.Add(conn); err != nil {
		// Lost a race for the last slot.
		h.deps.Metrics.HandshakeRejected("capacity")
		conn.Close(connection.CloseTryAgainLater, "server at capacity")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go conn.Run(ctx)

	h.greet(ctx, conn, r)

	reason := h.readLoop(ctx, ws, conn)

	conn.Close(connection.CloseNormal, reason)
	h.deps.Registry.Remove(conn.ID(), reason)
}

// greet sends connection.established, then stored events since ?since= and
// unread notifications.
func (h *Handler) greet(ctx context.Context, conn *connection.Connection, r *http.Request) {
	user := conn.User()

	var events []model.BroadcastEvent
	if since, ok := sinceFrom(r); ok && h.deps.Events != nil {
		events = h.deps.Events.StoredEvents(user, since, nil)
	}

	var notes []model.Notification
	if h.deps.Notifications != nil {
		var err error
		notes, err = h.deps.Notifications.GetUserNotifications(ctx, user.ID, true)
		if err != nil {
			h.deps.Metrics.RecordError("server", "notifications")
			h.logger.Warn("load notifications", "user_id", user.ID, "error", err)
		}
	}

	err := conn.SendEnvelope(connection.Envelope{
		Type:  connection.TypeSystem,
		Event: "connection.established",
		Data: Welcome{
			ConnectionID:      conn.ID(),
			User:              user,
			ServerTime:        h.clock.Now().UnixMilli(),
			HeartbeatInterval: h.cfg.HeartbeatInterval.Milliseconds(),
			Replayed:          len(events),
			Notifications:     len(notes),
		},
	}, model.PriorityHigh)
	if err != nil {
		return
	}

	for _, evt := range events {
		conn.SendEnvelope(connection.Envelope{
			Type:      connection.TypeEvent,
			Event:     evt.Event,
			Data:      evt.Data,
			Timestamp: evt.Timestamp.UnixMilli(),
			MessageID: evt.ID,
		}, model.PriorityNormal)
	}
	for _, n := range notes {
		conn.SendEnvelope(notification.Envelope(n), model.PriorityNormal)
	}

	h.logger.Debug("client greeted",
		"conn_id", conn.ID(),
		"user_id", user.ID,
		"replayed", len(events),
		"notifications", len(notes),
	)
}

func sinceFrom(r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// readLoop dispatches inbound frames until the socket fails. Returns the
// disconnect reason.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *connection.Connection) string {
	user := conn.User()
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return nil
	})

	windowStart := h.clock.Now()
	framesInWindow := 0
	violations := 0

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return ReasonClientClosed
			}
			if !conn.IsAlive() {
				// Closed from our side (reaper or shutdown).
				return ReasonShutdown
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				h.deps.Metrics.RecordError("server", "read_limit")
			}
			h.logger.Debug("read failed", "conn_id", conn.ID(), "error", err)
			return ReasonReadError
		}

		conn.Touch()
		if h.deps.Presence != nil {
			h.deps.Presence.Touch(user.ID)
		}

		if limit := h.cfg.MaxMessagesPerSecond; limit > 0 {
			now := h.clock.Now()
			if now.Sub(windowStart) >= time.Second {
				windowStart = now
				framesInWindow = 0
			}
			framesInWindow++
			if framesInWindow > limit {
				violations++
				h.deps.Metrics.RecordError("server", router.CodeRateLimited)
				conn.SendEnvelope(connection.Envelope{
					Type:  connection.TypeError,
					Event: "error",
					Data: router.ErrorPayload{
						Code:    router.CodeRateLimited,
						Message: "rate limit exceeded",
					},
				}, model.PriorityHigh)

				if maxViolations := h.cfg.MaxRateViolations; maxViolations > 0 && violations >= maxViolations {
					h.logger.Info("closing rate limited connection", "conn_id", conn.ID(), "user_id", user.ID)
					conn.Close(connection.ClosePolicyViolation, "rate limit exceeded")
					return ReasonRateLimited
				}
				continue
			}
		}

		h.deps.Router.HandleMessage(ctx, conn, data)
	}
}
