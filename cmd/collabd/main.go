// collabd serves the real-time collaboration WebSocket endpoint.
//
// Usage: collabd -config configs/collabd.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/collabhub/internal/archive"
	"github.com/rickgao/collabhub/internal/auth"
	"github.com/rickgao/collabhub/internal/broadcast"
	"github.com/rickgao/collabhub/internal/config"
	"github.com/rickgao/collabhub/internal/connection"
	"github.com/rickgao/collabhub/internal/database"
	"github.com/rickgao/collabhub/internal/metrics"
	"github.com/rickgao/collabhub/internal/notification"
	"github.com/rickgao/collabhub/internal/notifier"
	"github.com/rickgao/collabhub/internal/presence"
	"github.com/rickgao/collabhub/internal/router"
	"github.com/rickgao/collabhub/internal/server"
	"github.com/rickgao/collabhub/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (empty reads the environment only)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting collabd", append(version.LogAttrs(), "config", *configPath)...)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("collabd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("collabd stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	clk := clockwork.NewRealClock()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	// Notification store
	var (
		notes notification.Store
		pool  *pgxpool.Pool
	)
	if cfg.Database.Enabled() {
		logger.Info("connecting to database", "host", cfg.Database.Host, "database", cfg.Database.Name)
		var err error
		pool, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()

		pg := notification.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		notes = pg
		logger.Info("database connected")
	} else {
		logger.Info("no database configured, notifications are kept in memory")
		notes = notification.NewMemoryStore(clk)
	}

	verifier, err := newVerifier(cfg.Auth, clk)
	if err != nil {
		return err
	}

	// Core components
	registry := connection.NewRegistry(connection.RegistryConfig{
		HeartbeatInterval: cfg.Connections.HeartbeatInterval,
		Timeout:           cfg.Connections.Timeout,
		MaxConnections:    cfg.Server.MaxConnections,
	}, clk, logger)

	bc := broadcast.New(broadcast.Config{
		DrainInterval:   cfg.Broadcast.DrainInterval,
		DrainBatch:      cfg.Broadcast.DrainBatch,
		DefaultTTL:      cfg.Broadcast.DefaultTTL,
		MaxStoredEvents: cfg.Broadcast.MaxStoredEvents,
		MaxPending:      cfg.Broadcast.MaxPending,
	}, registry, clk, logger, broadcast.WithMetrics(m))

	tracker := presence.New(presence.Config{
		TypingIdle:            cfg.Presence.TypingIdle,
		TypingSweepInterval:   cfg.Presence.TypingSweep,
		AwayAfter:             cfg.Presence.AwayAfter,
		OfflineAfter:          cfg.Presence.OfflineAfter,
		PresenceSweepInterval: cfg.Presence.PresenceSweep,
		FeedCap:               cfg.Presence.ActivityFeedCap,
		FeedMaxAge:            cfg.Presence.ActivityMaxAge,
		ActivitySweepInterval: cfg.Presence.ActivitySweep,
	}, bc, registry, clk, logger)

	rtr := router.New(logger, m)
	if err := router.RegisterHandlers(rtr, router.Deps{
		Registry:      registry,
		Publisher:     bc,
		Presence:      tracker,
		Authorizer:    auth.NewRoleAuthorizer(cfg.Auth.AdminRoles, nil),
		Notifications: notes,
		Clock:         clk,
	}); err != nil {
		return err
	}

	registry.Connected.On(func(*connection.Connection) {
		m.ConnectionOpened()
	})
	registry.Disconnected.On(func(d connection.Disconnect) {
		m.ConnectionClosed(d.Reason)
		if d.LastForUser {
			userID := d.Conn.User().ID
			tracker.SetUserOffline(userID)
			tracker.ClearUserTyping(userID)
		}
	})
	m.WatchConnections(func() float64 { return float64(registry.Len()) })

	push := notifier.New(notifier.Config{
		Interval:    cfg.Notifier.PollInterval,
		Concurrency: cfg.Notifier.Concurrency,
		Timeout:     cfg.Notifier.Timeout,
	}, notes, registry, clk, logger, m)

	var activity *archive.Writer
	if pool != nil {
		activity = archive.NewWriter(archive.Config{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
			BufferLimit:   cfg.Archive.BufferLimit,
		}, pool, clk, logger, m)
		if err := activity.EnsureSchema(ctx); err != nil {
			return err
		}
		tracker.ActivityRecorded.On(activity.Record)
	}

	// HTTP surface
	srvCfg := server.DefaultConfig()
	srvCfg.MaxMessageBytes = cfg.Server.MaxMessageBytes
	srvCfg.MaxMessagesPerSecond = cfg.Server.MaxMessagesPerSecond
	srvCfg.MaxRateViolations = cfg.Server.MaxRateViolations
	srvCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	srvCfg.WriteTimeout = cfg.Connections.WriteTimeout
	srvCfg.HeartbeatInterval = cfg.Connections.HeartbeatInterval
	srvCfg.Conn = connection.Config{
		FlushInterval: cfg.Connections.FlushInterval,
		FlushBatch:    cfg.Connections.FlushBatch,
		MaxQueue:      cfg.Connections.MaxQueue,
	}

	ws := server.NewHandler(srvCfg, server.Deps{
		Registry:      registry,
		Verifier:      verifier,
		Router:        rtr,
		Events:        bc,
		Notifications: notes,
		Presence:      tracker,
		Metrics:       m,
		Clock:         clk,
		Logger:        logger,
	})

	health := server.NewHealth()
	health.Add("registry", true, func(context.Context) (any, error) {
		return registry.Stats(), nil
	})
	health.Add("broadcaster", false, func(context.Context) (any, error) {
		st := bc.Stats()
		if cfg.Broadcast.MaxPending > 0 && st.Pending >= cfg.Broadcast.MaxPending {
			return nil, fmt.Errorf("delivery backlog full (%d pending)", st.Pending)
		}
		return st, nil
	})
	if pool != nil {
		health.Add("database", true, func(ctx context.Context) (any, error) {
			if err := pool.Ping(ctx); err != nil {
				return nil, err
			}
			return "connected", nil
		})
	}

	metricsPath := ""
	if cfg.Metrics.IsEnabled() {
		metricsPath = cfg.Metrics.Path
	}

	httpServer := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: server.Routes(server.RoutesConfig{
			WSPath:      cfg.Server.Path,
			WS:          ws,
			Health:      health,
			MetricsPath: metricsPath,
			Gatherer:    promReg,
			Stats: func() any {
				stats := map[string]any{
					"registry":    registry.Stats(),
					"broadcaster": bc.Stats(),
					"presence":    tracker.Stats(),
					"router":      rtr.Stats(),
					"notifier":    push.Stats(),
				}
				if activity != nil {
					stats["archive"] = activity.Stats()
				}
				return stats
			},
		}),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	// Lifecycle
	if err := registry.Start(ctx); err != nil {
		return err
	}
	if err := bc.Start(ctx); err != nil {
		return err
	}
	if err := tracker.Start(ctx); err != nil {
		return err
	}
	if err := push.Start(ctx); err != nil {
		return err
	}
	if activity != nil {
		if err := activity.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Addr, "ws_path", cfg.Server.Path, "metrics_path", metricsPath)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		registry.CloseAll(connection.CloseGoingAway, server.ReasonShutdown)
		err := httpServer.Shutdown(shutdownCtx)

		push.Stop(shutdownCtx)
		tracker.Stop(shutdownCtx)
		if activity != nil {
			activity.Stop(shutdownCtx)
		}
		bc.Stop(shutdownCtx)
		registry.Stop(shutdownCtx)
		return err
	})

	return g.Wait()
}

func newVerifier(cfg config.AuthConfig, clk clockwork.Clock) (*auth.JWTVerifier, error) {
	vc := auth.VerifierConfig{
		Secret: cfg.JWTSecret,
		Issuer: cfg.Issuer,
		Leeway: cfg.Leeway,
	}
	if cfg.PublicKeyPath != "" {
		key, err := auth.LoadPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		vc.PublicKey = key
	}
	return auth.NewJWTVerifier(vc, clk)
}
