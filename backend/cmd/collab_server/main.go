package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/config"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/broadcast"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/cache"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/collab"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/httpapi"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/httpapi/handlers"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/httpapi/middleware"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/presence"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/store"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("init config failed", "err", err)
		os.Exit(1)
	}
	log := newLogger(cfg.Running.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("collab server stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lv}))
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// a single address gives a plain client, several a cluster client
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		return err
	}

	var (
		activity       presence.ActivityLog
		activityReader handlers.ActivityReader
	)
	if cfg.Database.ActivityDSN != "" {
		gdb, err := store.OpenActivityDB(cfg.Database.ActivityDSN)
		if err != nil {
			return err
		}
		repo := store.NewActivityRepo(gdb)
		activity, activityReader = repo, repo
	}

	var events collab.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer needs Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		dispatcher := broadcast.NewDispatcher(producer, cfg.Kafka.Topic, broadcast.NewSemaphore(0),
			log.With("component", "kafka"),
			broadcast.DispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
		// closed before the producer: queued events drain first
		defer dispatcher.Close()
		events = dispatcher
	} else {
		log.Warn("kafka disabled, graph events are not exported")
	}

	bus := broadcast.NewAdapter(rdb, log.With("component", "broadcast"))

	tracker := presence.NewTracker(presence.Deps{
		Store:    store.NewPresenceStore(db),
		Cache:    cache.NewRedisPresence(rdb),
		Bus:      bus,
		Users:    store.NewUserStore(db),
		Activity: activity,
		Log:      log,
	}, presence.Options{
		IdleAfter:     cfg.Presence.IdleAfter,
		OfflineAfter:  cfg.Presence.OfflineAfter,
		CacheTTL:      cfg.Presence.CacheTTL,
		SweepInterval: cfg.Presence.SweepInterval,
	})

	coord := collab.NewCoordinator(collab.Deps{
		Ops:      store.NewOperationStore(db),
		Locks:    store.NewLockStore(db),
		Sessions: store.NewSessionStore(db),
		Bus:      bus,
		Events:   events,
		Activity: activity,
		Log:      log,
	}, collab.Options{
		LockTTL:           cfg.Collab.LockTTL,
		LockSweepInterval: cfg.Collab.LockSweepInterval,
		LogCapacity:       cfg.Collab.LogCapacity,
		RecentOps:         cfg.Collab.RecentOps,
		GraphIdleAfter:    cfg.Collab.GraphIdleAfter,
	})

	hub := ws.NewHub(bus, log)
	defer hub.Close()
	manager := ws.NewManager(ws.ManagerDeps{
		Hub:            hub,
		Presence:       tracker,
		Collab:         coord,
		Sem:            broadcast.NewSemaphore(cfg.Collab.MaxInflight),
		Log:            log,
		AllowedOrigins: cfg.CORS.WSOrigins,
	})

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.RouterDeps{
		Graphs:    handlers.NewGraphHandler(tracker, coord, activityReader),
		WebSocket: manager.WebSocketConnect,
		Auth: middleware.AuthConfig{
			JWTSecret:     cfg.Auth.JWTSecret,
			VerifyBaseURL: cfg.Auth.Path,
			Log:           log,
		},
		AllowOrigins: cfg.CORS.AllowOrigins,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tracker.Run(gctx) })
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error {
		log.Info("collab server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
