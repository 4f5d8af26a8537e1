package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/eventsourcing-pg/internal/api"
	"github.com/notifyhub/eventsourcing-pg/internal/config"
	"github.com/notifyhub/eventsourcing-pg/internal/db"
	"github.com/notifyhub/eventsourcing-pg/internal/eventstore"
	"github.com/notifyhub/eventsourcing-pg/internal/metrics"
	"github.com/notifyhub/eventsourcing-pg/internal/provider"
	"github.com/notifyhub/eventsourcing-pg/internal/ratelimiter"
	"github.com/notifyhub/eventsourcing-pg/internal/service"
	"github.com/notifyhub/eventsourcing-pg/internal/tracker"
	"github.com/notifyhub/eventsourcing-pg/internal/waiter"
	"github.com/notifyhub/eventsourcing-pg/internal/worker"
)

func main() {
	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger, _ := zap.NewProduction()
	if cfg.LogDevelopment {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync() //nolint:errcheck

	// ---- database ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if cfg.RunMigrations {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
		logger.Info("database migrations applied")
	}

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := eventstore.NewPgStore(pool, cfg.NotifyChannel)
	limiter := ratelimiter.New(cfg.FetchRateLimit)

	trackerOpts := tracker.Options{
		Table:             cfg.TrackerTable,
		DisableAutoCreate: !cfg.AutoCreateTracker,
	}

	// Operator view: never locks, so it can read and reset any processor.
	opsOpts := trackerOpts
	opsOpts.SkipProcessorLock = true
	opsTracker, err := tracker.New(pool, opsOpts, logger, m.TrackerHooks())
	if err != nil {
		logger.Fatal("invalid tracker options", zap.Error(err))
	}
	if err := opsTracker.Setup(ctx, ""); err != nil {
		logger.Fatal("tracker table unavailable", zap.Error(err))
	}
	svc := service.NewProcessorService(opsTracker, store, logger)

	// One waiter serves every processor; each Poll owns its own listener.
	w := waiter.New(waiter.NewPgListener(pool), waiter.Config{
		Channel:          cfg.NotifyChannel,
		CallbackInterval: cfg.CallbackInterval,
		PollInterval:     cfg.PollInterval,
		Coalesce:         cfg.CoalesceNotifications,
	}, logger, m.WaiterHooks())

	var deliver provider.Provider
	if cfg.WebhookURL != "" {
		deliver = provider.NewWebhookProvider(cfg.WebhookURL, cfg.WebhookTimeout)
	}

	// ---- processor workers ----
	// Context for all background goroutines; cancelled on shutdown signal.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	onProcessed, onFailed, onLag := m.WorkerHooks()
	workers := make([]*worker.Worker, 0, len(cfg.Processors))
	for _, name := range cfg.Processors {
		tr, err := tracker.Open(ctx, pool, trackerOpts, logger, m.TrackerHooks())
		if err != nil {
			logger.Fatal("failed to open tracker", zap.String("processor", name), zap.Error(err))
		}

		apply := worker.LogApply(logger.With(zap.String("processor", name)))
		if deliver != nil {
			apply = worker.DeliverApply(deliver, name)
		}

		workers = append(workers, worker.NewWorker(
			name, tr, w, store, limiter, apply,
			cfg.FetchBatchSize, cfg.LockRetryBackoff, logger,
			onProcessed, onFailed,
		))
	}

	workerPool := worker.NewPool(workers, logger)
	workerPool.Start(workerCtx)

	lagW := worker.NewLagWorker(opsTracker, store, cfg.LagInterval, onLag, logger)
	go lagW.Run(workerCtx)

	// ---- HTTP server ----
	router := api.NewRouter(svc, pool, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.Strings("processors", cfg.Processors),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Signal all processors to stop; each finishes its current event.
	cancelWorkers()

	// 3. Wait for workers to release their locks and connections.
	workerPool.Wait()

	logger.Info("server stopped cleanly")
}
