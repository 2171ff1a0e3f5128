package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/calyx-ai/switchboard/internal/analytics"
	"github.com/calyx-ai/switchboard/internal/config"
	"github.com/calyx-ai/switchboard/internal/gateway"
	"github.com/calyx-ai/switchboard/internal/metrics"
	"github.com/calyx-ai/switchboard/internal/platform/logger"
	"github.com/calyx-ai/switchboard/internal/platform/otel"
	"github.com/calyx-ai/switchboard/internal/retry"
	"github.com/calyx-ai/switchboard/internal/server"
	"github.com/calyx-ai/switchboard/internal/store/cache"
	"github.com/calyx-ai/switchboard/internal/store/sqlite"

	// Import drivers to trigger init() registration
	_ "github.com/calyx-ai/switchboard/internal/provider/cliproc"
	_ "github.com/calyx-ai/switchboard/internal/provider/httpapi"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger.Initialize(logger.DefaultConfig())
	log := logger.Get()
	defer func() { _ = log.Sync() }()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := otel.InitTracer("switchboard", log, os.Stdout)
	if err != nil {
		log.Fatal("Failed to initialize tracer", zap.Error(err))
	}

	repo, err := sqlite.NewSQLiteStorage(cfg.Store.DSN)
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}

	var cacheSvc cache.CacheService
	if cfg.Redis.Enabled {
		cacheSvc, err = cache.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("Redis unreachable, falling back to in-memory cache", zap.Error(err))
			cacheSvc = cache.NewMemoryCache()
		}
	} else {
		cacheSvc = cache.NewMemoryCache()
	}

	// lifecycle is owned by Stop below, not the signal context, so entries
	// recorded during drain still get flushed
	ingestor := analytics.NewIngestor(log, repo)
	ingestor.Start(context.Background())

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	manager := gateway.NewManager(log, cfg.Pool, cfg.Routing,
		gateway.WithMetrics(m),
		gateway.WithIngestor(ingestor),
	)
	gateway.BootstrapProviders(ctx, manager, cfg.Providers, log)

	executor := retry.NewExecutor(retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
	}, log)

	routerService := gateway.NewService(log, manager, executor, ingestor, m)
	analyticsService := analytics.NewService(repo, cacheSvc)

	var scheduler *cron.Cron
	if cfg.Health.ProbeSchedule != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(cfg.Health.ProbeSchedule, func() {
			manager.ProbeAll(ctx)
		}); err != nil {
			log.Fatal("Invalid health probe schedule",
				zap.String("schedule", cfg.Health.ProbeSchedule),
				zap.Error(err),
			)
		}
		scheduler.Start()
	}

	srv := server.New(cfg, log, routerService, manager, analyticsService, repo, registry)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Starting switchboard", zap.String("port", cfg.Server.Port), zap.String("env", cfg.Server.Env))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	stop()
	log.Info("Shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", zap.Error(err))
	}
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	manager.Close()
	ingestor.Stop()
	if err := cacheSvc.Close(); err != nil {
		log.Error("Cache close failed", zap.Error(err))
	}
	if err := repo.Close(); err != nil {
		log.Error("Storage close failed", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error("Tracer shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
