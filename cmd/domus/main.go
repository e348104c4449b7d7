package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/domus-hq/domus/internal/app"
	"github.com/domus-hq/domus/internal/ledger"
	"github.com/domus-hq/domus/internal/observability"
	"github.com/domus-hq/domus/internal/occupancy"
	"github.com/domus-hq/domus/internal/platform/cache"
	"github.com/domus-hq/domus/internal/platform/db"
	"github.com/domus-hq/domus/internal/reconcile"
	"github.com/domus-hq/domus/internal/shared"
	"github.com/domus-hq/domus/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	runTx := db.RunnerFor(pool)

	ledgerStore := ledger.NewStore()
	periodStore := occupancy.NewStore()
	auditLogger := shared.NewAuditLogger(pool)

	ledgerService := ledger.NewService(pool, runTx, ledgerStore, periodStore, auditLogger)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	reconStore := reconcile.NewStore()
	reconCache := reconcile.NewCache(redisClient, cfg.ReconCacheTTL)
	reconService := reconcile.NewService(pool, reconStore, reconCache, cfg.ReconEpsilonDecimal(), logger)
	reconHandler := reconcile.NewHandler(logger, reconService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	metrics := observability.NewMetrics()

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		Pool:          pool,
		Metrics:       metrics,
		LedgerHandler: ledgerHandler,
		ReconHandler:  reconHandler,
		JobHandler:    jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
