package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/domus-hq/domus/internal/app"
	"github.com/domus-hq/domus/internal/billing"
	"github.com/domus-hq/domus/internal/expenses"
	jobmetrics "github.com/domus-hq/domus/internal/jobs"
	"github.com/domus-hq/domus/internal/ledger"
	"github.com/domus-hq/domus/internal/masterdata"
	"github.com/domus-hq/domus/internal/occupancy"
	"github.com/domus-hq/domus/internal/platform/cache"
	"github.com/domus-hq/domus/internal/platform/db"
	"github.com/domus-hq/domus/internal/reconcile"
	"github.com/domus-hq/domus/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
		logger.Error("connect database", slog.Any("error", err))
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

	apartmentStore := masterdata.NewStore()
	ledgerStore := ledger.NewStore()
	periodStore := occupancy.NewStore()
	expenseStore := expenses.NewStore()

	billingService := billing.NewService(pool, runTx, apartmentStore, ledgerStore, periodStore, logger)
	expenseService := expenses.NewService(pool, runTx, expenseStore, apartmentStore, ledgerStore, periodStore, logger)

	reconStore := reconcile.NewStore()
	reconCache := reconcile.NewCache(redisClient, cfg.ReconCacheTTL)
	reconService := reconcile.NewService(pool, reconStore, reconCache, cfg.ReconEpsilonDecimal(), logger)

	metrics := jobmetrics.NewMetrics(nil)

	subscriptionsJob := jobs.NewSubscriptionsMonthlyJob(billingService, logger, metrics)
	recurringJob := jobs.NewExpensesRecurringJob(expenseService, logger, metrics)
	reconcileJob := jobs.NewReconcileScanJob(reconService, logger, metrics)
	debtJob := jobs.NewDebtScanJob(pool, cfg.DebtThresholdDecimal(), logger, metrics)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSubscriptionsMonthly, Handler: subscriptionsJob.Handle},
			{Type: jobs.TaskExpensesRecurring, Handler: recurringJob.Handle},
			{Type: jobs.TaskReconcileScan, Handler: reconcileJob.Handle},
			{Type: jobs.TaskDebtScan, Handler: debtJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 0 1 * *", Task: jobs.NewSubscriptionsMonthlyTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 0 1 * *", Task: jobs.NewExpensesRecurringTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: jobs.NewReconcileScanTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 4 * * *", Task: jobs.NewDebtScanTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
