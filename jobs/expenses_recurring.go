package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/domus-hq/domus/internal/expenses"
	jobmetrics "github.com/domus-hq/domus/internal/jobs"
)

// ExpensesRecurringJob spawns the missing child expenses for every recurring
// parent. Idempotent per (parent, month).
type ExpensesRecurringJob struct {
	Expenses *expenses.Service
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewExpensesRecurringJob wires dependencies for the handler.
func NewExpensesRecurringJob(expensesSvc *expenses.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpensesRecurringJob {
	return &ExpensesRecurringJob{Expenses: expensesSvc, Logger: logger, Metrics: metrics}
}

// Handle processes recurring-expense tasks.
func (j *ExpensesRecurringJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Expenses == nil {
		return errors.New("expenses recurring: handler not configured")
	}
	tracker := j.metrics().Track(TaskExpensesRecurring)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	start := time.Now()
	logger.Info("starting recurring expense generation")
	if err := j.Expenses.ProcessRecurringExpenses(ctx); err != nil {
		resultErr = err
		logger.Error("recurring expense generation", slog.Any("error", err))
		return resultErr
	}
	logger.Info("completed recurring expense generation", slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *ExpensesRecurringJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskExpensesRecurring))
	}
	return slog.Default().With(slog.String("job", TaskExpensesRecurring))
}

func (j *ExpensesRecurringJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
