package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/domus-hq/domus/internal/billing"
	jobmetrics "github.com/domus-hq/domus/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// SubscriptionsMonthlyJob posts the month's subscription charges for every
// chargeable apartment. Re-running it is safe: months already charged are
// skipped.
type SubscriptionsMonthlyJob struct {
	Billing *billing.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSubscriptionsMonthlyJob wires dependencies for the handler.
func NewSubscriptionsMonthlyJob(billingSvc *billing.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *SubscriptionsMonthlyJob {
	return &SubscriptionsMonthlyJob{Billing: billingSvc, Logger: logger, Metrics: metrics}
}

// Handle processes monthly subscription tasks.
func (j *SubscriptionsMonthlyJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Billing == nil {
		return errors.New("subscriptions monthly: handler not configured")
	}
	tracker := j.metrics().Track(TaskSubscriptionsMonthly)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	start := time.Now()
	logger.Info("starting monthly subscription generation")
	if err := j.Billing.GenerateMonthlySubscriptions(ctx); err != nil {
		resultErr = err
		logger.Error("monthly subscription generation", slog.Any("error", err))
		return resultErr
	}
	logger.Info("completed monthly subscription generation", slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *SubscriptionsMonthlyJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSubscriptionsMonthly))
	}
	return slog.Default().With(slog.String("job", TaskSubscriptionsMonthly))
}

func (j *SubscriptionsMonthlyJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
