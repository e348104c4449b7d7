package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/domus-hq/domus/internal/jobs"
	"github.com/domus-hq/domus/internal/reconcile"
)

// ReconcileScanJob runs the nightly drift pass over every apartment. Drift
// is reported, never corrected: a mismatch means a posting path skipped its
// cache refresh, and fixing the symptom would hide the bug.
type ReconcileScanJob struct {
	Recon   *reconcile.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReconcileScanJob wires dependencies for the handler.
func NewReconcileScanJob(reconSvc *reconcile.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileScanJob {
	return &ReconcileScanJob{Recon: reconSvc, Logger: logger, Metrics: metrics}
}

// Handle processes reconciliation scan tasks.
func (j *ReconcileScanJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Recon == nil {
		return errors.New("reconcile scan: handler not configured")
	}
	tracker := j.metrics().Track(TaskReconcileScan)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	start := time.Now()
	report, err := j.Recon.Scan(ctx)
	if err != nil {
		resultErr = err
		logger.Error("reconciliation scan", slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddDrift(len(report.Drift))
	logger.Info("completed reconciliation scan",
		slog.Int("checked", report.Checked),
		slog.Int("drift", len(report.Drift)),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *ReconcileScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReconcileScan))
	}
	return slog.Default().With(slog.String("job", TaskReconcileScan))
}

func (j *ReconcileScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
