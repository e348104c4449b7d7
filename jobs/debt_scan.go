package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/domus-hq/domus/internal/jobs"
)

// DebtScanJob reads cached balances daily and flags apartments whose debt
// crossed the collection threshold. It only reads: escalation decisions are
// made by operators off these logs, and the cached balance is exactly what
// the ledger already derived.
type DebtScanJob struct {
	Pool      *pgxpool.Pool
	Threshold decimal.Decimal
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewDebtScanJob wires dependencies for the handler.
func NewDebtScanJob(pool *pgxpool.Pool, threshold decimal.Decimal, logger *slog.Logger, metrics *jobmetrics.Metrics) *DebtScanJob {
	return &DebtScanJob{Pool: pool, Threshold: threshold, Logger: logger, Metrics: metrics}
}

type debtor struct {
	apartmentID string
	buildingID  string
	number      string
	debt        decimal.Decimal
	monthly     decimal.Decimal
}

// Handle processes debt scan tasks.
func (j *DebtScanJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Pool == nil {
		return errors.New("debt scan: handler not configured")
	}
	tracker := j.metrics().Track(TaskDebtScan)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	start := time.Now()

	debtors, err := j.fetchDebtors(ctx)
	if err != nil {
		resultErr = err
		logger.Error("load debtors", slog.Any("error", err))
		return resultErr
	}

	for _, d := range debtors {
		logger.Warn("apartment over debt threshold",
			slog.String("apartment_id", d.apartmentID),
			slog.String("building_id", d.buildingID),
			slog.String("apartment", d.number),
			slog.String("debt", d.debt.StringFixed(2)),
			slog.String("stage", j.stage(d)))
	}

	logger.Info("completed debt scan",
		slog.Int("debtors", len(debtors)),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *DebtScanJob) fetchDebtors(ctx context.Context) ([]debtor, error) {
	rows, err := j.Pool.Query(ctx, `SELECT id, building_id, number, cached_balance, subscription_amount
FROM apartments WHERE cached_balance < $1 ORDER BY cached_balance, id`, j.Threshold.Neg())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []debtor
	for rows.Next() {
		var id, buildingID, number string
		var balance, monthly decimal.Decimal
		if err := rows.Scan(&id, &buildingID, &number, &balance, &monthly); err != nil {
			return nil, err
		}
		out = append(out, debtor{
			apartmentID: id,
			buildingID:  buildingID,
			number:      number,
			debt:        balance.Neg(),
			monthly:     monthly,
		})
	}
	return out, rows.Err()
}

// stage buckets the debtor by how many monthly subscriptions the debt
// covers: one unpaid month is a reminder, three a formal notice, six goes to
// collections.
func (j *DebtScanJob) stage(d debtor) string {
	if !d.monthly.IsPositive() {
		return "REVIEW"
	}
	months := d.debt.Div(d.monthly)
	switch {
	case months.GreaterThanOrEqual(decimal.NewFromInt(6)):
		return "COLLECTIONS"
	case months.GreaterThanOrEqual(decimal.NewFromInt(3)):
		return "NOTICE"
	default:
		return "REMINDER"
	}
}

func (j *DebtScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDebtScan))
	}
	return slog.Default().With(slog.String("job", TaskDebtScan))
}

func (j *DebtScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
