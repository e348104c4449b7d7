package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/domus-hq/domus/internal/platform/db"
)

// DriftStore is the drift-scan persistence surface.
type DriftStore interface {
	FindDrift(ctx context.Context, q db.DBTX, epsilon decimal.Decimal) ([]Drift, error)
	CountApartments(ctx context.Context, q db.DBTX) (int, error)
}

// Report is one reconciliation pass over the whole portfolio.
type Report struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Epsilon     decimal.Decimal `json:"epsilon"`
	Checked     int             `json:"checked"`
	Drift       []Drift         `json:"drift"`
}

// Clean reports whether every cached balance matched its ledger sum.
func (r Report) Clean() bool {
	return len(r.Drift) == 0
}

// Service surfaces cached-balance drift. It only ever reads; a mismatch is
// evidence of a logic bug somewhere, and auto-correcting would bury it.
type Service struct {
	q       db.DBTX
	store   DriftStore
	cache   *Cache
	group   singleflight.Group
	epsilon decimal.Decimal
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds Service instance.
func NewService(q db.DBTX, store DriftStore, cache *Cache, epsilon decimal.Decimal, logger *slog.Logger) *Service {
	if epsilon.IsZero() {
		epsilon = decimal.NewFromFloat(0.005)
	}
	return &Service{
		q:       q,
		store:   store,
		cache:   cache,
		epsilon: epsilon,
		logger:  logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// GetReconciliation returns the current drift report, served from cache when
// fresh. Concurrent cache misses collapse into one database scan.
func (s *Service) GetReconciliation(ctx context.Context) (Report, error) {
	key, err := s.cache.BuildKey(ctx, "recon", "drift")
	if err != nil {
		return Report{}, err
	}
	result, err, _ := s.group.Do(key, func() (interface{}, error) {
		var report Report
		err := s.cache.FetchJSON(ctx, key, &report, func(ctx context.Context) (interface{}, error) {
			return s.buildReport(ctx)
		})
		return report, err
	})
	if err != nil {
		return Report{}, err
	}
	return result.(Report), nil
}

// Scan runs an uncached drift pass and logs every mismatch, the shape the
// nightly job wants.
func (s *Service) Scan(ctx context.Context) (Report, error) {
	report, err := s.buildReport(ctx)
	if err != nil {
		return Report{}, err
	}
	for _, d := range report.Drift {
		s.logger.Warn("balance drift detected",
			slog.String("apartment_id", d.ApartmentID.String()),
			slog.String("cached", d.CachedBalance.StringFixed(2)),
			slog.String("ledger", d.LedgerBalance.StringFixed(2)))
	}
	s.logger.Info("reconciliation scan complete",
		slog.Int("checked", report.Checked),
		slog.Int("drift", len(report.Drift)))
	return report, nil
}

// InvalidateCache drops every cached report, called after bulk postings.
func (s *Service) InvalidateCache(ctx context.Context) error {
	return s.cache.Bump(ctx)
}

func (s *Service) buildReport(ctx context.Context) (Report, error) {
	drift, err := s.store.FindDrift(ctx, s.q, s.epsilon)
	if err != nil {
		return Report{}, err
	}
	checked, err := s.store.CountApartments(ctx, s.q)
	if err != nil {
		return Report{}, err
	}
	return Report{
		GeneratedAt: s.now(),
		Epsilon:     s.epsilon,
		Checked:     checked,
		Drift:       drift,
	}, nil
}
