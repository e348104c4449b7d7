package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/domus-hq/domus/internal/allocation"
	"github.com/domus-hq/domus/internal/ledger"
	"github.com/domus-hq/domus/internal/masterdata"
	"github.com/domus-hq/domus/internal/platform/db"
)

// ApartmentStore is the apartment read surface the generator needs.
type ApartmentStore interface {
	GetApartment(ctx context.Context, q db.DBTX, id uuid.UUID) (masterdata.Apartment, error)
	ListChargeable(ctx context.Context, q db.DBTX) ([]masterdata.Apartment, error)
}

// LedgerStore is the transactional ledger slice the generator posts through.
type LedgerStore interface {
	InsertEntry(ctx context.Context, q db.DBTX, in ledger.EntryInput) (ledger.Entry, error)
	HasChargeForMonth(ctx context.Context, q db.DBTX, apartmentID, sourceApartmentID uuid.UUID, ref ledger.ReferenceType, month time.Time) (bool, error)
	RefreshCachedBalance(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (decimal.Decimal, error)
}

// PeriodLookup resolves the active tenancy on the ledger apartment.
type PeriodLookup interface {
	ActivePeriodID(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (*uuid.UUID, error)
}

// Service generates monthly subscription charges. Each (apartment, month)
// pair transitions not-yet-charged to charged exactly once; re-invocation is
// a no-op thanks to the structural idempotency key on the ledger.
type Service struct {
	q          db.DBTX
	runTx      db.TxRunner
	apartments ApartmentStore
	entries    LedgerStore
	periods    PeriodLookup
	logger     *slog.Logger
	now        func() time.Time
}

// NewService builds Service instance.
func NewService(q db.DBTX, runTx db.TxRunner, apartments ApartmentStore, entries LedgerStore, periods PeriodLookup, logger *slog.Logger) *Service {
	return &Service{
		q:          q,
		runTx:      runTx,
		apartments: apartments,
		entries:    entries,
		periods:    periods,
		logger:     logger,
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

// BackfillSubscriptionsFor runs the backfill in its own transaction.
func (s *Service) BackfillSubscriptionsFor(ctx context.Context, apartmentID uuid.UUID) error {
	return s.runTx(ctx, func(tx pgx.Tx) error {
		return s.BackfillSubscriptions(ctx, tx, apartmentID)
	})
}

// BackfillSubscriptions posts the subscription debit for every month from
// the occupancy start through the current month that has not been charged
// yet. The first month is prorated from the start day; storage/parking
// units route their charge to the parent apartment's ledger. A guarded
// no-op unless the apartment is occupied with an active, positive
// subscription.
func (s *Service) BackfillSubscriptions(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) error {
	apt, err := s.apartments.GetApartment(ctx, q, apartmentID)
	if err != nil {
		return err
	}
	if apt.Status != masterdata.StatusOccupied ||
		apt.SubscriptionStatus != masterdata.SubscriptionActive ||
		!apt.SubscriptionAmount.IsPositive() ||
		apt.OccupancyStart == nil {
		return nil
	}

	ledgerID := apt.LedgerApartmentID()
	periodID, err := s.periods.ActivePeriodID(ctx, q, ledgerID)
	if err != nil {
		return err
	}

	occupancyStart := apt.OccupancyStart.UTC()
	firstMonth := ledger.MonthStart(occupancyStart)
	currentMonth := ledger.MonthStart(s.now())

	posted := 0
	for month := firstMonth; !month.After(currentMonth); month = month.AddDate(0, 1, 0) {
		exists, err := s.entries.HasChargeForMonth(ctx, q, ledgerID, apt.ID, ledger.RefSubscription, month)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		amount := apt.SubscriptionAmount
		if month.Equal(firstMonth) {
			days := allocation.OccupiedDays(occupancyStart, month.Year(), month.Month())
			amount = allocation.Prorate(apt.SubscriptionAmount, month.Year(), month.Month(), days)
		}
		if !amount.IsPositive() {
			continue
		}

		description := fmt.Sprintf("Subscription %s", month.Format("2006-01"))
		if apt.IsChildUnit() {
			description = fmt.Sprintf("%s subscription %s", apt.UnitLabel(), month.Format("2006-01"))
		}

		chargeMonth := month
		if _, err := s.entries.InsertEntry(ctx, q, ledger.EntryInput{
			ApartmentID:       ledgerID,
			SourceApartmentID: apt.ID,
			Type:              ledger.EntryDebit,
			Amount:            amount,
			ReferenceType:     ledger.RefSubscription,
			Description:       description,
			PeriodID:          periodID,
			ChargeMonth:       &chargeMonth,
		}); err != nil {
			return err
		}
		posted++
	}

	if posted == 0 {
		return nil
	}
	_, err = s.entries.RefreshCachedBalance(ctx, q, ledgerID)
	return err
}

// GenerateMonthlySubscriptions backfills every chargeable apartment, each in
// its own transaction. One apartment failing is logged with its context and
// never aborts the rest of the batch.
func (s *Service) GenerateMonthlySubscriptions(ctx context.Context) error {
	apartments, err := s.apartments.ListChargeable(ctx, s.q)
	if err != nil {
		return err
	}
	failures := 0
	for _, apt := range apartments {
		if err := s.BackfillSubscriptionsFor(ctx, apt.ID); err != nil {
			failures++
			s.logger.Error("subscription backfill failed",
				slog.String("apartment_id", apt.ID.String()),
				slog.String("month", ledger.MonthStart(s.now()).Format("2006-01")),
				slog.Any("error", err))
		}
	}
	s.logger.Info("monthly subscription run complete",
		slog.Int("apartments", len(apartments)),
		slog.Int("failures", failures))
	return nil
}
