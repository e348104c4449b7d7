package occupancy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/domus-hq/domus/internal/allocation"
	"github.com/domus-hq/domus/internal/ledger"
	"github.com/domus-hq/domus/internal/masterdata"
	"github.com/domus-hq/domus/internal/platform/db"
)

// ApartmentStore is the apartment persistence the lifecycle needs.
type ApartmentStore interface {
	GetApartmentForUpdate(ctx context.Context, q db.DBTX, id uuid.UUID) (masterdata.Apartment, error)
	ListChildren(ctx context.Context, q db.DBTX, parentID uuid.UUID) ([]masterdata.Apartment, error)
	SetOccupied(ctx context.Context, q db.DBTX, id uuid.UUID, start time.Time) error
	SetVacant(ctx context.Context, q db.DBTX, id uuid.UUID) error
}

// PeriodStore is the tenancy persistence surface.
type PeriodStore interface {
	GetActivePeriod(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (*Period, error)
	InsertPeriod(ctx context.Context, q db.DBTX, in PeriodInput) (Period, error)
	ClosePeriod(ctx context.Context, q db.DBTX, periodID uuid.UUID, endDate time.Time, closingBalance decimal.Decimal) error
}

// LedgerStore is the slice of the ledger the lifecycle posts through.
type LedgerStore interface {
	InsertEntry(ctx context.Context, q db.DBTX, in ledger.EntryInput) (ledger.Entry, error)
	SumBalance(ctx context.Context, q db.DBTX, apartmentID uuid.UUID, periodID *uuid.UUID) (decimal.Decimal, error)
	RefreshCachedBalance(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (decimal.Decimal, error)
}

// SubscriptionBackfiller posts missing subscription charges inside the
// caller's unit of work.
type SubscriptionBackfiller interface {
	BackfillSubscriptions(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) error
}

// ExpenseBackfiller redistributes building expenses to a newly occupied
// apartment inside the caller's unit of work.
type ExpenseBackfiller interface {
	BackfillExpenses(ctx context.Context, q db.DBTX, apartmentID, buildingID uuid.UUID, occupancyStart time.Time, actor string) error
}

// Service tracks occupancy periods and drives the apartment lifecycle.
type Service struct {
	q             db.DBTX
	runTx         db.TxRunner
	apartments    ApartmentStore
	periods       PeriodStore
	entries       LedgerStore
	subscriptions SubscriptionBackfiller
	expenses      ExpenseBackfiller
	now           func() time.Time
}

// NewService builds Service instance.
func NewService(q db.DBTX, runTx db.TxRunner, apartments ApartmentStore, periods PeriodStore, entries LedgerStore, subscriptions SubscriptionBackfiller, expenses ExpenseBackfiller) *Service {
	return &Service{
		q:             q,
		runTx:         runTx,
		apartments:    apartments,
		periods:       periods,
		entries:       entries,
		subscriptions: subscriptions,
		expenses:      expenses,
		now:           time.Now,
	}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// GetActivePeriod returns the apartment's active tenancy, nil when vacant.
func (s *Service) GetActivePeriod(ctx context.Context, apartmentID uuid.UUID) (*Period, error) {
	return s.periods.GetActivePeriod(ctx, s.q, apartmentID)
}

// CreatePeriod opens a tenancy; fails with ErrActivePeriodExists when one is
// already open.
func (s *Service) CreatePeriod(ctx context.Context, in PeriodInput) (Period, error) {
	var period Period
	err := s.runTx(ctx, func(tx pgx.Tx) error {
		var err error
		period, err = s.periods.InsertPeriod(ctx, tx, in)
		return err
	})
	return period, err
}

// ClosePeriod closes the active tenancy, snapshotting the balance the
// period's own entries contributed. No-op when nothing is active.
func (s *Service) ClosePeriod(ctx context.Context, apartmentID uuid.UUID) error {
	return s.runTx(ctx, func(tx pgx.Tx) error {
		return s.closePeriodTx(ctx, tx, apartmentID, s.now())
	})
}

func (s *Service) closePeriodTx(ctx context.Context, q db.DBTX, apartmentID uuid.UUID, endDate time.Time) error {
	period, err := s.periods.GetActivePeriod(ctx, q, apartmentID)
	if err != nil || period == nil {
		return err
	}
	periodID := period.ID
	closing, err := s.entries.SumBalance(ctx, q, apartmentID, &periodID)
	if err != nil {
		return err
	}
	return s.periods.ClosePeriod(ctx, q, period.ID, endDate, closing)
}

// StartInput describes an occupancy start.
type StartInput struct {
	ApartmentID uuid.UUID
	TenantID    *uuid.UUID
	TenantName  string
	StartDate   time.Time
	Actor       string
}

// StartOccupancy flips the apartment to occupied, opens a tenancy and
// backfills subscription charges plus (for regular apartments) the building
// expenses accrued since the start date, all in one transaction.
func (s *Service) StartOccupancy(ctx context.Context, in StartInput) (Period, error) {
	var period Period
	err := s.runTx(ctx, func(tx pgx.Tx) error {
		apt, err := s.apartments.GetApartmentForUpdate(ctx, tx, in.ApartmentID)
		if err != nil {
			return err
		}
		if apt.Status == masterdata.StatusOccupied {
			return ErrAlreadyOccupied
		}
		if err := s.apartments.SetOccupied(ctx, tx, apt.ID, in.StartDate); err != nil {
			return err
		}
		period, err = s.periods.InsertPeriod(ctx, tx, PeriodInput{
			ApartmentID: apt.ID,
			TenantID:    in.TenantID,
			TenantName:  in.TenantName,
			StartDate:   in.StartDate,
		})
		if err != nil {
			return err
		}
		if err := s.subscriptions.BackfillSubscriptions(ctx, tx, apt.ID); err != nil {
			return err
		}
		if apt.Type == masterdata.TypeRegular && s.expenses != nil {
			if err := s.expenses.BackfillExpenses(ctx, tx, apt.ID, apt.BuildingID, in.StartDate, in.Actor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Period{}, err
	}
	return period, nil
}

// TerminateInput describes an occupancy termination.
type TerminateInput struct {
	ApartmentID uuid.UUID
	EndDate     time.Time
	Actor       string
}

// TerminateOccupancy posts a prorated credit for the days left in the month,
// cascades to occupied storage/parking children (their credit lands on this
// apartment's ledger), closes the tenancies and flips everything to vacant.
// Terminating a child unit directly follows the same routing its charges did:
// the credit posts to the parent's ledger.
func (s *Service) TerminateOccupancy(ctx context.Context, in TerminateInput) error {
	endDate := in.EndDate
	if endDate.IsZero() {
		endDate = s.now().UTC()
	}
	return s.runTx(ctx, func(tx pgx.Tx) error {
		apt, err := s.apartments.GetApartmentForUpdate(ctx, tx, in.ApartmentID)
		if err != nil {
			return err
		}
		if apt.Status != masterdata.StatusOccupied {
			return ErrNotOccupied
		}

		ledgerApt := apt
		if apt.IsChildUnit() {
			ledgerApt, err = s.apartments.GetApartmentForUpdate(ctx, tx, *apt.ParentID)
			if err != nil {
				return err
			}
		}

		period, err := s.periods.GetActivePeriod(ctx, tx, ledgerApt.ID)
		if err != nil {
			return err
		}
		var periodID *uuid.UUID
		if period != nil {
			id := period.ID
			periodID = &id
		}

		if err := s.postTerminationCredit(ctx, tx, apt, ledgerApt, endDate, periodID, in.Actor); err != nil {
			return err
		}

		children, err := s.apartments.ListChildren(ctx, tx, apt.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.Status != masterdata.StatusOccupied {
				continue
			}
			if err := s.postTerminationCredit(ctx, tx, child, apt, endDate, periodID, in.Actor); err != nil {
				return err
			}
			if err := s.closePeriodTx(ctx, tx, child.ID, endDate); err != nil {
				return err
			}
			if err := s.apartments.SetVacant(ctx, tx, child.ID); err != nil {
				return err
			}
		}

		if err := s.closePeriodTx(ctx, tx, apt.ID, endDate); err != nil {
			return err
		}
		if err := s.apartments.SetVacant(ctx, tx, apt.ID); err != nil {
			return err
		}
		_, err = s.entries.RefreshCachedBalance(ctx, tx, ledgerApt.ID)
		return err
	})
}

// postTerminationCredit credits the prorated remainder of the unit's monthly
// subscription to the ledger apartment. Nothing is posted when the month is
// already fully consumed or the unit has no active subscription.
func (s *Service) postTerminationCredit(ctx context.Context, q db.DBTX, unit, ledgerApt masterdata.Apartment, endDate time.Time, periodID *uuid.UUID, actor string) error {
	if unit.SubscriptionStatus != masterdata.SubscriptionActive || !unit.SubscriptionAmount.IsPositive() {
		return nil
	}
	remaining := allocation.RemainingDays(endDate)
	if remaining <= 0 {
		return nil
	}
	amount := allocation.Prorate(unit.SubscriptionAmount, endDate.Year(), endDate.Month(), remaining)
	if !amount.IsPositive() {
		return nil
	}
	description := fmt.Sprintf("Occupancy credit %s (%d days)", endDate.Format("2006-01"), remaining)
	if unit.ID != ledgerApt.ID {
		description = fmt.Sprintf("%s occupancy credit %s (%d days)", unit.UnitLabel(), endDate.Format("2006-01"), remaining)
	}
	_, err := s.entries.InsertEntry(ctx, q, ledger.EntryInput{
		ApartmentID:       ledgerApt.ID,
		SourceApartmentID: unit.ID,
		Type:              ledger.EntryCredit,
		Amount:            amount,
		ReferenceType:     ledger.RefOccupancyCredit,
		Description:       description,
		CreatedBy:         actor,
		PeriodID:          periodID,
	})
	return err
}
