package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/domus-hq/domus/internal/ledger"
	"github.com/domus-hq/domus/internal/masterdata"
	"github.com/domus-hq/domus/internal/platform/db"
)

// PaymentStore is the payment persistence surface.
type PaymentStore interface {
	InsertPayment(ctx context.Context, q db.DBTX, p Payment) (Payment, error)
	GetPaymentForUpdate(ctx context.Context, q db.DBTX, id uuid.UUID) (Payment, error)
	MarkPaymentCanceled(ctx context.Context, q db.DBTX, id uuid.UUID) error
	InsertAllocation(ctx context.Context, q db.DBTX, a Allocation) (Allocation, error)
	ListAllocations(ctx context.Context, q db.DBTX, paymentID uuid.UUID) ([]Allocation, error)
}

// ShareStore is the expense-share slice that allocations settle against.
type ShareStore interface {
	ApplyAllocation(ctx context.Context, q db.DBTX, id uuid.UUID, amount decimal.Decimal) error
	ReverseAllocation(ctx context.Context, q db.DBTX, id uuid.UUID, amount decimal.Decimal) error
}

// ApartmentStore resolves the apartment the payment credits.
type ApartmentStore interface {
	GetApartment(ctx context.Context, q db.DBTX, id uuid.UUID) (masterdata.Apartment, error)
}

// LedgerStore is the ledger slice payments post through.
type LedgerStore interface {
	InsertEntry(ctx context.Context, q db.DBTX, in ledger.EntryInput) (ledger.Entry, error)
	FindEntryPeriod(ctx context.Context, q db.DBTX, apartmentID uuid.UUID, ref ledger.ReferenceType, refID uuid.UUID) (*uuid.UUID, error)
	RefreshCachedBalance(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (decimal.Decimal, error)
}

// PeriodLookup resolves the active tenancy for fresh postings.
type PeriodLookup interface {
	ActivePeriodID(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (*uuid.UUID, error)
}

// Service records tenant payments as ledger credits and earmarks them
// against expense shares.
type Service struct {
	q          db.DBTX
	runTx      db.TxRunner
	store      PaymentStore
	shares     ShareStore
	apartments ApartmentStore
	entries    LedgerStore
	periods    PeriodLookup
	validate   *validator.Validate
	now        func() time.Time
}

// NewService builds Service instance.
func NewService(q db.DBTX, runTx db.TxRunner, store PaymentStore, shares ShareStore, apartments ApartmentStore, entries LedgerStore, periods PeriodLookup) *Service {
	return &Service{
		q:          q,
		runTx:      runTx,
		store:      store,
		shares:     shares,
		apartments: apartments,
		entries:    entries,
		periods:    periods,
		validate:   validator.New(),
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

// CreatePayment records the payment, posts its ledger credit and applies any
// share earmarks in one transaction. Allocations may not sum past the
// payment amount, and each one is capped by its share's outstanding
// remainder.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (Payment, error) {
	if err := s.validate.Struct(in); err != nil {
		return Payment{}, err
	}
	if !in.Amount.IsPositive() || !in.Amount.Equal(in.Amount.Round(2)) {
		return Payment{}, ledger.ErrInvalidAmount
	}
	allocated := decimal.Zero
	for _, a := range in.Allocations {
		if !a.Amount.IsPositive() || !a.Amount.Equal(a.Amount.Round(2)) {
			return Payment{}, ledger.ErrInvalidAmount
		}
		allocated = allocated.Add(a.Amount)
	}
	if allocated.GreaterThan(in.Amount) {
		return Payment{}, ErrOverAllocated
	}
	if in.Method == "" {
		in.Method = MethodTransfer
	}
	if in.PaymentDate.IsZero() {
		in.PaymentDate = s.now()
	}

	var payment Payment
	err := s.runTx(ctx, func(tx pgx.Tx) error {
		apt, err := s.apartments.GetApartment(ctx, tx, in.ApartmentID)
		if err != nil {
			return err
		}
		payment, err = s.store.InsertPayment(ctx, tx, Payment{
			ApartmentID: apt.ID,
			Amount:      in.Amount,
			Method:      in.Method,
			PaymentDate: in.PaymentDate,
			Reference:   in.Reference,
			CreatedBy:   in.Actor,
		})
		if err != nil {
			return err
		}

		ledgerID := apt.LedgerApartmentID()
		periodID, err := s.periods.ActivePeriodID(ctx, tx, ledgerID)
		if err != nil {
			return err
		}
		paymentID := payment.ID
		description := fmt.Sprintf("Payment %s", payment.PaymentDate.Format("2006-01-02"))
		if payment.Reference != "" {
			description = fmt.Sprintf("%s (%s)", description, payment.Reference)
		}
		if _, err := s.entries.InsertEntry(ctx, tx, ledger.EntryInput{
			ApartmentID:       ledgerID,
			SourceApartmentID: apt.ID,
			Type:              ledger.EntryCredit,
			Amount:            payment.Amount,
			ReferenceType:     ledger.RefPayment,
			ReferenceID:       &paymentID,
			Description:       description,
			CreatedBy:         in.Actor,
			PeriodID:          periodID,
		}); err != nil {
			return err
		}

		for _, a := range in.Allocations {
			if err := s.shares.ApplyAllocation(ctx, tx, a.ShareID, a.Amount); err != nil {
				return err
			}
			if _, err := s.store.InsertAllocation(ctx, tx, Allocation{
				PaymentID: payment.ID,
				ShareID:   a.ShareID,
				Amount:    a.Amount,
			}); err != nil {
				return err
			}
		}

		_, err = s.entries.RefreshCachedBalance(ctx, tx, ledgerID)
		return err
	})
	if err != nil {
		return Payment{}, err
	}
	return payment, nil
}

// CancelPayment reverses the payment's credit, rolls back its share
// earmarks and flags the payment canceled, all in one transaction. The
// reversal is tagged with the original credit's occupancy period so a
// correction after move-out lands in the right tenancy.
func (s *Service) CancelPayment(ctx context.Context, paymentID uuid.UUID, actor string) error {
	return s.runTx(ctx, func(tx pgx.Tx) error {
		payment, err := s.store.GetPaymentForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if payment.IsCanceled {
			return ErrPaymentCanceled
		}

		apt, err := s.apartments.GetApartment(ctx, tx, payment.ApartmentID)
		if err != nil {
			return err
		}
		ledgerID := apt.LedgerApartmentID()

		periodID, err := s.entries.FindEntryPeriod(ctx, tx, ledgerID, ledger.RefPayment, payment.ID)
		if err != nil {
			return err
		}
		refID := payment.ID
		if _, err := s.entries.InsertEntry(ctx, tx, ledger.EntryInput{
			ApartmentID:       ledgerID,
			SourceApartmentID: apt.ID,
			Type:              ledger.EntryDebit,
			Amount:            payment.Amount,
			ReferenceType:     ledger.RefReversal,
			ReferenceID:       &refID,
			Description:       fmt.Sprintf("Canceled payment %s", payment.PaymentDate.Format("2006-01-02")),
			CreatedBy:         actor,
			PeriodID:          periodID,
		}); err != nil {
			return err
		}

		allocations, err := s.store.ListAllocations(ctx, tx, payment.ID)
		if err != nil {
			return err
		}
		for _, a := range allocations {
			if err := s.shares.ReverseAllocation(ctx, tx, a.ShareID, a.Amount); err != nil {
				return err
			}
		}

		if err := s.store.MarkPaymentCanceled(ctx, tx, payment.ID); err != nil {
			return err
		}
		_, err = s.entries.RefreshCachedBalance(ctx, tx, ledgerID)
		return err
	})
}
