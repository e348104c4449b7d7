package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/domus-hq/domus/internal/platform/db"
	"github.com/domus-hq/domus/internal/shared"
)

// EntryStore is the transactional ledger surface. Other modules compose it
// into their own units of work; the service wraps it for standalone calls.
type EntryStore interface {
	InsertEntry(ctx context.Context, q db.DBTX, in EntryInput) (Entry, error)
	ListEntries(ctx context.Context, q db.DBTX, apartmentID uuid.UUID, opt ListOptions) ([]Entry, int, error)
	SumBalance(ctx context.Context, q db.DBTX, apartmentID uuid.UUID, periodID *uuid.UUID) (decimal.Decimal, error)
	RefreshCachedBalance(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (decimal.Decimal, error)
	HasChargeForMonth(ctx context.Context, q db.DBTX, apartmentID, sourceApartmentID uuid.UUID, ref ReferenceType, month time.Time) (bool, error)
	FindEntryPeriod(ctx context.Context, q db.DBTX, apartmentID uuid.UUID, ref ReferenceType, refID uuid.UUID) (*uuid.UUID, error)
}

// PeriodLookup resolves the active occupancy period so fresh postings get
// tagged with the current tenancy.
type PeriodLookup interface {
	ActivePeriodID(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (*uuid.UUID, error)
}

// AuditPort records ledger mutations.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service exposes ledger postings, reversals and balance derivation.
type Service struct {
	q       db.DBTX
	runTx   db.TxRunner
	entries EntryStore
	periods PeriodLookup
	audit   AuditPort
	now     func() time.Time
}

// NewService builds a Service. q is the pool used for plain reads; runTx
// opens the unit of work for mutations.
func NewService(q db.DBTX, runTx db.TxRunner, entries EntryStore, periods PeriodLookup, audit AuditPort) *Service {
	return &Service{q: q, runTx: runTx, entries: entries, periods: periods, audit: audit, now: time.Now}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RecordEntry appends one entry and refreshes the cached balance in a single
// transaction.
func (s *Service) RecordEntry(ctx context.Context, in EntryInput) (Entry, error) {
	if err := in.Validate(); err != nil {
		return Entry{}, err
	}
	var entry Entry
	err := s.runTx(ctx, func(tx pgx.Tx) error {
		if in.PeriodID == nil && s.periods != nil {
			periodID, err := s.periods.ActivePeriodID(ctx, tx, in.ApartmentID)
			if err != nil {
				return err
			}
			in.PeriodID = periodID
		}
		inserted, err := s.entries.InsertEntry(ctx, tx, in)
		if err != nil {
			return err
		}
		if _, err := s.entries.RefreshCachedBalance(ctx, tx, in.ApartmentID); err != nil {
			return err
		}
		entry = inserted
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	s.recordAudit(ctx, "ledger.post", entry)
	return entry, nil
}

// ReversalInput identifies a posting to offset.
type ReversalInput struct {
	ApartmentID       uuid.UUID
	OriginalType      EntryType
	OriginalReference ReferenceType
	OriginalRefID     uuid.UUID
	Amount            decimal.Decimal
	Description       string
	CreatedBy         string
	PeriodID          *uuid.UUID
}

// RecordReversal posts an opposite-signed entry referencing the original.
// Reversals are permanent; undoing one takes a second reversal. When no
// period is given the reversal is tagged with the original entry's period,
// which matters when a payment is corrected after the tenant moved out.
func (s *Service) RecordReversal(ctx context.Context, in ReversalInput) (Entry, error) {
	if in.OriginalRefID == uuid.Nil {
		return Entry{}, errors.New("ledger: original reference id required")
	}
	var entry Entry
	err := s.runTx(ctx, func(tx pgx.Tx) error {
		periodID := in.PeriodID
		if periodID == nil {
			original, err := s.entries.FindEntryPeriod(ctx, tx, in.ApartmentID, in.OriginalReference, in.OriginalRefID)
			if err != nil {
				return err
			}
			periodID = original
		}
		refID := in.OriginalRefID
		inserted, err := s.entries.InsertEntry(ctx, tx, EntryInput{
			ApartmentID:   in.ApartmentID,
			Type:          in.OriginalType.Opposite(),
			Amount:        in.Amount,
			ReferenceType: RefReversal,
			ReferenceID:   &refID,
			Description:   in.Description,
			CreatedBy:     in.CreatedBy,
			PeriodID:      periodID,
		})
		if err != nil {
			return err
		}
		if _, err := s.entries.RefreshCachedBalance(ctx, tx, in.ApartmentID); err != nil {
			return err
		}
		entry = inserted
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	s.recordAudit(ctx, "ledger.reverse", entry)
	return entry, nil
}

// GetLedger returns one page of an apartment's entries, newest first.
func (s *Service) GetLedger(ctx context.Context, apartmentID uuid.UUID, opt ListOptions) ([]Entry, shared.Pagination, error) {
	entries, total, err := s.entries.ListEntries(ctx, s.q, apartmentID, opt)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	limit := opt.Limit
	if limit <= 0 {
		limit = 20
	}
	page := opt.Offset/limit + 1
	return entries, shared.NewPagination(page, limit, total), nil
}

// GetBalance returns the live signed sum, optionally scoped to one period.
func (s *Service) GetBalance(ctx context.Context, apartmentID uuid.UUID, periodID *uuid.UUID) (decimal.Decimal, error) {
	return s.entries.SumBalance(ctx, s.q, apartmentID, periodID)
}

// RefreshCachedBalance recomputes and stores the balance in its own
// transaction.
func (s *Service) RefreshCachedBalance(ctx context.Context, apartmentID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.runTx(ctx, func(tx pgx.Tx) error {
		var err error
		balance, err = s.entries.RefreshCachedBalance(ctx, tx, apartmentID)
		return err
	})
	return balance, err
}

// WriteOffBalance zeroes an apartment's balance: a waiver credit when the
// apartment owes money, a debit adjustment when it is in credit. A balance
// already at zero is rejected.
func (s *Service) WriteOffBalance(ctx context.Context, apartmentID uuid.UUID, actor string) (Entry, error) {
	var entry Entry
	err := s.runTx(ctx, func(tx pgx.Tx) error {
		balance, err := s.entries.SumBalance(ctx, tx, apartmentID, nil)
		if err != nil {
			return err
		}
		if balance.IsZero() {
			return ErrZeroBalance
		}
		var periodID *uuid.UUID
		if s.periods != nil {
			periodID, err = s.periods.ActivePeriodID(ctx, tx, apartmentID)
			if err != nil {
				return err
			}
		}
		in := EntryInput{
			ApartmentID:   apartmentID,
			Amount:        balance.Abs(),
			ReferenceType: RefWaiver,
			CreatedBy:     actor,
			PeriodID:      periodID,
		}
		if balance.IsNegative() {
			in.Type = EntryCredit
			in.Description = fmt.Sprintf("Balance write-off of %s debt", balance.Abs().StringFixed(2))
		} else {
			in.Type = EntryDebit
			in.Description = fmt.Sprintf("Balance write-off of %s credit", balance.StringFixed(2))
		}
		inserted, err := s.entries.InsertEntry(ctx, tx, in)
		if err != nil {
			return err
		}
		if _, err := s.entries.RefreshCachedBalance(ctx, tx, apartmentID); err != nil {
			return err
		}
		entry = inserted
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	s.recordAudit(ctx, "ledger.writeoff", entry)
	return entry, nil
}

func (s *Service) recordAudit(ctx context.Context, action string, entry Entry) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  entry.CreatedBy,
		Action:   action,
		Entity:   "ledger_entry",
		EntityID: entry.ID.String(),
		Meta: map[string]any{
			"apartment_id":   entry.ApartmentID.String(),
			"entry_type":     string(entry.Type),
			"reference_type": string(entry.ReferenceType),
			"amount":         entry.Amount.StringFixed(2),
		},
		At: s.now(),
	})
}
