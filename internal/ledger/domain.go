package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryType is the sign of a ledger posting. Debit increases what the
// apartment owes, credit decreases it.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Opposite returns the reversing entry type.
func (t EntryType) Opposite() EntryType {
	if t == EntryDebit {
		return EntryCredit
	}
	return EntryDebit
}

// ReferenceType is the semantic origin of an entry.
type ReferenceType string

const (
	RefPayment         ReferenceType = "PAYMENT"
	RefExpense         ReferenceType = "EXPENSE"
	RefSubscription    ReferenceType = "SUBSCRIPTION"
	RefWaiver          ReferenceType = "WAIVER"
	RefOccupancyCredit ReferenceType = "OCCUPANCY_CREDIT"
	RefReversal        ReferenceType = "REVERSAL"
)

var (
	// ErrInvalidAmount rejects negative amounts or more than 2 fractional digits.
	ErrInvalidAmount = errors.New("ledger: amount must be a non-negative decimal with at most 2 fractional digits")
	// ErrZeroBalance rejects a write-off on an apartment that owes nothing.
	ErrZeroBalance = errors.New("ledger: balance already zero")
)

// Entry is one immutable signed posting against an apartment's account.
// Entries are never updated or deleted; corrections post a reversal.
type Entry struct {
	ID                uuid.UUID
	ApartmentID       uuid.UUID
	SourceApartmentID uuid.UUID
	Type              EntryType
	Amount            decimal.Decimal
	ReferenceType     ReferenceType
	ReferenceID       *uuid.UUID
	Description       string
	CreatedBy         string
	PeriodID          *uuid.UUID
	ChargeMonth       *time.Time
	CreatedAt         time.Time
}

// Signed returns the entry's contribution to the balance: positive for
// credits, negative for debits.
func (e Entry) Signed() decimal.Decimal {
	if e.Type == EntryCredit {
		return e.Amount
	}
	return e.Amount.Neg()
}

// EntryInput describes a posting before it is appended.
//
// SourceApartmentID is the unit that generated the charge. It differs from
// ApartmentID only when a storage/parking unit routes its charge to the
// parent's ledger; together with ReferenceType and ChargeMonth it forms the
// structural idempotency key for batch-generated charges.
type EntryInput struct {
	ApartmentID       uuid.UUID
	SourceApartmentID uuid.UUID
	Type              EntryType
	Amount            decimal.Decimal
	ReferenceType     ReferenceType
	ReferenceID       *uuid.UUID
	Description       string
	CreatedBy         string
	PeriodID          *uuid.UUID
	ChargeMonth       *time.Time
}

// Validate checks the structural rules common to every posting.
func (in EntryInput) Validate() error {
	if in.ApartmentID == uuid.Nil {
		return errors.New("ledger: apartment id required")
	}
	if in.Type != EntryDebit && in.Type != EntryCredit {
		return errors.New("ledger: entry type must be DEBIT or CREDIT")
	}
	switch in.ReferenceType {
	case RefPayment, RefExpense, RefSubscription, RefWaiver, RefOccupancyCredit, RefReversal:
	default:
		return errors.New("ledger: unknown reference type")
	}
	if in.Description == "" {
		return errors.New("ledger: description required")
	}
	// Judge the value, not the representation: 33.340000 is a valid cent
	// amount regardless of how the arithmetic that produced it was scaled.
	if in.Amount.IsNegative() || !in.Amount.Equal(in.Amount.Round(2)) {
		return ErrInvalidAmount
	}
	return nil
}

// MonthStart normalizes a date to the first instant of its UTC month,
// the canonical form of ChargeMonth tags.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
