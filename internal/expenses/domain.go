package expenses

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Recurrence enumerates how an expense repeats. Recurring parents are never
// split themselves; they spawn one child expense per covered month.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "NONE"
	RecurrenceMonthly Recurrence = "MONTHLY"
	RecurrenceYearly  Recurrence = "YEARLY"
)

var (
	// ErrNoOccupiedApartments rejects splitting an expense in an empty building.
	ErrNoOccupiedApartments = errors.New("expenses: no occupied apartments to split among")
	// ErrShareCanceled rejects operations on a canceled share.
	ErrShareCanceled = errors.New("expenses: share is canceled")
	// ErrNothingOutstanding rejects waiving a share that is already settled.
	ErrNothingOutstanding = errors.New("expenses: share has no outstanding amount")
	// ErrAllocationExceedsShare rejects applying more payment than the share's remainder.
	ErrAllocationExceedsShare = errors.New("expenses: allocation exceeds outstanding share amount")
)

// Expense is a building-scoped source record. ApartmentID is set for
// single-apartment expenses; ParentID links generated children back to
// their recurring template.
type Expense struct {
	ID             uuid.UUID
	BuildingID     uuid.UUID
	ApartmentID    *uuid.UUID
	ParentID       *uuid.UUID
	Description    string
	Amount         decimal.Decimal
	ExpenseDate    time.Time
	Recurrence     Recurrence
	RecurringStart *time.Time
	RecurringEnd   *time.Time
	CreatedBy      string
	CreatedAt      time.Time
}

// Share is one apartment's allocation of an expense. Exactly one debit is
// posted when the share is created; later corrections go through reversal
// plus re-post, never an in-place amount edit.
type Share struct {
	ID          uuid.UUID
	ApartmentID uuid.UUID
	ExpenseID   uuid.UUID
	Amount      decimal.Decimal
	AmountPaid  decimal.Decimal
	IsCanceled  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Outstanding returns the unpaid remainder of the share.
func (s Share) Outstanding() decimal.Decimal {
	return s.Amount.Sub(s.AmountPaid)
}

// CreateExpenseInput describes a new expense.
type CreateExpenseInput struct {
	BuildingID     uuid.UUID  `validate:"required"`
	ApartmentID    *uuid.UUID
	Description    string     `validate:"required,max=500"`
	Amount         decimal.Decimal
	ExpenseDate    time.Time
	Recurrence     Recurrence `validate:"omitempty,oneof=NONE MONTHLY YEARLY"`
	RecurringStart *time.Time
	RecurringEnd   *time.Time
	Actor          string
}
