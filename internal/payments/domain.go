package payments

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrOverAllocated rejects allocations summing past the payment amount.
	ErrOverAllocated = errors.New("payments: allocations exceed payment amount")
	// ErrPaymentCanceled rejects operating on an already-canceled payment.
	ErrPaymentCanceled = errors.New("payments: payment is canceled")
)

// Method is how the money arrived.
type Method string

const (
	MethodCash     Method = "CASH"
	MethodTransfer Method = "TRANSFER"
	MethodCard     Method = "CARD"
)

// Payment is money received from a tenant. The ledger credit it produces is
// the balance-bearing record; the payment row carries provenance and the
// cancellation flag.
type Payment struct {
	ID          uuid.UUID
	ApartmentID uuid.UUID
	Amount      decimal.Decimal
	Method      Method
	PaymentDate time.Time
	Reference   string
	IsCanceled  bool
	CreatedBy   string
	CreatedAt   time.Time
}

// Allocation earmarks part of a payment against one expense share. It bumps
// the share's amountPaid without touching the ledger; the payment's credit
// entry already covers the money.
type Allocation struct {
	ID        uuid.UUID
	PaymentID uuid.UUID
	ShareID   uuid.UUID
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// AllocationInput earmarks part of a new payment for a share.
type AllocationInput struct {
	ShareID uuid.UUID       `validate:"required"`
	Amount  decimal.Decimal
}

// CreatePaymentInput describes an incoming payment.
type CreatePaymentInput struct {
	ApartmentID uuid.UUID `validate:"required"`
	Amount      decimal.Decimal
	Method      Method `validate:"omitempty,oneof=CASH TRANSFER CARD"`
	PaymentDate time.Time
	Reference   string `validate:"max=200"`
	Allocations []AllocationInput `validate:"dive"`
	Actor       string
}
