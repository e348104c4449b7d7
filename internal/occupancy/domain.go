package occupancy

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PeriodStatus enumerates tenancy interval states.
type PeriodStatus string

const (
	PeriodActive PeriodStatus = "ACTIVE"
	PeriodClosed PeriodStatus = "CLOSED"
)

var (
	// ErrActivePeriodExists rejects a second active period for the same apartment.
	ErrActivePeriodExists = errors.New("occupancy: apartment already has an active period")
	// ErrNotOccupied rejects lifecycle operations on a vacant apartment.
	ErrNotOccupied = errors.New("occupancy: apartment is not occupied")
	// ErrAlreadyOccupied rejects occupancy start on an occupied apartment.
	ErrAlreadyOccupied = errors.New("occupancy: apartment is already occupied")
)

// Period is one tenancy interval. Ledger entries posted during the tenancy
// carry its id, so the closing balance can be snapshotted from the entries
// tagged to this period only.
type Period struct {
	ID             uuid.UUID
	ApartmentID    uuid.UUID
	TenantID       *uuid.UUID
	TenantName     string
	Status         PeriodStatus
	StartDate      time.Time
	EndDate        *time.Time
	ClosingBalance *decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PeriodInput describes a tenancy to open.
type PeriodInput struct {
	ApartmentID uuid.UUID
	TenantID    *uuid.UUID
	TenantName  string
	StartDate   time.Time
}
