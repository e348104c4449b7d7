package masterdata

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrBalanceNotZero rejects deleting an apartment that still owes or is owed money.
	ErrBalanceNotZero = errors.New("masterdata: apartment balance is not zero")
	// ErrHasChildUnits rejects deleting an apartment with attached storage/parking units.
	ErrHasChildUnits = errors.New("masterdata: apartment has linked child units")
)

// ApartmentType enumerates unit kinds. Storage and parking units hang off
// a regular parent apartment and never carry their own ledger balance.
type ApartmentType string

const (
	TypeRegular ApartmentType = "REGULAR"
	TypeStorage ApartmentType = "STORAGE"
	TypeParking ApartmentType = "PARKING"
)

// ApartmentStatus enumerates occupancy states.
type ApartmentStatus string

const (
	StatusOccupied ApartmentStatus = "OCCUPIED"
	StatusVacant   ApartmentStatus = "VACANT"
)

// SubscriptionStatus enumerates monthly-subscription billing states.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionInactive SubscriptionStatus = "INACTIVE"
)

// Apartment is the unit an account ledger belongs to.
type Apartment struct {
	ID                 uuid.UUID
	BuildingID         uuid.UUID
	Number             string
	Type               ApartmentType
	ParentID           *uuid.UUID
	Status             ApartmentStatus
	SubscriptionAmount decimal.Decimal
	SubscriptionStatus SubscriptionStatus
	OccupancyStart     *time.Time
	CachedBalance      decimal.Decimal
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsChildUnit reports whether charges for this apartment route to a parent ledger.
func (a Apartment) IsChildUnit() bool {
	return a.Type != TypeRegular && a.ParentID != nil
}

// LedgerApartmentID returns the apartment whose ledger receives this unit's charges.
func (a Apartment) LedgerApartmentID() uuid.UUID {
	if a.IsChildUnit() {
		return *a.ParentID
	}
	return a.ID
}

// UnitLabel renders the human description prefix for child-unit charges,
// e.g. "Storage S-1" or "Parking P-3".
func (a Apartment) UnitLabel() string {
	switch a.Type {
	case TypeStorage:
		return "Storage " + a.Number
	case TypeParking:
		return "Parking " + a.Number
	default:
		return "Apartment " + a.Number
	}
}
