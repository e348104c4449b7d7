package masterdata

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/domus-hq/domus/internal/platform/db"
	"github.com/domus-hq/domus/internal/shared"
)

const apartmentColumns = `id, building_id, number, apartment_type, parent_apartment_id, status, subscription_amount, subscription_status, occupancy_start, cached_balance, created_at, updated_at`

// Store provides PostgreSQL backed apartment persistence. Every method
// takes the unit-of-work handle so callers control transaction scope.
type Store struct{}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{}
}

func scanApartment(row pgx.Row) (Apartment, error) {
	var a Apartment
	err := row.Scan(&a.ID, &a.BuildingID, &a.Number, &a.Type, &a.ParentID, &a.Status, &a.SubscriptionAmount, &a.SubscriptionStatus, &a.OccupancyStart, &a.CachedBalance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Apartment{}, shared.ErrNotFound
		}
		return Apartment{}, err
	}
	return a, nil
}

// GetApartment fetches one apartment.
func (s *Store) GetApartment(ctx context.Context, q db.DBTX, id uuid.UUID) (Apartment, error) {
	return scanApartment(q.QueryRow(ctx, `SELECT `+apartmentColumns+` FROM apartments WHERE id=$1`, id))
}

// GetApartmentForUpdate fetches one apartment with a row lock.
func (s *Store) GetApartmentForUpdate(ctx context.Context, q db.DBTX, id uuid.UUID) (Apartment, error) {
	return scanApartment(q.QueryRow(ctx, `SELECT `+apartmentColumns+` FROM apartments WHERE id=$1 FOR UPDATE`, id))
}

func collectApartments(rows pgx.Rows) ([]Apartment, error) {
	defer rows.Close()
	var out []Apartment
	for rows.Next() {
		var a Apartment
		if err := rows.Scan(&a.ID, &a.BuildingID, &a.Number, &a.Type, &a.ParentID, &a.Status, &a.SubscriptionAmount, &a.SubscriptionStatus, &a.OccupancyStart, &a.CachedBalance, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListChildren returns the storage/parking units attached to a parent apartment.
func (s *Store) ListChildren(ctx context.Context, q db.DBTX, parentID uuid.UUID) ([]Apartment, error) {
	rows, err := q.Query(ctx, `SELECT `+apartmentColumns+` FROM apartments WHERE parent_apartment_id=$1 ORDER BY id`, parentID)
	if err != nil {
		return nil, err
	}
	return collectApartments(rows)
}

// ListOccupiedRegular returns the building's occupied regular apartments
// whose occupancy started on or before asOf, ordered by id so downstream
// largest-remainder tie-breaks stay deterministic.
func (s *Store) ListOccupiedRegular(ctx context.Context, q db.DBTX, buildingID uuid.UUID, asOf time.Time) ([]Apartment, error) {
	rows, err := q.Query(ctx, `SELECT `+apartmentColumns+` FROM apartments
WHERE building_id=$1 AND apartment_type='REGULAR' AND status='OCCUPIED' AND occupancy_start IS NOT NULL AND occupancy_start <= $2
ORDER BY id`, buildingID, asOf)
	if err != nil {
		return nil, err
	}
	return collectApartments(rows)
}

// ListChargeable returns all apartments eligible for monthly subscription
// generation: occupied, active subscription, positive amount.
func (s *Store) ListChargeable(ctx context.Context, q db.DBTX) ([]Apartment, error) {
	rows, err := q.Query(ctx, `SELECT `+apartmentColumns+` FROM apartments
WHERE status='OCCUPIED' AND subscription_status='ACTIVE' AND subscription_amount > 0 AND occupancy_start IS NOT NULL
ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectApartments(rows)
}

// SetOccupied flips an apartment to occupied from the given start date.
func (s *Store) SetOccupied(ctx context.Context, q db.DBTX, id uuid.UUID, start time.Time) error {
	cmd, err := q.Exec(ctx, `UPDATE apartments SET status='OCCUPIED', occupancy_start=$2, updated_at=NOW() WHERE id=$1`, id, start)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteApartment removes an apartment. Refused while money is still on the
// books or child units are attached; callers run it inside a transaction so
// the guard reads and the delete are atomic.
func (s *Store) DeleteApartment(ctx context.Context, q db.DBTX, id uuid.UUID) error {
	apt, err := s.GetApartmentForUpdate(ctx, q, id)
	if err != nil {
		return err
	}
	if !apt.CachedBalance.IsZero() {
		return ErrBalanceNotZero
	}
	children, err := s.ListChildren(ctx, q, id)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return ErrHasChildUnits
	}
	_, err = q.Exec(ctx, `DELETE FROM apartments WHERE id=$1`, id)
	return err
}

// SetVacant flips an apartment to vacant and clears its occupancy start.
func (s *Store) SetVacant(ctx context.Context, q db.DBTX, id uuid.UUID) error {
	cmd, err := q.Exec(ctx, `UPDATE apartments SET status='VACANT', occupancy_start=NULL, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
