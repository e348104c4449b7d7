package occupancy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/domus-hq/domus/internal/platform/db"
)

const periodColumns = `id, apartment_id, tenant_id, tenant_name, status, start_date, end_date, closing_balance, created_at, updated_at`

// Store provides PostgreSQL backed persistence for occupancy periods.
type Store struct{}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{}
}

// GetActivePeriod returns the apartment's active period, or nil when vacant.
func (s *Store) GetActivePeriod(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (*Period, error) {
	var p Period
	err := q.QueryRow(ctx, `SELECT `+periodColumns+` FROM occupancy_periods WHERE apartment_id=$1 AND status='ACTIVE'`, apartmentID).
		Scan(&p.ID, &p.ApartmentID, &p.TenantID, &p.TenantName, &p.Status, &p.StartDate, &p.EndDate, &p.ClosingBalance, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// ActivePeriodID returns the active period id, or nil. Satisfies the ledger
// package's PeriodLookup so fresh postings get tagged with the tenancy.
func (s *Store) ActivePeriodID(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (*uuid.UUID, error) {
	period, err := s.GetActivePeriod(ctx, q, apartmentID)
	if err != nil || period == nil {
		return nil, err
	}
	id := period.ID
	return &id, nil
}

// InsertPeriod opens a tenancy. The partial unique index over
// (apartment_id) WHERE status='ACTIVE' enforces at most one active period;
// its violation maps to ErrActivePeriodExists.
func (s *Store) InsertPeriod(ctx context.Context, q db.DBTX, in PeriodInput) (Period, error) {
	p := Period{
		ID:          uuid.New(),
		ApartmentID: in.ApartmentID,
		TenantID:    in.TenantID,
		TenantName:  in.TenantName,
		Status:      PeriodActive,
		StartDate:   in.StartDate,
	}
	err := q.QueryRow(ctx, `INSERT INTO occupancy_periods (id, apartment_id, tenant_id, tenant_name, status, start_date)
VALUES ($1,$2,$3,$4,'ACTIVE',$5) RETURNING created_at, updated_at`,
		p.ID, p.ApartmentID, p.TenantID, nullString(p.TenantName), p.StartDate).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Period{}, ErrActivePeriodExists
		}
		return Period{}, err
	}
	return p, nil
}

// ClosePeriod marks a period closed and snapshots its closing balance.
func (s *Store) ClosePeriod(ctx context.Context, q db.DBTX, periodID uuid.UUID, endDate time.Time, closingBalance decimal.Decimal) error {
	_, err := q.Exec(ctx, `UPDATE occupancy_periods SET status='CLOSED', end_date=$2, closing_balance=$3, updated_at=NOW() WHERE id=$1`,
		periodID, endDate, closingBalance)
	return err
}

func nullString(val string) any {
	if val == "" {
		return nil
	}
	return val
}
