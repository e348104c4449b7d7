package reconcile

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/domus-hq/domus/internal/platform/db"
)

// Drift is one apartment whose cached balance disagrees with the ledger sum.
type Drift struct {
	ApartmentID     uuid.UUID       `json:"apartment_id"`
	BuildingID      uuid.UUID       `json:"building_id"`
	ApartmentNumber string          `json:"apartment_number"`
	CachedBalance   decimal.Decimal `json:"cached_balance"`
	LedgerBalance   decimal.Decimal `json:"ledger_balance"`
	Difference      decimal.Decimal `json:"difference"`
}

// Store runs the drift query.
type Store struct{}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{}
}

// FindDrift compares every apartment's cached balance to a fresh ledger sum
// and returns the ones that differ by more than epsilon.
func (s *Store) FindDrift(ctx context.Context, q db.DBTX, epsilon decimal.Decimal) ([]Drift, error) {
	rows, err := q.Query(ctx, `SELECT a.id, a.building_id, a.number, a.cached_balance,
COALESCE(SUM(CASE WHEN e.entry_type='CREDIT' THEN e.amount ELSE -e.amount END), 0) AS ledger_balance
FROM apartments a
LEFT JOIN ledger_entries e ON e.apartment_id = a.id
GROUP BY a.id, a.building_id, a.number, a.cached_balance
HAVING ABS(a.cached_balance - COALESCE(SUM(CASE WHEN e.entry_type='CREDIT' THEN e.amount ELSE -e.amount END), 0)) > $1
ORDER BY a.id`, epsilon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.ApartmentID, &d.BuildingID, &d.ApartmentNumber, &d.CachedBalance, &d.LedgerBalance); err != nil {
			return nil, err
		}
		d.Difference = d.CachedBalance.Sub(d.LedgerBalance)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountApartments returns how many apartments the drift scan covered.
func (s *Store) CountApartments(ctx context.Context, q db.DBTX) (int, error) {
	var n int
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM apartments`).Scan(&n)
	return n, err
}
