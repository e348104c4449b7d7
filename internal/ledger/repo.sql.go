package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/domus-hq/domus/internal/platform/db"
	"github.com/domus-hq/domus/internal/shared"
)

const entryColumns = `id, apartment_id, source_apartment_id, entry_type, amount, reference_type, reference_id, description, created_by, occupancy_period_id, charge_month, created_at`

// Store provides PostgreSQL backed persistence for ledger entries and the
// cached balance field on apartments. Methods take the unit-of-work handle
// explicitly; generators compose several postings plus the balance refresh
// into one transaction.
type Store struct{}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{}
}

// InsertEntry appends one immutable entry.
func (s *Store) InsertEntry(ctx context.Context, q db.DBTX, in EntryInput) (Entry, error) {
	if err := in.Validate(); err != nil {
		return Entry{}, err
	}
	sourceID := in.SourceApartmentID
	if sourceID == uuid.Nil {
		sourceID = in.ApartmentID
	}
	entry := Entry{
		ID:                uuid.New(),
		ApartmentID:       in.ApartmentID,
		SourceApartmentID: sourceID,
		Type:              in.Type,
		Amount:            in.Amount,
		ReferenceType:     in.ReferenceType,
		ReferenceID:       in.ReferenceID,
		Description:       in.Description,
		CreatedBy:         in.CreatedBy,
		PeriodID:          in.PeriodID,
		ChargeMonth:       in.ChargeMonth,
	}
	err := q.QueryRow(ctx, `INSERT INTO ledger_entries (id, apartment_id, source_apartment_id, entry_type, amount, reference_type, reference_id, description, created_by, occupancy_period_id, charge_month)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING created_at`,
		entry.ID, entry.ApartmentID, entry.SourceApartmentID, entry.Type, entry.Amount, entry.ReferenceType, entry.ReferenceID, entry.Description, nullString(entry.CreatedBy), entry.PeriodID, entry.ChargeMonth).
		Scan(&entry.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// ListOptions filters paginated ledger reads.
type ListOptions struct {
	Limit    int
	Offset   int
	PeriodID *uuid.UUID
}

// ListEntries returns a page of entries, newest first, plus the total count.
func (s *Store) ListEntries(ctx context.Context, q db.DBTX, apartmentID uuid.UUID, opt ListOptions) ([]Entry, int, error) {
	if opt.Limit <= 0 {
		opt.Limit = 20
	}
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE apartment_id=$1 AND ($2::uuid IS NULL OR occupancy_period_id=$2)`, apartmentID, opt.PeriodID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
WHERE apartment_id=$1 AND ($2::uuid IS NULL OR occupancy_period_id=$2)
ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`, apartmentID, opt.PeriodID, opt.Limit, opt.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdBy *string
		if err := rows.Scan(&e.ID, &e.ApartmentID, &e.SourceApartmentID, &e.Type, &e.Amount, &e.ReferenceType, &e.ReferenceID, &e.Description, &createdBy, &e.PeriodID, &e.ChargeMonth, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		if createdBy != nil {
			e.CreatedBy = *createdBy
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// SumBalance computes the signed sum over all entries, optionally scoped to
// one occupancy period. Reversals are ordinary entries, so the formula is
// simply credits minus debits over everything.
func (s *Store) SumBalance(ctx context.Context, q db.DBTX, apartmentID uuid.UUID, periodID *uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(CASE WHEN entry_type='CREDIT' THEN amount ELSE -amount END), 0)
FROM ledger_entries WHERE apartment_id=$1 AND ($2::uuid IS NULL OR occupancy_period_id=$2)`, apartmentID, periodID).Scan(&balance)
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// RefreshCachedBalance recomputes the ledger sum and writes it to the
// apartment record. Every code path that inserts an entry calls this before
// its transaction commits; it is the single point keeping the cache honest.
func (s *Store) RefreshCachedBalance(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (decimal.Decimal, error) {
	balance, err := s.SumBalance(ctx, q, apartmentID, nil)
	if err != nil {
		return decimal.Zero, err
	}
	cmd, err := q.Exec(ctx, `UPDATE apartments SET cached_balance=$2, updated_at=NOW() WHERE id=$1`, apartmentID, balance)
	if err != nil {
		return decimal.Zero, err
	}
	if cmd.RowsAffected() == 0 {
		return decimal.Zero, shared.ErrNotFound
	}
	return balance, nil
}

// HasChargeForMonth reports whether a batch-generated charge already exists
// for the structural idempotency key (ledger apartment, source unit,
// reference type, month). Re-running a backfill therefore never duplicates
// a month even if the entry wording changed between runs.
func (s *Store) HasChargeForMonth(ctx context.Context, q db.DBTX, apartmentID, sourceApartmentID uuid.UUID, ref ReferenceType, month time.Time) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries
WHERE apartment_id=$1 AND source_apartment_id=$2 AND reference_type=$3 AND charge_month=$4)`,
		apartmentID, sourceApartmentID, ref, MonthStart(month)).Scan(&exists)
	return exists, err
}

// FindEntryPeriod returns the occupancy period the most recent entry for the
// given reference was tagged with. Corrections of old postings use it so a
// reversal lands in the original tenant's period, not whichever period is
// active now.
func (s *Store) FindEntryPeriod(ctx context.Context, q db.DBTX, apartmentID uuid.UUID, ref ReferenceType, refID uuid.UUID) (*uuid.UUID, error) {
	var periodID *uuid.UUID
	err := q.QueryRow(ctx, `SELECT occupancy_period_id FROM ledger_entries
WHERE apartment_id=$1 AND reference_type=$2 AND reference_id=$3
ORDER BY created_at DESC, id DESC LIMIT 1`, apartmentID, ref, refID).Scan(&periodID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return periodID, nil
}

func nullString(val string) any {
	if val == "" {
		return nil
	}
	return val
}
