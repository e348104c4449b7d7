package expenses

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

const expenseColumns = `id, building_id, apartment_id, parent_expense_id, description, amount, expense_date, recurrence, recurring_start, recurring_end, created_by, created_at`
const shareColumns = `id, apartment_id, expense_id, amount, amount_paid, is_canceled, created_at, updated_at`

// Store provides PostgreSQL backed persistence for expenses and shares.
type Store struct{}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{}
}

// InsertExpense persists a new expense record.
func (s *Store) InsertExpense(ctx context.Context, q db.DBTX, e Expense) (Expense, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := q.QueryRow(ctx, `INSERT INTO expenses (id, building_id, apartment_id, parent_expense_id, description, amount, expense_date, recurrence, recurring_start, recurring_end, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING created_at`,
		e.ID, e.BuildingID, e.ApartmentID, e.ParentID, e.Description, e.Amount, e.ExpenseDate, e.Recurrence, e.RecurringStart, e.RecurringEnd, nullString(e.CreatedBy)).
		Scan(&e.CreatedAt)
	if err != nil {
		return Expense{}, err
	}
	return e, nil
}

func scanExpense(row pgx.Row) (Expense, error) {
	var e Expense
	var createdBy *string
	err := row.Scan(&e.ID, &e.BuildingID, &e.ApartmentID, &e.ParentID, &e.Description, &e.Amount, &e.ExpenseDate, &e.Recurrence, &e.RecurringStart, &e.RecurringEnd, &createdBy, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Expense{}, shared.ErrNotFound
		}
		return Expense{}, err
	}
	if createdBy != nil {
		e.CreatedBy = *createdBy
	}
	return e, nil
}

// GetExpense fetches one expense.
func (s *Store) GetExpense(ctx context.Context, q db.DBTX, id uuid.UUID) (Expense, error) {
	return scanExpense(q.QueryRow(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id=$1`, id))
}

// ListRecurringParents returns recurring templates eligible for child generation.
func (s *Store) ListRecurringParents(ctx context.Context, q db.DBTX) ([]Expense, error) {
	rows, err := q.Query(ctx, `SELECT `+expenseColumns+` FROM expenses
WHERE recurrence <> 'NONE' AND parent_expense_id IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Expense
	for rows.Next() {
		e, err := scanRowExpense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRowExpense(rows pgx.Rows) (Expense, error) {
	var e Expense
	var createdBy *string
	if err := rows.Scan(&e.ID, &e.BuildingID, &e.ApartmentID, &e.ParentID, &e.Description, &e.Amount, &e.ExpenseDate, &e.Recurrence, &e.RecurringStart, &e.RecurringEnd, &createdBy, &e.CreatedAt); err != nil {
		return Expense{}, err
	}
	if createdBy != nil {
		e.CreatedBy = *createdBy
	}
	return e, nil
}

// HasChildForMonth reports whether a child expense already exists for the
// parent in the given month. This is the idempotency check for the
// recurring-expense generator.
func (s *Store) HasChildForMonth(ctx context.Context, q db.DBTX, parentID uuid.UUID, month time.Time) (bool, error) {
	monthStart := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM expenses
WHERE parent_expense_id=$1 AND expense_date >= $2 AND expense_date < $3)`,
		parentID, monthStart, monthStart.AddDate(0, 1, 0)).Scan(&exists)
	return exists, err
}

// ListBuildingExpensesSince returns the building-wide non-recurring expenses
// dated on or after since, the population a newly occupied apartment gets
// backfilled into.
func (s *Store) ListBuildingExpensesSince(ctx context.Context, q db.DBTX, buildingID uuid.UUID, since time.Time) ([]Expense, error) {
	rows, err := q.Query(ctx, `SELECT `+expenseColumns+` FROM expenses
WHERE building_id=$1 AND apartment_id IS NULL AND recurrence='NONE' AND parent_expense_id IS NULL AND expense_date >= $2
ORDER BY expense_date, id`, buildingID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Expense
	for rows.Next() {
		e, err := scanRowExpense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertShare persists one apartment's allocation.
func (s *Store) InsertShare(ctx context.Context, q db.DBTX, sh Share) (Share, error) {
	if sh.ID == uuid.Nil {
		sh.ID = uuid.New()
	}
	err := q.QueryRow(ctx, `INSERT INTO apartment_expense_shares (id, apartment_id, expense_id, amount)
VALUES ($1,$2,$3,$4) RETURNING amount_paid, is_canceled, created_at, updated_at`,
		sh.ID, sh.ApartmentID, sh.ExpenseID, sh.Amount).
		Scan(&sh.AmountPaid, &sh.IsCanceled, &sh.CreatedAt, &sh.UpdatedAt)
	if err != nil {
		return Share{}, err
	}
	return sh, nil
}

// GetShareForUpdate fetches one share with a row lock.
func (s *Store) GetShareForUpdate(ctx context.Context, q db.DBTX, id uuid.UUID) (Share, error) {
	var sh Share
	err := q.QueryRow(ctx, `SELECT `+shareColumns+` FROM apartment_expense_shares WHERE id=$1 FOR UPDATE`, id).
		Scan(&sh.ID, &sh.ApartmentID, &sh.ExpenseID, &sh.Amount, &sh.AmountPaid, &sh.IsCanceled, &sh.CreatedAt, &sh.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Share{}, shared.ErrNotFound
		}
		return Share{}, err
	}
	return sh, nil
}

// ListActiveShares returns an expense's non-canceled shares ordered by
// apartment id, keeping redistribution tie-breaks deterministic.
func (s *Store) ListActiveShares(ctx context.Context, q db.DBTX, expenseID uuid.UUID) ([]Share, error) {
	rows, err := q.Query(ctx, `SELECT `+shareColumns+` FROM apartment_expense_shares
WHERE expense_id=$1 AND is_canceled=FALSE ORDER BY apartment_id`, expenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Share
	for rows.Next() {
		var sh Share
		if err := rows.Scan(&sh.ID, &sh.ApartmentID, &sh.ExpenseID, &sh.Amount, &sh.AmountPaid, &sh.IsCanceled, &sh.CreatedAt, &sh.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// UpdateShareAmount rewrites a share's allocation after redistribution. The
// matching ledger correction (reversal plus re-post) is the caller's duty.
func (s *Store) UpdateShareAmount(ctx context.Context, q db.DBTX, id uuid.UUID, amount decimal.Decimal) error {
	cmd, err := q.Exec(ctx, `UPDATE apartment_expense_shares SET amount=$2, updated_at=NOW() WHERE id=$1 AND is_canceled=FALSE`, id, amount)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// MarkShareCanceled flags the share canceled.
func (s *Store) MarkShareCanceled(ctx context.Context, q db.DBTX, id uuid.UUID) error {
	cmd, err := q.Exec(ctx, `UPDATE apartment_expense_shares SET is_canceled=TRUE, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// MarkShareWaived settles the share in full without payment.
func (s *Store) MarkShareWaived(ctx context.Context, q db.DBTX, id uuid.UUID) error {
	cmd, err := q.Exec(ctx, `UPDATE apartment_expense_shares SET amount_paid=amount, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ApplyAllocation adds a payment allocation to the share, rejecting amounts
// beyond the outstanding remainder.
func (s *Store) ApplyAllocation(ctx context.Context, q db.DBTX, id uuid.UUID, amount decimal.Decimal) error {
	cmd, err := q.Exec(ctx, `UPDATE apartment_expense_shares SET amount_paid = amount_paid + $2, updated_at=NOW()
WHERE id=$1 AND is_canceled=FALSE AND amount_paid + $2 <= amount`, id, amount)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAllocationExceedsShare
	}
	return nil
}

// ReverseAllocation removes a previously applied allocation, used when the
// funding payment is canceled.
func (s *Store) ReverseAllocation(ctx context.Context, q db.DBTX, id uuid.UUID, amount decimal.Decimal) error {
	_, err := q.Exec(ctx, `UPDATE apartment_expense_shares SET amount_paid = GREATEST(amount_paid - $2, 0), updated_at=NOW() WHERE id=$1`, id, amount)
	return err
}

func nullString(val string) any {
	if val == "" {
		return nil
	}
	return val
}
