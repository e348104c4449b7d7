package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/domus-hq/domus/internal/platform/db"
	"github.com/domus-hq/domus/internal/shared"
)

const paymentColumns = `id, apartment_id, amount, method, payment_date, reference, is_canceled, created_by, created_at`

// Store provides PostgreSQL backed persistence for payments and allocations.
type Store struct{}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{}
}

// InsertPayment persists a new payment.
func (s *Store) InsertPayment(ctx context.Context, q db.DBTX, p Payment) (Payment, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := q.QueryRow(ctx, `INSERT INTO payments (id, apartment_id, amount, method, payment_date, reference, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING is_canceled, created_at`,
		p.ID, p.ApartmentID, p.Amount, p.Method, p.PaymentDate, nullString(p.Reference), nullString(p.CreatedBy)).
		Scan(&p.IsCanceled, &p.CreatedAt)
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

// GetPaymentForUpdate fetches one payment with a row lock.
func (s *Store) GetPaymentForUpdate(ctx context.Context, q db.DBTX, id uuid.UUID) (Payment, error) {
	var p Payment
	var reference, createdBy *string
	err := q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1 FOR UPDATE`, id).
		Scan(&p.ID, &p.ApartmentID, &p.Amount, &p.Method, &p.PaymentDate, &reference, &p.IsCanceled, &createdBy, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, shared.ErrNotFound
		}
		return Payment{}, err
	}
	if reference != nil {
		p.Reference = *reference
	}
	if createdBy != nil {
		p.CreatedBy = *createdBy
	}
	return p, nil
}

// MarkPaymentCanceled flags the payment canceled.
func (s *Store) MarkPaymentCanceled(ctx context.Context, q db.DBTX, id uuid.UUID) error {
	cmd, err := q.Exec(ctx, `UPDATE payments SET is_canceled=TRUE WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// InsertAllocation persists one payment-to-share earmark.
func (s *Store) InsertAllocation(ctx context.Context, q db.DBTX, a Allocation) (Allocation, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := q.QueryRow(ctx, `INSERT INTO payment_allocations (id, payment_id, share_id, amount)
VALUES ($1,$2,$3,$4) RETURNING created_at`,
		a.ID, a.PaymentID, a.ShareID, a.Amount).Scan(&a.CreatedAt)
	if err != nil {
		return Allocation{}, err
	}
	return a, nil
}

// ListAllocations returns a payment's earmarks ordered by creation.
func (s *Store) ListAllocations(ctx context.Context, q db.DBTX, paymentID uuid.UUID) ([]Allocation, error) {
	rows, err := q.Query(ctx, `SELECT id, payment_id, share_id, amount, created_at FROM payment_allocations
WHERE payment_id=$1 ORDER BY created_at, id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.ShareID, &a.Amount, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(val string) any {
	if val == "" {
		return nil
	}
	return val
}
