package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/domus-hq/domus/internal/platform/db"
	"github.com/domus-hq/domus/internal/shared"
)

type fakeEntryStore struct {
	entries  []Entry
	balances map[uuid.UUID]decimal.Decimal
	clock    time.Time
}

func newFakeEntryStore() *fakeEntryStore {
	return &fakeEntryStore{
		balances: map[uuid.UUID]decimal.Decimal{},
		clock:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeEntryStore) InsertEntry(ctx context.Context, q db.DBTX, in EntryInput) (Entry, error) {
	if err := in.Validate(); err != nil {
		return Entry{}, err
	}
	sourceID := in.SourceApartmentID
	if sourceID == uuid.Nil {
		sourceID = in.ApartmentID
	}
	f.clock = f.clock.Add(time.Second)
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
		CreatedAt:         f.clock,
	}
	f.entries = append(f.entries, entry)
	return entry, nil
}

func (f *fakeEntryStore) ListEntries(ctx context.Context, q db.DBTX, apartmentID uuid.UUID, opt ListOptions) ([]Entry, int, error) {
	if opt.Limit <= 0 {
		opt.Limit = 20
	}
	var matched []Entry
	for i := len(f.entries) - 1; i >= 0; i-- {
		e := f.entries[i]
		if e.ApartmentID != apartmentID {
			continue
		}
		if opt.PeriodID != nil && (e.PeriodID == nil || *e.PeriodID != *opt.PeriodID) {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	if opt.Offset >= total {
		return nil, total, nil
	}
	end := opt.Offset + opt.Limit
	if end > total {
		end = total
	}
	return matched[opt.Offset:end], total, nil
}

func (f *fakeEntryStore) SumBalance(ctx context.Context, q db.DBTX, apartmentID uuid.UUID, periodID *uuid.UUID) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, e := range f.entries {
		if e.ApartmentID != apartmentID {
			continue
		}
		if periodID != nil && (e.PeriodID == nil || *e.PeriodID != *periodID) {
			continue
		}
		sum = sum.Add(e.Signed())
	}
	return sum, nil
}

func (f *fakeEntryStore) RefreshCachedBalance(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (decimal.Decimal, error) {
	balance, _ := f.SumBalance(ctx, q, apartmentID, nil)
	f.balances[apartmentID] = balance
	return balance, nil
}

func (f *fakeEntryStore) HasChargeForMonth(ctx context.Context, q db.DBTX, apartmentID, sourceApartmentID uuid.UUID, ref ReferenceType, month time.Time) (bool, error) {
	target := MonthStart(month)
	for _, e := range f.entries {
		if e.ApartmentID == apartmentID && e.SourceApartmentID == sourceApartmentID &&
			e.ReferenceType == ref && e.ChargeMonth != nil && e.ChargeMonth.Equal(target) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeEntryStore) FindEntryPeriod(ctx context.Context, q db.DBTX, apartmentID uuid.UUID, ref ReferenceType, refID uuid.UUID) (*uuid.UUID, error) {
	for i := len(f.entries) - 1; i >= 0; i-- {
		e := f.entries[i]
		if e.ApartmentID == apartmentID && e.ReferenceType == ref &&
			e.ReferenceID != nil && *e.ReferenceID == refID {
			return e.PeriodID, nil
		}
	}
	return nil, nil
}

type fakePeriods struct {
	active map[uuid.UUID]uuid.UUID
}

func (f *fakePeriods) ActivePeriodID(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (*uuid.UUID, error) {
	if id, ok := f.active[apartmentID]; ok {
		out := id
		return &out, nil
	}
	return nil, nil
}

type fakeAudit struct {
	logs []shared.AuditLog
}

func (f *fakeAudit) Record(ctx context.Context, log shared.AuditLog) error {
	f.logs = append(f.logs, log)
	return nil
}

func stubTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}

func newTestService(store *fakeEntryStore, periods *fakePeriods, audit *fakeAudit) *Service {
	return NewService(nil, stubTx, store, periods, audit)
}

func TestRecordEntryPostsAndRefreshesBalance(t *testing.T) {
	store := newFakeEntryStore()
	apartmentID := uuid.New()
	periodID := uuid.New()
	periods := &fakePeriods{active: map[uuid.UUID]uuid.UUID{apartmentID: periodID}}
	audit := &fakeAudit{}
	svc := newTestService(store, periods, audit)

	entry, err := svc.RecordEntry(context.Background(), EntryInput{
		ApartmentID:   apartmentID,
		Type:          EntryDebit,
		Amount:        decimal.NewFromFloat(300),
		ReferenceType: RefSubscription,
		Description:   "Subscription 2026-03",
	})
	require.NoError(t, err)
	require.NotNil(t, entry.PeriodID)
	require.Equal(t, periodID, *entry.PeriodID)
	require.True(t, store.balances[apartmentID].Equal(decimal.NewFromFloat(-300)))
	require.Len(t, audit.logs, 1)
	require.Equal(t, "ledger.post", audit.logs[0].Action)
}

func TestRecordEntryRejectsInvalidAmount(t *testing.T) {
	svc := newTestService(newFakeEntryStore(), &fakePeriods{}, &fakeAudit{})

	_, err := svc.RecordEntry(context.Background(), EntryInput{
		ApartmentID:   uuid.New(),
		Type:          EntryDebit,
		Amount:        decimal.RequireFromString("10.123"),
		ReferenceType: RefExpense,
		Description:   "bad precision",
	})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.RecordEntry(context.Background(), EntryInput{
		ApartmentID:   uuid.New(),
		Type:          EntryCredit,
		Amount:        decimal.NewFromInt(-5),
		ReferenceType: RefPayment,
		Description:   "negative",
	})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRecordEntryAcceptsDivisionScaledCentAmounts(t *testing.T) {
	store := newFakeEntryStore()
	svc := newTestService(store, &fakePeriods{}, &fakeAudit{})

	// 33.34 carries a wide exponent when it comes out of decimal division;
	// the value is still an exact cent amount and must post.
	amount := decimal.RequireFromString("100.02").Div(decimal.NewFromInt(3))
	require.Less(t, int(amount.Exponent()), -2)

	entry, err := svc.RecordEntry(context.Background(), EntryInput{
		ApartmentID:   uuid.New(),
		Type:          EntryDebit,
		Amount:        amount,
		ReferenceType: RefExpense,
		Description:   "Cleaning service 2026-03",
	})
	require.NoError(t, err)
	require.True(t, entry.Amount.Equal(decimal.RequireFromString("33.34")))
}

func TestRecordReversalUsesOriginalPeriod(t *testing.T) {
	store := newFakeEntryStore()
	apartmentID := uuid.New()
	oldPeriod := uuid.New()
	paymentID := uuid.New()

	// the active period differs from the one the original credit carries
	periods := &fakePeriods{active: map[uuid.UUID]uuid.UUID{apartmentID: uuid.New()}}
	svc := newTestService(store, periods, &fakeAudit{})

	refID := paymentID
	period := oldPeriod
	_, err := store.InsertEntry(context.Background(), nil, EntryInput{
		ApartmentID:   apartmentID,
		Type:          EntryCredit,
		Amount:        decimal.NewFromFloat(120),
		ReferenceType: RefPayment,
		ReferenceID:   &refID,
		Description:   "Payment 2026-01-05",
		PeriodID:      &period,
	})
	require.NoError(t, err)

	reversal, err := svc.RecordReversal(context.Background(), ReversalInput{
		ApartmentID:       apartmentID,
		OriginalType:      EntryCredit,
		OriginalReference: RefPayment,
		OriginalRefID:     paymentID,
		Amount:            decimal.NewFromFloat(120),
		Description:       "Canceled payment 2026-01-05",
	})
	require.NoError(t, err)
	require.Equal(t, EntryDebit, reversal.Type)
	require.Equal(t, RefReversal, reversal.ReferenceType)
	require.NotNil(t, reversal.PeriodID)
	require.Equal(t, oldPeriod, *reversal.PeriodID)

	balance, err := svc.GetBalance(context.Background(), apartmentID, nil)
	require.NoError(t, err)
	require.True(t, balance.IsZero())
}

func TestWriteOffDebtPostsWaiverCredit(t *testing.T) {
	store := newFakeEntryStore()
	apartmentID := uuid.New()
	svc := newTestService(store, &fakePeriods{}, &fakeAudit{})

	_, err := store.InsertEntry(context.Background(), nil, EntryInput{
		ApartmentID:   apartmentID,
		Type:          EntryDebit,
		Amount:        decimal.NewFromFloat(83.40),
		ReferenceType: RefSubscription,
		Description:   "Subscription 2026-02",
	})
	require.NoError(t, err)

	entry, err := svc.WriteOffBalance(context.Background(), apartmentID, "admin")
	require.NoError(t, err)
	require.Equal(t, EntryCredit, entry.Type)
	require.Equal(t, RefWaiver, entry.ReferenceType)
	require.True(t, entry.Amount.Equal(decimal.NewFromFloat(83.40)))
	require.True(t, store.balances[apartmentID].IsZero())
}

func TestWriteOffCreditPostsDebitAdjustment(t *testing.T) {
	store := newFakeEntryStore()
	apartmentID := uuid.New()
	svc := newTestService(store, &fakePeriods{}, &fakeAudit{})

	_, err := store.InsertEntry(context.Background(), nil, EntryInput{
		ApartmentID:   apartmentID,
		Type:          EntryCredit,
		Amount:        decimal.NewFromFloat(40),
		ReferenceType: RefPayment,
		Description:   "Payment 2026-02-01",
	})
	require.NoError(t, err)

	entry, err := svc.WriteOffBalance(context.Background(), apartmentID, "admin")
	require.NoError(t, err)
	require.Equal(t, EntryDebit, entry.Type)
	require.True(t, entry.Amount.Equal(decimal.NewFromFloat(40)))
	require.True(t, store.balances[apartmentID].IsZero())
}

func TestWriteOffZeroBalanceRejected(t *testing.T) {
	svc := newTestService(newFakeEntryStore(), &fakePeriods{}, &fakeAudit{})
	_, err := svc.WriteOffBalance(context.Background(), uuid.New(), "admin")
	require.ErrorIs(t, err, ErrZeroBalance)
}

func TestGetLedgerPaginatesNewestFirst(t *testing.T) {
	store := newFakeEntryStore()
	apartmentID := uuid.New()
	svc := newTestService(store, &fakePeriods{}, &fakeAudit{})

	for i := 1; i <= 5; i++ {
		_, err := store.InsertEntry(context.Background(), nil, EntryInput{
			ApartmentID:   apartmentID,
			Type:          EntryDebit,
			Amount:        decimal.NewFromInt(int64(i)),
			ReferenceType: RefExpense,
			Description:   "expense",
		})
		require.NoError(t, err)
	}

	entries, pagination, err := svc.GetLedger(context.Background(), apartmentID, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 5, pagination.Total)
	require.True(t, entries[0].Amount.Equal(decimal.NewFromInt(5)))
	require.True(t, entries[1].Amount.Equal(decimal.NewFromInt(4)))

	entries, _, err = svc.GetLedger(context.Background(), apartmentID, ListOptions{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Amount.Equal(decimal.NewFromInt(1)))
}
