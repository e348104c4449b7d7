package expenses

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/domus-hq/domus/internal/ledger"
	"github.com/domus-hq/domus/internal/masterdata"
	"github.com/domus-hq/domus/internal/platform/db"
	"github.com/domus-hq/domus/internal/shared"
)

type fakeExpenseStore struct {
	expenses map[uuid.UUID]*Expense
	order    []uuid.UUID
	shares   map[uuid.UUID]*Share
	shareIDs []uuid.UUID
}

func newFakeExpenseStore() *fakeExpenseStore {
	return &fakeExpenseStore{
		expenses: map[uuid.UUID]*Expense{},
		shares:   map[uuid.UUID]*Share{},
	}
}

func (f *fakeExpenseStore) InsertExpense(ctx context.Context, q db.DBTX, e Expense) (Expense, error) {
	e.ID = uuid.New()
	stored := e
	f.expenses[e.ID] = &stored
	f.order = append(f.order, e.ID)
	return e, nil
}

func (f *fakeExpenseStore) GetExpense(ctx context.Context, q db.DBTX, id uuid.UUID) (Expense, error) {
	e, ok := f.expenses[id]
	if !ok {
		return Expense{}, shared.ErrNotFound
	}
	return *e, nil
}

func (f *fakeExpenseStore) ListRecurringParents(ctx context.Context, q db.DBTX) ([]Expense, error) {
	var out []Expense
	for _, id := range f.order {
		e := f.expenses[id]
		if e.Recurrence != RecurrenceNone && e.ParentID == nil {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeExpenseStore) HasChildForMonth(ctx context.Context, q db.DBTX, parentID uuid.UUID, month time.Time) (bool, error) {
	target := ledger.MonthStart(month)
	for _, e := range f.expenses {
		if e.ParentID != nil && *e.ParentID == parentID && ledger.MonthStart(e.ExpenseDate).Equal(target) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeExpenseStore) ListBuildingExpensesSince(ctx context.Context, q db.DBTX, buildingID uuid.UUID, since time.Time) ([]Expense, error) {
	var out []Expense
	for _, id := range f.order {
		e := f.expenses[id]
		if e.BuildingID == buildingID && e.ApartmentID == nil && e.ParentID == nil &&
			e.Recurrence == RecurrenceNone && !e.ExpenseDate.Before(since) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeExpenseStore) InsertShare(ctx context.Context, q db.DBTX, sh Share) (Share, error) {
	sh.ID = uuid.New()
	stored := sh
	f.shares[sh.ID] = &stored
	f.shareIDs = append(f.shareIDs, sh.ID)
	return sh, nil
}

func (f *fakeExpenseStore) GetShareForUpdate(ctx context.Context, q db.DBTX, id uuid.UUID) (Share, error) {
	sh, ok := f.shares[id]
	if !ok {
		return Share{}, shared.ErrNotFound
	}
	return *sh, nil
}

func (f *fakeExpenseStore) ListActiveShares(ctx context.Context, q db.DBTX, expenseID uuid.UUID) ([]Share, error) {
	var out []Share
	for _, id := range f.shareIDs {
		sh := f.shares[id]
		if sh.ExpenseID == expenseID && !sh.IsCanceled {
			out = append(out, *sh)
		}
	}
	return out, nil
}

func (f *fakeExpenseStore) UpdateShareAmount(ctx context.Context, q db.DBTX, id uuid.UUID, amount decimal.Decimal) error {
	f.shares[id].Amount = amount
	return nil
}

func (f *fakeExpenseStore) MarkShareCanceled(ctx context.Context, q db.DBTX, id uuid.UUID) error {
	f.shares[id].IsCanceled = true
	return nil
}

func (f *fakeExpenseStore) MarkShareWaived(ctx context.Context, q db.DBTX, id uuid.UUID) error {
	sh := f.shares[id]
	sh.AmountPaid = sh.Amount
	return nil
}

func (f *fakeExpenseStore) sharesFor(expenseID uuid.UUID) []Share {
	var out []Share
	for _, id := range f.shareIDs {
		if f.shares[id].ExpenseID == expenseID {
			out = append(out, *f.shares[id])
		}
	}
	return out
}

type fakeApartments struct {
	apartments map[uuid.UUID]masterdata.Apartment
	order      []uuid.UUID
}

func newFakeApartments() *fakeApartments {
	return &fakeApartments{apartments: map[uuid.UUID]masterdata.Apartment{}}
}

func (f *fakeApartments) add(apt masterdata.Apartment) {
	f.apartments[apt.ID] = apt
	f.order = append(f.order, apt.ID)
}

func (f *fakeApartments) GetApartment(ctx context.Context, q db.DBTX, id uuid.UUID) (masterdata.Apartment, error) {
	apt, ok := f.apartments[id]
	if !ok {
		return masterdata.Apartment{}, shared.ErrNotFound
	}
	return apt, nil
}

func (f *fakeApartments) ListOccupiedRegular(ctx context.Context, q db.DBTX, buildingID uuid.UUID, asOf time.Time) ([]masterdata.Apartment, error) {
	var out []masterdata.Apartment
	for _, id := range f.order {
		apt := f.apartments[id]
		if apt.BuildingID == buildingID && apt.Type == masterdata.TypeRegular &&
			apt.Status == masterdata.StatusOccupied && apt.OccupancyStart != nil &&
			!apt.OccupancyStart.After(asOf) {
			out = append(out, apt)
		}
	}
	return out, nil
}

type fakeLedger struct {
	entries  []ledger.Entry
	balances map[uuid.UUID]decimal.Decimal
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[uuid.UUID]decimal.Decimal{}}
}

func (f *fakeLedger) InsertEntry(ctx context.Context, q db.DBTX, in ledger.EntryInput) (ledger.Entry, error) {
	if err := in.Validate(); err != nil {
		return ledger.Entry{}, err
	}
	sourceID := in.SourceApartmentID
	if sourceID == uuid.Nil {
		sourceID = in.ApartmentID
	}
	entry := ledger.Entry{
		ID:                uuid.New(),
		ApartmentID:       in.ApartmentID,
		SourceApartmentID: sourceID,
		Type:              in.Type,
		Amount:            in.Amount,
		ReferenceType:     in.ReferenceType,
		ReferenceID:       in.ReferenceID,
		Description:       in.Description,
		PeriodID:          in.PeriodID,
	}
	f.entries = append(f.entries, entry)
	return entry, nil
}

func (f *fakeLedger) RefreshCachedBalance(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, e := range f.entries {
		if e.ApartmentID == apartmentID {
			sum = sum.Add(e.Signed())
		}
	}
	f.balances[apartmentID] = sum
	return sum, nil
}

func (f *fakeLedger) entriesFor(apartmentID uuid.UUID) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range f.entries {
		if e.ApartmentID == apartmentID {
			out = append(out, e)
		}
	}
	return out
}

type fakePeriods struct{}

func (fakePeriods) ActivePeriodID(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (*uuid.UUID, error) {
	return nil, nil
}

func stubTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func occupiedApartment(buildingID uuid.UUID, number string, start time.Time) masterdata.Apartment {
	startDate := start
	return masterdata.Apartment{
		ID:             uuid.New(),
		BuildingID:     buildingID,
		Number:         number,
		Type:           masterdata.TypeRegular,
		Status:         masterdata.StatusOccupied,
		OccupancyStart: &startDate,
	}
}

func newTestService(store *fakeExpenseStore, apartments *fakeApartments, entries *fakeLedger, now time.Time) *Service {
	svc := NewService(nil, stubTx, store, apartments, entries, fakePeriods{}, testLogger())
	svc.WithNow(func() time.Time { return now })
	return svc
}

func TestCreateExpenseSplitsEvenlyPennyExact(t *testing.T) {
	buildingID := uuid.New()
	jan1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	apartments := newFakeApartments()
	for _, number := range []string{"1A", "1B", "2A"} {
		apartments.add(occupiedApartment(buildingID, number, jan1))
	}
	store := newFakeExpenseStore()
	entries := newFakeLedger()
	svc := newTestService(store, apartments, entries, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	expense, err := svc.CreateExpense(context.Background(), CreateExpenseInput{
		BuildingID:  buildingID,
		Description: "Elevator maintenance",
		Amount:      decimal.NewFromInt(100),
		ExpenseDate: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC),
		Actor:       "admin",
	})
	require.NoError(t, err)

	shares := store.sharesFor(expense.ID)
	require.Len(t, shares, 3)
	require.True(t, shares[0].Amount.Equal(decimal.RequireFromString("33.34")))
	require.True(t, shares[1].Amount.Equal(decimal.RequireFromString("33.33")))
	require.True(t, shares[2].Amount.Equal(decimal.RequireFromString("33.33")))

	total := decimal.Zero
	for _, sh := range shares {
		total = total.Add(sh.Amount)
	}
	require.True(t, total.Equal(decimal.NewFromInt(100)))
	require.Len(t, entries.entries, 3)
}

func TestCreateExpenseEmptyBuildingRejected(t *testing.T) {
	svc := newTestService(newFakeExpenseStore(), newFakeApartments(), newFakeLedger(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	_, err := svc.CreateExpense(context.Background(), CreateExpenseInput{
		BuildingID:  uuid.New(),
		Description: "Roof repair",
		Amount:      decimal.NewFromInt(500),
	})
	require.ErrorIs(t, err, ErrNoOccupiedApartments)
}

func TestCreateExpenseRejectsBadAmounts(t *testing.T) {
	svc := newTestService(newFakeExpenseStore(), newFakeApartments(), newFakeLedger(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	_, err := svc.CreateExpense(context.Background(), CreateExpenseInput{
		BuildingID:  uuid.New(),
		Description: "Negative",
		Amount:      decimal.NewFromInt(-10),
	})
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.CreateExpense(context.Background(), CreateExpenseInput{
		BuildingID:  uuid.New(),
		Description: "Sub-cent",
		Amount:      decimal.RequireFromString("10.005"),
	})
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestCreateExpenseChargesChildUnitViaParentLedger(t *testing.T) {
	buildingID := uuid.New()
	parentID := uuid.New()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	storage := masterdata.Apartment{
		ID:             uuid.New(),
		BuildingID:     buildingID,
		Number:         "S-1",
		Type:           masterdata.TypeStorage,
		ParentID:       &parentID,
		Status:         masterdata.StatusOccupied,
		OccupancyStart: &start,
	}
	apartments := newFakeApartments()
	apartments.add(storage)
	store := newFakeExpenseStore()
	entries := newFakeLedger()
	svc := newTestService(store, apartments, entries, start)

	_, err := svc.CreateExpense(context.Background(), CreateExpenseInput{
		BuildingID:  buildingID,
		ApartmentID: &storage.ID,
		Description: "Lock replacement",
		Amount:      decimal.NewFromInt(45),
	})
	require.NoError(t, err)
	require.Len(t, entries.entries, 1)
	posted := entries.entries[0]
	require.Equal(t, parentID, posted.ApartmentID)
	require.Equal(t, storage.ID, posted.SourceApartmentID)
	require.Equal(t, "Storage S-1: Lock replacement", posted.Description)
}

func TestRecurringExpenseGeneratesChildrenPerMonth(t *testing.T) {
	buildingID := uuid.New()
	jan1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	apartments := newFakeApartments()
	apartments.add(occupiedApartment(buildingID, "1A", jan1))
	apartments.add(occupiedApartment(buildingID, "1B", jan1))
	store := newFakeExpenseStore()
	entries := newFakeLedger()
	// it is March: Jan, Feb, Mar are covered
	svc := newTestService(store, apartments, entries, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))

	parent, err := svc.CreateExpense(context.Background(), CreateExpenseInput{
		BuildingID:  buildingID,
		Description: "Cleaning service",
		Amount:      decimal.NewFromInt(80),
		ExpenseDate: jan1,
		Recurrence:  RecurrenceMonthly,
		Actor:       "admin",
	})
	require.NoError(t, err)

	// parent itself carries no shares; three children do
	require.Empty(t, store.sharesFor(parent.ID))
	var children []Expense
	for _, id := range store.order {
		e := store.expenses[id]
		if e.ParentID != nil && *e.ParentID == parent.ID {
			children = append(children, *e)
		}
	}
	require.Len(t, children, 3)
	require.Equal(t, "Cleaning service 2026-01", children[0].Description)
	require.Equal(t, "Cleaning service 2026-03", children[2].Description)
	require.True(t, children[0].ExpenseDate.Equal(jan1))

	for _, child := range children {
		require.Len(t, store.sharesFor(child.ID), 2)
	}
	// 3 months x 2 apartments
	require.Len(t, entries.entries, 6)

	// a second run creates nothing new
	require.NoError(t, svc.ProcessRecurringExpenses(context.Background()))
	require.Len(t, entries.entries, 6)
}

func TestRecurringExpenseSkipsEmptyMonths(t *testing.T) {
	buildingID := uuid.New()
	feb1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	apartments := newFakeApartments()
	// only occupant moved in Feb 1, so January has no one to charge
	apartments.add(occupiedApartment(buildingID, "1A", feb1))
	store := newFakeExpenseStore()
	entries := newFakeLedger()
	svc := newTestService(store, apartments, entries, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC))

	parent, err := svc.CreateExpense(context.Background(), CreateExpenseInput{
		BuildingID:  buildingID,
		Description: "Gardening",
		Amount:      decimal.NewFromInt(50),
		ExpenseDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Recurrence:  RecurrenceMonthly,
	})
	require.NoError(t, err)

	var months []string
	for _, id := range store.order {
		e := store.expenses[id]
		if e.ParentID != nil && *e.ParentID == parent.ID {
			months = append(months, e.ExpenseDate.Format("2006-01"))
		}
	}
	require.Equal(t, []string{"2026-02"}, months)
	require.Len(t, entries.entries, 1)
}

func TestBackfillRedistributesByOccupiedDays(t *testing.T) {
	buildingID := uuid.New()
	jan1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	aptA := occupiedApartment(buildingID, "1A", jan1)
	aptB := occupiedApartment(buildingID, "1B", jan1)
	apartments := newFakeApartments()
	apartments.add(aptA)
	apartments.add(aptB)
	store := newFakeExpenseStore()
	entries := newFakeLedger()
	svc := newTestService(store, apartments, entries, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))

	expense, err := svc.CreateExpense(context.Background(), CreateExpenseInput{
		BuildingID:  buildingID,
		Description: "Facade repair",
		Amount:      decimal.NewFromInt(300),
		ExpenseDate: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		Actor:       "admin",
	})
	require.NoError(t, err)

	// apartment C moves in Jan 17: weights become 31/31/15
	aptC := occupiedApartment(buildingID, "2A", time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC))
	apartments.add(aptC)
	require.NoError(t, svc.BackfillExpenses(context.Background(), nil, aptC.ID, buildingID, *aptC.OccupancyStart, "admin"))

	shares := store.sharesFor(expense.ID)
	require.Len(t, shares, 3)
	require.True(t, shares[0].Amount.Equal(decimal.RequireFromString("120.78")))
	require.True(t, shares[1].Amount.Equal(decimal.RequireFromString("120.78")))
	require.True(t, shares[2].Amount.Equal(decimal.RequireFromString("58.44")))

	total := decimal.Zero
	for _, sh := range shares {
		total = total.Add(sh.Amount)
	}
	require.True(t, total.Equal(decimal.NewFromInt(300)))

	// existing holders were corrected by reversal plus re-post, not edits
	aEntries := entries.entriesFor(aptA.ID)
	require.Len(t, aEntries, 3)
	require.Equal(t, ledger.RefExpense, aEntries[0].ReferenceType)
	require.True(t, aEntries[0].Amount.Equal(decimal.NewFromInt(150)))
	require.Equal(t, ledger.RefReversal, aEntries[1].ReferenceType)
	require.Equal(t, "Reversal: Facade repair", aEntries[1].Description)
	require.Equal(t, "Facade repair (redistributed)", aEntries[2].Description)
	require.True(t, entries.balances[aptA.ID].Equal(decimal.RequireFromString("-120.78")))

	cEntries := entries.entriesFor(aptC.ID)
	require.Len(t, cEntries, 1)
	require.True(t, entries.balances[aptC.ID].Equal(decimal.RequireFromString("-58.44")))
}

func TestBackfillIsIdempotent(t *testing.T) {
	buildingID := uuid.New()
	jan1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	aptA := occupiedApartment(buildingID, "1A", jan1)
	apartments := newFakeApartments()
	apartments.add(aptA)
	store := newFakeExpenseStore()
	entries := newFakeLedger()
	svc := newTestService(store, apartments, entries, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))

	_, err := svc.CreateExpense(context.Background(), CreateExpenseInput{
		BuildingID:  buildingID,
		Description: "Facade repair",
		Amount:      decimal.NewFromInt(300),
		ExpenseDate: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	aptC := occupiedApartment(buildingID, "2A", time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC))
	apartments.add(aptC)
	require.NoError(t, svc.BackfillExpenses(context.Background(), nil, aptC.ID, buildingID, *aptC.OccupancyStart, "admin"))
	posted := len(entries.entries)

	require.NoError(t, svc.BackfillExpenses(context.Background(), nil, aptC.ID, buildingID, *aptC.OccupancyStart, "admin"))
	require.Len(t, entries.entries, posted)
}

func TestCancelShareReversesFullDebit(t *testing.T) {
	buildingID := uuid.New()
	jan1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	apt := occupiedApartment(buildingID, "1A", jan1)
	apartments := newFakeApartments()
	apartments.add(apt)
	store := newFakeExpenseStore()
	entries := newFakeLedger()
	svc := newTestService(store, apartments, entries, jan1)

	expense, err := svc.CreateExpense(context.Background(), CreateExpenseInput{
		BuildingID:  buildingID,
		Description: "Window cleaning",
		Amount:      decimal.NewFromInt(60),
		ExpenseDate: jan1,
	})
	require.NoError(t, err)
	shareID := store.sharesFor(expense.ID)[0].ID

	require.NoError(t, svc.CancelApartmentExpense(context.Background(), shareID, "admin"))
	require.True(t, entries.balances[apt.ID].IsZero())

	last := entries.entries[len(entries.entries)-1]
	require.Equal(t, ledger.EntryCredit, last.Type)
	require.Equal(t, ledger.RefReversal, last.ReferenceType)
	require.Equal(t, "Canceled: Window cleaning", last.Description)

	require.ErrorIs(t, svc.CancelApartmentExpense(context.Background(), shareID, "admin"), ErrShareCanceled)
}

func TestWaiveShareCreditsOutstandingOnly(t *testing.T) {
	buildingID := uuid.New()
	jan1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	apt := occupiedApartment(buildingID, "1A", jan1)
	apartments := newFakeApartments()
	apartments.add(apt)
	store := newFakeExpenseStore()
	entries := newFakeLedger()
	svc := newTestService(store, apartments, entries, jan1)

	expense, err := svc.CreateExpense(context.Background(), CreateExpenseInput{
		BuildingID:  buildingID,
		Description: "Boiler service",
		Amount:      decimal.NewFromInt(100),
		ExpenseDate: jan1,
	})
	require.NoError(t, err)
	shareID := store.sharesFor(expense.ID)[0].ID

	// 40 already paid, 60 remains
	store.shares[shareID].AmountPaid = decimal.NewFromInt(40)

	require.NoError(t, svc.WaiveApartmentExpense(context.Background(), shareID, "admin"))
	last := entries.entries[len(entries.entries)-1]
	require.Equal(t, ledger.RefWaiver, last.ReferenceType)
	require.True(t, last.Amount.Equal(decimal.NewFromInt(60)))
	require.Equal(t, "Waived: Boiler service", last.Description)

	// settled in full now, nothing left to waive
	require.ErrorIs(t, svc.WaiveApartmentExpense(context.Background(), shareID, "admin"), ErrNothingOutstanding)
}
