package expenses

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/domus-hq/domus/internal/allocation"
	"github.com/domus-hq/domus/internal/ledger"
	"github.com/domus-hq/domus/internal/masterdata"
	"github.com/domus-hq/domus/internal/platform/db"
)

// ExpenseStore is the expense/share persistence surface.
type ExpenseStore interface {
	InsertExpense(ctx context.Context, q db.DBTX, e Expense) (Expense, error)
	GetExpense(ctx context.Context, q db.DBTX, id uuid.UUID) (Expense, error)
	ListRecurringParents(ctx context.Context, q db.DBTX) ([]Expense, error)
	HasChildForMonth(ctx context.Context, q db.DBTX, parentID uuid.UUID, month time.Time) (bool, error)
	ListBuildingExpensesSince(ctx context.Context, q db.DBTX, buildingID uuid.UUID, since time.Time) ([]Expense, error)
	InsertShare(ctx context.Context, q db.DBTX, sh Share) (Share, error)
	GetShareForUpdate(ctx context.Context, q db.DBTX, id uuid.UUID) (Share, error)
	ListActiveShares(ctx context.Context, q db.DBTX, expenseID uuid.UUID) ([]Share, error)
	UpdateShareAmount(ctx context.Context, q db.DBTX, id uuid.UUID, amount decimal.Decimal) error
	MarkShareCanceled(ctx context.Context, q db.DBTX, id uuid.UUID) error
	MarkShareWaived(ctx context.Context, q db.DBTX, id uuid.UUID) error
}

// ApartmentStore is the apartment read surface the splitter needs.
type ApartmentStore interface {
	GetApartment(ctx context.Context, q db.DBTX, id uuid.UUID) (masterdata.Apartment, error)
	ListOccupiedRegular(ctx context.Context, q db.DBTX, buildingID uuid.UUID, asOf time.Time) ([]masterdata.Apartment, error)
}

// LedgerStore is the ledger slice expense splitting posts through.
type LedgerStore interface {
	InsertEntry(ctx context.Context, q db.DBTX, in ledger.EntryInput) (ledger.Entry, error)
	RefreshCachedBalance(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (decimal.Decimal, error)
}

// PeriodLookup resolves the active tenancy for fresh postings.
type PeriodLookup interface {
	ActivePeriodID(ctx context.Context, q db.DBTX, apartmentID uuid.UUID) (*uuid.UUID, error)
}

// Service creates expenses, splits them among occupied apartments and keeps
// the historical allocation consistent when occupancy changes mid-stream.
type Service struct {
	q          db.DBTX
	runTx      db.TxRunner
	store      ExpenseStore
	apartments ApartmentStore
	entries    LedgerStore
	periods    PeriodLookup
	validate   *validator.Validate
	logger     *slog.Logger
	now        func() time.Time
}

// NewService builds Service instance.
func NewService(q db.DBTX, runTx db.TxRunner, store ExpenseStore, apartments ApartmentStore, entries LedgerStore, periods PeriodLookup, logger *slog.Logger) *Service {
	return &Service{
		q:          q,
		runTx:      runTx,
		store:      store,
		apartments: apartments,
		entries:    entries,
		periods:    periods,
		validate:   validator.New(),
		logger:     logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateExpense records a new expense and posts its debits in one
// transaction. Single-apartment expenses charge that unit's ledger directly;
// building-wide one-off expenses split evenly among the currently occupied
// regular apartments; recurring parents are never charged themselves and
// instead spawn child expenses for every month already covered.
func (s *Service) CreateExpense(ctx context.Context, in CreateExpenseInput) (Expense, error) {
	if err := s.validate.Struct(in); err != nil {
		return Expense{}, err
	}
	if !in.Amount.IsPositive() || !in.Amount.Equal(in.Amount.Round(2)) {
		return Expense{}, ledger.ErrInvalidAmount
	}
	if in.Recurrence == "" {
		in.Recurrence = RecurrenceNone
	}
	if in.ExpenseDate.IsZero() {
		in.ExpenseDate = s.now()
	}
	if in.Recurrence != RecurrenceNone && in.RecurringStart == nil {
		start := in.ExpenseDate
		in.RecurringStart = &start
	}

	var expense Expense
	err := s.runTx(ctx, func(tx pgx.Tx) error {
		var err error
		expense, err = s.store.InsertExpense(ctx, tx, Expense{
			BuildingID:     in.BuildingID,
			ApartmentID:    in.ApartmentID,
			Description:    in.Description,
			Amount:         in.Amount,
			ExpenseDate:    in.ExpenseDate,
			Recurrence:     in.Recurrence,
			RecurringStart: in.RecurringStart,
			RecurringEnd:   in.RecurringEnd,
			CreatedBy:      in.Actor,
		})
		if err != nil {
			return err
		}

		switch {
		case in.ApartmentID != nil:
			return s.chargeSingleApartment(ctx, tx, expense, *in.ApartmentID)
		case in.Recurrence != RecurrenceNone:
			return s.generateChildren(ctx, tx, expense)
		default:
			return s.splitAmongOccupied(ctx, tx, expense, expense.ExpenseDate)
		}
	})
	if err != nil {
		return Expense{}, err
	}
	return expense, nil
}

// chargeSingleApartment posts the full amount against one unit. Storage and
// parking units route the debit to the parent apartment's ledger.
func (s *Service) chargeSingleApartment(ctx context.Context, q db.DBTX, expense Expense, apartmentID uuid.UUID) error {
	apt, err := s.apartments.GetApartment(ctx, q, apartmentID)
	if err != nil {
		return err
	}
	if _, err := s.store.InsertShare(ctx, q, Share{
		ApartmentID: apt.ID,
		ExpenseID:   expense.ID,
		Amount:      expense.Amount,
	}); err != nil {
		return err
	}

	ledgerID := apt.LedgerApartmentID()
	description := expense.Description
	if apt.IsChildUnit() {
		description = fmt.Sprintf("%s: %s", apt.UnitLabel(), expense.Description)
	}
	if err := s.postExpenseDebit(ctx, q, expense, ledgerID, apt.ID, expense.Amount, description); err != nil {
		return err
	}
	_, err = s.entries.RefreshCachedBalance(ctx, q, ledgerID)
	return err
}

// splitAmongOccupied splits the expense evenly among the regular apartments
// occupied as of the given date, penny-exact via largest remainder.
func (s *Service) splitAmongOccupied(ctx context.Context, q db.DBTX, expense Expense, asOf time.Time) error {
	occupants, err := s.apartments.ListOccupiedRegular(ctx, q, expense.BuildingID, asOf)
	if err != nil {
		return err
	}
	if len(occupants) == 0 {
		return ErrNoOccupiedApartments
	}
	shares, err := allocation.SplitEven(expense.Amount, len(occupants))
	if err != nil {
		return err
	}
	for i, apt := range occupants {
		if _, err := s.store.InsertShare(ctx, q, Share{
			ApartmentID: apt.ID,
			ExpenseID:   expense.ID,
			Amount:      shares[i],
		}); err != nil {
			return err
		}
		if err := s.postExpenseDebit(ctx, q, expense, apt.ID, apt.ID, shares[i], expense.Description); err != nil {
			return err
		}
		if _, err := s.entries.RefreshCachedBalance(ctx, q, apt.ID); err != nil {
			return err
		}
	}
	return nil
}

// GenerateChildExpenses generates the missing child expenses for one
// recurring parent in its own transaction.
func (s *Service) GenerateChildExpenses(ctx context.Context, parentID uuid.UUID) error {
	return s.runTx(ctx, func(tx pgx.Tx) error {
		parent, err := s.store.GetExpense(ctx, tx, parentID)
		if err != nil {
			return err
		}
		return s.generateChildren(ctx, tx, parent)
	})
}

// generateChildren walks the parent's covered months and creates one child
// expense per month that does not have one yet. Each child is dated the 1st
// of its month and split among the apartments occupied in that month; months
// with no occupants are skipped and retried on the next run.
func (s *Service) generateChildren(ctx context.Context, q db.DBTX, parent Expense) error {
	if parent.Recurrence == RecurrenceNone || parent.ParentID != nil {
		return nil
	}
	start := parent.ExpenseDate
	if parent.RecurringStart != nil {
		start = *parent.RecurringStart
	}
	last := ledger.MonthStart(s.now())
	if parent.RecurringEnd != nil && parent.RecurringEnd.Before(last) {
		last = ledger.MonthStart(*parent.RecurringEnd)
	}

	for month := ledger.MonthStart(start); !month.After(last); month = s.nextOccurrence(month, parent.Recurrence) {
		exists, err := s.store.HasChildForMonth(ctx, q, parent.ID, month)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		monthEnd := month.AddDate(0, 1, -1)
		occupants, err := s.apartments.ListOccupiedRegular(ctx, q, parent.BuildingID, monthEnd)
		if err != nil {
			return err
		}
		if len(occupants) == 0 {
			continue
		}
		parentID := parent.ID
		child, err := s.store.InsertExpense(ctx, q, Expense{
			BuildingID:  parent.BuildingID,
			ParentID:    &parentID,
			Description: fmt.Sprintf("%s %s", parent.Description, month.Format("2006-01")),
			Amount:      parent.Amount,
			ExpenseDate: month,
			Recurrence:  RecurrenceNone,
			CreatedBy:   parent.CreatedBy,
		})
		if err != nil {
			return err
		}
		shares, err := allocation.SplitEven(child.Amount, len(occupants))
		if err != nil {
			return err
		}
		for i, apt := range occupants {
			if _, err := s.store.InsertShare(ctx, q, Share{
				ApartmentID: apt.ID,
				ExpenseID:   child.ID,
				Amount:      shares[i],
			}); err != nil {
				return err
			}
			if err := s.postExpenseDebit(ctx, q, child, apt.ID, apt.ID, shares[i], child.Description); err != nil {
				return err
			}
			if _, err := s.entries.RefreshCachedBalance(ctx, q, apt.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) nextOccurrence(month time.Time, rec Recurrence) time.Time {
	if rec == RecurrenceYearly {
		return month.AddDate(1, 0, 0)
	}
	return month.AddDate(0, 1, 0)
}

// ProcessRecurringExpenses generates child expenses for every recurring
// parent, each in its own transaction. One parent failing is logged with its
// context and never aborts the rest of the batch.
func (s *Service) ProcessRecurringExpenses(ctx context.Context) error {
	parents, err := s.store.ListRecurringParents(ctx, s.q)
	if err != nil {
		return err
	}
	failures := 0
	for _, parent := range parents {
		if err := s.GenerateChildExpenses(ctx, parent.ID); err != nil {
			failures++
			s.logger.Error("recurring expense generation failed",
				slog.String("expense_id", parent.ID.String()),
				slog.String("building_id", parent.BuildingID.String()),
				slog.Any("error", err))
		}
	}
	s.logger.Info("recurring expense run complete",
		slog.Int("parents", len(parents)),
		slog.Int("failures", failures))
	return nil
}

// BackfillExpenses folds a newly occupied apartment into the building
// expenses accrued since its occupancy month began, inside the caller's unit
// of work. Each affected expense is redistributed by occupied days via
// largest remainder; an existing share whose amount changes is corrected by
// reversing its old debit and posting a fresh one, never by editing the
// historical entry.
func (s *Service) BackfillExpenses(ctx context.Context, q db.DBTX, apartmentID, buildingID uuid.UUID, occupancyStart time.Time, actor string) error {
	since := ledger.MonthStart(occupancyStart)
	candidates, err := s.store.ListBuildingExpensesSince(ctx, q, buildingID, since)
	if err != nil {
		return err
	}
	touched := map[uuid.UUID]struct{}{}

	for _, expense := range candidates {
		existing, err := s.store.ListActiveShares(ctx, q, expense.ID)
		if err != nil {
			return err
		}
		if hasShareFor(existing, apartmentID) {
			continue
		}

		year, month := expense.ExpenseDate.Year(), expense.ExpenseDate.Month()
		weights := make([]int64, 0, len(existing)+1)
		for _, sh := range existing {
			holder, err := s.apartments.GetApartment(ctx, q, sh.ApartmentID)
			if err != nil {
				return err
			}
			weights = append(weights, occupiedWeight(holder.OccupancyStart, year, month))
		}
		weights = append(weights, int64(allocation.OccupiedDays(occupancyStart, year, month)))

		amounts, err := allocation.SplitByWeights(expense.Amount, weights)
		if err != nil {
			return err
		}

		for i, sh := range existing {
			if amounts[i].Equal(sh.Amount) {
				continue
			}
			expenseID := expense.ID
			reversal := fmt.Sprintf("Reversal: %s", expense.Description)
			if err := s.postEntry(ctx, q, ledger.EntryInput{
				ApartmentID:   sh.ApartmentID,
				Type:          ledger.EntryCredit,
				Amount:        sh.Amount,
				ReferenceType: ledger.RefReversal,
				ReferenceID:   &expenseID,
				Description:   reversal,
				CreatedBy:     actor,
			}); err != nil {
				return err
			}
			if err := s.postExpenseDebit(ctx, q, expense, sh.ApartmentID, sh.ApartmentID, amounts[i], fmt.Sprintf("%s (redistributed)", expense.Description)); err != nil {
				return err
			}
			if err := s.store.UpdateShareAmount(ctx, q, sh.ID, amounts[i]); err != nil {
				return err
			}
			touched[sh.ApartmentID] = struct{}{}
		}

		newAmount := amounts[len(amounts)-1]
		if _, err := s.store.InsertShare(ctx, q, Share{
			ApartmentID: apartmentID,
			ExpenseID:   expense.ID,
			Amount:      newAmount,
		}); err != nil {
			return err
		}
		if err := s.postExpenseDebit(ctx, q, expense, apartmentID, apartmentID, newAmount, expense.Description); err != nil {
			return err
		}
		touched[apartmentID] = struct{}{}
	}

	for id := range touched {
		if _, err := s.entries.RefreshCachedBalance(ctx, q, id); err != nil {
			return err
		}
	}
	return nil
}

// CancelApartmentExpense voids one share: the full original debit is
// reversed and the share is flagged canceled.
func (s *Service) CancelApartmentExpense(ctx context.Context, shareID uuid.UUID, actor string) error {
	return s.runTx(ctx, func(tx pgx.Tx) error {
		sh, err := s.store.GetShareForUpdate(ctx, tx, shareID)
		if err != nil {
			return err
		}
		if sh.IsCanceled {
			return ErrShareCanceled
		}
		expense, err := s.store.GetExpense(ctx, tx, sh.ExpenseID)
		if err != nil {
			return err
		}
		expenseID := expense.ID
		if err := s.postEntry(ctx, tx, ledger.EntryInput{
			ApartmentID:   sh.ApartmentID,
			Type:          ledger.EntryCredit,
			Amount:        sh.Amount,
			ReferenceType: ledger.RefReversal,
			ReferenceID:   &expenseID,
			Description:   fmt.Sprintf("Canceled: %s", expense.Description),
			CreatedBy:     actor,
		}); err != nil {
			return err
		}
		if err := s.store.MarkShareCanceled(ctx, tx, sh.ID); err != nil {
			return err
		}
		_, err = s.entries.RefreshCachedBalance(ctx, tx, sh.ApartmentID)
		return err
	})
}

// WaiveApartmentExpense forgives a share's outstanding remainder: a waiver
// credit is posted for the unpaid part only and the share is marked settled.
// Payments already applied stay untouched.
func (s *Service) WaiveApartmentExpense(ctx context.Context, shareID uuid.UUID, actor string) error {
	return s.runTx(ctx, func(tx pgx.Tx) error {
		sh, err := s.store.GetShareForUpdate(ctx, tx, shareID)
		if err != nil {
			return err
		}
		if sh.IsCanceled {
			return ErrShareCanceled
		}
		outstanding := sh.Outstanding()
		if !outstanding.IsPositive() {
			return ErrNothingOutstanding
		}
		expense, err := s.store.GetExpense(ctx, tx, sh.ExpenseID)
		if err != nil {
			return err
		}
		expenseID := expense.ID
		if err := s.postEntry(ctx, tx, ledger.EntryInput{
			ApartmentID:   sh.ApartmentID,
			Type:          ledger.EntryCredit,
			Amount:        outstanding,
			ReferenceType: ledger.RefWaiver,
			ReferenceID:   &expenseID,
			Description:   fmt.Sprintf("Waived: %s", expense.Description),
			CreatedBy:     actor,
		}); err != nil {
			return err
		}
		if err := s.store.MarkShareWaived(ctx, tx, sh.ID); err != nil {
			return err
		}
		_, err = s.entries.RefreshCachedBalance(ctx, tx, sh.ApartmentID)
		return err
	})
}

func (s *Service) postExpenseDebit(ctx context.Context, q db.DBTX, expense Expense, ledgerID, sourceID uuid.UUID, amount decimal.Decimal, description string) error {
	expenseID := expense.ID
	return s.postEntry(ctx, q, ledger.EntryInput{
		ApartmentID:       ledgerID,
		SourceApartmentID: sourceID,
		Type:              ledger.EntryDebit,
		Amount:            amount,
		ReferenceType:     ledger.RefExpense,
		ReferenceID:       &expenseID,
		Description:       description,
		CreatedBy:         expense.CreatedBy,
	})
}

func (s *Service) postEntry(ctx context.Context, q db.DBTX, in ledger.EntryInput) error {
	if in.PeriodID == nil && s.periods != nil {
		periodID, err := s.periods.ActivePeriodID(ctx, q, in.ApartmentID)
		if err != nil {
			return err
		}
		in.PeriodID = periodID
	}
	if err := in.Validate(); err != nil {
		return err
	}
	_, err := s.entries.InsertEntry(ctx, q, in)
	return err
}

func hasShareFor(shares []Share, apartmentID uuid.UUID) bool {
	for _, sh := range shares {
		if sh.ApartmentID == apartmentID {
			return true
		}
	}
	return false
}

// occupiedWeight is the day weight of an existing shareholder in the expense
// month. A shareholder with no recorded start (already vacated) counts as a
// full month, matching what they were originally charged for.
func occupiedWeight(start *time.Time, year int, month time.Month) int64 {
	if start == nil {
		return int64(allocation.DaysInMonth(year, month))
	}
	return int64(allocation.OccupiedDays(*start, year, month))
}
