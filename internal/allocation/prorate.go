package allocation

import (
	"time"

	"github.com/shopspring/decimal"
)

// Proration converts monthly amounts into day-weighted partial charges.
// Everything in this package is pure; callers pick the dates, these
// functions only do arithmetic.

// DaysInMonth returns the number of calendar days in the given month.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DailyRate returns monthlyAmount divided by the calendar length of the month.
func DailyRate(monthlyAmount decimal.Decimal, year int, month time.Month) decimal.Decimal {
	return monthlyAmount.Div(decimal.NewFromInt(int64(DaysInMonth(year, month))))
}

// Prorate computes the charge for coveredDays out of the given month,
// rounded to 2 decimal places (half away from zero). Covering the whole
// month or more returns the full monthly amount with no rounding applied.
func Prorate(monthlyAmount decimal.Decimal, year int, month time.Month, coveredDays int) decimal.Decimal {
	days := DaysInMonth(year, month)
	if coveredDays <= 0 {
		return decimal.Zero
	}
	if coveredDays >= days {
		return monthlyAmount
	}
	return monthlyAmount.
		Mul(decimal.NewFromInt(int64(coveredDays))).
		Div(decimal.NewFromInt(int64(days))).
		Round(2)
}

// OccupiedDays returns how many days of the target month fall inside an
// occupancy that began on start: the full month when occupancy predates it,
// the tail of the month when occupancy starts within it, zero otherwise.
func OccupiedDays(start time.Time, year int, month time.Month) int {
	monthStart := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	startDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	if startDay.Before(monthStart) {
		return DaysInMonth(year, month)
	}
	if !startDay.Before(monthEnd) {
		return 0
	}
	return DaysInMonth(year, month) - startDay.Day() + 1
}

// RemainingDays returns the days left in the month after the given date,
// excluding the date itself. Terminating on the last day leaves zero.
func RemainingDays(date time.Time) int {
	return DaysInMonth(date.Year(), date.Month()) - date.Day()
}
