package jobs

import (
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSubscriptionsMonthly generates the month's subscription charges.
	TaskSubscriptionsMonthly = "billing:subscriptions:monthly"
	// TaskExpensesRecurring spawns child expenses for recurring parents.
	TaskExpensesRecurring = "expenses:recurring:generate"
	// TaskReconcileScan compares cached balances against ledger sums.
	TaskReconcileScan = "ledger:reconcile:scan"
	// TaskDebtScan reads cached balances to escalate delinquent apartments.
	TaskDebtScan = "debt:scan"
)

// NewSubscriptionsMonthlyTask constructs the monthly subscription task.
func NewSubscriptionsMonthlyTask() *asynq.Task {
	return asynq.NewTask(TaskSubscriptionsMonthly, nil)
}

// NewExpensesRecurringTask constructs the recurring-expense task.
func NewExpensesRecurringTask() *asynq.Task {
	return asynq.NewTask(TaskExpensesRecurring, nil)
}

// NewReconcileScanTask constructs the reconciliation scan task.
func NewReconcileScanTask() *asynq.Task {
	return asynq.NewTask(TaskReconcileScan, nil)
}

// NewDebtScanTask constructs the daily debt scan task.
func NewDebtScanTask() *asynq.Task {
	return asynq.NewTask(TaskDebtScan, nil)
}
