// Package worker holds the background consumers of the anomaly queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"expensewatch/internal/amqp"
	"expensewatch/internal/core"
	"expensewatch/internal/ports"
)

// Alert is what the worker reports for one anomalous expense.
type Alert struct {
	Expense         core.Expense
	OwnerEmail      string
	CategoryAverage string
}

// Notifier delivers alerts. LogNotifier is the default.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, a Alert) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "Anomalous expense detected",
		"expense_id", a.Expense.ID,
		"owner_id", a.Expense.OwnerID,
		"owner_email", a.OwnerEmail,
		"vendor", a.Expense.VendorName,
		"category", a.Expense.Category,
		"amount", a.Expense.Amount.String(),
		"category_average", a.CategoryAverage,
		"expense_date", a.Expense.ExpenseDate.String())
	return nil
}

// AnomalyWorker turns anomaly messages into alerts, enriching them with the
// stored expense, its owner and the current category average.
type AnomalyWorker struct {
	expenses ports.ExpenseReader
	stats    ports.CategoryStatsReader
	users    ports.UserStore
	notifier Notifier

	processed atomic.Int64
	skipped   atomic.Int64
}

func NewAnomalyWorker(expenses ports.ExpenseReader, stats ports.CategoryStatsReader, users ports.UserStore, notifier Notifier) *AnomalyWorker {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &AnomalyWorker{
		expenses: expenses,
		stats:    stats,
		users:    users,
		notifier: notifier,
	}
}

// HandleAnomalyMessage is an amqp consumer handler. Messages for expenses
// that no longer exist are acknowledged and skipped; store errors are
// returned so the message is requeued.
func (w *AnomalyWorker) HandleAnomalyMessage(ctx context.Context, msg *amqp.AnomalyMessage) error {
	slog.DebugContext(ctx, "Processing anomaly message", "expense_id", msg.ExpenseID)

	expense, err := w.expenses.FindByID(ctx, msg.ExpenseID)
	if errors.Is(err, core.ErrNotFound) {
		w.skipped.Add(1)
		slog.InfoContext(ctx, "Anomalous expense no longer exists, skipping", "expense_id", msg.ExpenseID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get expense %d: %w", msg.ExpenseID, err)
	}

	alert := Alert{Expense: expense, CategoryAverage: "n/a"}
	if owner, err := w.users.FindUserByID(ctx, expense.OwnerID); err == nil {
		alert.OwnerEmail = owner.Email
	} else if !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("get owner %d: %w", expense.OwnerID, err)
	}

	avg, ok, err := w.stats.AverageAmountByCategory(ctx, expense.Category)
	if err != nil {
		return fmt.Errorf("average for %q: %w", expense.Category, err)
	}
	if ok {
		alert.CategoryAverage = avg.StringFixed(2)
	}

	if err := w.notifier.Notify(ctx, alert); err != nil {
		return fmt.Errorf("notify anomaly %d: %w", expense.ID, err)
	}
	w.processed.Add(1)
	return nil
}

// Stats reports how many messages produced alerts and how many were skipped.
func (w *AnomalyWorker) Stats() (processed, skipped int64) {
	return w.processed.Load(), w.skipped.Load()
}
