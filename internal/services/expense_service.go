package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/shopspring/decimal"

	"expensewatch/internal/amqp"
	"expensewatch/internal/core"
	"expensewatch/internal/ingest"
	"expensewatch/internal/ports"
)

type (
	// Importer runs a bulk CSV import for one owner.
	Importer interface {
		Ingest(ctx context.Context, file io.Reader, size int64, owner core.User) (ingest.Result, error)
	}

	// AnomalyPublisher announces flagged imports. It may be nil.
	AnomalyPublisher interface {
		PublishAnomaly(ctx context.Context, msg *amqp.AnomalyMessage) error
	}
)

// CreateExpenseInput is a manually entered expense.
type CreateExpenseInput struct {
	ExpenseDate core.Date           `json:"expenseDate"`
	Amount      decimal.NullDecimal `json:"amount"`
	VendorName  string              `json:"vendorName"`
	Description string              `json:"description"`
	Category    string              `json:"category"`
}

// ExpenseService binds every expense operation to the authenticated owner.
type ExpenseService struct {
	store     ports.ExpenseStore
	importer  Importer
	publisher AnomalyPublisher
}

func NewExpenseService(store ports.ExpenseStore, importer Importer, publisher AnomalyPublisher) *ExpenseService {
	return &ExpenseService{
		store:     store,
		importer:  importer,
		publisher: publisher,
	}
}

func requireOwner(owner core.User) error {
	if owner.ID == 0 {
		return core.ErrUnauthenticated
	}
	return nil
}

// CreateExpense stores a manual entry as given. The category is taken
// verbatim and manual entries are never scored, so IsAnomaly is always false.
func (s *ExpenseService) CreateExpense(ctx context.Context, owner core.User, in CreateExpenseInput) (core.Expense, error) {
	if err := requireOwner(owner); err != nil {
		return core.Expense{}, err
	}
	if !in.Amount.Valid {
		return core.Expense{}, core.ErrInvalidAmount
	}

	e := core.Expense{
		ExpenseDate: in.ExpenseDate,
		Amount:      in.Amount.Decimal,
		VendorName:  in.VendorName,
		Description: in.Description,
		Category:    in.Category,
		IsAnomaly:   false,
		OwnerID:     owner.ID,
	}
	if err := e.Validate(); err != nil {
		return core.Expense{}, err
	}

	saved, err := s.store.Save(ctx, e)
	if err != nil {
		return core.Expense{}, fmt.Errorf("save expense: %w", err)
	}
	slog.InfoContext(ctx, "Expense created",
		"expense_id", saved.ID, "owner_id", owner.ID, "category", saved.Category)
	return saved, nil
}

// ListExpenses returns only the owner's expenses, oldest first.
func (s *ExpenseService) ListExpenses(ctx context.Context, owner core.User) ([]core.Expense, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	expenses, err := s.store.FindByOwner(ctx, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	return expenses, nil
}

// DeleteExpense removes one of the owner's expenses. An expense owned by
// someone else is reported as core.ErrNotFound.
func (s *ExpenseService) DeleteExpense(ctx context.Context, id int64, owner core.User) error {
	if err := requireOwner(owner); err != nil {
		return err
	}

	exists, err := s.store.ExistsByID(ctx, id)
	if err != nil {
		return fmt.Errorf("check expense %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("expense %d: %w", id, core.ErrNotFound)
	}

	e, err := s.store.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get expense %d: %w", id, err)
	}
	if e.OwnerID != owner.ID {
		slog.WarnContext(ctx, "Delete of foreign expense refused", "expense_id", id, "owner_id", owner.ID)
		return fmt.Errorf("expense %d: %w", id, core.ErrNotFound)
	}

	if err := s.store.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("delete expense %d: %w", id, err)
	}
	slog.InfoContext(ctx, "Expense deleted", "expense_id", id, "owner_id", owner.ID)
	return nil
}

// ImportCSV imports a CSV upload for owner and announces every flagged row.
// Publishing is best effort and never fails the import.
func (s *ExpenseService) ImportCSV(ctx context.Context, owner core.User, file io.Reader, size int64) (ingest.Result, error) {
	if err := requireOwner(owner); err != nil {
		return ingest.Result{}, err
	}

	res, err := s.importer.Ingest(ctx, file, size, owner)
	if err != nil {
		return ingest.Result{}, err
	}

	for _, e := range res.Expenses {
		if e.IsAnomaly {
			s.publishAnomaly(ctx, e)
		}
	}

	slog.InfoContext(ctx, "CSV import completed",
		"owner_id", owner.ID,
		"imported", res.Imported,
		"rejected", res.Rejected,
		"anomalies", res.Anomalies)
	return res, nil
}

// CountAnomalies returns how many of the owner's expenses are flagged.
func (s *ExpenseService) CountAnomalies(ctx context.Context, owner core.User) (int64, error) {
	if err := requireOwner(owner); err != nil {
		return 0, err
	}
	n, err := s.store.CountAnomaliesByOwner(ctx, owner.ID)
	if err != nil {
		return 0, fmt.Errorf("count anomalies: %w", err)
	}
	return n, nil
}

func (s *ExpenseService) publishAnomaly(ctx context.Context, e core.Expense) {
	if s.publisher == nil {
		slog.DebugContext(ctx, "AMQP client not available, skipping anomaly message", "expense_id", e.ID)
		return
	}
	if err := s.publisher.PublishAnomaly(ctx, amqp.NewAnomalyMessage(e)); err != nil {
		slog.ErrorContext(ctx, "Failed to publish anomaly message", "expense_id", e.ID, "error", err)
	}
}

// Close closes the store and publisher when they hold resources.
func (s *ExpenseService) Close() error {
	var errs []error
	if c, ok := s.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if c, ok := s.publisher.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("amqp: %w", err))
		}
	}
	return errors.Join(errs...)
}
