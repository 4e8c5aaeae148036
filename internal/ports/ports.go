package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"expensewatch/internal/core"
)

// Ports for outbound adapters.
type (
	ExpenseWriter interface {
		// Save persists one expense and returns it with its assigned ID.
		Save(ctx context.Context, e core.Expense) (core.Expense, error)
		// SaveAll persists every expense in one atomic batch: all rows or none.
		SaveAll(ctx context.Context, es []core.Expense) ([]core.Expense, error)
	}

	ExpenseReader interface {
		// FindByOwner returns the owner's expenses in insertion order.
		FindByOwner(ctx context.Context, ownerID int64) ([]core.Expense, error)
		FindByID(ctx context.Context, id int64) (core.Expense, error)
		ExistsByID(ctx context.Context, id int64) (bool, error)
		CountAnomaliesByOwner(ctx context.Context, ownerID int64) (int64, error)
	}

	ExpenseDeleter interface {
		DeleteByID(ctx context.Context, id int64) error
	}

	// CategoryStatsReader exposes the live per-category aggregates used for
	// anomaly decisions.
	CategoryStatsReader interface {
		CategoryStats(ctx context.Context, category string) (core.CategoryStats, error)
		// AverageAmountByCategory returns ok=false when the category has no rows.
		AverageAmountByCategory(ctx context.Context, category string) (avg decimal.Decimal, ok bool, err error)
	}

	// VendorCategoryReader looks up vendor mappings case-insensitively.
	VendorCategoryReader interface {
		FindVendorCategory(ctx context.Context, vendorName string) (m core.VendorCategoryMapping, found bool, err error)
	}

	UserStore interface {
		CreateUser(ctx context.Context, email, passwordHash, role string) (core.User, error)
		FindUserByEmail(ctx context.Context, email string) (core.User, error)
		FindUserByID(ctx context.Context, id int64) (core.User, error)
	}

	// ExpenseStore is everything the expense service needs from persistence.
	ExpenseStore interface {
		ExpenseWriter
		ExpenseReader
		ExpenseDeleter
		CategoryStatsReader
	}
)
