package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"expensewatch/internal/core"

	_ "modernc.org/sqlite"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Run migrations before the pool opens so every connection sees the schema.
	if err := RunMigrations(dbPath); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &SQLiteRepository{db: db}
	if err := r.syncVendorKeys(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const insertExpenseSQL = `
	INSERT INTO expenses (expense_date, amount, vendor_name, description, category, is_anomaly, user_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const selectExpenseSQL = `
	SELECT id, expense_date, amount, vendor_name, description, category, is_anomaly, user_id
	FROM expenses`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertExpense(ctx context.Context, db execer, e core.Expense) (int64, error) {
	res, err := db.ExecContext(ctx, insertExpenseSQL,
		e.ExpenseDate.String(),
		e.Amount.String(),
		e.VendorName,
		e.Description,
		e.Category,
		e.IsAnomaly,
		e.OwnerID,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Save implements ports.ExpenseWriter
func (r *SQLiteRepository) Save(ctx context.Context, e core.Expense) (core.Expense, error) {
	id, err := insertExpense(ctx, r.db, e)
	if err != nil {
		return core.Expense{}, fmt.Errorf("create expense: %w", err)
	}
	e.ID = id

	slog.DebugContext(ctx, "Expense saved to SQLite",
		"id", e.ID,
		"owner_id", e.OwnerID,
		"category", e.Category,
		"amount", e.Amount.String())

	return e, nil
}

// SaveAll implements ports.ExpenseWriter. The batch is committed in a single
// transaction.
func (r *SQLiteRepository) SaveAll(ctx context.Context, es []core.Expense) ([]core.Expense, error) {
	if len(es) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	saved := make([]core.Expense, len(es))
	for i, e := range es {
		id, err := insertExpense(ctx, tx, e)
		if err != nil {
			return nil, fmt.Errorf("insert expense %d of %d: %w", i+1, len(es), err)
		}
		e.ID = id
		saved[i] = e
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	slog.InfoContext(ctx, "Expense batch saved to SQLite", "count", len(saved))
	return saved, nil
}

// FindByOwner implements ports.ExpenseReader
func (r *SQLiteRepository) FindByOwner(ctx context.Context, ownerID int64) ([]core.Expense, error) {
	rows, err := r.db.QueryContext(ctx, selectExpenseSQL+` WHERE user_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query expenses by owner: %w", err)
	}
	defer rows.Close()

	expenses := []core.Expense{}
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expenses: %w", err)
	}

	return expenses, nil
}

// FindByID implements ports.ExpenseReader
func (r *SQLiteRepository) FindByID(ctx context.Context, id int64) (core.Expense, error) {
	row := r.db.QueryRowContext(ctx, selectExpenseSQL+` WHERE id = ?`, id)
	e, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Expense{}, fmt.Errorf("expense %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Expense{}, err
	}
	return e, nil
}

// ExistsByID implements ports.ExpenseReader
func (r *SQLiteRepository) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM expenses WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check expense exists: %w", err)
	}
	return exists, nil
}

// CountAnomaliesByOwner implements ports.ExpenseReader
func (r *SQLiteRepository) CountAnomaliesByOwner(ctx context.Context, ownerID int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM expenses WHERE user_id = ? AND is_anomaly = 1`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count anomalies: %w", err)
	}
	return n, nil
}

// DeleteByID implements ports.ExpenseDeleter
func (r *SQLiteRepository) DeleteByID(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM expenses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete expense rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("expense %d: %w", id, core.ErrNotFound)
	}

	slog.InfoContext(ctx, "Expense deleted from SQLite", "id", id)
	return nil
}

// CategoryStats implements ports.CategoryStatsReader. Amounts are summed in
// Go with exact decimals; SQLite's AVG would go through float64.
func (r *SQLiteRepository) CategoryStats(ctx context.Context, category string) (core.CategoryStats, error) {
	stats := core.CategoryStats{Category: category, Total: decimal.Zero}

	rows, err := r.db.QueryContext(ctx, `SELECT amount FROM expenses WHERE category = ?`, category)
	if err != nil {
		return stats, fmt.Errorf("query category amounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return stats, fmt.Errorf("scan amount: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return stats, fmt.Errorf("stored amount %q for category %s: %w", raw, category, err)
		}
		stats.Total = stats.Total.Add(amount)
		stats.Count++
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate category amounts: %w", err)
	}

	return stats, nil
}

// AverageAmountByCategory implements ports.CategoryStatsReader
func (r *SQLiteRepository) AverageAmountByCategory(ctx context.Context, category string) (decimal.Decimal, bool, error) {
	stats, err := r.CategoryStats(ctx, category)
	if err != nil {
		return decimal.Zero, false, err
	}
	avg, ok := stats.Average()
	return avg, ok, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExpense(row rowScanner) (core.Expense, error) {
	var (
		e      core.Expense
		date   string
		amount string
	)
	if err := row.Scan(&e.ID, &date, &amount, &e.VendorName, &e.Description, &e.Category, &e.IsAnomaly, &e.OwnerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan expense: %w", err)
	}

	d, err := core.ParseDate(date)
	if err != nil {
		return e, fmt.Errorf("stored date %q for expense %d: %w", date, e.ID, err)
	}
	e.ExpenseDate = d

	e.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return e, fmt.Errorf("stored amount %q for expense %d: %w", amount, e.ID, err)
	}

	return e, nil
}
