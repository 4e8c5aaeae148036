package backend

import (
	"context"

	"expensewatch/internal/core"
	"expensewatch/internal/ports"
)

// Backend is the persistence surface the server and worker are built on.
type Backend interface {
	ports.ExpenseStore
	ports.VendorCategoryReader
	ports.UserStore
	ListVendorCategories(ctx context.Context) ([]core.VendorCategoryMapping, error)
	Ping(ctx context.Context) error
}

// CleanupFunc releases backend resources.
type CleanupFunc func() error

type BackendResult struct {
	Backend Backend
	Cleanup CleanupFunc
}

type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

type Config struct {
	Type BackendType

	// SQLite specific
	SQLiteDBPath string

	// Memory backend seed directory
	DataDirectory string
}

type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

func (bt BackendType) String() string {
	return string(bt)
}

func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
