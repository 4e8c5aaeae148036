// Package memory is an in-process implementation of the storage ports, used
// by the memory backend and by tests.
package memory

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"expensewatch/internal/core"
)

var errMissingOwner = errors.New("expense has no owner")

// DefaultVendorCategories mirrors the seed migration of the SQLite backend.
var DefaultVendorCategories = map[string]string{
	"Uber":      "Travel",
	"Airbnb":    "Travel",
	"Swiggy":    "Food",
	"Starbucks": "Food",
	"Amazon":    "Shopping",
	"Netflix":   "Entertainment",
	"Shell":     "Fuel",
	"Airtel":    "Utilities",
}

type Store struct {
	mu       sync.Mutex
	nextID   int64
	expenses []core.Expense
	vendors  []core.VendorCategoryMapping
	users    []core.User
}

// New creates a store seeded with the given vendor → category mappings.
func New(vendors map[string]string) *Store {
	s := &Store{}
	for _, name := range slices.Sorted(maps.Keys(vendors)) {
		s.addVendor(name, vendors[name])
	}
	return s
}

// NewFromFiles seeds vendor mappings from base/seed_vendor_categories.txt,
// one "Vendor=Category" per line, falling back to DefaultVendorCategories.
func NewFromFiles(base string) *Store {
	vendors := readMappings(filepath.Join(base, "seed_vendor_categories.txt"))
	if len(vendors) == 0 {
		vendors = DefaultVendorCategories
	}
	return New(vendors)
}

func (s *Store) addVendor(name, category string) {
	name = strings.TrimSpace(name)
	category = strings.TrimSpace(category)
	if name == "" || category == "" {
		return
	}
	key := core.VendorKey(name)
	for _, v := range s.vendors {
		if core.VendorKey(v.VendorName) == key {
			return
		}
	}
	s.vendors = append(s.vendors, core.VendorCategoryMapping{
		ID:         int64(len(s.vendors) + 1),
		VendorName: name,
		Category:   category,
	})
}

func (s *Store) insertLocked(e core.Expense) core.Expense {
	s.nextID++
	e.ID = s.nextID
	s.expenses = append(s.expenses, e)
	return e
}

func checkStorable(e core.Expense) error {
	if e.OwnerID == 0 {
		return errMissingOwner
	}
	return e.ExpenseDate.Validate()
}

func (s *Store) Save(_ context.Context, e core.Expense) (core.Expense, error) {
	if err := checkStorable(e); err != nil {
		return core.Expense{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(e), nil
}

// SaveAll stores every expense or none of them.
func (s *Store) SaveAll(_ context.Context, es []core.Expense) ([]core.Expense, error) {
	for i, e := range es {
		if err := checkStorable(e); err != nil {
			return nil, fmt.Errorf("expense %d of %d: %w", i+1, len(es), err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := make([]core.Expense, len(es))
	for i, e := range es {
		saved[i] = s.insertLocked(e)
	}
	return saved, nil
}

func (s *Store) FindByOwner(_ context.Context, ownerID int64) ([]core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.Expense{}
	for _, e := range s.expenses {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) FindByID(_ context.Context, id int64) (core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.expenses {
		if e.ID == id {
			return e, nil
		}
	}
	return core.Expense{}, fmt.Errorf("expense %d: %w", id, core.ErrNotFound)
}

func (s *Store) ExistsByID(ctx context.Context, id int64) (bool, error) {
	_, err := s.FindByID(ctx, id)
	return err == nil, nil
}

func (s *Store) CountAnomaliesByOwner(_ context.Context, ownerID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.expenses {
		if e.OwnerID == ownerID && e.IsAnomaly {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteByID(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.expenses {
		if e.ID == id {
			s.expenses = append(s.expenses[:i], s.expenses[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("expense %d: %w", id, core.ErrNotFound)
}

func (s *Store) CategoryStats(_ context.Context, category string) (core.CategoryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := core.CategoryStats{Category: category, Total: decimal.Zero}
	for _, e := range s.expenses {
		if e.Category == category {
			stats.Count++
			stats.Total = stats.Total.Add(e.Amount)
		}
	}
	return stats, nil
}

func (s *Store) AverageAmountByCategory(ctx context.Context, category string) (decimal.Decimal, bool, error) {
	stats, err := s.CategoryStats(ctx, category)
	if err != nil {
		return decimal.Zero, false, err
	}
	avg, ok := stats.Average()
	return avg, ok, nil
}

func (s *Store) FindVendorCategory(_ context.Context, vendorName string) (core.VendorCategoryMapping, bool, error) {
	key := core.VendorKey(vendorName)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.vendors {
		if core.VendorKey(v.VendorName) == key {
			return v, true, nil
		}
	}
	return core.VendorCategoryMapping{}, false, nil
}

func (s *Store) ListVendorCategories(_ context.Context) ([]core.VendorCategoryMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.VendorCategoryMapping(nil), s.vendors...), nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateUser(_ context.Context, email, passwordHash, role string) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return core.User{}, fmt.Errorf("create user %s: %w", email, core.ErrEmailTaken)
		}
	}
	u := core.User{
		ID:           int64(len(s.users) + 1),
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	s.users = append(s.users, u)
	return u, nil
}

func (s *Store) FindUserByEmail(_ context.Context, email string) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return core.User{}, fmt.Errorf("user %s: %w", email, core.ErrNotFound)
}

func (s *Store) FindUserByID(_ context.Context, id int64) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return core.User{}, fmt.Errorf("user %d: %w", id, core.ErrNotFound)
}

func readMappings(path string) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	out := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, category, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(category)
	}
	return out
}
