// Package category maps vendor names to spending categories.
package category

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"expensewatch/internal/cache"
	"expensewatch/internal/core"
	"expensewatch/internal/ports"
)

// Resolver resolves a vendor to its category through the mapping table.
// Lookups are cached by core.VendorKey, the same key the stores match on.
type Resolver struct {
	vendors ports.VendorCategoryReader
	cache   cache.Cache[string]
	group   singleflight.Group
}

type Option func(*Resolver)

// WithCache replaces the default cache. A nil cache disables caching.
func WithCache(c cache.Cache[string]) Option {
	return func(r *Resolver) { r.cache = c }
}

func NewResolver(vendors ports.VendorCategoryReader, opts ...Option) *Resolver {
	r := &Resolver{
		vendors: vendors,
		cache:   cache.NewLRUCache[string](1024, 10*time.Minute),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the mapped category for vendorName, or core.DefaultCategory
// when the vendor is blank, unmapped, or the lookup fails.
func (r *Resolver) Resolve(ctx context.Context, vendorName string) string {
	category, err := r.Lookup(ctx, vendorName)
	if err != nil {
		slog.WarnContext(ctx, "Vendor category lookup failed, using fallback",
			"vendor", strings.TrimSpace(vendorName), "fallback", core.DefaultCategory, "error", err)
		return core.DefaultCategory
	}
	return category
}

// Lookup is Resolve without the fallback on store errors. Blank and unmapped
// vendors still resolve to core.DefaultCategory. Failed lookups are not cached.
func (r *Resolver) Lookup(ctx context.Context, vendorName string) (string, error) {
	name := strings.TrimSpace(vendorName)
	if name == "" {
		return core.DefaultCategory, nil
	}
	key := core.VendorKey(name)

	if r.cache != nil {
		if category, ok := r.cache.Get(key); ok {
			return category, nil
		}
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		m, found, err := r.vendors.FindVendorCategory(ctx, name)
		if err != nil {
			return "", err
		}
		category := core.DefaultCategory
		if found && strings.TrimSpace(m.Category) != "" {
			category = m.Category
		}
		if r.cache != nil {
			r.cache.Set(key, category)
		}
		return category, nil
	})
	if err != nil {
		return "", fmt.Errorf("look up category for %q: %w", name, err)
	}
	return v.(string), nil
}

// VendorLister lists every known vendor mapping.
type VendorLister interface {
	ListVendorCategories(ctx context.Context) ([]core.VendorCategoryMapping, error)
}

// Warm preloads the cache with every mapping and returns how many were
// loaded. It is a no-op without a cache.
func (r *Resolver) Warm(ctx context.Context, lister VendorLister) (int, error) {
	if r.cache == nil {
		return 0, nil
	}
	mappings, err := lister.ListVendorCategories(ctx)
	if err != nil {
		return 0, fmt.Errorf("list vendor categories: %w", err)
	}
	for _, m := range mappings {
		r.cache.Set(core.VendorKey(m.VendorName), m.Category)
	}
	return len(mappings), nil
}
