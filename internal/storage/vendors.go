package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"expensewatch/internal/core"
)

// FindVendorCategory implements ports.VendorCategoryReader. Names are matched
// on core.VendorKey; rows not yet keyed fall back to the column's NOCASE
// collation.
func (r *SQLiteRepository) FindVendorCategory(ctx context.Context, vendorName string) (core.VendorCategoryMapping, bool, error) {
	var m core.VendorCategoryMapping
	err := r.db.QueryRowContext(ctx,
		`SELECT id, vendor_name, category FROM vendor_category_mapping
		 WHERE vendor_key = ? OR (vendor_key IS NULL AND vendor_name = ?)
		 ORDER BY vendor_key IS NULL, id
		 LIMIT 1`,
		core.VendorKey(vendorName), strings.TrimSpace(vendorName),
	).Scan(&m.ID, &m.VendorName, &m.Category)
	if errors.Is(err, sql.ErrNoRows) {
		return core.VendorCategoryMapping{}, false, nil
	}
	if err != nil {
		return core.VendorCategoryMapping{}, false, fmt.Errorf("find vendor category for %q: %w", vendorName, err)
	}
	return m, true, nil
}

// ListVendorCategories returns every mapping ordered by vendor name.
func (r *SQLiteRepository) ListVendorCategories(ctx context.Context) ([]core.VendorCategoryMapping, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, vendor_name, category FROM vendor_category_mapping ORDER BY vendor_name`)
	if err != nil {
		return nil, fmt.Errorf("list vendor categories: %w", err)
	}
	defer rows.Close()

	var out []core.VendorCategoryMapping
	for rows.Next() {
		var m core.VendorCategoryMapping
		if err := rows.Scan(&m.ID, &m.VendorName, &m.Category); err != nil {
			return nil, fmt.Errorf("scan vendor category: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// syncVendorKeys fills vendor_key for rows written without one, such as the
// seeded mappings. SQL cannot fold non-ASCII case, so the key is computed here.
func (r *SQLiteRepository) syncVendorKeys(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, vendor_name FROM vendor_category_mapping WHERE vendor_key IS NULL`)
	if err != nil {
		return fmt.Errorf("list unkeyed vendors: %w", err)
	}
	type unkeyed struct {
		id   int64
		name string
	}
	var pending []unkeyed
	for rows.Next() {
		var u unkeyed
		if err := rows.Scan(&u.id, &u.name); err != nil {
			rows.Close()
			return fmt.Errorf("scan unkeyed vendor: %w", err)
		}
		pending = append(pending, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list unkeyed vendors: %w", err)
	}

	for _, u := range pending {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE vendor_category_mapping SET vendor_key = ? WHERE id = ?`,
			core.VendorKey(u.name), u.id); err != nil {
			return fmt.Errorf("key vendor %q: %w", u.name, err)
		}
	}
	return nil
}
