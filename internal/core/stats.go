package core

import "github.com/shopspring/decimal"

// CategoryStats aggregates the stored amounts of one category.
type CategoryStats struct {
	Category string
	Count    int64
	Total    decimal.Decimal
}

// Average returns Total/Count. ok is false when the category has no rows.
func (s CategoryStats) Average() (avg decimal.Decimal, ok bool) {
	if s.Count == 0 {
		return decimal.Zero, false
	}
	return s.Total.Div(decimal.NewFromInt(s.Count)), true
}
