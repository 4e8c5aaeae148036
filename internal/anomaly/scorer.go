// Package anomaly flags expenses that are unusually large for their category.
package anomaly

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"expensewatch/internal/ports"
)

// Multiplier is how many times the category average an amount must exceed.
var Multiplier = decimal.NewFromInt(3)

type Scorer struct {
	stats ports.CategoryStatsReader
}

func NewScorer(stats ports.CategoryStatsReader) *Scorer {
	return &Scorer{stats: stats}
}

// IsAnomalous reports whether amount is strictly greater than Multiplier
// times the current average of category. A category with no history is
// never anomalous. The only error is a failed stats read.
func (s *Scorer) IsAnomalous(ctx context.Context, category string, amount decimal.Decimal) (bool, error) {
	stats, err := s.stats.CategoryStats(ctx, category)
	if err != nil {
		return false, fmt.Errorf("category stats for %q: %w", category, err)
	}
	if stats.Count == 0 {
		return false, nil
	}
	// amount > (total/count)*3  <=>  amount*count > total*3, with count > 0.
	lhs := amount.Mul(decimal.NewFromInt(stats.Count))
	rhs := stats.Total.Mul(Multiplier)
	return lhs.GreaterThan(rhs), nil
}
