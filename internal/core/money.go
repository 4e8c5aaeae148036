package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount parses a decimal amount exactly. Negative values are accepted;
// sign policy belongs to the caller.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}
