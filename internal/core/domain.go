package core

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

// DateLayout is the ISO 8601 calendar date layout used on every boundary.
const DateLayout = "2006-01-02"

// DefaultCategory is assigned to vendors with no mapping.
const DefaultCategory = "Others"

type (
	// Date is a calendar date with no time component, always in UTC.
	Date struct {
		time.Time
	}

	// Expense is one user's spending event.
	Expense struct {
		ID          int64           `json:"id"`
		ExpenseDate Date            `json:"expenseDate"`
		Amount      decimal.Decimal `json:"amount"`
		VendorName  string          `json:"vendorName"`
		Description string          `json:"description"`
		Category    string          `json:"category"`
		IsAnomaly   bool            `json:"isAnomaly"`
		OwnerID     int64           `json:"-"`
	}

	// VendorCategoryMapping maps a vendor name to a spending category.
	VendorCategoryMapping struct {
		ID         int64
		VendorName string
		Category   string
	}

	// User is the authenticated principal that owns expenses.
	User struct {
		ID           int64     `json:"id"`
		Email        string    `json:"email"`
		PasswordHash string    `json:"-"`
		Role         string    `json:"role"`
		CreatedAt    time.Time `json:"createdAt"`
	}
)

var (
	ErrNotFound           = errors.New("not found")
	ErrEmptyFile          = errors.New("csv file is empty")
	ErrMalformedFile      = errors.New("malformed csv file")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidDate        = errors.New("invalid date")
	ErrEmptyVendor        = errors.New("empty vendor name")
	ErrUnauthenticated    = errors.New("user not authenticated")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidInput       = errors.New("invalid input")
)

// IsCallerError reports whether err was caused by the caller's input rather
// than by a failing dependency.
func IsCallerError(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrEmptyFile, ErrMalformedFile, ErrInvalidAmount,
		ErrInvalidDate, ErrEmptyVendor, ErrEmailTaken, ErrInvalidCredentials,
		ErrInvalidInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses an ISO 8601 calendar date (YYYY-MM-DD).
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, ErrInvalidDate
	}
	return Date{Time: t}, nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

func (d Date) Validate() error {
	if d.IsZero() {
		return ErrInvalidDate
	}
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Format(DateLayout) + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// VendorKey is the form vendor names are matched on: trimmed and
// Unicode case-folded, so "CAFÉ ÉLAN" and "café élan" share a key.
func VendorKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// Validate checks the fields a manually entered expense must carry.
func (e Expense) Validate() error {
	if err := e.ExpenseDate.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.VendorName) == "" {
		return ErrEmptyVendor
	}
	return nil
}
