// Package ingest imports expenses in bulk from CSV uploads.
//
// Every data row is handled on its own: a row that cannot be parsed is
// rejected and reported, the rest of the file carries on. Accepted rows are
// committed in a single batch once the whole file has been read, so all rows
// of one import are scored against the same pre-import history.
package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"expensewatch/internal/core"
	"expensewatch/internal/ports"
)

// Column names expected in the header row, compared case-insensitively.
const (
	ColExpenseDate = "expensedate"
	ColAmount      = "amount"
	ColVendorName  = "vendorname"
	ColDescription = "description"
)

var requiredColumns = []string{ColExpenseDate, ColAmount, ColVendorName, ColDescription}

type (
	// CategoryResolver maps a vendor to a category. Unmapped and blank
	// vendors get core.DefaultCategory; an error means the mapping store
	// could not be read.
	CategoryResolver interface {
		Lookup(ctx context.Context, vendorName string) (string, error)
	}

	// AnomalyScorer decides whether an amount is unusual for a category.
	AnomalyScorer interface {
		IsAnomalous(ctx context.Context, category string, amount decimal.Decimal) (bool, error)
	}
)

// RowResult is the outcome of one data row: an accepted expense, or the
// reason the row was rejected.
type RowResult struct {
	Line    int
	Expense core.Expense
	Err     error
}

func accepted(line int, e core.Expense) RowResult { return RowResult{Line: line, Expense: e} }
func rejected(line int, err error) RowResult    { return RowResult{Line: line, Err: err} }

func (r RowResult) Accepted() bool { return r.Err == nil }

// Rejection describes a dropped row. Line is the 1-based line in the file.
type Rejection struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Result summarises a finished import.
type Result struct {
	Imported   int            `json:"imported"`
	Rejected   int            `json:"rejected"`
	Anomalies  int            `json:"anomalies"`
	Expenses   []core.Expense `json:"-"`
	Rejections []Rejection    `json:"rejections,omitempty"`
}

type Pipeline struct {
	resolver CategoryResolver
	scorer   AnomalyScorer
	store    ports.ExpenseWriter
}

func NewPipeline(resolver CategoryResolver, scorer AnomalyScorer, store ports.ExpenseWriter) *Pipeline {
	return &Pipeline{resolver: resolver, scorer: scorer, store: store}
}

// Ingest reads a CSV upload and stores every valid row for owner.
//
// A nil or zero-length file fails with core.ErrEmptyFile and an unreadable
// header with core.ErrMalformedFile. A file whose rows are all rejected is
// not an error. Category lookup, scoring and store failures abort the import with nothing
// written and are returned wrapped.
func (p *Pipeline) Ingest(ctx context.Context, file io.Reader, size int64, owner core.User) (Result, error) {
	if file == nil || size == 0 {
		return Result{}, core.ErrEmptyFile
	}
	br := bufio.NewReader(file)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return Result{}, core.ErrEmptyFile
		}
		return Result{}, fmt.Errorf("read upload: %w", err)
	}

	// BOMOverride drops a leading UTF-8 BOM and passes everything else through.
	decoded := transform.NewReader(br, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	r := csv.NewReader(decoded)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Result{}, fmt.Errorf("%w: missing header row", core.ErrMalformedFile)
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return Result{}, fmt.Errorf("%w: header: %v", core.ErrMalformedFile, perr)
		}
		return Result{}, fmt.Errorf("read header: %w", err)
	}
	columns := indexColumns(header)

	// Bare quotes inside unquoted data fields are kept literally.
	r.LazyQuotes = true

	var rows []RowResult
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return Result{}, fmt.Errorf("read csv: %w", err)
			}
			rows = append(rows, rejected(perr.StartLine, fmt.Errorf("%w: %v", core.ErrMalformedFile, perr.Err)))
			continue
		}

		line, _ := r.FieldPos(0)
		row, err := p.processRow(ctx, line, columns, record, owner)
		if err != nil {
			return Result{}, err
		}
		rows = append(rows, row)
	}

	return p.commit(ctx, owner, rows)
}

// processRow returns a rejected RowResult for bad input and an error only
// when the category lookup or the anomaly scorer fails.
func (p *Pipeline) processRow(ctx context.Context, line int, columns map[string]int, record []string, owner core.User) (RowResult, error) {
	e, err := parseRow(columns, record)
	if err != nil {
		return rejected(line, err), nil
	}

	e.Category, err = p.resolver.Lookup(ctx, e.VendorName)
	if err != nil {
		return RowResult{}, fmt.Errorf("categorize line %d: %w", line, err)
	}
	e.IsAnomaly, err = p.scorer.IsAnomalous(ctx, e.Category, e.Amount)
	if err != nil {
		return RowResult{}, fmt.Errorf("score line %d: %w", line, err)
	}
	e.OwnerID = owner.ID
	return accepted(line, e), nil
}

func (p *Pipeline) commit(ctx context.Context, owner core.User, rows []RowResult) (Result, error) {
	var res Result
	var batch []core.Expense
	for _, row := range rows {
		if !row.Accepted() {
			res.Rejections = append(res.Rejections, Rejection{Line: row.Line, Reason: row.Err.Error()})
			slog.WarnContext(ctx, "Skipping CSV row", "line", row.Line, "reason", row.Err, "owner_id", owner.ID)
			continue
		}
		batch = append(batch, row.Expense)
	}
	res.Rejected = len(res.Rejections)

	if len(batch) == 0 {
		slog.InfoContext(ctx, "No valid records found in CSV", "owner_id", owner.ID, "rejected", res.Rejected)
		return res, nil
	}

	saved, err := p.store.SaveAll(ctx, batch)
	if err != nil {
		return Result{}, fmt.Errorf("save %d imported expenses: %w", len(batch), err)
	}
	res.Expenses = saved
	res.Imported = len(saved)
	for _, e := range saved {
		if e.IsAnomaly {
			res.Anomalies++
		}
	}
	return res, nil
}

func indexColumns(header []string) map[string]int {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, dup := columns[key]; !dup {
			columns[key] = i
		}
	}
	return columns
}

func parseRow(columns map[string]int, record []string) (core.Expense, error) {
	fields := make(map[string]string, len(requiredColumns))
	for _, col := range requiredColumns {
		i, ok := columns[col]
		if !ok {
			return core.Expense{}, fmt.Errorf("missing column %q", col)
		}
		if i >= len(record) {
			return core.Expense{}, fmt.Errorf("missing value for %q", col)
		}
		fields[col] = strings.TrimSpace(record[i])
	}

	date, err := core.ParseDate(fields[ColExpenseDate])
	if err != nil {
		return core.Expense{}, err
	}
	amount, err := core.ParseAmount(fields[ColAmount])
	if err != nil {
		return core.Expense{}, err
	}
	if err := date.Validate(); err != nil {
		return core.Expense{}, err
	}
	// A blank vendor is kept and categorized as core.DefaultCategory.
	return core.Expense{
		ExpenseDate: date,
		Amount:      amount,
		VendorName:  fields[ColVendorName],
		Description: fields[ColDescription],
	}, nil
}
