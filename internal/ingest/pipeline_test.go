package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"expensewatch/internal/anomaly"
	"expensewatch/internal/category"
	"expensewatch/internal/core"
	"expensewatch/internal/storage/memory"
)

var owner = core.User{ID: 7, Email: "owner@example.com"}

func newTestPipeline(store *memory.Store) *Pipeline {
	return NewPipeline(category.NewResolver(store), anomaly.NewScorer(store), store)
}

func ingestString(t *testing.T, p *Pipeline, csv string) (Result, error) {
	t.Helper()
	return p.Ingest(context.Background(), strings.NewReader(csv), int64(len(csv)), owner)
}

func TestIngestExample(t *testing.T) {
	store := memory.New(nil)
	p := newTestPipeline(store)

	res, err := ingestString(t, p, "expenseDate,amount,vendorName,description\n"+
		"2024-01-05,120.00,Acme,Widgets\n"+
		"not-a-date,50,Bravo,Gadget\n")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Imported != 1 || res.Rejected != 1 {
		t.Fatalf("expected 1 imported / 1 rejected, got %+v", res)
	}
	if res.Rejections[0].Line != 3 {
		t.Errorf("expected rejection on line 3, got %d", res.Rejections[0].Line)
	}

	stored, _ := store.FindByOwner(context.Background(), owner.ID)
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored expense, got %d", len(stored))
	}
	got := stored[0]
	if got.VendorName != "Acme" || got.Category != core.DefaultCategory || got.IsAnomaly || got.OwnerID != owner.ID {
		t.Fatalf("unexpected stored expense: %+v", got)
	}
	if !got.Amount.Equal(decimal.RequireFromString("120")) || got.ExpenseDate.String() != "2024-01-05" {
		t.Fatalf("unexpected amount/date: %s %s", got.Amount, got.ExpenseDate)
	}
}

func TestIngestEmptyFile(t *testing.T) {
	store := memory.New(nil)
	p := newTestPipeline(store)

	if _, err := p.Ingest(context.Background(), nil, 0, owner); !errors.Is(err, core.ErrEmptyFile) {
		t.Fatalf("nil file: expected ErrEmptyFile, got %v", err)
	}
	if _, err := ingestString(t, p, ""); !errors.Is(err, core.ErrEmptyFile) {
		t.Fatalf("empty file: expected ErrEmptyFile, got %v", err)
	}
	// Unknown size still detects an empty body.
	if _, err := p.Ingest(context.Background(), strings.NewReader(""), -1, owner); !errors.Is(err, core.ErrEmptyFile) {
		t.Fatalf("unknown size: expected ErrEmptyFile, got %v", err)
	}
	if !core.IsCallerError(core.ErrEmptyFile) {
		t.Fatal("empty file must be a caller error")
	}
}

func TestIngestMalformedHeader(t *testing.T) {
	p := newTestPipeline(memory.New(nil))

	for _, body := range []string{"\ufeff", "\"expenseDate,amount\n"} {
		if _, err := ingestString(t, p, body); !errors.Is(err, core.ErrMalformedFile) {
			t.Errorf("%q: expected ErrMalformedFile, got %v", body, err)
		}
	}
}

func TestIngestAllRowsRejected(t *testing.T) {
	store := memory.New(nil)
	p := newTestPipeline(store)

	res, err := ingestString(t, p, "expenseDate,amount,vendorName,description\n"+
		"2024-13-01,10,A,x\n"+
		"2024-01-01,ten,B,y\n"+
		"2024-01-01,10\n")
	if err != nil {
		t.Fatalf("all-rejected import must succeed, got %v", err)
	}
	if res.Imported != 0 || res.Rejected != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if stored, _ := store.FindByOwner(context.Background(), owner.ID); len(stored) != 0 {
		t.Fatalf("expected nothing stored, got %d", len(stored))
	}
}

func TestIngestHeaderOnly(t *testing.T) {
	res, err := ingestString(t, newTestPipeline(memory.New(nil)), "expenseDate,amount,vendorName,description\n")
	if err != nil || res.Imported != 0 || res.Rejected != 0 {
		t.Fatalf("unexpected %+v, %v", res, err)
	}
}

func TestIngestBOMAndHeaderCase(t *testing.T) {
	store := memory.New(map[string]string{"Uber": "Travel"})
	p := newTestPipeline(store)

	res, err := ingestString(t, p, "\ufeff VENDORNAME , Description,AMOUNT,ExpenseDate\n"+
		"  uber , ride to airport , 45.50 , 2024-02-01 \n")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Imported != 1 {
		t.Fatalf("expected 1 imported, got %+v", res)
	}
	e := res.Expenses[0]
	if e.VendorName != "uber" || e.Category != "Travel" || e.Description != "ride to airport" {
		t.Fatalf("unexpected expense %+v", e)
	}
}

func TestIngestMissingColumnRejectsRows(t *testing.T) {
	res, err := ingestString(t, newTestPipeline(memory.New(nil)), "expenseDate,amount,vendorName\n2024-01-01,1,A\n")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Imported != 0 || res.Rejected != 1 || !strings.Contains(res.Rejections[0].Reason, "description") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestIngestFrozenAverage(t *testing.T) {
	ctx := context.Background()
	store := memory.New(map[string]string{"Swiggy": "Food"})
	for _, a := range []string{"100", "100"} {
		if _, err := store.Save(ctx, core.Expense{
			ExpenseDate: core.NewDate(2024, 1, 1),
			Amount:      decimal.RequireFromString(a),
			VendorName:  "Swiggy",
			Category:    "Food",
			OwnerID:     99,
		}); err != nil {
			t.Fatal(err)
		}
	}
	p := newTestPipeline(store)

	// With a live average the 1000 row would lift it above 400 and mask the
	// second row. Against the frozen pre-import average of 100 both qualify.
	res, err := ingestString(t, p, "expenseDate,amount,vendorName,description\n"+
		"2024-01-02,1000,Swiggy,party\n"+
		"2024-01-03,400,Swiggy,dinner\n"+
		"2024-01-04,300,Swiggy,lunch\n")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Imported != 3 || res.Anomalies != 2 {
		t.Fatalf("expected 3 imported / 2 anomalies, got %+v", res)
	}
	wantFlags := []bool{true, true, false}
	for i, e := range res.Expenses {
		if e.IsAnomaly != wantFlags[i] {
			t.Errorf("row %d: IsAnomaly = %v, want %v", i, e.IsAnomaly, wantFlags[i])
		}
	}
}

type failingWriter struct{ err error }

func (f failingWriter) Save(context.Context, core.Expense) (core.Expense, error) {
	return core.Expense{}, f.err
}

func (f failingWriter) SaveAll(context.Context, []core.Expense) ([]core.Expense, error) {
	return nil, f.err
}

func TestIngestStoreFailurePropagates(t *testing.T) {
	store := memory.New(nil)
	storeErr := errors.New("database is locked")
	p := NewPipeline(category.NewResolver(store), anomaly.NewScorer(store), failingWriter{err: storeErr})

	_, err := ingestString(t, p, "expenseDate,amount,vendorName,description\n2024-01-05,1,Acme,x\n")
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if core.IsCallerError(err) {
		t.Fatal("store failure must not be classified as a caller error")
	}
}

type failingVendors struct{ err error }

func (f failingVendors) FindVendorCategory(context.Context, string) (core.VendorCategoryMapping, bool, error) {
	return core.VendorCategoryMapping{}, false, f.err
}

func TestIngestCategoryLookupFailureAborts(t *testing.T) {
	store := memory.New(nil)
	lookupErr := errors.New("database is locked")
	p := NewPipeline(category.NewResolver(failingVendors{err: lookupErr}), anomaly.NewScorer(store), store)

	_, err := ingestString(t, p, "expenseDate,amount,vendorName,description\n"+
		"2024-01-05,1,Uber,ride\n"+
		"2024-01-06,2,Acme,x\n")
	if !errors.Is(err, lookupErr) {
		t.Fatalf("expected lookup error, got %v", err)
	}
	if stored, _ := store.FindByOwner(context.Background(), owner.ID); len(stored) != 0 {
		t.Fatalf("expected nothing stored, got %d", len(stored))
	}
}

func TestIngestBlankVendorUsesDefaultCategory(t *testing.T) {
	store := memory.New(nil)
	res, err := ingestString(t, newTestPipeline(store), "expenseDate,amount,vendorName,description\n"+
		"2024-01-05,10,,Lunch\n"+
		"2024-01-06,12,   ,Dinner\n")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Imported != 2 || res.Rejected != 0 {
		t.Fatalf("expected 2 imported, got %+v", res)
	}
	stored, _ := store.FindByOwner(context.Background(), owner.ID)
	for _, e := range stored {
		if e.VendorName != "" || e.Category != core.DefaultCategory {
			t.Errorf("unexpected stored expense: %+v", e)
		}
	}
}

func TestIngestBareQuotesInField(t *testing.T) {
	store := memory.New(nil)
	res, err := ingestString(t, newTestPipeline(store), "expenseDate,amount,vendorName,description\n"+
		`2024-01-05,10,Joe's "Diner",Lunch`+"\n"+
		`2024-01-06,4,"Quoted, Inc",Coffee`+"\n")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Imported != 2 || res.Rejected != 0 {
		t.Fatalf("expected 2 imported, got %+v", res)
	}
	stored, _ := store.FindByOwner(context.Background(), owner.ID)
	if stored[0].VendorName != `Joe's "Diner"` || stored[1].VendorName != "Quoted, Inc" {
		t.Fatalf("unexpected vendors %q, %q", stored[0].VendorName, stored[1].VendorName)
	}
}

func TestIngestCancelledContextStillCompletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := memory.New(nil)
	body := "expenseDate,amount,vendorName,description\n2024-01-05,1,Acme,x\n2024-01-06,2,Acme,y\n"
	res, err := newTestPipeline(store).Ingest(ctx, strings.NewReader(body), int64(len(body)), owner)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Imported != 2 {
		t.Fatalf("expected the whole file imported, got %+v", res)
	}
}
