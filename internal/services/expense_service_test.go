package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"expensewatch/internal/amqp"
	"expensewatch/internal/anomaly"
	"expensewatch/internal/category"
	"expensewatch/internal/core"
	"expensewatch/internal/ingest"
	"expensewatch/internal/storage/memory"
)

type fakePublisher struct {
	published []*amqp.AnomalyMessage
	err       error
}

func (f *fakePublisher) PublishAnomaly(_ context.Context, msg *amqp.AnomalyMessage) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

var (
	alice = core.User{ID: 1, Email: "alice@example.com"}
	bob   = core.User{ID: 2, Email: "bob@example.com"}
)

func newTestService(pub AnomalyPublisher) (*ExpenseService, *memory.Store) {
	store := memory.New(map[string]string{"Swiggy": "Food"})
	pipeline := ingest.NewPipeline(category.NewResolver(store), anomaly.NewScorer(store), store)
	return NewExpenseService(store, pipeline, pub), store
}

func input(vendor, category, amount string) CreateExpenseInput {
	return CreateExpenseInput{
		ExpenseDate: core.NewDate(2024, 1, 5),
		Amount:      decimal.NewNullDecimal(decimal.RequireFromString(amount)),
		VendorName:  vendor,
		Category:    category,
	}
}

func TestCreateExpense(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.CreateExpense(ctx, alice, input("Swiggy", "Food", "10")); err != nil {
			t.Fatal(err)
		}
	}

	// 100x the average is still not flagged on the manual path, and the
	// category is kept verbatim instead of resolved from the vendor.
	e, err := svc.CreateExpense(ctx, alice, input("Swiggy", "treats", "1000"))
	if err != nil {
		t.Fatalf("CreateExpense: %v", err)
	}
	if e.IsAnomaly || e.Category != "treats" || e.OwnerID != alice.ID || e.ID == 0 {
		t.Fatalf("unexpected expense %+v", e)
	}
}

func TestCreateExpenseValidation(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	noAmount := input("A", "Food", "1")
	noAmount.Amount = decimal.NullDecimal{}
	noDate := input("A", "Food", "1")
	noDate.ExpenseDate = core.Date{}

	tests := []struct {
		name  string
		owner core.User
		in    CreateExpenseInput
		want  error
	}{
		{"anonymous", core.User{}, input("A", "Food", "1"), core.ErrUnauthenticated},
		{"missing amount", alice, noAmount, core.ErrInvalidAmount},
		{"missing date", alice, noDate, core.ErrInvalidDate},
		{"blank vendor", alice, input("  ", "Food", "1"), core.ErrEmptyVendor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateExpense(ctx, tt.owner, tt.in); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestListExpensesIsolatesOwners(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	svc.CreateExpense(ctx, alice, input("A", "Food", "1"))
	svc.CreateExpense(ctx, bob, input("B", "Food", "2"))
	svc.CreateExpense(ctx, alice, input("C", "Food", "3"))

	got, err := svc.ListExpenses(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].VendorName != "A" || got[1].VendorName != "C" {
		t.Fatalf("unexpected list %+v", got)
	}
	for _, e := range got {
		if e.OwnerID != alice.ID {
			t.Fatalf("foreign expense leaked: %+v", e)
		}
	}
}

func TestDeleteExpense(t *testing.T) {
	svc, store := newTestService(nil)
	ctx := context.Background()

	e, _ := svc.CreateExpense(ctx, alice, input("A", "Food", "1"))

	if err := svc.DeleteExpense(ctx, e.ID, bob); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("foreign delete: expected ErrNotFound, got %v", err)
	}
	if ok, _ := store.ExistsByID(ctx, e.ID); !ok {
		t.Fatal("foreign delete must not remove the row")
	}
	if err := svc.DeleteExpense(ctx, e.ID, alice); err != nil {
		t.Fatalf("DeleteExpense: %v", err)
	}
	if err := svc.DeleteExpense(ctx, e.ID, alice); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestImportCSVPublishesAnomalies(t *testing.T) {
	pub := &fakePublisher{}
	svc, _ := newTestService(pub)
	ctx := context.Background()

	svc.CreateExpense(ctx, alice, input("Swiggy", "Food", "100"))

	csv := "expenseDate,amount,vendorName,description\n" +
		"2024-02-01,50,Swiggy,lunch\n" +
		"2024-02-02,301,swiggy,feast\n" +
		"bad,1,Swiggy,x\n"
	res, err := svc.ImportCSV(ctx, alice, strings.NewReader(csv), int64(len(csv)))
	if err != nil {
		t.Fatalf("ImportCSV: %v", err)
	}
	if res.Imported != 2 || res.Rejected != 1 || res.Anomalies != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(pub.published) != 1 || !pub.published[0].Amount.Equal(decimal.NewFromInt(301)) {
		t.Fatalf("expected one anomaly message, got %+v", pub.published)
	}
	if pub.published[0].OwnerID != alice.ID {
		t.Fatalf("anomaly bound to wrong owner: %+v", pub.published[0])
	}

	n, err := svc.CountAnomalies(ctx, alice)
	if err != nil || n != 1 {
		t.Fatalf("CountAnomalies = %d, %v", n, err)
	}
	if n, _ := svc.CountAnomalies(ctx, bob); n != 0 {
		t.Fatalf("bob should have no anomalies, got %d", n)
	}
}

func TestImportCSVPublishFailureIsIgnored(t *testing.T) {
	svc, _ := newTestService(&fakePublisher{err: errors.New("broker down")})
	ctx := context.Background()
	svc.CreateExpense(ctx, alice, input("Swiggy", "Food", "1"))

	csv := "expenseDate,amount,vendorName,description\n2024-02-02,100,Swiggy,feast\n"
	res, err := svc.ImportCSV(ctx, alice, strings.NewReader(csv), int64(len(csv)))
	if err != nil || res.Anomalies != 1 {
		t.Fatalf("unexpected %+v, %v", res, err)
	}
}

func TestImportCSVEmptyFile(t *testing.T) {
	svc, _ := newTestService(nil)
	if _, err := svc.ImportCSV(context.Background(), alice, strings.NewReader(""), 0); !errors.Is(err, core.ErrEmptyFile) {
		t.Fatalf("expected ErrEmptyFile, got %v", err)
	}
}

func TestExpenseService_Close(t *testing.T) {
	t.Run("nil components", func(t *testing.T) {
		service := &ExpenseService{}
		if err := service.Close(); err != nil {
			t.Fatalf("Close should not return error with nil components: %v", err)
		}
	})
}
