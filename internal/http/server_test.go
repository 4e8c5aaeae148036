package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"expensewatch/internal/anomaly"
	"expensewatch/internal/auth"
	"expensewatch/internal/category"
	"expensewatch/internal/core"
	"expensewatch/internal/ingest"
	"expensewatch/internal/log"
	"expensewatch/internal/services"
	"expensewatch/internal/storage/memory"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func newTestServer(t *testing.T, cfg Config) (*Server, *memory.Store) {
	t.Helper()
	store := memory.New(map[string]string{"Swiggy": "Food"})
	pipeline := ingest.NewPipeline(category.NewResolver(store), anomaly.NewScorer(store), store)
	svc := services.NewExpenseService(store, pipeline, nil)
	authSvc := auth.NewService(store, auth.NewTokenIssuer("test-secret-0123456789", time.Hour))

	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Config{Level: slog.LevelError, Output: io.Discard})
	}
	srv := NewServer(cfg, svc, authSvc, store)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv, store
}

func do(t *testing.T, srv *Server, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func doJSON(t *testing.T, srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	return do(t, srv, method, path, token, r, "application/json")
}

func register(t *testing.T, srv *Server, email string) string {
	t.Helper()
	creds := fmt.Sprintf(`{"email":%q,"password":"correct-horse"}`, email)
	if rr := doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", creds); rr.Code != http.StatusCreated {
		t.Fatalf("signup %s: status=%d body=%s", email, rr.Code, rr.Body)
	}
	rr := doJSON(t, srv, http.MethodPost, "/api/auth/login", "", creds)
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status=%d body=%s", email, rr.Code, rr.Body)
	}
	var resp tokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("login response %s: %v", rr.Body, err)
	}
	return resp.Token
}

func upload(t *testing.T, srv *Server, token, field, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "expenses.csv")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = io.WriteString(fw, content)
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return do(t, srv, http.MethodPost, "/api/expenses/upload", token, &buf, mw.FormDataContentType())
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := do(t, srv, http.MethodGet, path, "", nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}

	srv.ready = fakePinger{err: errors.New("database is locked")}
	if rr := do(t, srv, http.MethodGet, "/readyz", "", nil, ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when backend is down, got %d", rr.Code)
	}
}

func TestResponseHeaders(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rr := do(t, srv, http.MethodGet, "/healthz", "", nil, "")
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
}

func TestSignupAndLogin(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"signup", "/api/auth/signup", `{"email":"Alice@Example.com","password":"correct-horse"}`, http.StatusCreated},
		{"duplicate email", "/api/auth/signup", `{"email":"alice@example.com","password":"another-pass"}`, http.StatusConflict},
		{"invalid email", "/api/auth/signup", `{"email":"nope","password":"correct-horse"}`, http.StatusBadRequest},
		{"short password", "/api/auth/signup", `{"email":"bob@example.com","password":"short"}`, http.StatusBadRequest},
		{"unknown field", "/api/auth/signup", `{"email":"carol@example.com","password":"correct-horse","admin":true}`, http.StatusBadRequest},
		{"empty body", "/api/auth/signup", ``, http.StatusBadRequest},
		{"wrong password", "/api/auth/login", `{"email":"alice@example.com","password":"wrong-horse"}`, http.StatusUnauthorized},
		{"unknown user", "/api/auth/login", `{"email":"ghost@example.com","password":"correct-horse"}`, http.StatusUnauthorized},
		{"login", "/api/auth/login", `{"email":"ALICE@example.com","password":"correct-horse"}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, srv, http.MethodPost, tt.path, "", tt.body)
			if rr.Code != tt.want {
				t.Fatalf("status=%d want %d body=%s", rr.Code, tt.want, rr.Body)
			}
			if !strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
				t.Fatalf("unexpected content type %q", rr.Header().Get("Content-Type"))
			}
		})
	}
}

func TestExpensesRequireToken(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	for _, tc := range []struct{ method, path, token string }{
		{http.MethodGet, "/api/expenses", ""},
		{http.MethodPost, "/api/expenses", ""},
		{http.MethodDelete, "/api/expenses/1", ""},
		{http.MethodGet, "/api/expenses/anomalies/count", ""},
		{http.MethodGet, "/api/expenses", "not-a-jwt"},
	} {
		rr := doJSON(t, srv, tc.method, tc.path, tc.token, "")
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", tc.method, tc.path, rr.Code)
		}
	}
}

func TestCreateListDelete(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	alice := register(t, srv, "alice@example.com")
	bob := register(t, srv, "bob@example.com")

	rr := doJSON(t, srv, http.MethodPost, "/api/expenses", alice,
		`{"expenseDate":"2024-02-01","amount":"42.50","vendorName":"Corner Shop","description":"Snacks","category":"Groceries"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body)
	}
	var created core.Expense
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == 0 || created.Category != "Groceries" || created.IsAnomaly {
		t.Fatalf("unexpected created expense %+v", created)
	}

	for _, body := range []string{
		`{"expenseDate":"2024-02-30","amount":"1","vendorName":"X"}`,
		`{"expenseDate":"2024-02-01","vendorName":"X"}`,
		`{"expenseDate":"2024-02-01","amount":"1","vendorName":"  "}`,
	} {
		if rr := doJSON(t, srv, http.MethodPost, "/api/expenses", alice, body); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rr.Code)
		}
	}

	var list []core.Expense
	rr = doJSON(t, srv, http.MethodGet, "/api/expenses", alice, "")
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("alice list: %s (%v)", rr.Body, err)
	}
	rr = doJSON(t, srv, http.MethodGet, "/api/expenses", bob, "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("bob must see an empty list, got %s", rr.Body)
	}

	path := fmt.Sprintf("/api/expenses/%d", created.ID)
	if rr := doJSON(t, srv, http.MethodDelete, path, bob, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("foreign delete: expected 404, got %d", rr.Code)
	}
	if rr := doJSON(t, srv, http.MethodDelete, path, alice, ""); rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rr.Code)
	}
	if rr := doJSON(t, srv, http.MethodDelete, path, alice, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rr.Code)
	}
	if rr := doJSON(t, srv, http.MethodDelete, "/api/expenses/abc", alice, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rr.Code)
	}
}

func TestUploadAndCountAnomalies(t *testing.T) {
	srv, store := newTestServer(t, Config{})
	alice := register(t, srv, "alice@example.com")

	for i := 0; i < 3; i++ {
		rr := doJSON(t, srv, http.MethodPost, "/api/expenses", alice,
			`{"expenseDate":"2024-01-01","amount":"10","vendorName":"Swiggy","description":"lunch","category":"Food"}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("seed expense: %d %s", rr.Code, rr.Body)
		}
	}

	rr := upload(t, srv, alice, uploadField, "expenseDate,amount,vendorName,description\n"+
		"2024-01-05,100.00,swiggy,Party\n"+
		"2024-01-06,12,Swiggy,Dinner\n"+
		"bad-date,5,Swiggy,Oops\n")
	if rr.Code != http.StatusOK {
		t.Fatalf("upload status=%d body=%s", rr.Code, rr.Body)
	}
	var res ingest.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if res.Imported != 2 || res.Rejected != 1 || res.Anomalies != 1 {
		t.Fatalf("unexpected import result %+v", res)
	}
	if len(res.Rejections) != 1 || res.Rejections[0].Line != 4 {
		t.Fatalf("unexpected rejections %+v", res.Rejections)
	}

	rr = doJSON(t, srv, http.MethodGet, "/api/expenses/anomalies/count", alice, "")
	var count countResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &count); err != nil || count.Count != 1 {
		t.Fatalf("anomaly count: %s (%v)", rr.Body, err)
	}

	stored, _ := store.FindByOwner(context.Background(), 1)
	if len(stored) != 5 {
		t.Fatalf("expected 5 stored expenses, got %d", len(stored))
	}
}

func TestUploadErrors(t *testing.T) {
	srv, _ := newTestServer(t, Config{MaxUploadBytes: 512})
	alice := register(t, srv, "alice@example.com")

	if rr := upload(t, srv, alice, uploadField, ""); rr.Code != http.StatusBadRequest {
		t.Errorf("empty file: expected 400, got %d", rr.Code)
	}
	if rr := upload(t, srv, alice, "attachment", "expenseDate,amount,vendorName,description\n"); rr.Code != http.StatusBadRequest {
		t.Errorf("wrong field: expected 400, got %d", rr.Code)
	}
	big := "expenseDate,amount,vendorName,description\n" + strings.Repeat("2024-01-01,1,Swiggy,x\n", 100)
	if rr := upload(t, srv, alice, uploadField, big); rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized upload: expected 413, got %d", rr.Code)
	}
	rr := do(t, srv, http.MethodPost, "/api/expenses/upload", alice, strings.NewReader("plain"), "text/plain")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("non multipart: expected 400, got %d", rr.Code)
	}
}

func TestRateLimitOnMutatingRequests(t *testing.T) {
	srv, _ := newTestServer(t, Config{RateLimitPerMinute: 1})
	creds := `{"email":"nobody@example.com","password":"correct-horse"}`

	if rr := doJSON(t, srv, http.MethodPost, "/api/auth/login", "", creds); rr.Code != http.StatusUnauthorized {
		t.Fatalf("first login: expected 401, got %d", rr.Code)
	}
	rr := doJSON(t, srv, http.MethodPost, "/api/auth/login", "", creds)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second login: expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	// Reads are not limited.
	if rr := do(t, srv, http.MethodGet, "/healthz", "", nil, ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz after limit: %d", rr.Code)
	}
	if m := srv.Metrics(); m.RateLimited != 1 || m.TotalRequests != 3 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("expense 3: %w", core.ErrNotFound), http.StatusNotFound},
		{core.ErrEmailTaken, http.StatusConflict},
		{core.ErrInvalidCredentials, http.StatusUnauthorized},
		{core.ErrUnauthenticated, http.StatusUnauthorized},
		{core.ErrEmptyFile, http.StatusBadRequest},
		{core.ErrMalformedFile, http.StatusBadRequest},
		{fmt.Errorf("%w: bad", core.ErrInvalidInput), http.StatusBadRequest},
		{&http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge},
		{errors.New("disk I/O error"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, msg := statusForError(tt.err)
		if got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
		if got == http.StatusInternalServerError && msg != "internal server error" {
			t.Errorf("dependency error leaked message %q", msg)
		}
	}
}
