package http

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"expensewatch/internal/auth"
	"expensewatch/internal/core"
	"expensewatch/internal/ingest"
	"expensewatch/internal/log"
	"expensewatch/internal/middleware/ratelimit"
	"expensewatch/internal/middleware/security"
	"expensewatch/internal/middleware/trace"
	"expensewatch/internal/services"
)

type (
	// ExpenseAPI is the expense surface the handlers call.
	ExpenseAPI interface {
		CreateExpense(ctx context.Context, owner core.User, in services.CreateExpenseInput) (core.Expense, error)
		ListExpenses(ctx context.Context, owner core.User) ([]core.Expense, error)
		DeleteExpense(ctx context.Context, id int64, owner core.User) error
		ImportCSV(ctx context.Context, owner core.User, file io.Reader, size int64) (ingest.Result, error)
		CountAnomalies(ctx context.Context, owner core.User) (int64, error)
	}

	// AuthAPI registers users, issues tokens and resolves them.
	AuthAPI interface {
		auth.Authenticator
		Signup(ctx context.Context, email, password string) (core.User, error)
		Login(ctx context.Context, email, password string) (string, error)
	}

	// Pinger reports whether a dependency is reachable.
	Pinger interface {
		Ping(ctx context.Context) error
	}
)

// Config carries the server settings that are not handler dependencies.
type Config struct {
	Addr               string
	MaxUploadBytes     int64
	RateLimitPerMinute int
	TrustedProxies     []string
	Logger             *log.Logger
}

type Server struct {
	http.Server

	expenses ExpenseAPI
	auth     AuthAPI
	ready    Pinger

	maxUploadBytes int64
	logger         *log.StructuredLogger
	rateLimiter    *ratelimit.Limiter
	detector       *security.Detector
	tracer         *trace.Middleware

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
// ready may be nil, in which case /readyz always succeeds.
func NewServer(cfg Config, expenses ExpenseAPI, authAPI AuthAPI, ready Pinger) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	httpLogger := logger.WithComponent(log.ComponentHTTP)

	limiterCfg := ratelimit.DefaultConfig()
	if cfg.RateLimitPerMinute > 0 {
		limiterCfg.RequestsPerMinute = cfg.RateLimitPerMinute
	}

	s := &Server{
		expenses:       expenses,
		auth:           authAPI,
		ready:          ready,
		maxUploadBytes: cfg.MaxUploadBytes,
		logger:         log.NewStructuredLogger(httpLogger),
		rateLimiter:    ratelimit.NewLimiter(limiterCfg),
		detector:       security.NewDetector(),
	}
	for _, cidr := range cfg.TrustedProxies {
		if err := s.detector.AddTrustedProxy(cidr); err != nil {
			httpLogger.Warn("Ignoring trusted proxy", log.FieldError, err)
		}
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = 10 << 20
	}
	s.tracer = trace.NewMiddleware(logger, s.detector.ExtractClientIP)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("POST /api/auth/signup", s.handleSignup)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	protected := auth.Middleware(authAPI)
	mux.Handle("GET /api/expenses", protected(http.HandlerFunc(s.handleListExpenses)))
	mux.Handle("POST /api/expenses", protected(http.HandlerFunc(s.handleCreateExpense)))
	mux.Handle("DELETE /api/expenses/{id}", protected(http.HandlerFunc(s.handleDeleteExpense)))
	mux.Handle("POST /api/expenses/upload", protected(http.HandlerFunc(s.handleUpload)))
	mux.Handle("GET /api/expenses/anomalies/count", protected(http.HandlerFunc(s.handleCountAnomalies)))

	// Outermost first.
	chain := []func(http.Handler) http.Handler{
		log.Middleware(httpLogger),
		s.tracer.Middleware,
		log.RequestIDMiddleware(func(r *http.Request) string { return trace.GetRequestID(r.Context()) }),
		security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware,
		s.detector.Middleware,
		s.rateLimiter.Middleware(s.detector.ExtractClientIP, ratelimit.Mutating, writeRateLimited),
	}
	var handler http.Handler = mux
	for i := len(chain) - 1; i >= 0; i-- {
		handler = chain[i](handler)
	}

	s.Server = http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}
	return s
}

func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	ErrorResponse(http.StatusTooManyRequests, "rate limit exceeded, please try again later").Write(w)
}

// Metrics is a snapshot of the server's request counters.
type Metrics struct {
	TotalRequests      int64
	ServerErrors       int64
	RateLimited        int64
	SuspiciousRequests int64
	ActiveClients      int
}

func (s *Server) Metrics() Metrics {
	tm := s.tracer.GetMetrics()
	return Metrics{
		TotalRequests:      tm.TotalRequests,
		ServerErrors:       tm.ServerErrors,
		RateLimited:        s.rateLimiter.Hits(),
		SuspiciousRequests: s.detector.SuspiciousRequests(),
		ActiveClients:      s.rateLimiter.ActiveClients(),
	}
}

// Shutdown gracefully shuts down the server and its cleanup goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.LogError(ctx, "Readiness check failed", err, "ready", nil)
			ErrorResponse(http.StatusServiceUnavailable, "not ready").Write(w)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
