package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"expensewatch/internal/amqp"
	"expensewatch/internal/anomaly"
	"expensewatch/internal/auth"
	"expensewatch/internal/cache"
	"expensewatch/internal/category"
	"expensewatch/internal/cli"
	"expensewatch/internal/config"
	apphttp "expensewatch/internal/http"
	"expensewatch/internal/ingest"
	"expensewatch/internal/log"
	"expensewatch/internal/services"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	cfg := config.Load()
	logger := cli.SetupLogger(cfg, log.ComponentApp)

	if err := cfg.Validate(); err != nil {
		cli.Fatal(logger, "Configuration validation failed", err)
	}

	ctx, stop := cli.SignalContext()
	defer stop()

	be, err := cli.InitBackend(ctx, logger, cfg)
	if err != nil {
		cli.Fatal(logger, "Failed to initialize backend", err, "backend", cfg.DataBackend)
	}
	store := be.Backend

	// Vendor lookups are cached and the cache is swept periodically.
	vendorCache := cache.NewLRUCache[string](cfg.VendorCacheSize, cfg.VendorCacheTTL)
	resolver := category.NewResolver(store, category.WithCache(vendorCache))
	if n, err := resolver.Warm(ctx, store); err != nil {
		logger.Warn("Failed to warm vendor cache", "error", err)
	} else {
		logger.Info("Vendor cache warmed", "mappings", n)
	}
	janitor := cache.NewJanitor(logger.WithComponent(log.ComponentCache).Logger)
	janitor.Register(vendorCache)
	janitor.Start(5 * time.Minute)
	defer janitor.Stop()

	pipeline := ingest.NewPipeline(resolver, anomaly.NewScorer(store), store)

	// AMQP is optional. The publisher must stay a nil interface when disabled.
	var publisher services.AnomalyPublisher
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("AMQP unavailable, anomaly notifications disabled", "error", err)
		} else {
			publisher = client
			logger.Info("AMQP client initialized", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
		}
	} else {
		logger.Info("AMQP disabled - no AMQP_URL provided")
	}

	expenseService := services.NewExpenseService(store, pipeline, publisher)
	defer func() {
		if err := expenseService.Close(); err != nil {
			logger.Error("Failed to close expense service", "error", err)
		}
	}()

	authService := auth.NewService(store, auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL))

	srv := apphttp.NewServer(apphttp.Config{
		Addr:               ":" + cfg.Port,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		TrustedProxies:     cfg.TrustedProxies,
		Logger:             logger,
	}, expenseService, authService, store)

	// Configure server timeouts and limits
	srv.ReadHeaderTimeout = 5 * time.Second
	srv.ReadTimeout = 30 * time.Second
	srv.WriteTimeout = 60 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting expensewatch server", "port", cfg.Port, "backend", cfg.DataBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", "error", err, "port", cfg.Port)
	}

	m := srv.Metrics()
	logger.Info("Server stopped gracefully",
		"total_requests", m.TotalRequests,
		"server_errors", m.ServerErrors,
		"rate_limited", m.RateLimited,
		"suspicious_requests", m.SuspiciousRequests)
}
