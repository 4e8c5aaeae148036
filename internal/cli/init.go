// Package cli provides common CLI initialization utilities.
// This package consolidates repeated initialization patterns across
// cmd/expensewatch and cmd/anomaly-worker.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"expensewatch/internal/backend"
	"expensewatch/internal/config"
	"expensewatch/internal/log"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// SetupLogger builds the process logger from cfg and installs it as the
// slog default. An unknown level falls back to info.
func SetupLogger(cfg *config.Config, component string) *log.Logger {
	level, err := log.ParseLevel(cfg.LogLevel)
	logger := log.New(log.Config{
		Level:     level,
		Format:    cfg.LogFormat,
		Component: component,
		Output:    os.Stdout,
	})
	log.SetDefault(logger)
	if err != nil {
		logger.Warn("Invalid log level, using info", "log_level", cfg.LogLevel)
	}
	return logger
}

// Fatal logs msg with err and exits with status 1.
func Fatal(logger *log.Logger, msg string, err error, args ...any) {
	logger.Error(msg, append([]any{log.FieldError, err}, args...)...)
	os.Exit(1)
}

// InitBackend opens the backend selected by cfg.
func InitBackend(ctx context.Context, logger *log.Logger, cfg *config.Config) (*backend.BackendResult, error) {
	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("backend config: %w", err)
	}
	factory := backend.NewFactory(logger.WithComponent(log.ComponentBackend).Logger)
	return factory.CreateBackend(ctx, backendCfg)
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
