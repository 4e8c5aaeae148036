package main

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"

	"expensewatch/internal/amqp"
	"expensewatch/internal/cli"
	"expensewatch/internal/config"
	"expensewatch/internal/log"
	"expensewatch/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	cfg := config.Load()
	logger := cli.SetupLogger(cfg, log.ComponentWorker)
	logger.Info("Starting anomaly-worker")

	if err := cfg.ValidateWorker(); err != nil {
		cli.Fatal(logger, "Configuration validation failed", err)
	}

	ctx, stop := cli.SignalContext()
	defer stop()

	be, err := cli.InitBackend(ctx, logger, cfg)
	if err != nil {
		cli.Fatal(logger, "Failed to initialize backend", err, "backend", cfg.DataBackend)
	}
	defer func() {
		if err := be.Cleanup(); err != nil {
			logger.Error("Failed to close backend", "error", err)
		}
	}()

	// The broker often starts after the worker in compose setups.
	var client *amqp.Client
	err = retry.Do(
		func() error {
			c, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
			if err != nil {
				return err
			}
			client = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(30*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("AMQP dial failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		cli.Fatal(logger, "Failed to initialize AMQP client", err)
	}
	defer client.Close()

	store := be.Backend
	anomalyWorker := worker.NewAnomalyWorker(store, store, store, worker.LogNotifier{
		Logger: logger.WithComponent(log.ComponentAnomaly).Logger,
	})

	err = client.ConsumeAnomalies(ctx, anomalyWorker.HandleAnomalyMessage)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Message consumption failed", "error", err)
	}

	processed, skipped := anomalyWorker.Stats()
	logger.Info("Anomaly worker stopped", "processed", processed, "skipped", skipped)
}
