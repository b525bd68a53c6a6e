// Package main runs the researchd control plane: the schedule management
// API, the due-schedule scanner, and the report retention janitor.
//
// Usage:
//
//	RESEARCHD_MONGO_URI=mongodb://localhost:27017 \
//	RESEARCHD_TEMPORAL_HOST_PORT=localhost:7233 \
//	./researchd -config config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/finsightlabs/researchd/internal/api"
	"github.com/finsightlabs/researchd/internal/blob"
	"github.com/finsightlabs/researchd/internal/config"
	"github.com/finsightlabs/researchd/internal/email"
	"github.com/finsightlabs/researchd/internal/logging"
	"github.com/finsightlabs/researchd/internal/scanner"
	"github.com/finsightlabs/researchd/internal/store"
	"github.com/finsightlabs/researchd/internal/workflows"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Fields: map[string]string{"service": "researchd"},
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "researchd starting",
		zap.String("temporal_host", cfg.Temporal.HostPort),
		zap.String("task_queue", cfg.Temporal.TaskQueue),
	)

	st, err := store.NewMongo(ctx, cfg.Mongo)
	if err != nil {
		return fmt.Errorf("connecting to mongo: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = st.Close(closeCtx)
	}()

	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("configuring blob store: %w", err)
	}

	tc, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("unable to create Temporal client: %w", err)
	}
	defer tc.Close()

	starter := workflows.NewTemporalStarter(tc, cfg.Temporal.TaskQueue)

	scan := scanner.New(cfg.Scanner, st, starter, blobs, logger)
	if err := scan.Start(ctx); err != nil {
		return fmt.Errorf("starting scanner: %w", err)
	}
	defer scan.Stop()

	server, err := api.NewServer(cfg.Server, st, starter, blobs, email.New(cfg.Email), logger)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	serverErrors := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	logger.Info(ctx, "researchd stopped gracefully")
	return nil
}
