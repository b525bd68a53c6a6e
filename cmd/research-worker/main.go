// Package main runs the Temporal worker that executes research report
// workflows: context fetching, synthesis, artifact persistence, and email
// delivery.
//
// Usage:
//
//	RESEARCHD_MONGO_URI=mongodb://localhost:27017 \
//	RESEARCHD_TEMPORAL_HOST_PORT=localhost:7233 \
//	RESEARCHD_SEARCH_API_KEY=... \
//	RESEARCHD_OPENAI_API_KEY=... \
//	./research-worker -config config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/finsightlabs/researchd/internal/blob"
	"github.com/finsightlabs/researchd/internal/config"
	"github.com/finsightlabs/researchd/internal/email"
	"github.com/finsightlabs/researchd/internal/logging"
	"github.com/finsightlabs/researchd/internal/search"
	"github.com/finsightlabs/researchd/internal/store"
	"github.com/finsightlabs/researchd/internal/synthesis"
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
		Fields: map[string]string{"service": "research-worker"},
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "research worker starting",
		zap.String("temporal_host", cfg.Temporal.HostPort),
		zap.String("task_queue", cfg.Temporal.TaskQueue),
	)

	if !cfg.Search.APIKey.IsSet() {
		return fmt.Errorf("search.api_key not set")
	}
	if !cfg.OpenAI.APIKey.IsSet() {
		return fmt.Errorf("openai.api_key not set")
	}

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

	activities := workflows.NewActivities(
		st,
		search.New(cfg.Search),
		synthesis.New(cfg.OpenAI),
		blobs,
		email.New(cfg.Email),
		blob.ReportKey,
	)

	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("unable to create Temporal client: %w", err)
	}
	defer c.Close()

	logger.Info(ctx, "temporal client connected", zap.String("host", cfg.Temporal.HostPort))

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ResearchReportWorkflow)
	w.RegisterActivity(activities)

	workerErrors := make(chan error, 1)
	go func() {
		logger.Info(ctx, "worker starting")
		workerErrors <- w.Run(worker.InterruptCh())
	}()

	select {
	case err := <-workerErrors:
		if err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	logger.Info(ctx, "worker stopped gracefully")
	return nil
}
