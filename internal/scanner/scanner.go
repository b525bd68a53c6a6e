// Package scanner finds due schedules and starts a research run for each
// claimed trigger. It also hosts the retention janitor that expires old
// reports.
//
// Claiming happens before the workflow start: the scanner first advances the
// schedule's nextRunAt under its version token, then creates the run record
// and starts the workflow. A lost claim means another instance owns the
// trigger; a failed start leaves a failed run behind rather than re-firing
// the slot.
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/finsightlabs/researchd/internal/config"
	"github.com/finsightlabs/researchd/internal/logging"
	"github.com/finsightlabs/researchd/internal/models"
	"github.com/finsightlabs/researchd/internal/store"
	"github.com/finsightlabs/researchd/internal/workflows"
)

// BlobDeleter removes report artifacts during retention cleanup.
type BlobDeleter interface {
	Delete(ctx context.Context, key string) error
}

// Scanner drives the schedule tick and the retention janitor.
type Scanner struct {
	cfg     config.ScannerConfig
	store   store.Store
	starter workflows.Starter
	blobs   BlobDeleter
	logger  *logging.Logger
	metrics *metrics
	cron    *cron.Cron

	now func() time.Time
}

// New creates a scanner. blobs may be nil when artifact cleanup is handled
// elsewhere; reports are then deleted from the store only.
func New(cfg config.ScannerConfig, st store.Store, starter workflows.Starter, blobs BlobDeleter, logger *logging.Logger) *Scanner {
	return &Scanner{
		cfg:     cfg,
		store:   st,
		starter: starter,
		blobs:   blobs,
		logger:  logger.Named("scanner"),
		metrics: newMetrics(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the tick and janitor entries and starts the cron loop.
// A tick that overruns its interval is skipped, not stacked.
func (s *Scanner) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(&cronLogger{log: s.logger})))

	if _, err := s.cron.AddFunc(s.cfg.TickSpec, func() {
		if err := s.ScanOnce(ctx); err != nil {
			s.logger.Error(ctx, "Scan failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("register scan entry: %w", err)
	}

	if _, err := s.cron.AddFunc(s.cfg.CleanupSpec, func() {
		if err := s.CleanupOnce(ctx); err != nil {
			s.logger.Error(ctx, "Report cleanup failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("register cleanup entry: %w", err)
	}

	s.cron.Start()
	s.logger.Info(ctx, "Scanner started",
		zap.String("tick", s.cfg.TickSpec),
		zap.String("cleanup", s.cfg.CleanupSpec))
	return nil
}

// Stop halts the cron loop and waits for in-flight entries.
func (s *Scanner) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// ScanOnce performs a single scan pass: list due schedules, claim each one,
// and start a run for every claim won. Schedules are processed with bounded
// concurrency; one schedule's failure never blocks the rest of the batch.
func (s *Scanner) ScanOnce(ctx context.Context) error {
	now := s.now()
	due, err := s.store.ListDueSchedules(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	s.logger.Debug(ctx, "Due schedules found", zap.Int("count", len(due)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, sched := range due {
		sched := sched
		g.Go(func() error {
			if err := s.trigger(gctx, &sched, now); err != nil {
				s.logger.Error(logging.WithSchedule(gctx, sched.ID),
					"Trigger failed", zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// trigger fires one due schedule: claim the slot, record the run, start the
// workflow.
func (s *Scanner) trigger(ctx context.Context, sched *models.Schedule, now time.Time) error {
	next, err := sched.Recurrence.Next(now)
	if err != nil {
		// A stored rule that fails to evaluate means the schedule document
		// predates a validation fix. Leave it for the operator; do not spin.
		s.metrics.triggers.WithLabelValues("invalid_rule").Inc()
		return fmt.Errorf("compute next run: %w", err)
	}

	claimed, err := s.store.ClaimDueSchedule(ctx, sched.ID, sched.Version, next)
	if err != nil {
		s.metrics.triggers.WithLabelValues("claim_error").Inc()
		return fmt.Errorf("claim schedule: %w", err)
	}
	if !claimed {
		s.metrics.triggers.WithLabelValues("claim_lost").Inc()
		return nil
	}

	ctx = logging.WithSchedule(ctx, sched.ID)
	run := &models.Run{
		ID:         uuid.NewString(),
		ScheduleID: sched.ID,
		OwnerID:    sched.OwnerID,
		Status:     models.RunStatusPending,
		StartedAt:  now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.metrics.triggers.WithLabelValues("run_create_error").Inc()
		return fmt.Errorf("create run: %w", err)
	}

	req := workflows.ResearchRequest{
		RunID:         run.ID,
		ScheduleID:    sched.ID,
		OwnerID:       sched.OwnerID,
		ScheduleTitle: sched.Title,
		Prompt:        sched.Prompt,
		Symbols:       sched.Symbols,
		EmailTo:       sched.Email.To,
		AttachPDF:     sched.Email.AttachPDF,
	}
	if err := s.starter.StartResearch(ctx, req); err != nil {
		// The slot is spent. Record the failed run instead of re-firing.
		s.metrics.triggers.WithLabelValues("start_error").Inc()
		summary := fmt.Sprintf("start: transient: %v", err)
		if ferr := s.store.FailRun(ctx, run.ID, summary, 0); ferr != nil {
			s.logger.Error(ctx, "Failed to record start failure",
				zap.String("run_id", run.ID), zap.Error(ferr))
		}
		return fmt.Errorf("start research: %w", err)
	}

	s.metrics.triggers.WithLabelValues("started").Inc()
	s.logger.Info(logging.WithRun(ctx, run.ID), "Research run started",
		zap.Time("next_run_at", next))
	return nil
}

// CleanupOnce deletes reports older than the retention window, artifacts
// first so a partial pass never leaves unreachable blobs.
func (s *Scanner) CleanupOnce(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.Retention.Duration())
	reports, err := s.store.ListReportsOlderThan(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list expired reports: %w", err)
	}

	for _, report := range reports {
		if s.blobs != nil {
			failed := false
			for _, key := range report.BlobPaths {
				if err := s.blobs.Delete(ctx, key); err != nil {
					s.logger.Warn(ctx, "Artifact delete failed, report kept for retry",
						zap.String("report_id", report.ID), zap.String("key", key), zap.Error(err))
					failed = true
				}
			}
			if failed {
				continue
			}
		}
		if err := s.store.DeleteReport(ctx, report.ID, report.OwnerID); err != nil {
			s.logger.Warn(ctx, "Report delete failed",
				zap.String("report_id", report.ID), zap.Error(err))
			continue
		}
		s.metrics.expired.Inc()
	}

	if len(reports) > 0 {
		s.logger.Info(ctx, "Expired reports cleaned",
			zap.Int("count", len(reports)), zap.Time("cutoff", cutoff))
	}
	return nil
}

// cronLogger adapts the structured logger to the cron library's interface.
type cronLogger struct {
	log *logging.Logger
}

func (c *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(context.Background(), msg, zap.Any("details", keysAndValues))
}

func (c *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(context.Background(), msg, zap.Error(err), zap.Any("details", keysAndValues))
}
