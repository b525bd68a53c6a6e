// Package store persists schedules, runs, and reports.
//
// The store is the sole writer of persisted state. Run status transitions
// are enforced monotonic at the query level: updates filter on the expected
// prior status, so a replayed activity or a late writer can never move a run
// backward.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/finsightlabs/researchd/internal/models"
)

// ErrNotFound is returned when the requested entity does not exist or is not
// visible to the requesting owner.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned when an optimistic-concurrency write lost
// the race to a concurrent writer.
var ErrVersionConflict = errors.New("store: version conflict")

// Store is the persistence boundary consumed by the scanner, the HTTP API,
// and the workflow activities.
type Store interface {
	ScheduleStore
	RunStore
	ReportStore
}

// ScheduleStore persists Schedule entities.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	GetSchedule(ctx context.Context, id, ownerID string) (*models.Schedule, error)
	ListSchedules(ctx context.Context, ownerID string) ([]models.Schedule, error)
	// UpdateSchedule replaces the schedule identified by s.ID/s.OwnerID if the
	// stored version matches s.Version, bumping the version. Returns
	// ErrVersionConflict on a lost race.
	UpdateSchedule(ctx context.Context, s *models.Schedule) error
	DeleteSchedule(ctx context.Context, id, ownerID string) error

	// ListDueSchedules returns up to limit active schedules with
	// nextRunAt <= now. Inactive schedules are never returned.
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error)
	// ClaimDueSchedule advances nextRunAt if the stored version still matches,
	// returning false when another scanner instance claimed the trigger first.
	ClaimDueSchedule(ctx context.Context, id string, version int64, nextRunAt time.Time) (bool, error)
}

// RunStore persists Run entities.
type RunStore interface {
	CreateRun(ctx context.Context, r *models.Run) error
	GetRun(ctx context.Context, id, ownerID string) (*models.Run, error)
	ListRuns(ctx context.Context, ownerID, scheduleID string) ([]models.Run, error)

	// MarkRunRunning moves a pending run to running. A run already past
	// pending is left untouched, keeping the call replay-safe.
	MarkRunRunning(ctx context.Context, runID string) error
	// CompleteRun moves a non-terminal run to succeeded with the report id,
	// duration, and email delivery annotation.
	CompleteRun(ctx context.Context, runID, reportID string, durationMs int64, emailSent bool, emailError string) error
	// FailRun moves a non-terminal run to failed with a short error summary.
	FailRun(ctx context.Context, runID, summary string, durationMs int64) error
	// AcquireEmailSlot atomically sets the email-sent marker, returning false
	// if it was already set. Gates send_email to at most one provider call
	// per run.
	AcquireEmailSlot(ctx context.Context, runID string) (bool, error)
}

// ReportStore persists Report entities.
type ReportStore interface {
	// SaveReport upserts by report id. Report ids derive deterministically
	// from the run id, so a replayed save overwrites instead of duplicating.
	SaveReport(ctx context.Context, r *models.Report) error
	GetReport(ctx context.Context, id, ownerID string) (*models.Report, error)
	ListReports(ctx context.Context, ownerID string) ([]models.Report, error)
	DeleteReport(ctx context.Context, id, ownerID string) error
	// ListReportsOlderThan returns reports created before cutoff, for the
	// retention janitor.
	ListReportsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Report, error)
}
