// Package models defines the persisted entities of researchd: schedules,
// runs, and reports.
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/finsightlabs/researchd/internal/recurrence"
)

// RunStatus is the lifecycle state of a Run. Transitions are monotonic:
// pending -> running -> succeeded|failed, never backward.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// EmailSettings controls report delivery for a schedule or ad-hoc run.
type EmailSettings struct {
	To        []string `bson:"to" json:"to"`
	AttachPDF bool     `bson:"attachPdf" json:"attachPdf"`
}

// Schedule is a recurring research request. NextRunAt is nil when the
// schedule has never been armed; Version is the optimistic-concurrency token
// bumped on every write so two scanner instances cannot claim the same
// trigger.
type Schedule struct {
	ID         string          `bson:"_id" json:"id"`
	OwnerID    string          `bson:"ownerId" json:"ownerId"`
	Title      string          `bson:"title" json:"title"`
	Prompt     string          `bson:"prompt" json:"prompt"`
	Symbols    []string        `bson:"symbols" json:"symbols"`
	Recurrence recurrence.Rule `bson:"recurrence" json:"recurrence"`
	Email      EmailSettings   `bson:"email" json:"email"`
	Active     bool            `bson:"active" json:"active"`
	NextRunAt  *time.Time      `bson:"nextRunAt" json:"nextRunAt"`
	Version    int64           `bson:"version" json:"version"`
	CreatedAt  time.Time       `bson:"createdAt" json:"createdAt"`
}

// Run is one execution of the research pipeline. ScheduleID is empty for
// ad-hoc runs. A Run is immutable once terminal.
type Run struct {
	ID         string    `bson:"_id" json:"id"`
	ScheduleID string    `bson:"scheduleId,omitempty" json:"scheduleId,omitempty"`
	OwnerID    string    `bson:"ownerId" json:"ownerId"`
	Status     RunStatus `bson:"status" json:"status"`
	StartedAt  time.Time `bson:"startedAt" json:"startedAt"`
	DurationMs int64     `bson:"durationMs,omitempty" json:"durationMs,omitempty"`
	ReportID   string    `bson:"reportId,omitempty" json:"reportId,omitempty"`
	Error      string    `bson:"error,omitempty" json:"error,omitempty"`

	// Email delivery is best-effort and never fails a run; the outcome is
	// recorded here as an annotation. EmailSent doubles as the at-most-once
	// marker checked before the send activity touches the provider.
	EmailSent  bool   `bson:"emailSent,omitempty" json:"emailSent,omitempty"`
	EmailError string `bson:"emailError,omitempty" json:"emailError,omitempty"`
}

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Citation is a source reference carried into the final report.
type Citation struct {
	Title string `bson:"title" json:"title"`
	URL   string `bson:"url" json:"url"`
}

// Report is the artifact produced by a successful Run. BlobPaths maps format
// ("md", "pdf") to the object-store key; "md" is always present.
type Report struct {
	ID         string            `bson:"_id" json:"id"`
	RunID      string            `bson:"runId" json:"runId"`
	ScheduleID string            `bson:"scheduleId,omitempty" json:"scheduleId,omitempty"`
	OwnerID    string            `bson:"ownerId" json:"ownerId"`
	Title      string            `bson:"title" json:"title"`
	Symbols    []string          `bson:"symbols" json:"symbols"`
	Summary    string            `bson:"summary" json:"summary"`
	BlobPaths  map[string]string `bson:"blobPaths" json:"blobPaths"`
	Citations  []Citation        `bson:"citations" json:"citations"`
	CreatedAt  time.Time         `bson:"createdAt" json:"createdAt"`
}

// reportNamespace seeds deterministic report ids.
var reportNamespace = uuid.MustParse("8f9c1d5e-4b6a-4f0e-9c2d-7a1b3e5d8c0f")

// ReportIDForRun derives the Report id from the Run id. Saving a report for
// the same run twice therefore overwrites instead of duplicating.
func ReportIDForRun(runID string) string {
	return uuid.NewSHA1(reportNamespace, []byte(runID)).String()
}
