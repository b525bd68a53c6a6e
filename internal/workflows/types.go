// Package workflows provides the Temporal workflow and activities that turn
// one research run into a saved, optionally emailed report.
package workflows

import (
	"fmt"
	"strings"
	"time"

	"github.com/finsightlabs/researchd/internal/search"
)

// TaskQueue is the queue both the worker and starters use.
const TaskQueue = "research-reports"

// ResearchRequest is the workflow input for a single run. The run record
// must already exist in the store (status pending) before the workflow
// starts; the workflow owns every status transition after that.
type ResearchRequest struct {
	RunID         string
	ScheduleID    string // empty for ad-hoc one-off runs
	OwnerID       string
	ScheduleTitle string
	Prompt        string
	Symbols       []string
	EmailTo       []string
	AttachPDF     bool
}

// Validate rejects requests the workflow could never complete. These are
// caller bugs, not retryable conditions.
func (r ResearchRequest) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if r.OwnerID == "" {
		return fmt.Errorf("owner id is required")
	}
	if strings.TrimSpace(r.Prompt) == "" && len(r.Symbols) == 0 {
		return fmt.Errorf("request needs a prompt or at least one symbol")
	}
	return nil
}

// ResearchReportResult is the workflow output.
type ResearchReportResult struct {
	RunID      string
	ReportID   string
	Title      string
	BlobPaths  map[string]string
	Email      DeliveryResult
	DurationMs int64
}

// Activity inputs and outputs. Every type crosses the Temporal payload
// boundary, so fields stay plain and serializable.

type FetchContextInput struct {
	Query   string
	OwnerID string
}

type FetchContextResult struct {
	Bundle search.Bundle
}

type SynthesizeInput struct {
	Prompt  string
	Symbols []string
	Title   string
	Bundles []search.Bundle
}

type ReportDraft struct {
	Title           string
	SummaryMarkdown string
	Citations       []CitationRef
}

type CitationRef struct {
	Title string
	URL   string
}

type SaveReportInput struct {
	RunID      string
	ScheduleID string
	OwnerID    string
	Symbols    []string
	Draft      ReportDraft
	RenderPDF  bool
	StartedAt  time.Time
}

// SavedReport describes the persisted artifacts. PresignedURLs maps the
// artifact kind ("markdown", "pdf") to a time-limited download link.
type SavedReport struct {
	ReportID      string
	BlobPaths     map[string]string
	PresignedURLs map[string]string
	PDF           []byte
}

type SendEmailInput struct {
	RunID      string
	Recipients []string
	Title      string
	Links      map[string]string
	PDF        []byte
	AttachPDF  bool
}

// DeliveryResult reports the email outcome. Delivery problems are recorded
// here and on the run, never surfaced as workflow failure.
type DeliveryResult struct {
	Sent    bool
	Skipped bool
	Error   string
}

type CompleteRunInput struct {
	RunID      string
	ReportID   string
	DurationMs int64
	Email      DeliveryResult
}

type FailRunInput struct {
	RunID      string
	DurationMs int64
	Summary    string
}
