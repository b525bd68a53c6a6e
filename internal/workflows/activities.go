package workflows

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/finsightlabs/researchd/internal/email"
	"github.com/finsightlabs/researchd/internal/faults"
	"github.com/finsightlabs/researchd/internal/models"
	"github.com/finsightlabs/researchd/internal/pdfrender"
	"github.com/finsightlabs/researchd/internal/search"
	"github.com/finsightlabs/researchd/internal/store"
	"github.com/finsightlabs/researchd/internal/synthesis"
)

// ContextFetcher gathers web context for one query.
type ContextFetcher interface {
	Fetch(ctx context.Context, query string) (*search.Bundle, error)
}

// ReportSynthesizer turns gathered context into a report draft.
type ReportSynthesizer interface {
	Synthesize(ctx context.Context, prompt string, symbols []string, bundles []search.Bundle) (*synthesis.Draft, error)
}

// BlobStore persists and presigns report artifacts.
type BlobStore interface {
	PutText(ctx context.Context, key, body, contentType string) error
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
	PresignGet(ctx context.Context, key string) (string, error)
}

// EmailSender delivers the finished-report notification.
type EmailSender interface {
	Send(ctx context.Context, recipients []string, title string, links []email.ArtifactLink, attachment *email.Attachment) *email.Result
}

// blobKeyFunc builds the object key for a report artifact.
type blobKeyFunc func(ownerID, scheduleID, runID, ext string) string

// Activities holds the provider clients the workflow's activities run
// against. One instance is registered per worker process.
type Activities struct {
	Store   store.Store
	Search  ContextFetcher
	Synth   ReportSynthesizer
	Blobs   BlobStore
	Email   EmailSender
	BlobKey blobKeyFunc

	metrics *activityMetrics
}

// NewActivities wires the activity set. blobKey maps a run onto its object
// keys; pass blob.ReportKey in production.
func NewActivities(st store.Store, fetcher ContextFetcher, synth ReportSynthesizer, blobs BlobStore, sender EmailSender, blobKey blobKeyFunc) *Activities {
	return &Activities{
		Store:   st,
		Search:  fetcher,
		Synth:   synth,
		Blobs:   blobs,
		Email:   sender,
		BlobKey: blobKey,
		metrics: newActivityMetrics(),
	}
}

// MarkRunRunning transitions the run record to running. Safe to replay.
func (a *Activities) MarkRunRunning(ctx context.Context, runID string) error {
	if err := a.Store.MarkRunRunning(ctx, runID); err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	return nil
}

// FetchContext runs one web search and extracts page text for the query.
func (a *Activities) FetchContext(ctx context.Context, input FetchContextInput) (*FetchContextResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Fetching context", "query", input.Query)

	bundle, err := a.Search.Fetch(ctx, input.Query)
	if err != nil {
		a.metrics.recordActivity(ctx, "fetch_context", faults.Class(err))
		return nil, activityError("fetch-context", err)
	}
	a.metrics.recordActivity(ctx, "fetch_context", "ok")
	logger.Info("Context fetched", "query", input.Query, "documents", len(bundle.Documents))
	return &FetchContextResult{Bundle: *bundle}, nil
}

// Synthesize produces the report draft from the gathered bundles.
func (a *Activities) Synthesize(ctx context.Context, input SynthesizeInput) (*ReportDraft, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Synthesizing report", "bundles", len(input.Bundles))

	draft, err := a.Synth.Synthesize(ctx, input.Prompt, input.Symbols, input.Bundles)
	if err != nil {
		a.metrics.recordActivity(ctx, "synthesize", faults.Class(err))
		return nil, activityError("synthesize", err)
	}
	a.metrics.recordActivity(ctx, "synthesize", "ok")

	out := &ReportDraft{
		Title:           draft.Title,
		SummaryMarkdown: draft.SummaryMarkdown,
	}
	if out.Title == "" {
		out.Title = input.Title
	}
	for _, c := range draft.Citations {
		out.Citations = append(out.Citations, CitationRef{Title: c.Title, URL: c.URL})
	}
	return out, nil
}

// SaveReport persists the report entity and its blob artifacts. The report
// id derives from the run id, so replays overwrite the same document and
// keys instead of duplicating them.
func (a *Activities) SaveReport(ctx context.Context, input SaveReportInput) (*SavedReport, error) {
	logger := activity.GetLogger(ctx)

	reportID := models.ReportIDForRun(input.RunID)
	scheduleKeyPart := input.ScheduleID
	if scheduleKeyPart == "" {
		scheduleKeyPart = "adhoc"
	}

	// Stamping the report with the run's start keeps replays writing the
	// same document instead of drifting the timestamp.
	createdAt := input.StartedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	citations := make([]models.Citation, 0, len(input.Draft.Citations))
	for _, c := range input.Draft.Citations {
		citations = append(citations, models.Citation{Title: c.Title, URL: c.URL})
	}

	saved := &SavedReport{
		ReportID:      reportID,
		BlobPaths:     map[string]string{},
		PresignedURLs: map[string]string{},
	}

	mdKey := a.BlobKey(input.OwnerID, scheduleKeyPart, input.RunID, "md")
	if err := a.Blobs.PutText(ctx, mdKey, input.Draft.SummaryMarkdown, "text/markdown"); err != nil {
		a.metrics.recordActivity(ctx, "save_report", faults.Class(err))
		return nil, activityError("save-report", err)
	}
	saved.BlobPaths["md"] = mdKey

	if input.RenderPDF {
		pdfCitations := make([]pdfrender.Citation, 0, len(citations))
		for _, c := range citations {
			pdfCitations = append(pdfCitations, pdfrender.Citation{Title: c.Title, URL: c.URL})
		}
		pdfBytes, err := pdfrender.Render(pdfrender.Input{
			Title:       input.Draft.Title,
			Subjects:    input.Symbols,
			Markdown:    input.Draft.SummaryMarkdown,
			Citations:   pdfCitations,
			GeneratedAt: createdAt,
		})
		if err != nil {
			// Rendering failure is a bug in the draft or renderer; retrying
			// the same bytes cannot help.
			a.metrics.recordActivity(ctx, "save_report", "permanent")
			return nil, activityError("save-report", faults.Permanent(err))
		}
		pdfKey := a.BlobKey(input.OwnerID, scheduleKeyPart, input.RunID, "pdf")
		if err := a.Blobs.PutBytes(ctx, pdfKey, pdfBytes, "application/pdf"); err != nil {
			a.metrics.recordActivity(ctx, "save_report", faults.Class(err))
			return nil, activityError("save-report", err)
		}
		saved.BlobPaths["pdf"] = pdfKey
		saved.PDF = pdfBytes
	}

	report := &models.Report{
		ID:         reportID,
		RunID:      input.RunID,
		ScheduleID: input.ScheduleID,
		OwnerID:    input.OwnerID,
		Title:      input.Draft.Title,
		Symbols:    input.Symbols,
		Summary:    input.Draft.SummaryMarkdown,
		BlobPaths:  saved.BlobPaths,
		Citations:  citations,
		CreatedAt:  createdAt,
	}
	if err := a.Store.SaveReport(ctx, report); err != nil {
		a.metrics.recordActivity(ctx, "save_report", faults.Class(err))
		return nil, activityError("save-report", err)
	}

	for kind, key := range saved.BlobPaths {
		url, err := a.Blobs.PresignGet(ctx, key)
		if err != nil {
			logger.Warn("Presign failed, link omitted from email", "key", key, "error", err)
			continue
		}
		saved.PresignedURLs[kind] = url
	}

	a.metrics.recordActivity(ctx, "save_report", "ok")
	logger.Info("Report saved", "report_id", reportID, "artifacts", len(saved.BlobPaths))
	return saved, nil
}

// SendEmail delivers the notification at most once per run. The outcome is
// returned as data; this activity only errors on the store gate, never on
// provider failure.
func (a *Activities) SendEmail(ctx context.Context, input SendEmailInput) (*DeliveryResult, error) {
	logger := activity.GetLogger(ctx)

	if len(input.Recipients) == 0 {
		return &DeliveryResult{Skipped: true}, nil
	}

	acquired, err := a.Store.AcquireEmailSlot(ctx, input.RunID)
	if err != nil {
		return nil, fmt.Errorf("acquire email slot: %w", err)
	}
	if !acquired {
		// The marker is set but this execution did not deliver; the earlier
		// attempt may have died before or after the provider call. Record
		// the ambiguity instead of claiming delivery.
		logger.Info("Email slot already consumed for run, skipping", "run_id", input.RunID)
		return &DeliveryResult{Skipped: true, Error: "delivery already attempted by an earlier execution"}, nil
	}

	links := make([]email.ArtifactLink, 0, len(input.Links))
	for _, kind := range []string{"md", "pdf"} {
		if url, ok := input.Links[kind]; ok {
			label := "Markdown"
			if kind == "pdf" {
				label = "PDF"
			}
			links = append(links, email.ArtifactLink{Label: label, URL: url})
		}
	}

	var attachment *email.Attachment
	if input.AttachPDF && len(input.PDF) > 0 {
		attachment = &email.Attachment{
			Filename:    "report.pdf",
			ContentType: "application/pdf",
			Content:     input.PDF,
		}
	}

	res := a.Email.Send(ctx, input.Recipients, input.Title, links, attachment)
	if !res.Sent {
		a.metrics.recordEmail(ctx, "failed")
		logger.Warn("Email delivery failed", "run_id", input.RunID, "error", res.Error)
		return &DeliveryResult{Error: res.Error}, nil
	}
	a.metrics.recordEmail(ctx, "sent")
	return &DeliveryResult{Sent: true}, nil
}

// CompleteRun records the terminal success state.
func (a *Activities) CompleteRun(ctx context.Context, input CompleteRunInput) error {
	emailErr := input.Email.Error
	if err := a.Store.CompleteRun(ctx, input.RunID, input.ReportID, input.DurationMs, input.Email.Sent, emailErr); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	a.metrics.recordRun(ctx, "succeeded")
	return nil
}

// FailRun records the terminal failure state with a short summary.
func (a *Activities) FailRun(ctx context.Context, input FailRunInput) error {
	if err := a.Store.FailRun(ctx, input.RunID, input.Summary, input.DurationMs); err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	a.metrics.recordRun(ctx, "failed")
	return nil
}
