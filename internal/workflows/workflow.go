package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// ResearchReportWorkflow drives one research run end to end: gather web
// context for each subject, synthesize the report, persist the artifacts,
// then optionally email the result.
//
// Steps advance strictly in order and each step runs under the standard
// retry policy except email, which gets a single attempt. Any step failure
// marks the run failed with a stage-prefixed summary; email failure is the
// one exception and only annotates the run.
func ResearchReportWorkflow(ctx workflow.Context, req ResearchRequest) (*ResearchReportResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting research run",
		"run_id", req.RunID,
		"schedule_id", req.ScheduleID,
		"symbols", req.Symbols)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	startedAt := workflow.Now(ctx)
	var a *Activities

	if err := req.Validate(); err != nil {
		summary := fmt.Sprintf("validate: permanent: %v", err)
		failRun(ctx, req.RunID, summary, 0)
		return nil, temporal.NewNonRetryableApplicationError(summary, permanentErrorType, err)
	}

	if err := workflow.ExecuteActivity(ctx, a.MarkRunRunning, req.RunID).Get(ctx, nil); err != nil {
		return nil, failStage(ctx, req, startedAt, "mark-running", err)
	}

	// Fetch context for every subject. Queries run sequentially so the
	// provider rate limit is spent one run at a time.
	var bundles []FetchContextResult
	for _, query := range contextQueries(req) {
		var res FetchContextResult
		err := workflow.ExecuteActivity(ctx, a.FetchContext, FetchContextInput{
			Query:   query,
			OwnerID: req.OwnerID,
		}).Get(ctx, &res)
		if err != nil {
			return nil, failStage(ctx, req, startedAt, "fetch-context", err)
		}
		bundles = append(bundles, res)
	}

	synthIn := SynthesizeInput{
		Prompt:  req.Prompt,
		Symbols: req.Symbols,
		Title:   req.ScheduleTitle,
	}
	for _, b := range bundles {
		synthIn.Bundles = append(synthIn.Bundles, b.Bundle)
	}

	// Synthesis calls are expensive, so the model gets a longer deadline.
	synthCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         ao.RetryPolicy,
	})
	var draft ReportDraft
	if err := workflow.ExecuteActivity(synthCtx, a.Synthesize, synthIn).Get(ctx, &draft); err != nil {
		return nil, failStage(ctx, req, startedAt, "synthesize", err)
	}

	var saved SavedReport
	err := workflow.ExecuteActivity(ctx, a.SaveReport, SaveReportInput{
		RunID:      req.RunID,
		ScheduleID: req.ScheduleID,
		OwnerID:    req.OwnerID,
		Symbols:    req.Symbols,
		Draft:      draft,
		RenderPDF:  req.AttachPDF,
		StartedAt:  startedAt,
	}).Get(ctx, &saved)
	if err != nil {
		return nil, failStage(ctx, req, startedAt, "save-report", err)
	}

	delivery := DeliveryResult{Skipped: true}
	if len(req.EmailTo) > 0 {
		// One attempt only. The send activity already gates on the
		// email-sent marker, and a retry after an ambiguous provider
		// failure could double-deliver.
		emailCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: time.Minute,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
		})
		err := workflow.ExecuteActivity(emailCtx, a.SendEmail, SendEmailInput{
			RunID:      req.RunID,
			Recipients: req.EmailTo,
			Title:      draft.Title,
			Links:      saved.PresignedURLs,
			PDF:        saved.PDF,
			AttachPDF:  req.AttachPDF,
		}).Get(ctx, &delivery)
		if err != nil {
			// Delivery problems annotate the run, they never fail it.
			logger.Warn("Email activity failed", "run_id", req.RunID, "error", err)
			delivery = DeliveryResult{Error: err.Error()}
		}
	}

	durationMs := workflow.Now(ctx).Sub(startedAt).Milliseconds()
	err = workflow.ExecuteActivity(ctx, a.CompleteRun, CompleteRunInput{
		RunID:      req.RunID,
		ReportID:   saved.ReportID,
		DurationMs: durationMs,
		Email:      delivery,
	}).Get(ctx, nil)
	if err != nil {
		return nil, failStage(ctx, req, startedAt, "complete-run", err)
	}

	logger.Info("Research run succeeded",
		"run_id", req.RunID,
		"report_id", saved.ReportID,
		"duration_ms", durationMs,
		"email_sent", delivery.Sent)

	return &ResearchReportResult{
		RunID:      req.RunID,
		ReportID:   saved.ReportID,
		Title:      draft.Title,
		BlobPaths:  saved.BlobPaths,
		Email:      delivery,
		DurationMs: durationMs,
	}, nil
}

// contextQueries expands the request into per-subject search queries, with
// the free-form prompt as a fallback when no subjects are listed.
func contextQueries(req ResearchRequest) []string {
	if len(req.Symbols) == 0 {
		return []string{req.Prompt}
	}
	queries := make([]string, 0, len(req.Symbols))
	for _, symbol := range req.Symbols {
		queries = append(queries, fmt.Sprintf("%s stock financial news and analysis", symbol))
	}
	return queries
}

// failStage records the failed run and returns the original error so the
// workflow itself also ends failed.
func failStage(ctx workflow.Context, req ResearchRequest, startedAt time.Time, stage string, err error) error {
	durationMs := workflow.Now(ctx).Sub(startedAt).Milliseconds()
	failRun(ctx, req.RunID, failureSummary(stage, err), durationMs)
	return err
}

func failRun(ctx workflow.Context, runID, summary string, durationMs int64) {
	var a *Activities
	ferr := workflow.ExecuteActivity(ctx, a.FailRun, FailRunInput{
		RunID:      runID,
		DurationMs: durationMs,
		Summary:    summary,
	}).Get(ctx, nil)
	if ferr != nil {
		workflow.GetLogger(ctx).Error("Failed to record run failure",
			"run_id", runID, "summary", summary, "error", ferr)
	}
}
