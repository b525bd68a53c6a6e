package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/finsightlabs/researchd/internal/email"
	"github.com/finsightlabs/researchd/internal/models"
	"github.com/finsightlabs/researchd/internal/recurrence"
	"github.com/finsightlabs/researchd/internal/store"
	"github.com/finsightlabs/researchd/internal/workflows"
)

// ScheduleRequest is the create/update body for a schedule.
type ScheduleRequest struct {
	Title      string               `json:"title"`
	Prompt     string               `json:"prompt"`
	Symbols    []string             `json:"symbols"`
	Recurrence recurrence.Rule      `json:"recurrence"`
	Email      models.EmailSettings `json:"email"`
	Active     *bool                `json:"active,omitempty"`
	Version    int64                `json:"version,omitempty"`
}

func (r ScheduleRequest) validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("title is required")
	}
	if strings.TrimSpace(r.Prompt) == "" && len(r.Symbols) == 0 {
		return errors.New("a prompt or at least one symbol is required")
	}
	return r.Recurrence.Validate()
}

// RunRequest is the body for an ad-hoc one-off run.
type RunRequest struct {
	Title   string               `json:"title"`
	Prompt  string               `json:"prompt"`
	Symbols []string             `json:"symbols"`
	Email   models.EmailSettings `json:"email"`
}

// RunAccepted is the 202 response for run-now and run-once.
type RunAccepted struct {
	RunID string `json:"runId"`
}

// ReportResponse wraps a report with presigned download links per artifact.
type ReportResponse struct {
	models.Report
	DownloadURLs map[string]string `json:"downloadUrls,omitempty"`
}

func (s *Server) handleCreateSchedule(c echo.Context) error {
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	now := time.Now().UTC()
	next, err := req.Recurrence.Next(now)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	sched := &models.Schedule{
		ID:         uuid.NewString(),
		OwnerID:    ownerID(c),
		Title:      req.Title,
		Prompt:     req.Prompt,
		Symbols:    req.Symbols,
		Recurrence: req.Recurrence,
		Email:      req.Email,
		Active:     active,
		NextRunAt:  &next,
		Version:    1,
		CreatedAt:  now,
	}
	if err := s.store.CreateSchedule(c.Request().Context(), sched); err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(c echo.Context) error {
	schedules, err := s.store.ListSchedules(c.Request().Context(), ownerID(c))
	if err != nil {
		return s.storeError(c, err)
	}
	if schedules == nil {
		schedules = []models.Schedule{}
	}
	return c.JSON(http.StatusOK, schedules)
}

func (s *Server) handleGetSchedule(c echo.Context) error {
	sched, err := s.store.GetSchedule(c.Request().Context(), c.Param("id"), ownerID(c))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(c echo.Context) error {
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	current, err := s.store.GetSchedule(ctx, c.Param("id"), ownerID(c))
	if err != nil {
		return s.storeError(c, err)
	}

	updated := *current
	updated.Title = req.Title
	updated.Prompt = req.Prompt
	updated.Symbols = req.Symbols
	updated.Recurrence = req.Recurrence
	updated.Email = req.Email
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if req.Version != 0 {
		updated.Version = req.Version
	}

	// The next slot is recomputed only when the rule or the active flag
	// changed; a cosmetic update must not shift an armed schedule.
	if req.Recurrence != current.Recurrence || updated.Active != current.Active {
		next, err := req.Recurrence.Next(time.Now().UTC())
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		updated.NextRunAt = &next
	}

	if err := s.store.UpdateSchedule(ctx, &updated); err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, &updated)
}

func (s *Server) handleDeleteSchedule(c echo.Context) error {
	if err := s.store.DeleteSchedule(c.Request().Context(), c.Param("id"), ownerID(c)); err != nil {
		return s.storeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleRunNow triggers an immediate run for an existing schedule without
// touching its recurrence slot.
func (s *Server) handleRunNow(c echo.Context) error {
	ctx := c.Request().Context()
	sched, err := s.store.GetSchedule(ctx, c.Param("id"), ownerID(c))
	if err != nil {
		return s.storeError(c, err)
	}

	run := &models.Run{
		ID:         uuid.NewString(),
		ScheduleID: sched.ID,
		OwnerID:    sched.OwnerID,
		Status:     models.RunStatusPending,
		StartedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return s.storeError(c, err)
	}

	err = s.starter.StartResearch(ctx, workflows.ResearchRequest{
		RunID:         run.ID,
		ScheduleID:    sched.ID,
		OwnerID:       sched.OwnerID,
		ScheduleTitle: sched.Title,
		Prompt:        sched.Prompt,
		Symbols:       sched.Symbols,
		EmailTo:       sched.Email.To,
		AttachPDF:     sched.Email.AttachPDF,
	})
	if err != nil {
		s.logger.Error(ctx, "manual run start failed", zap.String("run_id", run.ID), zap.Error(err))
		if ferr := s.store.FailRun(ctx, run.ID, "start: transient: "+err.Error(), 0); ferr != nil {
			s.logger.Error(ctx, "failed to record start failure", zap.String("run_id", run.ID), zap.Error(ferr))
		}
		return echo.NewHTTPError(http.StatusBadGateway, "could not start run")
	}
	return c.JSON(http.StatusAccepted, RunAccepted{RunID: run.ID})
}

// handleRunOnce triggers a one-off run with no backing schedule.
func (s *Server) handleRunOnce(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Prompt) == "" && len(req.Symbols) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "a prompt or at least one symbol is required")
	}

	ctx := c.Request().Context()
	run := &models.Run{
		ID:        uuid.NewString(),
		OwnerID:   ownerID(c),
		Status:    models.RunStatusPending,
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return s.storeError(c, err)
	}

	err := s.starter.StartResearch(ctx, workflows.ResearchRequest{
		RunID:         run.ID,
		OwnerID:       run.OwnerID,
		ScheduleTitle: req.Title,
		Prompt:        req.Prompt,
		Symbols:       req.Symbols,
		EmailTo:       req.Email.To,
		AttachPDF:     req.Email.AttachPDF,
	})
	if err != nil {
		s.logger.Error(ctx, "one-off run start failed", zap.String("run_id", run.ID), zap.Error(err))
		if ferr := s.store.FailRun(ctx, run.ID, "start: transient: "+err.Error(), 0); ferr != nil {
			s.logger.Error(ctx, "failed to record start failure", zap.String("run_id", run.ID), zap.Error(ferr))
		}
		return echo.NewHTTPError(http.StatusBadGateway, "could not start run")
	}
	return c.JSON(http.StatusAccepted, RunAccepted{RunID: run.ID})
}

func (s *Server) handleListRuns(c echo.Context) error {
	runs, err := s.store.ListRuns(c.Request().Context(), ownerID(c), c.QueryParam("scheduleId"))
	if err != nil {
		return s.storeError(c, err)
	}
	if runs == nil {
		runs = []models.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.store.GetRun(c.Request().Context(), c.Param("id"), ownerID(c))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleListReports(c echo.Context) error {
	reports, err := s.store.ListReports(c.Request().Context(), ownerID(c))
	if err != nil {
		return s.storeError(c, err)
	}
	if reports == nil {
		reports = []models.Report{}
	}
	return c.JSON(http.StatusOK, reports)
}

func (s *Server) handleGetReport(c echo.Context) error {
	ctx := c.Request().Context()
	report, err := s.store.GetReport(ctx, c.Param("id"), ownerID(c))
	if err != nil {
		return s.storeError(c, err)
	}

	resp := ReportResponse{Report: *report}
	if s.blobs != nil {
		resp.DownloadURLs = map[string]string{}
		for kind, key := range report.BlobPaths {
			url, err := s.blobs.PresignGet(ctx, key)
			if err != nil {
				s.logger.Warn(ctx, "presign failed", zap.String("key", key), zap.Error(err))
				continue
			}
			resp.DownloadURLs[kind] = url
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// SendEmailRequest is the body for re-sending a report notification.
type SendEmailRequest struct {
	EmailTo   []string `json:"emailTo"`
	AttachPDF *bool    `json:"attachPdf,omitempty"`
}

// SendEmailResponse reports the synchronous delivery outcome.
type SendEmailResponse struct {
	ReportID string `json:"reportId"`
	Sent     bool   `json:"sent"`
	Error    string `json:"error,omitempty"`
}

// handleSendReportEmail re-sends the notification for an existing report to
// an explicit recipient list. The PDF is attached unless attachPdf is false.
// Resends bypass the run's email-sent marker; that marker gates the
// automatic delivery, not deliveries the owner asked for.
func (s *Server) handleSendReportEmail(c echo.Context) error {
	var req SendEmailRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	recipients := validRecipients(req.EmailTo)
	if len(recipients) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "emailTo must contain at least one valid address")
	}

	ctx := c.Request().Context()
	report, err := s.store.GetReport(ctx, c.Param("id"), ownerID(c))
	if err != nil {
		return s.storeError(c, err)
	}
	if s.email == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "email delivery not configured")
	}

	var links []email.ArtifactLink
	if s.blobs != nil {
		for _, kind := range []string{"md", "pdf"} {
			key, ok := report.BlobPaths[kind]
			if !ok {
				continue
			}
			url, err := s.blobs.PresignGet(ctx, key)
			if err != nil {
				s.logger.Warn(ctx, "presign failed", zap.String("key", key), zap.Error(err))
				continue
			}
			label := "Markdown"
			if kind == "pdf" {
				label = "PDF"
			}
			links = append(links, email.ArtifactLink{Label: label, URL: url})
		}
	}

	var attachment *email.Attachment
	attachPDF := req.AttachPDF == nil || *req.AttachPDF
	if key, ok := report.BlobPaths["pdf"]; ok && attachPDF && s.blobs != nil {
		data, err := s.blobs.Get(ctx, key)
		if err != nil {
			// The attachment is best-effort; the links still go out.
			s.logger.Warn(ctx, "pdf download failed", zap.String("key", key), zap.Error(err))
		} else {
			attachment = &email.Attachment{
				Filename:    "report.pdf",
				ContentType: "application/pdf",
				Content:     data,
			}
		}
	}

	res := s.email.Send(ctx, recipients, report.Title, links, attachment)
	if !res.Sent {
		s.logger.Warn(ctx, "report resend failed",
			zap.String("report_id", report.ID), zap.String("error", res.Error))
	}
	return c.JSON(http.StatusOK, SendEmailResponse{ReportID: report.ID, Sent: res.Sent, Error: res.Error})
}

func validRecipients(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a != "" && strings.Contains(a, "@") {
			out = append(out, a)
		}
	}
	return out
}

func (s *Server) handleDeleteReport(c echo.Context) error {
	ctx := c.Request().Context()
	report, err := s.store.GetReport(ctx, c.Param("id"), ownerID(c))
	if err != nil {
		return s.storeError(c, err)
	}

	if s.blobs != nil {
		for _, key := range report.BlobPaths {
			if err := s.blobs.Delete(ctx, key); err != nil {
				s.logger.Warn(ctx, "artifact delete failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	if err := s.store.DeleteReport(ctx, report.ID, report.OwnerID); err != nil {
		return s.storeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) storeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, "version conflict")
	default:
		s.logger.Error(c.Request().Context(), "store error", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
