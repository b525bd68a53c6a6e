// Package api provides the HTTP API for managing schedules, runs, and
// reports.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/finsightlabs/researchd/internal/config"
	"github.com/finsightlabs/researchd/internal/email"
	"github.com/finsightlabs/researchd/internal/logging"
	"github.com/finsightlabs/researchd/internal/store"
	"github.com/finsightlabs/researchd/internal/workflows"
)

// ArtifactStore reads, presigns, and removes report artifacts.
type ArtifactStore interface {
	PresignGet(ctx context.Context, key string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// EmailSender re-delivers report notifications on request.
type EmailSender interface {
	Send(ctx context.Context, recipients []string, title string, links []email.ArtifactLink, attachment *email.Attachment) *email.Result
}

// Server provides the management endpoints.
type Server struct {
	echo    *echo.Echo
	store   store.Store
	starter workflows.Starter
	blobs   ArtifactStore
	email   EmailSender
	logger  *logging.Logger
	config  config.ServerConfig
}

// NewServer creates the HTTP server. blobs may be nil; report responses then
// carry blob keys without download links. sender may be nil; the resend
// endpoint then answers 503.
func NewServer(cfg config.ServerConfig, st store.Store, starter workflows.Starter, blobs ArtifactStore, sender EmailSender, logger *logging.Logger) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if starter == nil {
		return nil, fmt.Errorf("workflow starter is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		store:   st,
		starter: starter,
		blobs:   blobs,
		email:   sender,
		logger:  logger.Named("api"),
		config:  cfg,
	}

	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", requireOwner)
	v1.POST("/schedules", s.handleCreateSchedule)
	v1.GET("/schedules", s.handleListSchedules)
	v1.GET("/schedules/:id", s.handleGetSchedule)
	v1.PUT("/schedules/:id", s.handleUpdateSchedule)
	v1.DELETE("/schedules/:id", s.handleDeleteSchedule)
	v1.POST("/schedules/:id/run", s.handleRunNow)

	v1.POST("/research", s.handleRunOnce)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)

	v1.GET("/reports", s.handleListReports)
	v1.GET("/reports/:id", s.handleGetReport)
	v1.DELETE("/reports/:id", s.handleDeleteReport)
	v1.POST("/reports/:id/send-email", s.handleSendReportEmail)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// ownerHeader carries the calling user's identity. Authentication proper is
// terminated upstream; the API trusts this header.
const ownerHeader = "X-User-ID"

func requireOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := c.Request().Header.Get(ownerHeader)
		if owner == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing "+ownerHeader+" header")
		}
		c.Set("owner", owner)
		return next(c)
	}
}

func ownerID(c echo.Context) string {
	owner, _ := c.Get("owner").(string)
	return owner
}
