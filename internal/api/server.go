// Package api is the HTTP trigger surface: operators start sync runs and
// read the last report over a small authenticated JSON API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/johndauphine/fieldsync/internal/logging"
	"github.com/johndauphine/fieldsync/internal/migrate"
	"github.com/johndauphine/fieldsync/internal/orchestrator"
)

// Runner is the part of the orchestrator the API drives.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Report, error)
	LastReport() (*orchestrator.Report, error)
	HealthCheck(ctx context.Context) (*orchestrator.HealthCheckResult, error)
}

// SyncRequest is the body of POST /api/v1/sync.
type SyncRequest struct {
	Mode      string `json:"mode"`
	SinceDate string `json:"sinceDate,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server wires routes to a Runner.
type Server struct {
	echo    *echo.Echo
	runner  Runner
	auth    Authenticator
	metrics http.Handler
	log     *logging.Entry

	// runMu guards against overlapping triggers in this process; the store
	// lock covers other processes.
	runMu sync.Mutex
}

// New builds the server. metrics may be nil to disable /metrics.
func New(runner Runner, auth Authenticator, metrics http.Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:    e,
		runner:  runner,
		auth:    auth,
		metrics: metrics,
		log:     logging.With("component", "api"),
	}
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	s.echo.GET("/healthz", s.Health)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	v1 := s.echo.Group("/api/v1", s.AuthMiddleware)
	v1.POST("/sync", s.TriggerSync)
	v1.GET("/sync/last", s.LastSync)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("API listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// TriggerSync handles POST /api/v1/sync
func (s *Server) TriggerSync(c echo.Context) error {
	var body SyncRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	req, err := body.toRequest()
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}

	if !s.runMu.TryLock() {
		return c.JSON(http.StatusConflict, ErrorResponse{Error: orchestrator.ErrRunInProgress.Error()})
	}
	defer s.runMu.Unlock()

	// A run is not aborted when the caller goes away.
	ctx := context.WithoutCancel(c.Request().Context())
	report, err := s.runner.Run(ctx, req)
	switch {
	case errors.Is(err, orchestrator.ErrRunInProgress):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case err != nil && report == nil:
		s.log.Error("Sync trigger failed: %v", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, report)
	}
	return c.JSON(http.StatusOK, report)
}

func (b SyncRequest) toRequest() (orchestrator.Request, error) {
	var req orchestrator.Request
	mode, err := migrate.ParseMode(strings.ToLower(strings.TrimSpace(b.Mode)))
	if err != nil {
		return req, err
	}
	req.Mode = mode

	if b.SinceDate != "" {
		if mode != migrate.Incremental {
			return req, errors.New("sinceDate is only valid in incremental mode")
		}
		since, err := ParseSince(b.SinceDate)
		if err != nil {
			return req, err
		}
		req.Since = &since
	}
	return req, nil
}

// ParseSince accepts RFC 3339 timestamps and plain dates.
func ParseSince(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("sinceDate %q is not an RFC 3339 timestamp or YYYY-MM-DD date", v)
}

// LastSync handles GET /api/v1/sync/last
func (s *Server) LastSync(c echo.Context) error {
	report, err := s.runner.LastReport()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	if report == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "no completed sync runs"})
	}
	return c.JSON(http.StatusOK, report)
}

// Health handles GET /healthz
func (s *Server) Health(c echo.Context) error {
	res, err := s.runner.HealthCheck(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	}
	if !res.Healthy {
		return c.JSON(http.StatusServiceUnavailable, res)
	}
	return c.JSON(http.StatusOK, res)
}
