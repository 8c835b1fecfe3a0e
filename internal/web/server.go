// Package web serves the pipeline status API.
package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/theturtlecsz/code-sub000/internal/db"
	"github.com/theturtlecsz/code-sub000/internal/logging"
	"github.com/theturtlecsz/code-sub000/internal/orchestrator"
	"github.com/theturtlecsz/code-sub000/internal/pipeline"
)

// Server is the JSON API over the pipeline store. Without a coordinator it
// is read-only.
type Server struct {
	db    *db.DB
	coord *orchestrator.Coordinator
	log   *logging.Logger
	e     *echo.Echo

	streamInterval time.Duration

	// Runs started over HTTP outlive their request; they stop on Shutdown.
	runCtx    context.Context
	stopRuns  context.CancelFunc
	runsGroup sync.WaitGroup
}

// NewServer creates a Server and registers its routes. coord may be nil.
func NewServer(database *db.DB, coord *orchestrator.Coordinator, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	runCtx, stop := context.WithCancel(context.Background())
	s := &Server{
		db:             database,
		coord:          coord,
		log:            log,
		e:              echo.New(),
		streamInterval: 2 * time.Second,
		runCtx:         runCtx,
		stopRuns:       stop,
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(otelecho.Middleware("specpipe"))
	s.e.Use(middleware.Recover())
	s.e.HTTPErrorHandler = s.errorHandler
	s.routes()
	return s
}

func (s *Server) routes() {
	s.e.GET("/healthz", s.handleHealth)

	api := s.e.Group("/api/v1")
	api.GET("/items", s.handleListItems)
	api.GET("/items/:id", s.handleItem)
	api.GET("/items/:id/events", s.handleEvents)
	api.GET("/items/:id/events/stream", s.handleEventStream)
	api.GET("/items/:id/timeline", s.handleTimeline)
	api.GET("/runs/:run_id", s.handleRun)
	api.GET("/locks", s.handleLocks)
	api.GET("/activity", s.handleActivity)
	api.GET("/analytics", s.handleAnalytics)

	if s.coord == nil {
		return
	}
	api.POST("/items", s.handleIntake)
	api.POST("/items/:id/run", s.handleStartRun)
	api.POST("/items/:id/cancel", s.handleCancel)
	api.POST("/items/:id/override", s.handleOverride)
	api.POST("/items/:id/resume", s.handleResume)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

// Start listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // event streams stay open
		IdleTimeout:  60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("status API listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Shutdown()
	s.log.Info("status API stopped")
	return err
}

// Shutdown cancels runs started over HTTP and waits for them to commit.
func (s *Server) Shutdown() {
	s.stopRuns()
	s.runsGroup.Wait()
}

// errorHandler maps domain errors to status codes and renders every error
// as {"error": "..."}.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := statusFor(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err.Error())
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrAlreadyRunning),
		errors.Is(err, orchestrator.ErrNotActive),
		errors.Is(err, orchestrator.ErrNotHalted),
		errors.Is(err, orchestrator.ErrNoActiveRun),
		errors.Is(err, orchestrator.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, db.ErrStorageBusy):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
