package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/theturtlecsz/code-sub000/internal/analytics"
	"github.com/theturtlecsz/code-sub000/internal/db"
)

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.db.Reader().PingContext(ctx); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable: "+err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleListItems lists work items
// (GET /api/v1/items?status=)
func (s *Server) handleListItems(c echo.Context) error {
	status := c.QueryParam("status")
	switch status {
	case "", db.StatusActive, db.StatusHalted, db.StatusCompleted, db.StatusArchived:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
	}
	items, err := s.db.ListWorkItems(c.Request().Context(), status)
	if err != nil {
		return err
	}
	if items == nil {
		items = []db.WorkItem{}
	}
	return c.JSON(http.StatusOK, items)
}

// itemView is a work item with its runs and overrides.
type itemView struct {
	Item      db.WorkItem   `json:"item"`
	Running   bool          `json:"running"`
	Runs      []db.Run      `json:"runs"`
	Overrides []db.Override `json:"overrides"`
}

// handleItem returns one work item with its history
// (GET /api/v1/items/:id)
func (s *Server) handleItem(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	h, err := s.db.ItemHistory(ctx, id)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("work item %s: %w", id, db.ErrNotFound)
	}
	v := itemView{Item: h.Item, Runs: h.Runs, Overrides: h.Overrides}
	if s.coord != nil {
		v.Running = s.coord.Running(id)
	}
	if v.Runs == nil {
		v.Runs = []db.Run{}
	}
	if v.Overrides == nil {
		v.Overrides = []db.Override{}
	}
	return c.JSON(http.StatusOK, v)
}

// handleEvents returns the pipeline history of a work item
// (GET /api/v1/items/:id/events)
func (s *Server) handleEvents(c echo.Context) error {
	events, err := s.db.Events(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if events == nil {
		events = []db.PipelineEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

// handleTimeline merges events, gate decisions and overrides
// (GET /api/v1/items/:id/timeline)
func (s *Server) handleTimeline(c echo.Context) error {
	events, err := analytics.QueryItemTimeline(c.Request().Context(), s.db, c.Param("id"))
	if err != nil {
		return err
	}
	if events == nil {
		events = []analytics.ItemEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

// handleRun returns one run with its outputs and gate decision
// (GET /api/v1/runs/:run_id)
func (s *Server) handleRun(c echo.Context) error {
	id := c.Param("run_id")
	run, err := s.db.GetRun(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s: %w", id, db.ErrNotFound)
	}
	return c.JSON(http.StatusOK, run)
}

// handleLocks lists runs in progress
// (GET /api/v1/locks)
func (s *Server) handleLocks(c echo.Context) error {
	locks, err := s.db.ListLocks(c.Request().Context())
	if err != nil {
		return err
	}
	if locks == nil {
		locks = []db.RunLock{}
	}
	return c.JSON(http.StatusOK, locks)
}

// handleActivity returns the latest events across all items
// (GET /api/v1/activity?limit=)
func (s *Server) handleActivity(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		limit = n
	}
	events, err := s.recentActivity(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	if events == nil {
		events = []db.PipelineEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

// handleAnalytics reports agent, stage and checkpoint statistics
// (GET /api/v1/analytics?since=)
func (s *Server) handleAnalytics(c echo.Context) error {
	v, err := analytics.QuerySummary(c.Request().Context(), s.db, c.QueryParam("since"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

// --- coordinator routes ---

type intakeRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// handleIntake creates a work item at the first stage
// (POST /api/v1/items)
func (s *Server) handleIntake(c echo.Context) error {
	var req intakeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}
	ctx := c.Request().Context()
	existing, err := s.db.GetWorkItem(ctx, req.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return echo.NewHTTPError(http.StatusConflict, "work item "+req.ID+" already exists")
	}
	item, err := s.coord.Intake(ctx, req.ID, req.Title)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, item)
}

// handleStartRun drives a work item in the background until it completes or
// halts. The response does not wait for the run
// (POST /api/v1/items/:id/run)
func (s *Server) handleStartRun(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	item, err := s.db.GetWorkItem(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("work item %s: %w", id, db.ErrNotFound)
	}
	if item.Status != db.StatusActive {
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("work item %s is %s", id, item.Status))
	}
	if s.coord.Running(id) {
		return echo.NewHTTPError(http.StatusConflict, "work item "+id+" is already running")
	}

	s.runsGroup.Add(1)
	go func() {
		defer s.runsGroup.Done()
		log := s.log.WithWorkItem(id)
		results, err := s.coord.Drive(s.runCtx, id)
		if err != nil {
			if errors.Is(err, context.Canceled) && s.runCtx.Err() != nil {
				log.Info("background run stopped by shutdown", "stages", len(results))
				return
			}
			log.Error("background run failed", "error", err.Error())
			return
		}
		log.Info("background run finished", "stages", len(results))
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"work_item": id, "stage": item.CurrentStage, "status": "started"})
}

// handleCancel cancels the active run of a work item
// (POST /api/v1/items/:id/cancel)
func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if err := s.coord.Cancel(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"work_item": id, "status": "cancel_requested"})
}

type overrideRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// handleOverride records a human decision for a halted work item
// (POST /api/v1/items/:id/override)
func (s *Server) handleOverride(c echo.Context) error {
	var req overrideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Actor == "" || req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor and reason are required")
	}
	item, err := s.coord.Override(c.Request().Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

// handleResume re-activates a halted work item
// (POST /api/v1/items/:id/resume)
func (s *Server) handleResume(c echo.Context) error {
	item, err := s.coord.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}
