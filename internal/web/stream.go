package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/theturtlecsz/code-sub000/internal/db"
)

// handleEventStream serves a Server-Sent Events stream of a work item's
// pipeline events. It polls the store every streamInterval and sends each
// new event as one message. When the item reaches a terminal status with
// no run in progress it sends a "done" event and closes.
//
// Last-Event-ID (or ?after=) resumes after a given event id.
func (s *Server) handleEventStream(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	item, err := s.db.GetWorkItem(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("work item %s: %w", id, db.ErrNotFound)
	}

	last := 0
	for _, v := range []string{c.Request().Header.Get("Last-Event-ID"), c.QueryParam("after")} {
		if n, err := strconv.Atoi(v); err == nil && n > last {
			last = n
		}
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.WriteHeader(http.StatusOK)
	w.Flush()

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		w.Flush()
	}

	tick := time.NewTicker(s.streamInterval)
	defer tick.Stop()

	for {
		events, err := s.eventsAfter(ctx, id, last)
		if err != nil {
			s.log.WithWorkItem(id).Warn("event stream query failed", "error", err.Error())
			sendDone("store unavailable")
			return nil
		}
		for _, e := range events {
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Event, data)
			last = e.ID
		}
		if len(events) > 0 {
			w.Flush()
		}

		if s.finished(c, id) {
			sendDone("work item finished")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// finished reports whether nothing more will happen to the item without a
// new command: it is completed or archived and has no lock.
func (s *Server) finished(c echo.Context, id string) bool {
	ctx := c.Request().Context()
	item, err := s.db.GetWorkItem(ctx, id)
	if err != nil || item == nil {
		return true
	}
	if item.Status != db.StatusCompleted && item.Status != db.StatusArchived {
		return false
	}
	locks, err := s.db.ListLocks(ctx)
	if err != nil {
		return false
	}
	for _, l := range locks {
		if l.WorkItemID == id {
			return false
		}
	}
	return true
}
