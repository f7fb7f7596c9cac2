// Package handlers holds the TES endpoint handlers.
package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/jaeaeich/poiesis/pkg/api/apierr"
	"github.com/jaeaeich/poiesis/pkg/db"
	"github.com/jaeaeich/poiesis/pkg/tes"
)

// CreateTaskHandler validates the submitted document, persists it QUEUED
// and launches the orchestrator. The response carries only the new id.
func CreateTaskHandler(store db.Store, launcher TorcLauncher) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")
		ctx := c.Request().Context()

		var task tes.Task
		if err := c.Bind(&task); err != nil {
			return apierr.BadRequest("malformed task document", apierr.WithError(err))
		}
		if err := tes.Validate(&task); err != nil {
			return apierr.BadRequest(err.Error())
		}

		id, err := store.CreateTask(ctx, task, UserID(c))
		if err != nil {
			return apierr.InternalServerError(err)
		}

		created, err := store.GetTask(ctx, id, UserID(c))
		if err != nil {
			return apierr.InternalServerError(err)
		}
		if err := launcher.LaunchTorc(ctx, created); err != nil {
			// The task exists but nothing will drive it; surface that as a
			// system error rather than leaving it QUEUED forever.
			_ = store.Transition(ctx, id, tes.Queued, tes.SystemError)
			_ = store.AppendSystemLogs(ctx, id, "launching orchestrator failed: "+err.Error())
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, tes.CreateTaskResponse{ID: id})
	}
}

// GetTaskHandler returns one task scoped to the caller, reduced to the
// requested view.
func GetTaskHandler(store db.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")
		ctx := c.Request().Context()

		view, err := tes.AsView(c.QueryParam("view"))
		if err != nil {
			return apierr.BadRequest(err.Error())
		}

		task, err := store.GetTask(ctx, c.Param("id"), UserID(c))
		if err != nil {
			if db.AsNotFound(err) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, tes.Project(task, view))
	}
}

// ListTasksHandler returns one page of the caller's tasks.
func ListTasksHandler(store db.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")
		ctx := c.Request().Context()

		view, err := tes.AsView(c.QueryParam("view"))
		if err != nil {
			return apierr.BadRequest(err.Error())
		}

		query := db.ListQuery{
			UserID:     UserID(c),
			NamePrefix: c.QueryParam("name_prefix"),
			TagKeys:    c.QueryParams()["tag_key"],
			TagValues:  c.QueryParams()["tag_value"],
			PageToken:  c.QueryParam("page_token"),
		}

		if s := c.QueryParam("state"); s != "" {
			state, err := tes.AsState(s)
			if err != nil {
				return apierr.BadRequest(err.Error())
			}
			query.State = &state
		}

		if raw := c.QueryParam("page_size"); raw != "" {
			size, err := strconv.Atoi(raw)
			if err != nil || size < 0 {
				return apierr.BadRequest(`"page_size" should be a non-negative integer`)
			}
			query.PageSize = size
		}

		if len(query.TagValues) > len(query.TagKeys) {
			return apierr.BadRequest(`more "tag_value" than "tag_key" parameters`)
		}

		tasks, next, err := store.ListTasks(ctx, query)
		if err != nil {
			return apierr.InternalServerError(err)
		}

		resp := tes.ListTasksResponse{
			Tasks:         make([]tes.Task, 0, len(tasks)),
			NextPageToken: next,
		}
		for _, t := range tasks {
			resp.Tasks = append(resp.Tasks, tes.Project(t, view))
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// CancelTaskHandler moves a task into CANCELING and best-effort removes its
// workloads; the orchestrator settles the rest. Canceling a task already in
// a terminal state (or already canceling) is a no-op.
func CancelTaskHandler(store db.Store, canceler ResourceCanceler) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")
		ctx := c.Request().Context()

		taskID, ok := strings.CutSuffix(c.Param("id"), ":cancel")
		if !ok {
			return apierr.NotFound()
		}

		task, err := store.GetTask(ctx, taskID, UserID(c))
		if err != nil {
			if db.AsNotFound(err) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		if task.State.Terminal() || task.State == tes.Canceling {
			return c.JSON(http.StatusOK, tes.CancelTaskResponse{})
		}

		if err := store.Transition(ctx, taskID, task.State, tes.Canceling); err != nil {
			if db.AsConflict(err) {
				// Lost the race against a state change; cancel stays
				// idempotent either way.
				return c.JSON(http.StatusOK, tes.CancelTaskResponse{})
			}
			return apierr.InternalServerError(err)
		}

		if err := canceler.CancelResources(ctx, taskID); err != nil {
			c.Logger().Warnf("releasing resources of %s: %s", taskID, err)
		}

		return c.JSON(http.StatusOK, tes.CancelTaskResponse{})
	}
}
