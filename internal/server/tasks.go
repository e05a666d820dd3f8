package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/conductor/internal/engine"
	"github.com/mohammad-safakhou/conductor/internal/queue/streams"
	"github.com/mohammad-safakhou/conductor/internal/task"
	"github.com/mohammad-safakhou/conductor/internal/workflow"
)

// Engine is the orchestrator surface the HTTP layer depends on.
type Engine interface {
	Submit(ctx context.Context, userID string, req task.Request) (string, error)
	Status(taskID string) (task.Record, error)
	List() []task.Record
	Cancel(taskID string) error
	Workflow(taskID string, partial bool) (workflow.Definition, error)
	Replay(ctx context.Context, userID string, def workflow.Definition) (string, error)
}

type TasksHandler struct {
	Orch      Engine
	Publisher *streams.Publisher // optional, enables async submissions
	Stream    string
}

func (h *TasksHandler) Register(g *echo.Group) {
	g.POST("", h.submit)
	g.GET("", h.list)
	g.GET("/:id", h.status)
	g.DELETE("/:id", h.cancel)
	g.POST("/:id/workflow", h.synthesize)
}

func (h *TasksHandler) submit(c echo.Context) error {
	var req TaskSubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Description == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "description is required")
	}
	userID, _ := c.Get("user_id").(string)

	if req.Async {
		if h.Publisher == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "queue not configured")
		}
		_, err := h.Publisher.PublishSubmission(c.Request().Context(), h.Stream, streams.TaskSubmission{
			UserID:      userID,
			Description: req.Description,
			Context:     req.Context,
			Params:      req.Params,
		})
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusAccepted, TaskSubmitResponse{Queued: true})
	}

	id, err := h.Orch.Submit(c.Request().Context(), userID, task.Request{
		Description: req.Description,
		Context:     req.Context,
		Params:      req.Params,
	})
	if err != nil {
		var perr *task.PlanningError
		if errors.As(err, &perr) {
			return echo.NewHTTPError(http.StatusBadRequest, perr.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, TaskSubmitResponse{TaskID: id})
}

func (h *TasksHandler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Orch.List())
}

func (h *TasksHandler) status(c echo.Context) error {
	rec, err := h.Orch.Status(c.Param("id"))
	if err != nil {
		if errors.Is(err, engine.ErrUnknownTask) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *TasksHandler) cancel(c echo.Context) error {
	if err := h.Orch.Cancel(c.Param("id")); err != nil {
		if errors.Is(err, engine.ErrUnknownTask) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *TasksHandler) synthesize(c echo.Context) error {
	partial := c.QueryParam("partial") == "true"
	def, err := h.Orch.Workflow(c.Param("id"), partial)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownTask) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, def)
}
