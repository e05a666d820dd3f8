package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/conductor/internal/store"
	"github.com/mohammad-safakhou/conductor/internal/workflow"
)

type WorkflowsHandler struct {
	Store *store.Store
	Index *workflow.Index // optional, enables search
	Orch  Engine
}

func (h *WorkflowsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/search", h.search)
	g.GET("/:id", h.get)
	g.POST("/:id/replay", h.replay)
	g.POST("/:id/schedule", h.schedule)
	g.DELETE("/schedules/:id", h.deleteSchedule)
}

func (h *WorkflowsHandler) list(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	out, err := h.Store.ListWorkflows(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if out == nil {
		out = []store.WorkflowSummary{}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *WorkflowsHandler) get(c echo.Context) error {
	def, found, err := h.Store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	return c.JSON(http.StatusOK, def)
}

func (h *WorkflowsHandler) search(c echo.Context) error {
	if h.Index == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search not configured")
	}
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	ids, err := h.Index.Search(q, 20)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out := make([]workflow.Definition, 0, len(ids))
	for _, id := range ids {
		def, found, err := h.Store.GetWorkflow(c.Request().Context(), id)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if found {
			out = append(out, def)
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *WorkflowsHandler) replay(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	def, found, err := h.Store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	id, err := h.Orch.Replay(c.Request().Context(), userID, def)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, TaskSubmitResponse{TaskID: id})
}

func (h *WorkflowsHandler) schedule(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	var req ScheduleCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Cron == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cron is required")
	}
	if err := ValidateCron(req.Cron); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	workflowID := c.Param("id")
	_, found, err := h.Store.GetWorkflow(c.Request().Context(), workflowID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	id, err := h.Store.CreateSchedule(c.Request().Context(), userID, workflowID, req.Cron)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, ScheduleCreateResponse{ID: id})
}

func (h *WorkflowsHandler) deleteSchedule(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	if err := h.Store.DeleteSchedule(c.Request().Context(), c.Param("id"), userID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}
