package server

import (
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestScheduleRequiresCron(t *testing.T) {
	h := &WorkflowsHandler{}

	c, _ := newTaskContext(t, http.MethodPost, "/api/workflows/wf-1/schedule", `{}`)
	c.SetParamNames("id")
	c.SetParamValues("wf-1")

	err := h.schedule(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing cron, got %v", err)
	}
}

func TestScheduleRejectsInvalidCron(t *testing.T) {
	h := &WorkflowsHandler{}

	c, _ := newTaskContext(t, http.MethodPost, "/api/workflows/wf-1/schedule", `{"cron":"every tuesday"}`)
	c.SetParamNames("id")
	c.SetParamValues("wf-1")

	err := h.schedule(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid cron, got %v", err)
	}
}
