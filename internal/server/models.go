package server

import (
	"github.com/mohammad-safakhou/conductor/internal/task"
)

// HTTPError is the JSON error body returned by the central error handler.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// TaskSubmitRequest is the body of POST /api/tasks.
type TaskSubmitRequest struct {
	Description string                 `json:"description"`
	Context     []task.ContextTurn     `json:"context,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	// Async routes the submission through the queue instead of starting it
	// in this process.
	Async bool `json:"async,omitempty"`
}

type TaskSubmitResponse struct {
	TaskID string `json:"task_id,omitempty"`
	Queued bool   `json:"queued,omitempty"`
}

type ScheduleCreateRequest struct {
	Cron string `json:"cron"`
}

type ScheduleCreateResponse struct {
	ID string `json:"id"`
}
