package streams

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/conductor/internal/task"
)

// EventTaskSubmitted is the event type for queued task submissions.
const EventTaskSubmitted = "task.submitted"

// PayloadVersionV1 is the current submission payload version.
const PayloadVersionV1 = "v1"

// Envelope represents the canonical message wrapper persisted to Redis Streams.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Attempt        int             `json:"attempt"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// TaskSubmission is the payload of a task.submitted event.
type TaskSubmission struct {
	UserID      string                 `json:"user_id"`
	Description string                 `json:"description"`
	Context     []task.ContextTurn     `json:"context,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
}

// ValidateBasic ensures mandatory envelope fields are present.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.PayloadVersion == "" {
		return fmt.Errorf("payload_version is required")
	}
	if e.Attempt < 0 {
		return fmt.Errorf("attempt must be >= 0")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// Marshal returns the JSON encoding of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses JSON bytes into an Envelope and validates required fields.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}

// Submission decodes the envelope payload as a task submission.
func (e *Envelope) Submission() (TaskSubmission, error) {
	if e.EventType != EventTaskSubmitted {
		return TaskSubmission{}, fmt.Errorf("unexpected event type %q", e.EventType)
	}
	var sub TaskSubmission
	if err := json.Unmarshal(e.Data, &sub); err != nil {
		return TaskSubmission{}, fmt.Errorf("unmarshal submission: %w", err)
	}
	if sub.Description == "" {
		return TaskSubmission{}, fmt.Errorf("submission description is required")
	}
	return sub, nil
}
