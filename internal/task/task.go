package task

import (
	"time"

	"github.com/mohammad-safakhou/conductor/internal/capability"
)

// Status is the lifecycle state of an execution record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusRecovering Status = "recovering"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether a status ends the record's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request is the immutable input for one orchestrated task: a free-form
// description plus optional structured context. Created once per user
// invocation and never mutated.
type Request struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	Context     []ContextTurn          `json:"context,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ContextTurn is one prior conversation turn supplied with a request.
type ContextTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PlanStep is one abstract step of a plan, tagged with the capability
// domain that must execute it. Args are opaque to the engine; only the
// resolved provider validates them.
type PlanStep struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	Domain      capability.Domain      `json:"domain"`
	Operation   string                 `json:"operation"`
	Args        map[string]interface{} `json:"args,omitempty"`
}

// Plan is an ordered sequence of steps. The tail beyond the cursor may be
// rewritten during recovery; completed steps and the currently executing
// step never change.
type Plan struct {
	ID    string     `json:"id"`
	Steps []PlanStep `json:"steps"`
}

// Clone deep-copies a plan so callers can hand out snapshots safely.
func (p Plan) Clone() Plan {
	out := Plan{ID: p.ID, Steps: make([]PlanStep, len(p.Steps))}
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	return out
}

// Clone deep-copies a step including its argument map.
func (s PlanStep) Clone() PlanStep {
	c := s
	if s.Args != nil {
		c.Args = make(map[string]interface{}, len(s.Args))
		for k, v := range s.Args {
			c.Args[k] = v
		}
	}
	return c
}

// FailureReason classifies why a step did not succeed.
type FailureReason string

const (
	FailureTimeout   FailureReason = "timeout"
	FailureCancelled FailureReason = "cancelled"
	FailureProvider  FailureReason = "provider_error"
	FailureDispatch  FailureReason = "dispatch_error"
)

// StepOutcome is the immutable result of one dispatch attempt. On failure
// it carries the provider's diagnostic snapshot for the recovery engine.
type StepOutcome struct {
	StepIndex  int                 `json:"step_index"`
	StepID     string              `json:"step_id"`
	Attempt    int                 `json:"attempt"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Success    bool                `json:"success"`
	Reason     FailureReason       `json:"reason,omitempty"`
	Error      string              `json:"error,omitempty"`
	Result     capability.Result   `json:"result,omitempty"`
	Snapshot   capability.Snapshot `json:"snapshot,omitempty"`
	// Step records the step as actually executed, including any argument
	// adjustments applied by recovery. Workflow synthesis replays this,
	// not the abstract plan.
	Step PlanStep `json:"step"`
}

// RecoveryAction names a transition of the recovery state machine.
type RecoveryAction string

const (
	RecoveryDiagnosing RecoveryAction = "diagnosing"
	RecoveryRetrying   RecoveryAction = "retrying"
	RecoveryReplanning RecoveryAction = "replanning"
	RecoveryEscalating RecoveryAction = "escalating"
)

// RecoveryEntry is one audit-trail entry of the recovery state machine.
// Entries are retained even when the run ultimately succeeds.
type RecoveryEntry struct {
	StepIndex int            `json:"step_index"`
	Action    RecoveryAction `json:"action"`
	Note      string         `json:"note,omitempty"`
	At        time.Time      `json:"at"`
}

// StrategyKind classifies a remediation strategy.
type StrategyKind string

const (
	StrategyRetry      StrategyKind = "retry"       // same step, wait then retry
	StrategyAdjustArgs StrategyKind = "adjust_args" // same step, changed parameters
	StrategyAlternate  StrategyKind = "alternate"   // replacement step
	StrategyReplan     StrategyKind = "replan"      // regenerate the plan tail
)

// Strategy is one ranked remediation option inside a diagnosis.
type Strategy struct {
	Kind         StrategyKind           `json:"kind"`
	Confidence   float64                `json:"confidence"`
	AdjustedArgs map[string]interface{} `json:"adjusted_args,omitempty"`
	Replacement  *PlanStep              `json:"replacement,omitempty"`
	WaitBefore   time.Duration          `json:"wait_before,omitempty"`
	Note         string                 `json:"note,omitempty"`
}

// Diagnosis is the reasoning collaborator's root-cause analysis of a failed
// step, with remediation strategies ordered by estimated likelihood.
type Diagnosis struct {
	RootCause  string     `json:"root_cause"`
	Strategies []Strategy `json:"strategies"`
}

// Record is the single execution record for one request. It is owned by
// the tracker; every mutation goes through the tracker's update contract.
type Record struct {
	TaskID     string          `json:"task_id"`
	Request    Request         `json:"request"`
	Status     Status          `json:"status"`
	Plan       Plan            `json:"plan"`
	Cursor     int             `json:"cursor"` // count of completed steps, never decreases
	Outcomes   []StepOutcome   `json:"outcomes"`
	Recoveries []RecoveryEntry `json:"recoveries,omitempty"`
	Artifact   interface{}     `json:"artifact,omitempty"`
	FailReason string          `json:"fail_reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
