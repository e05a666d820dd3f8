package track

import (
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/conductor/internal/task"
)

// Tracker is the single-writer state manager for one execution record.
// All mutation goes through its methods under one mutex; Snapshot is the
// only read path, so callers never observe a record mid-mutation.
type Tracker struct {
	mu  sync.Mutex
	rec task.Record
}

// ErrCursorRegression indicates an attempt to move the step cursor backwards.
var ErrCursorRegression = fmt.Errorf("step cursor cannot decrease")

// ErrFrozenPrefix indicates a plan rewrite that touches completed steps.
var ErrFrozenPrefix = fmt.Errorf("completed plan prefix is immutable")

// New creates a tracker for a fresh request in pending status.
func New(req task.Request) *Tracker {
	now := time.Now().UTC()
	return &Tracker{rec: task.Record{
		TaskID:    req.ID,
		Request:   req,
		Status:    task.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}}
}

// allowed lists the valid status transitions.
func allowed(from, to task.Status) bool {
	switch from {
	case task.StatusPending:
		return to == task.StatusRunning || to == task.StatusFailed
	case task.StatusRunning:
		return to == task.StatusRecovering || to == task.StatusCompleted || to == task.StatusFailed
	case task.StatusRecovering:
		return to == task.StatusRunning || to == task.StatusFailed
	default:
		return false
	}
}

// Start installs the initial plan and moves the record to running.
func (t *Tracker) Start(plan task.Plan) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec.Status != task.StatusPending {
		return fmt.Errorf("cannot start from status %s", t.rec.Status)
	}
	t.rec.Plan = plan.Clone()
	t.rec.Status = task.StatusRunning
	t.rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Transition moves the record to a new status, validating the edge.
func (t *Tracker) Transition(to task.Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !allowed(t.rec.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s", t.rec.Status, to)
	}
	t.rec.Status = to
	t.rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail forces the record into the terminal failed status with a reason.
// Valid from any non-terminal status (used for cancellation and planning
// failures before the run starts).
func (t *Tracker) Fail(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec.Status.IsTerminal() {
		return fmt.Errorf("record already terminal (%s)", t.rec.Status)
	}
	t.rec.Status = task.StatusFailed
	t.rec.FailReason = reason
	t.rec.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendOutcome appends a step outcome to the log. Outcomes are append-only
// and never edited afterwards.
func (t *Tracker) AppendOutcome(o task.StepOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rec.Outcomes = append(t.rec.Outcomes, o)
	t.rec.UpdatedAt = time.Now().UTC()
}

// AppendRecovery records one recovery state-machine transition. The trail
// is kept even when the run ultimately completes.
func (t *Tracker) AppendRecovery(e task.RecoveryEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	t.rec.Recoveries = append(t.rec.Recoveries, e)
	t.rec.UpdatedAt = time.Now().UTC()
}

// AdvanceCursor moves the completed-step cursor forward by one.
func (t *Tracker) AdvanceCursor() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec.Cursor >= len(t.rec.Plan.Steps) {
		return fmt.Errorf("cursor %d already at end of plan", t.rec.Cursor)
	}
	t.rec.Cursor++
	t.rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Cursor returns the current completed-step count.
func (t *Tracker) Cursor() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.Cursor
}

// Status returns the current status.
func (t *Tracker) Status() task.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.Status
}

// RewriteTail replaces the plan beyond the cursor with a new tail produced
// by replanning. The completed prefix keeps its identity; a tail that does
// not preserve it is rejected.
func (t *Tracker) RewriteTail(tail []task.PlanStep) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec.Cursor > len(t.rec.Plan.Steps) {
		return ErrFrozenPrefix
	}
	steps := make([]task.PlanStep, 0, t.rec.Cursor+len(tail))
	steps = append(steps, t.rec.Plan.Steps[:t.rec.Cursor]...)
	for _, s := range tail {
		steps = append(steps, s.Clone())
	}
	t.rec.Plan.Steps = steps
	t.rec.UpdatedAt = time.Now().UTC()
	return nil
}

// AdjustStep replaces the arguments of the step at the cursor (the step
// about to be retried). Completed steps cannot be adjusted.
func (t *Tracker) AdjustStep(index int, step task.PlanStep) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < t.rec.Cursor {
		return ErrFrozenPrefix
	}
	if index >= len(t.rec.Plan.Steps) {
		return fmt.Errorf("step index %d out of range", index)
	}
	t.rec.Plan.Steps[index] = step.Clone()
	t.rec.UpdatedAt = time.Now().UTC()
	return nil
}

// SetArtifact attaches the final result artifact.
func (t *Tracker) SetArtifact(artifact interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rec.Artifact = artifact
	t.rec.UpdatedAt = time.Now().UTC()
}

// Snapshot returns a deep copy of the record. Two consecutive snapshots
// with no intervening mutation are equal.
func (t *Tracker) Snapshot() task.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.rec
	out.Plan = t.rec.Plan.Clone()
	out.Outcomes = make([]task.StepOutcome, len(t.rec.Outcomes))
	copy(out.Outcomes, t.rec.Outcomes)
	if t.rec.Recoveries != nil {
		out.Recoveries = make([]task.RecoveryEntry, len(t.rec.Recoveries))
		copy(out.Recoveries, t.rec.Recoveries)
	}
	return out
}
