package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/conductor/config"
	"github.com/mohammad-safakhou/conductor/internal/dispatch"
	"github.com/mohammad-safakhou/conductor/internal/planner"
	"github.com/mohammad-safakhou/conductor/internal/recovery"
	"github.com/mohammad-safakhou/conductor/internal/task"
	"github.com/mohammad-safakhou/conductor/internal/telemetry"
	"github.com/mohammad-safakhou/conductor/internal/track"
	"github.com/mohammad-safakhou/conductor/internal/workflow"
)

// Persister stores terminal execution records and synthesized workflows.
// The orchestrator runs fine without one; persistence is then skipped.
type Persister interface {
	SaveRecord(ctx context.Context, userID string, rec task.Record) error
	SaveWorkflow(ctx context.Context, userID string, def workflow.Definition) error
}

// Indexer makes synthesized workflows searchable.
type Indexer interface {
	Add(def workflow.Definition) error
}

// ErrUnknownTask indicates no execution record exists for the task ID.
var ErrUnknownTask = fmt.Errorf("unknown task")

const persistTimeout = 10 * time.Second

// Orchestrator drives requests end to end: planning, dispatch, failure
// recovery and workflow synthesis. One goroutine per task, bounded by the
// configured concurrency limit.
type Orchestrator struct {
	cfg        *config.Config
	planner    *planner.Planner
	dispatcher *dispatch.Dispatcher
	recovery   *recovery.Engine
	tele       *telemetry.Telemetry
	logger     *log.Logger

	persister Persister
	indexer   Indexer

	mu    sync.Mutex
	tasks map[string]*handle
	sem   chan struct{}
}

type handle struct {
	userID  string
	tracker *track.Tracker
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg *config.Config, pl *planner.Planner, d *dispatch.Dispatcher, rec *recovery.Engine, tele *telemetry.Telemetry) *Orchestrator {
	max := cfg.Engine.MaxConcurrentTasks
	if max <= 0 {
		max = 1
	}
	return &Orchestrator{
		cfg:        cfg,
		planner:    pl,
		dispatcher: d,
		recovery:   rec,
		tele:       tele,
		logger:     log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
		tasks:      make(map[string]*handle),
		sem:        make(chan struct{}, max),
	}
}

// SetPersistence wires the workflow store and search index. Either may be
// nil.
func (o *Orchestrator) SetPersistence(p Persister, idx Indexer) {
	o.persister = p
	o.indexer = idx
}

// Submit accepts a request and starts executing it in the background. The
// returned task ID can be used with Status, Cancel and Workflow.
func (o *Orchestrator) Submit(ctx context.Context, userID string, req task.Request) (string, error) {
	if strings.TrimSpace(req.Description) == "" {
		return "", &task.PlanningError{Reason: task.PlanMalformedRequest, Detail: "empty task description"}
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	tr := track.New(req)
	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{userID: userID, tracker: tr, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if _, exists := o.tasks[req.ID]; exists {
		o.mu.Unlock()
		cancel()
		return "", fmt.Errorf("task %s already submitted", req.ID)
	}
	o.tasks[req.ID] = h
	o.mu.Unlock()

	go o.run(runCtx, h, req)
	return req.ID, nil
}

// Status returns a consistent snapshot of the task's execution record.
func (o *Orchestrator) Status(taskID string) (task.Record, error) {
	h, ok := o.handleOf(taskID)
	if !ok {
		return task.Record{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return h.tracker.Snapshot(), nil
}

// List returns snapshots of every known task, newest first.
func (o *Orchestrator) List() []task.Record {
	o.mu.Lock()
	handles := make([]*handle, 0, len(o.tasks))
	for _, h := range o.tasks {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	out := make([]task.Record, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.tracker.Snapshot())
	}
	sortRecords(out)
	return out
}

// Cancel requests cancellation of a running task. Cancelling a task that
// already reached a terminal status is a no-op.
func (o *Orchestrator) Cancel(taskID string) error {
	h, ok := o.handleOf(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if h.tracker.Status().IsTerminal() {
		return nil
	}
	h.cancel()
	return nil
}

// Workflow synthesizes a replayable workflow from the task's record. With
// partial set, the successful prefix of a failed run is synthesized; the
// caller must ask for that explicitly.
func (o *Orchestrator) Workflow(taskID string, partial bool) (workflow.Definition, error) {
	h, ok := o.handleOf(taskID)
	if !ok {
		return workflow.Definition{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	rec := h.tracker.Snapshot()
	if partial {
		return workflow.SynthesizePartial(rec)
	}
	return workflow.Synthesize(rec)
}

// Done exposes the task's completion channel for callers that need to
// block until the run reaches a terminal status.
func (o *Orchestrator) Done(taskID string) (<-chan struct{}, error) {
	h, ok := o.handleOf(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return h.done, nil
}

func (o *Orchestrator) handleOf(taskID string) (*handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.tasks[taskID]
	return h, ok
}

func (o *Orchestrator) run(ctx context.Context, h *handle, req task.Request) {
	defer close(h.done)
	start := time.Now()

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		_ = h.tracker.Fail("cancelled before start")
		o.finish(h, start)
		return
	}

	plan, err := o.planner.Plan(ctx, req)
	if err != nil {
		o.logger.Printf("task %s: planning failed: %v", req.ID, err)
		_ = h.tracker.Fail(err.Error())
		o.finish(h, start)
		return
	}
	if err := h.tracker.Start(plan); err != nil {
		_ = h.tracker.Fail(err.Error())
		o.finish(h, start)
		return
	}
	o.logger.Printf("task %s: plan %s with %d steps", req.ID, plan.ID, len(plan.Steps))

	o.execute(ctx, h, req, start)
}

// execute drives the started plan to a terminal status. The tracker must
// already be in running status.
func (o *Orchestrator) execute(ctx context.Context, h *handle, req task.Request, start time.Time) {
	session := o.recovery.NewSession()
	attempts := make(map[int]int)

	for {
		snap := h.tracker.Snapshot()
		idx := snap.Cursor
		if idx >= len(snap.Plan.Steps) {
			break
		}
		step := snap.Plan.Steps[idx]
		attempts[idx]++

		outcome := o.dispatcher.ExecuteStep(ctx, idx, attempts[idx], step)
		h.tracker.AppendOutcome(outcome)

		if outcome.Success {
			if err := h.tracker.AdvanceCursor(); err != nil {
				_ = h.tracker.Fail(err.Error())
				o.finish(h, start)
				return
			}
			h.tracker.SetArtifact(outcome.Result)
			continue
		}

		if ctx.Err() != nil {
			_ = h.tracker.Fail(string(task.FailureCancelled))
			o.finish(h, start)
			return
		}

		if !o.recover(ctx, h, req, session, outcome) {
			o.finish(h, start)
			return
		}
	}

	_ = h.tracker.Transition(task.StatusCompleted)
	o.finish(h, start)
}

// recover runs the failure state machine for one failed outcome. It
// returns false when the run reached a terminal status.
func (o *Orchestrator) recover(ctx context.Context, h *handle, req task.Request, session *recovery.Session, failed task.StepOutcome) bool {
	if err := h.tracker.Transition(task.StatusRecovering); err != nil {
		_ = h.tracker.Fail(err.Error())
		return false
	}
	h.tracker.AppendRecovery(task.RecoveryEntry{
		StepIndex: failed.StepIndex,
		Action:    task.RecoveryDiagnosing,
		Note:      failed.Error,
		At:        time.Now().UTC(),
	})

	snap := h.tracker.Snapshot()
	res := session.Resolve(ctx, req, failed, snap.Outcomes)

	h.tracker.AppendRecovery(task.RecoveryEntry{
		StepIndex: failed.StepIndex,
		Action:    res.Action,
		Note:      res.Diagnosis.RootCause,
		At:        time.Now().UTC(),
	})

	switch res.Action {
	case task.RecoveryRetrying:
		o.logger.Printf("task %s: retrying step %d (attempt %d)", req.ID, failed.StepIndex, session.Retries(failed.StepIndex))
		if res.Wait > 0 {
			select {
			case <-time.After(res.Wait):
			case <-ctx.Done():
				_ = h.tracker.Fail(string(task.FailureCancelled))
				return false
			}
		}
		if err := h.tracker.AdjustStep(failed.StepIndex, res.Step); err != nil {
			_ = h.tracker.Fail(err.Error())
			return false
		}
		return h.tracker.Transition(task.StatusRunning) == nil

	case task.RecoveryReplanning:
		o.logger.Printf("task %s: replanning from step %d", req.ID, failed.StepIndex)
		completed := make([]task.StepOutcome, 0, len(snap.Outcomes))
		for _, out := range snap.Outcomes {
			if out.Success {
				completed = append(completed, out)
			}
		}
		tail, err := o.planner.Replan(ctx, req, completed, res.Diagnosis)
		if err != nil {
			o.logger.Printf("task %s: replanning failed: %v", req.ID, err)
			_ = h.tracker.Fail(err.Error())
			return false
		}
		if err := h.tracker.RewriteTail(tail); err != nil {
			_ = h.tracker.Fail(err.Error())
			return false
		}
		return h.tracker.Transition(task.StatusRunning) == nil

	default: // escalating
		diag := res.Diagnosis
		exhausted := &task.RecoveryExhausted{
			StepIndex: failed.StepIndex,
			Retries:   session.Retries(failed.StepIndex),
			Replans:   session.Replans(),
			Diagnosis: &diag,
		}
		o.logger.Printf("task %s: %v", req.ID, exhausted)
		_ = h.tracker.Fail(exhausted.Error())
		return false
	}
}

// finish records task telemetry and, for completed runs, synthesizes and
// persists the workflow.
func (o *Orchestrator) finish(h *handle, start time.Time) {
	rec := h.tracker.Snapshot()
	o.tele.RecordTask(string(rec.Status), time.Since(start))

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if rec.Status == task.StatusCompleted && o.cfg.Engine.SynthesizeOnSuccess {
		def, err := workflow.Synthesize(rec)
		if err != nil {
			o.logger.Printf("task %s: workflow synthesis skipped: %v", rec.TaskID, err)
		} else {
			if o.persister != nil {
				if err := o.persister.SaveWorkflow(ctx, h.userID, def); err != nil {
					o.logger.Printf("task %s: saving workflow: %v", rec.TaskID, err)
				}
			}
			if o.indexer != nil {
				if err := o.indexer.Add(def); err != nil {
					o.logger.Printf("task %s: indexing workflow: %v", rec.TaskID, err)
				}
			}
		}
	}

	if o.persister != nil {
		if err := o.persister.SaveRecord(ctx, h.userID, rec); err != nil {
			o.logger.Printf("task %s: saving record: %v", rec.TaskID, err)
		}
	}
}

func sortRecords(recs []task.Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}
