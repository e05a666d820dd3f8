package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/mohammad-safakhou/conductor/config"
	"github.com/mohammad-safakhou/conductor/internal/capability"
	"github.com/mohammad-safakhou/conductor/internal/task"
	"github.com/mohammad-safakhou/conductor/internal/telemetry"
)

// Dispatcher executes exactly one attempt of one plan step against the
// provider resolved from the registry. Retrying is the recovery engine's
// job, never the dispatcher's.
type Dispatcher struct {
	registry *capability.Registry
	cfg      config.CapabilityConfig
	tele     *telemetry.Telemetry
	logger   *log.Logger
}

// snapshotTimeout bounds diagnostic capture after a failed step.
const snapshotTimeout = 5 * time.Second

// New creates a dispatcher.
func New(registry *capability.Registry, cfg config.CapabilityConfig, tele *telemetry.Telemetry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		cfg:      cfg,
		tele:     tele,
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
}

// ExecuteStep resolves the step's domain, invokes the provider under the
// domain's timeout, and returns the outcome. On any non-success it attaches
// the provider's diagnostic snapshot for the recovery engine.
func (d *Dispatcher) ExecuteStep(ctx context.Context, index, attempt int, step task.PlanStep) task.StepOutcome {
	outcome := task.StepOutcome{
		StepIndex: index,
		StepID:    step.ID,
		Attempt:   attempt,
		StartedAt: time.Now().UTC(),
		Step:      step.Clone(),
	}

	prov, err := d.registry.Resolve(step.Domain)
	if err != nil {
		outcome.FinishedAt = time.Now().UTC()
		outcome.Reason = task.FailureDispatch
		outcome.Error = (&task.DispatchError{Domain: string(step.Domain), Cause: err}).Error()
		d.tele.RecordStep(string(step.Domain), false, outcome.FinishedAt.Sub(outcome.StartedAt))
		return outcome
	}

	release, err := d.registry.Acquire(ctx, step.Domain)
	if err != nil {
		outcome.FinishedAt = time.Now().UTC()
		outcome.Reason = task.FailureCancelled
		outcome.Error = err.Error()
		return outcome
	}
	defer release()

	stepCtx, cancel := context.WithTimeout(ctx, d.cfg.TimeoutFor(string(step.Domain)))
	defer cancel()

	type execResult struct {
		result capability.Result
		err    error
	}
	done := make(chan execResult, 1)
	go func() {
		res, execErr := prov.Execute(stepCtx, step.Operation, step.Args)
		done <- execResult{result: res, err: execErr}
	}()

	select {
	case <-stepCtx.Done():
		outcome.FinishedAt = time.Now().UTC()
		if ctx.Err() != nil {
			// parent cancelled: external cancellation, not a timeout
			outcome.Reason = task.FailureCancelled
			outcome.Error = "step cancelled: " + ctx.Err().Error()
		} else {
			outcome.Reason = task.FailureTimeout
			outcome.Error = "step timed out after " + d.cfg.TimeoutFor(string(step.Domain)).String()
		}
	case res := <-done:
		outcome.FinishedAt = time.Now().UTC()
		if res.err != nil {
			outcome.Reason = task.FailureProvider
			outcome.Error = res.err.Error()
		} else {
			outcome.Success = true
			outcome.Result = res.result
		}
	}

	if !outcome.Success {
		outcome.Snapshot = d.captureSnapshot(prov)
		d.logger.Printf("step %s (%s/%s) failed: %s", step.ID, step.Domain, step.Operation, outcome.Error)
	}
	d.tele.RecordStep(string(step.Domain), outcome.Success, outcome.FinishedAt.Sub(outcome.StartedAt))
	return outcome
}

// captureSnapshot asks the provider for its observable state. Runs on a
// fresh context so it still works when the step context is already dead.
func (d *Dispatcher) captureSnapshot(prov capability.Provider) capability.Snapshot {
	snapCtx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	snap, err := prov.Snapshot(snapCtx)
	if err != nil {
		return capability.Snapshot{Kind: "none", Note: "snapshot unavailable: " + err.Error()}
	}
	return snap
}
