package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/conductor/internal/task"
	"github.com/mohammad-safakhou/conductor/internal/track"
	"github.com/mohammad-safakhou/conductor/internal/workflow"
)

// Replay executes a saved workflow definition as a new task. The stored
// nodes become the plan directly; the reasoning collaborator is not
// consulted, but dispatch and failure recovery behave exactly as for a
// fresh run.
func (o *Orchestrator) Replay(ctx context.Context, userID string, def workflow.Definition) (string, error) {
	if len(def.Nodes) == 0 {
		return "", fmt.Errorf("workflow %s has no nodes", def.ID)
	}

	steps := make([]task.PlanStep, 0, len(def.Nodes))
	for _, n := range def.Nodes {
		steps = append(steps, task.PlanStep{
			ID:          n.ID,
			Description: n.Name,
			Domain:      n.Domain,
			Operation:   n.Operation,
			Args:        n.Args,
		})
	}
	plan := task.Plan{ID: uuid.New().String(), Steps: steps}

	req := task.Request{
		ID:          uuid.New().String(),
		Description: "replay: " + def.Name,
		Params:      map[string]interface{}{"workflow_id": def.ID},
		CreatedAt:   time.Now().UTC(),
	}

	tr := track.New(req)
	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{userID: userID, tracker: tr, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.tasks[req.ID] = h
	o.mu.Unlock()

	go o.runReplay(runCtx, h, req, plan)
	return req.ID, nil
}

func (o *Orchestrator) runReplay(ctx context.Context, h *handle, req task.Request, plan task.Plan) {
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

	if err := h.tracker.Start(plan); err != nil {
		_ = h.tracker.Fail(err.Error())
		o.finish(h, start)
		return
	}
	o.logger.Printf("task %s: replaying %d steps", req.ID, len(plan.Steps))

	o.execute(ctx, h, req, start)
}
