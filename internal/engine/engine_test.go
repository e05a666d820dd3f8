package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/conductor/config"
	"github.com/mohammad-safakhou/conductor/internal/capability"
	"github.com/mohammad-safakhou/conductor/internal/dispatch"
	"github.com/mohammad-safakhou/conductor/internal/planner"
	"github.com/mohammad-safakhou/conductor/internal/recovery"
	"github.com/mohammad-safakhou/conductor/internal/task"
	"github.com/mohammad-safakhou/conductor/internal/telemetry"
	"github.com/mohammad-safakhou/conductor/internal/workflow"
	"github.com/mohammad-safakhou/conductor/provider"
)

type stubReasoner struct {
	mu        sync.Mutex
	plan      task.Plan
	replanned []task.PlanStep
	diagnosis task.Diagnosis
	planErr   error
	diagCalls int
}

func (r *stubReasoner) GeneratePlan(ctx context.Context, req provider.PlanRequest) (task.Plan, provider.Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.planErr != nil {
		return task.Plan{}, provider.Usage{}, r.planErr
	}
	if len(req.Completed) > 0 || req.Failure != nil {
		return task.Plan{Steps: r.replanned}, provider.Usage{}, nil
	}
	return r.plan.Clone(), provider.Usage{}, nil
}

func (r *stubReasoner) Diagnose(ctx context.Context, fc provider.FailureContext) (task.Diagnosis, provider.Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diagCalls++
	return r.diagnosis, provider.Usage{}, nil
}

type scriptedProvider struct {
	domain capability.Domain

	mu        sync.Mutex
	calls     int
	failures  int          // first N calls fail
	failCalls map[int]bool // specific call numbers that fail
	block     chan struct{}
	seen      []map[string]interface{}
}

func (p *scriptedProvider) Domain() capability.Domain { return p.domain }
func (p *scriptedProvider) Healthy() bool             { return true }

func (p *scriptedProvider) Execute(ctx context.Context, op string, args map[string]interface{}) (capability.Result, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	copied := make(map[string]interface{}, len(args))
	for k, v := range args {
		copied[k] = v
	}
	p.seen = append(p.seen, copied)
	if p.calls <= p.failures || p.failCalls[p.calls] {
		return nil, fmt.Errorf("element not found")
	}
	return capability.Result{"op": op, "call": p.calls}, nil
}

func (p *scriptedProvider) Snapshot(ctx context.Context) (capability.Snapshot, error) {
	return capability.Snapshot{Kind: "screenshot", Data: []byte("png")}, nil
}

type memPersister struct {
	mu        sync.Mutex
	records   []task.Record
	workflows []workflow.Definition
}

func (m *memPersister) SaveRecord(ctx context.Context, userID string, rec task.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memPersister) SaveWorkflow(ctx context.Context, userID string, def workflow.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows = append(m.workflows, def)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Capability: config.CapabilityConfig{
			DefaultTimeout: 2 * time.Second,
			Timeouts:       map[string]time.Duration{},
		},
		Recovery: config.RecoveryConfig{
			RetryBudget:      3,
			ReplanBudget:     2,
			Window:           5,
			DiagnosisTimeout: time.Second,
		},
		Engine: config.EngineConfig{MaxConcurrentTasks: 4, SynthesizeOnSuccess: true},
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, reasoner provider.Reasoner, providers ...capability.Provider) (*Orchestrator, *capability.Registry) {
	t.Helper()
	reg := capability.NewRegistry()
	for _, p := range providers {
		reg.Register(p, 0)
	}
	tele := telemetry.New(config.TelemetryConfig{})
	pl := planner.New(reasoner, reg, tele)
	d := dispatch.New(reg, cfg.Capability, tele)
	rec := recovery.New(reasoner, cfg.Recovery, tele)
	return New(cfg, pl, d, rec, tele), reg
}

func waitDone(t *testing.T, o *Orchestrator, id string) task.Record {
	t.Helper()
	done, err := o.Done(id)
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not finish", id)
	}
	rec, err := o.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return rec
}

func twoStepPlan() task.Plan {
	return task.Plan{Steps: []task.PlanStep{
		{ID: "s1", Description: "open inbox", Domain: capability.DomainBrowser, Operation: "navigate",
			Args: map[string]interface{}{"url": "https://mail.example.com"}},
		{ID: "s2", Description: "archive all", Domain: capability.DomainBrowser, Operation: "click",
			Args: map[string]interface{}{"selector": "#archive"}},
	}}
}

func TestLinearSuccess(t *testing.T) {
	reasoner := &stubReasoner{plan: twoStepPlan()}
	prov := &scriptedProvider{domain: capability.DomainBrowser}
	o, _ := newTestOrchestrator(t, testConfig(), reasoner, prov)
	persister := &memPersister{}
	o.SetPersistence(persister, nil)

	id, err := o.Submit(context.Background(), "u1", task.Request{Description: "archive my inbox"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec := waitDone(t, o, id)

	if rec.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", rec.Status, rec.FailReason)
	}
	if rec.Cursor != 2 || len(rec.Outcomes) != 2 {
		t.Fatalf("expected 2 completed steps, cursor=%d outcomes=%d", rec.Cursor, len(rec.Outcomes))
	}
	if len(rec.Recoveries) != 0 {
		t.Fatalf("no recovery entries expected, got %d", len(rec.Recoveries))
	}

	def, err := o.Workflow(id, false)
	if err != nil {
		t.Fatalf("Workflow: %v", err)
	}
	if len(def.Nodes) != 2 || len(def.Edges) != 1 {
		t.Fatalf("unexpected workflow shape: %d nodes %d edges", len(def.Nodes), len(def.Edges))
	}

	persister.mu.Lock()
	defer persister.mu.Unlock()
	if len(persister.records) != 1 || len(persister.workflows) != 1 {
		t.Fatalf("expected persisted record and workflow, got %d/%d", len(persister.records), len(persister.workflows))
	}
}

func TestSubmitCarriesStructuredParams(t *testing.T) {
	reasoner := &stubReasoner{plan: twoStepPlan()}
	prov := &scriptedProvider{domain: capability.DomainBrowser}
	o, _ := newTestOrchestrator(t, testConfig(), reasoner, prov)

	params := map[string]interface{}{
		"dry_run":     true,
		"max_depth":   3,
		"workflow_id": "wf-seed",
	}
	id, err := o.Submit(context.Background(), "u1", task.Request{Description: "archive my inbox", Params: params})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec := waitDone(t, o, id)

	if rec.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", rec.Status, rec.FailReason)
	}
	if got, ok := rec.Request.Params["dry_run"].(bool); !ok || !got {
		t.Fatalf("expected dry_run=true in record request, got %#v", rec.Request.Params["dry_run"])
	}
	if got, ok := rec.Request.Params["max_depth"].(int); !ok || got != 3 {
		t.Fatalf("expected max_depth=3 in record request, got %#v", rec.Request.Params["max_depth"])
	}
}

func TestRecoveredFailureKeepsAdjustedArgs(t *testing.T) {
	reasoner := &stubReasoner{
		plan: twoStepPlan(),
		diagnosis: task.Diagnosis{
			RootCause: "selector drifted",
			Strategies: []task.Strategy{{
				Kind:         task.StrategyAdjustArgs,
				Confidence:   0.9,
				AdjustedArgs: map[string]interface{}{"selector": "#archive-v2"},
			}},
		},
	}
	// step 1 succeeds, first attempt of step 2 fails, its retry succeeds
	prov := &scriptedProvider{domain: capability.DomainBrowser, failCalls: map[int]bool{2: true}}
	o, _ := newTestOrchestrator(t, testConfig(), reasoner, prov)

	id, err := o.Submit(context.Background(), "u1", task.Request{Description: "archive my inbox"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec := waitDone(t, o, id)

	if rec.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", rec.Status, rec.FailReason)
	}
	if len(rec.Recoveries) == 0 {
		t.Fatalf("recovery trail must be retained on success")
	}
	var sawRetry bool
	for _, e := range rec.Recoveries {
		if e.Action == task.RecoveryRetrying {
			sawRetry = true
		}
	}
	if !sawRetry {
		t.Fatalf("expected a retrying entry, got %+v", rec.Recoveries)
	}

	// the as-executed workflow carries the adjusted selector
	def, err := o.Workflow(id, false)
	if err != nil {
		t.Fatalf("Workflow: %v", err)
	}
	last := def.Nodes[len(def.Nodes)-1]
	if last.Args["selector"] != "#archive-v2" {
		t.Fatalf("expected adjusted selector in workflow, got %v", last.Args)
	}
}

func TestExhaustionEscalates(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.RetryBudget = 1
	cfg.Recovery.ReplanBudget = 0

	reasoner := &stubReasoner{
		plan: task.Plan{Steps: []task.PlanStep{
			{ID: "s1", Description: "click button", Domain: capability.DomainBrowser, Operation: "click"},
		}},
		diagnosis: task.Diagnosis{
			RootCause:  "button never renders",
			Strategies: []task.Strategy{{Kind: task.StrategyRetry, Confidence: 0.8}},
		},
	}
	prov := &scriptedProvider{domain: capability.DomainBrowser, failures: 100}
	o, _ := newTestOrchestrator(t, cfg, reasoner, prov)

	id, err := o.Submit(context.Background(), "u1", task.Request{Description: "press the button"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec := waitDone(t, o, id)

	if rec.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if !strings.Contains(rec.FailReason, "recovery exhausted") {
		t.Fatalf("fail reason should carry exhaustion context, got %q", rec.FailReason)
	}
	var sawEscalation bool
	for _, e := range rec.Recoveries {
		if e.Action == task.RecoveryEscalating {
			sawEscalation = true
		}
	}
	if !sawEscalation {
		t.Fatalf("expected escalating entry, got %+v", rec.Recoveries)
	}
	// dispatch count: original attempt + 1 retry
	prov.mu.Lock()
	defer prov.mu.Unlock()
	if prov.calls != 2 {
		t.Fatalf("expected 2 dispatches, got %d", prov.calls)
	}
}

func TestReplanRewritesTail(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.RetryBudget = 0
	cfg.Recovery.ReplanBudget = 1

	reasoner := &stubReasoner{
		plan: twoStepPlan(),
		replanned: []task.PlanStep{
			{ID: "alt1", Description: "use keyboard shortcut", Domain: capability.DomainBrowser, Operation: "type",
				Args: map[string]interface{}{"keys": "e"}},
		},
		diagnosis: task.Diagnosis{
			RootCause:  "click target obsolete",
			Strategies: []task.Strategy{{Kind: task.StrategyReplan, Confidence: 0.7}},
		},
	}
	// step 1 succeeds, step 2 fails, the replanned alternative succeeds
	prov := &scriptedProvider{domain: capability.DomainBrowser, failCalls: map[int]bool{2: true}}
	o, _ := newTestOrchestrator(t, cfg, reasoner, prov)

	id, err := o.Submit(context.Background(), "u1", task.Request{Description: "archive my inbox"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec := waitDone(t, o, id)

	if rec.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", rec.Status, rec.FailReason)
	}
	if len(rec.Plan.Steps) != 2 {
		t.Fatalf("expected rewritten plan of 2 steps, got %d", len(rec.Plan.Steps))
	}
	if rec.Plan.Steps[0].ID != "s1" {
		t.Fatalf("completed prefix must survive replanning, got %+v", rec.Plan.Steps)
	}
	if rec.Plan.Steps[1].Operation != "type" {
		t.Fatalf("tail should be the replanned step, got %+v", rec.Plan.Steps[1])
	}
}

func TestCancelRunningTask(t *testing.T) {
	block := make(chan struct{})
	prov := &scriptedProvider{domain: capability.DomainBrowser, block: block}
	reasoner := &stubReasoner{plan: twoStepPlan()}
	o, _ := newTestOrchestrator(t, testConfig(), reasoner, prov)

	id, err := o.Submit(context.Background(), "u1", task.Request{Description: "archive my inbox"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// let the run reach the blocking provider
	time.Sleep(50 * time.Millisecond)
	if err := o.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	rec := waitDone(t, o, id)
	if rec.Status != task.StatusFailed {
		t.Fatalf("expected failed after cancellation, got %s", rec.Status)
	}
	// cancelling a terminal task is a no-op
	if err := o.Cancel(id); err != nil {
		t.Fatalf("idempotent cancel: %v", err)
	}
	close(block)
}

func TestSubmitRejectsBlankDescription(t *testing.T) {
	reasoner := &stubReasoner{}
	o, _ := newTestOrchestrator(t, testConfig(), reasoner)
	if _, err := o.Submit(context.Background(), "u1", task.Request{Description: "   "}); err == nil {
		t.Fatalf("expected rejection of blank description")
	}
}

func TestPlanningFailureFailsTask(t *testing.T) {
	reasoner := &stubReasoner{planErr: fmt.Errorf("model overloaded")}
	prov := &scriptedProvider{domain: capability.DomainBrowser}
	o, _ := newTestOrchestrator(t, testConfig(), reasoner, prov)

	id, err := o.Submit(context.Background(), "u1", task.Request{Description: "archive my inbox"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec := waitDone(t, o, id)
	if rec.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if len(rec.Outcomes) != 0 {
		t.Fatalf("no steps should run when planning fails")
	}
}

func TestWorkflowPartialRequiresExplicitFlag(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.RetryBudget = 0
	cfg.Recovery.ReplanBudget = 0

	reasoner := &stubReasoner{plan: twoStepPlan()}
	// step 1 succeeds, step 2 fails and escalates immediately
	prov := &scriptedProvider{domain: capability.DomainBrowser, failCalls: map[int]bool{2: true}}
	o, _ := newTestOrchestrator(t, cfg, reasoner, prov)

	id, err := o.Submit(context.Background(), "u1", task.Request{Description: "archive my inbox"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec := waitDone(t, o, id)
	if rec.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}

	if _, err := o.Workflow(id, false); err == nil {
		t.Fatalf("full synthesis must reject a failed run")
	}
	def, err := o.Workflow(id, true)
	if err != nil {
		t.Fatalf("partial synthesis: %v", err)
	}
	if !def.Partial || len(def.Nodes) != 1 {
		t.Fatalf("expected partial workflow with 1 node, got partial=%v nodes=%d", def.Partial, len(def.Nodes))
	}
}

func TestReplayBypassesPlanning(t *testing.T) {
	reasoner := &stubReasoner{planErr: fmt.Errorf("reasoner must not be called for planning")}
	prov := &scriptedProvider{domain: capability.DomainBrowser}
	o, _ := newTestOrchestrator(t, testConfig(), reasoner, prov)

	def := workflow.Definition{
		ID:   "wf-1",
		Name: "archive inbox",
		Nodes: []workflow.Node{
			{ID: "node_0", Name: "open inbox", Domain: capability.DomainBrowser, Operation: "navigate",
				Args: map[string]interface{}{"url": "https://mail.example.com"}},
			{ID: "node_1", Name: "archive all", Domain: capability.DomainBrowser, Operation: "click",
				Args: map[string]interface{}{"selector": "#archive"}},
		},
	}

	id, err := o.Replay(context.Background(), "u1", def)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	rec := waitDone(t, o, id)
	if rec.Status != task.StatusCompleted {
		t.Fatalf("expected completed replay, got %s (%s)", rec.Status, rec.FailReason)
	}
	if len(rec.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(rec.Outcomes))
	}
}

func TestStatusUnknownTask(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(), &stubReasoner{})
	if _, err := o.Status("nope"); err == nil {
		t.Fatalf("expected ErrUnknownTask")
	}
}
