package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/mohammad-safakhou/conductor/config"
	"github.com/mohammad-safakhou/conductor/internal/capability"
	"github.com/mohammad-safakhou/conductor/internal/task"
	"github.com/mohammad-safakhou/conductor/internal/telemetry"
	"github.com/mohammad-safakhou/conductor/provider"
)

type stubRegistry struct {
	domains []capability.Domain
}

func (s *stubRegistry) ListAvailable() []capability.Domain { return s.domains }

type stubReasoner struct {
	plan  task.Plan
	err   error
	calls int
	last  provider.PlanRequest
}

func (s *stubReasoner) GeneratePlan(ctx context.Context, req provider.PlanRequest) (task.Plan, provider.Usage, error) {
	s.calls++
	s.last = req
	return s.plan, provider.Usage{}, s.err
}

func (s *stubReasoner) Diagnose(ctx context.Context, fc provider.FailureContext) (task.Diagnosis, provider.Usage, error) {
	return task.Diagnosis{}, provider.Usage{}, errors.New("not implemented")
}

func newPlanner(r *stubReasoner, domains ...capability.Domain) *Planner {
	return New(r, &stubRegistry{domains: domains}, telemetry.New(config.TelemetryConfig{}))
}

func TestPlanRejectsEmptyDescription(t *testing.T) {
	p := newPlanner(&stubReasoner{}, capability.DomainBrowser)
	_, err := p.Plan(context.Background(), task.Request{ID: "t", Description: "   "})
	var pe *task.PlanningError
	if !errors.As(err, &pe) || pe.Reason != task.PlanMalformedRequest {
		t.Fatalf("expected malformed request, got %v", err)
	}
}

func TestPlanUnsupportedCapabilityFailsFast(t *testing.T) {
	r := &stubReasoner{plan: task.Plan{Steps: []task.PlanStep{
		{ID: "s1", Domain: "spreadsheet", Operation: "write_cell"},
	}}}
	p := newPlanner(r, capability.DomainBrowser, capability.DomainDesktop)
	_, err := p.Plan(context.Background(), task.Request{ID: "t", Description: "fill a spreadsheet"})
	var pe *task.PlanningError
	if !errors.As(err, &pe) || pe.Reason != task.PlanUnsupportedCapability {
		t.Fatalf("expected unsupported capability, got %v", err)
	}
}

func TestPlanNeverSilentlyEmpty(t *testing.T) {
	p := newPlanner(&stubReasoner{plan: task.Plan{}}, capability.DomainBrowser)
	_, err := p.Plan(context.Background(), task.Request{ID: "t", Description: "do nothing"})
	var pe *task.PlanningError
	if !errors.As(err, &pe) || pe.Reason != task.PlanEmpty {
		t.Fatalf("expected empty-plan error, got %v", err)
	}
}

func TestPlanReasonerFailureIsPlanningError(t *testing.T) {
	p := newPlanner(&stubReasoner{err: errors.New("timeout talking to model")}, capability.DomainBrowser)
	_, err := p.Plan(context.Background(), task.Request{ID: "t", Description: "navigate somewhere"})
	var pe *task.PlanningError
	if !errors.As(err, &pe) || pe.Reason != task.PlanReasoningUnavailable {
		t.Fatalf("expected reasoning-unavailable, got %v", err)
	}
}

func TestPlanAssignsMissingAndDuplicateStepIDs(t *testing.T) {
	r := &stubReasoner{plan: task.Plan{Steps: []task.PlanStep{
		{ID: "", Domain: capability.DomainBrowser, Operation: "navigate"},
		{ID: "dup", Domain: capability.DomainBrowser, Operation: "click"},
		{ID: "dup", Domain: capability.DomainBrowser, Operation: "type"},
	}}}
	p := newPlanner(r, capability.DomainBrowser)
	plan, err := p.Plan(context.Background(), task.Request{ID: "t", Description: "navigate and click"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	seen := map[string]bool{}
	for _, s := range plan.Steps {
		if s.ID == "" {
			t.Fatal("step left without ID")
		}
		if seen[s.ID] {
			t.Fatalf("duplicate step ID %s survived", s.ID)
		}
		seen[s.ID] = true
		if s.Args == nil {
			t.Fatal("args map not initialized")
		}
	}
}

func TestReplanPassesPrefixAndDiagnosis(t *testing.T) {
	r := &stubReasoner{plan: task.Plan{Steps: []task.PlanStep{
		{ID: "s3", Domain: capability.DomainBrowser, Operation: "wait"},
	}}}
	p := newPlanner(r, capability.DomainBrowser)
	completed := []task.StepOutcome{{StepID: "s1", Success: true}}
	diag := task.Diagnosis{RootCause: "page not fully loaded"}
	tail, err := p.Replan(context.Background(), task.Request{ID: "t", Description: "x"}, completed, diag)
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if len(tail) != 1 || tail[0].Operation != "wait" {
		t.Fatalf("unexpected tail: %+v", tail)
	}
	if len(r.last.Completed) != 1 || r.last.Completed[0].StepID != "s1" {
		t.Fatal("completed prefix not forwarded to reasoner")
	}
	if r.last.Failure == nil || r.last.Failure.RootCause != "page not fully loaded" {
		t.Fatal("diagnosis not forwarded to reasoner")
	}
}
