package planner

import (
	"context"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/conductor/internal/capability"
	"github.com/mohammad-safakhou/conductor/internal/task"
	"github.com/mohammad-safakhou/conductor/internal/telemetry"
	"github.com/mohammad-safakhou/conductor/provider"
)

// Registry is the capability surface the planner validates against.
type Registry interface {
	ListAvailable() []capability.Domain
}

// Planner turns task requests into validated plans via the reasoning
// collaborator. It is a pure function of its inputs plus the registry's
// advertised capability set; it performs no dispatch.
type Planner struct {
	reasoner provider.Reasoner
	registry Registry
	tele     *telemetry.Telemetry
	logger   *log.Logger
}

// New creates a planner.
func New(reasoner provider.Reasoner, registry Registry, tele *telemetry.Telemetry) *Planner {
	return &Planner{
		reasoner: reasoner,
		registry: registry,
		tele:     tele,
		logger:   log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// Plan produces an initial plan for a request. It fails fast with
// UnsupportedCapability when any step needs a domain the registry does not
// advertise, before anything is dispatched.
func (p *Planner) Plan(ctx context.Context, req task.Request) (task.Plan, error) {
	if strings.TrimSpace(req.Description) == "" {
		return task.Plan{}, &task.PlanningError{Reason: task.PlanMalformedRequest, Detail: "empty task description"}
	}
	available := p.registry.ListAvailable()
	if len(available) == 0 {
		return task.Plan{}, &task.PlanningError{Reason: task.PlanUnsupportedCapability, Detail: "no capability providers registered"}
	}

	plan, usage, err := p.reasoner.GeneratePlan(ctx, provider.PlanRequest{
		Request:   req,
		Available: available,
	})
	p.recordUsage(usage)
	if err != nil {
		return task.Plan{}, &task.PlanningError{Reason: task.PlanReasoningUnavailable, Detail: err.Error()}
	}
	if err := p.finalize(&plan, available); err != nil {
		return task.Plan{}, err
	}
	p.logger.Printf("planned %d steps for task %s", len(plan.Steps), req.ID)
	return plan, nil
}

// Replan produces a new tail to append after the completed prefix. The
// prefix is passed through untouched for identity; only the tail is
// generated and validated.
func (p *Planner) Replan(ctx context.Context, req task.Request, completed []task.StepOutcome, diag task.Diagnosis) ([]task.PlanStep, error) {
	available := p.registry.ListAvailable()
	plan, usage, err := p.reasoner.GeneratePlan(ctx, provider.PlanRequest{
		Request:   req,
		Available: available,
		Completed: completed,
		Failure:   &diag,
	})
	p.recordUsage(usage)
	if err != nil {
		return nil, &task.PlanningError{Reason: task.PlanReasoningUnavailable, Detail: err.Error()}
	}
	if err := p.finalize(&plan, available); err != nil {
		return nil, err
	}
	p.logger.Printf("replanned %d tail steps for task %s", len(plan.Steps), req.ID)
	return plan.Steps, nil
}

// finalize validates the reasoner's output and fills in identities.
func (p *Planner) finalize(plan *task.Plan, available []capability.Domain) error {
	if len(plan.Steps) == 0 {
		return &task.PlanningError{Reason: task.PlanEmpty, Detail: "reasoner produced no steps"}
	}
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	known := make(map[capability.Domain]bool, len(available))
	for _, d := range available {
		known[d] = true
	}
	seen := make(map[string]bool, len(plan.Steps))
	for i := range plan.Steps {
		s := &plan.Steps[i]
		if s.ID == "" || seen[s.ID] {
			s.ID = uuid.New().String()
		}
		seen[s.ID] = true
		if s.Operation == "" {
			return &task.PlanningError{Reason: task.PlanMalformedRequest, Detail: "step " + s.ID + " has no operation"}
		}
		if !known[s.Domain] {
			return &task.PlanningError{
				Reason: task.PlanUnsupportedCapability,
				Detail: "step " + s.ID + " requires unavailable domain " + string(s.Domain),
			}
		}
		if s.Args == nil {
			s.Args = map[string]interface{}{}
		}
	}
	return nil
}

func (p *Planner) recordUsage(u provider.Usage) {
	if u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return
	}
	p.tele.RecordLLM("planner", u.PromptTokens, u.CompletionTokens, u.CostUSD)
}
