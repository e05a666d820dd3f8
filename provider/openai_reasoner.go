package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/conductor/internal/capability"
	"github.com/mohammad-safakhou/conductor/internal/task"
	openai_provider "github.com/mohammad-safakhou/conductor/provider/openai"
)

const planSystemPrompt = `You are a planning controller for an automation engine. Output STRICT JSON.
- Break the user's task into minimal, concrete steps.
- Each step runs against exactly one capability domain from the available set.
- Never emit a domain outside the available set.
- When an executed prefix is supplied, continue after it; never repeat or renumber completed steps.
Return JSON: {"steps":[{"id":string,"description":string,"domain":string,"operation":string,"args":object}]}`

const diagnoseSystemPrompt = `You are a failure analyst for an automation engine. A step failed; output STRICT JSON.
- State the most likely root cause from the error, the diagnostic snapshot and the recent outcomes.
- Rank remediation strategies by estimated likelihood of success (confidence in [0,1]).
- Kinds: "retry" (wait then retry as-is), "adjust_args" (same step, changed args), "alternate" (replacement step), "replan" (a different approach is needed).
Return JSON: {"root_cause":string,"strategies":[{"kind":string,"confidence":number,"adjusted_args":object,"replacement":{"id":string,"description":string,"domain":string,"operation":string,"args":object},"wait_before_ms":number,"note":string}]}`

type openaiReasoner struct {
	client *openai_provider.Client
}

type planWire struct {
	Steps []struct {
		ID          string                 `json:"id"`
		Description string                 `json:"description"`
		Domain      string                 `json:"domain"`
		Operation   string                 `json:"operation"`
		Args        map[string]interface{} `json:"args"`
	} `json:"steps"`
}

type diagnosisWire struct {
	RootCause  string `json:"root_cause"`
	Strategies []struct {
		Kind         string                 `json:"kind"`
		Confidence   float64                `json:"confidence"`
		AdjustedArgs map[string]interface{} `json:"adjusted_args"`
		Replacement  *struct {
			ID          string                 `json:"id"`
			Description string                 `json:"description"`
			Domain      string                 `json:"domain"`
			Operation   string                 `json:"operation"`
			Args        map[string]interface{} `json:"args"`
		} `json:"replacement"`
		WaitBeforeMS int64  `json:"wait_before_ms"`
		Note         string `json:"note"`
	} `json:"strategies"`
}

func (r *openaiReasoner) GeneratePlan(ctx context.Context, req PlanRequest) (task.Plan, Usage, error) {
	input := map[string]interface{}{
		"task":                   req.Request.Description,
		"params":                 req.Request.Params,
		"conversation":           req.Request.Context,
		"available_capabilities": req.Available,
	}
	if len(req.Completed) > 0 {
		input["executed_prefix"] = summarizeOutcomes(req.Completed)
	}
	if req.Failure != nil {
		input["failure_diagnosis"] = req.Failure
	}
	user, err := json.Marshal(input)
	if err != nil {
		return task.Plan{}, Usage{}, fmt.Errorf("marshal plan input: %w", err)
	}

	var wire planWire
	u, err := r.client.ChatJSON(ctx, r.client.PlanningModel(), planSystemPrompt, []string{"INPUT:\n" + string(user)}, &wire)
	usage := toUsage(r.client.PlanningModel(), u)
	if err != nil {
		return task.Plan{}, usage, err
	}

	plan := task.Plan{Steps: make([]task.PlanStep, 0, len(wire.Steps))}
	for _, s := range wire.Steps {
		plan.Steps = append(plan.Steps, task.PlanStep{
			ID:          s.ID,
			Description: s.Description,
			Domain:      capability.Domain(s.Domain),
			Operation:   s.Operation,
			Args:        s.Args,
		})
	}
	return plan, usage, nil
}

func (r *openaiReasoner) Diagnose(ctx context.Context, fc FailureContext) (task.Diagnosis, Usage, error) {
	input := map[string]interface{}{
		"task":        fc.Request.Description,
		"failed_step": fc.Step,
		"error":       fc.Failed.Error,
		"reason":      fc.Failed.Reason,
		"recent":      summarizeOutcomes(fc.Recent),
	}
	if fc.Failed.Snapshot.Kind != "" {
		input["snapshot_kind"] = fc.Failed.Snapshot.Kind
		input["snapshot_note"] = fc.Failed.Snapshot.Note
	}
	user, err := json.Marshal(input)
	if err != nil {
		return task.Diagnosis{}, Usage{}, fmt.Errorf("marshal diagnosis input: %w", err)
	}

	var wire diagnosisWire
	u, err := r.client.ChatJSON(ctx, r.client.DiagnosisModel(), diagnoseSystemPrompt, []string{"INPUT:\n" + string(user)}, &wire)
	usage := toUsage(r.client.DiagnosisModel(), u)
	if err != nil {
		return task.Diagnosis{}, usage, err
	}

	diag := task.Diagnosis{RootCause: wire.RootCause}
	for _, s := range wire.Strategies {
		st := task.Strategy{
			Kind:         task.StrategyKind(s.Kind),
			Confidence:   s.Confidence,
			AdjustedArgs: s.AdjustedArgs,
			WaitBefore:   time.Duration(s.WaitBeforeMS) * time.Millisecond,
			Note:         s.Note,
		}
		if s.Replacement != nil {
			st.Replacement = &task.PlanStep{
				ID:          s.Replacement.ID,
				Description: s.Replacement.Description,
				Domain:      capability.Domain(s.Replacement.Domain),
				Operation:   s.Replacement.Operation,
				Args:        s.Replacement.Args,
			}
		}
		diag.Strategies = append(diag.Strategies, st)
	}
	return diag, usage, nil
}

// summarizeOutcomes compacts outcomes for prompt context: step identity,
// success and error only, never raw payloads or screenshots.
func summarizeOutcomes(outcomes []task.StepOutcome) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(outcomes))
	for _, o := range outcomes {
		entry := map[string]interface{}{
			"step_id":     o.StepID,
			"step_index":  o.StepIndex,
			"operation":   o.Step.Operation,
			"domain":      o.Step.Domain,
			"description": o.Step.Description,
			"success":     o.Success,
		}
		if o.Error != "" {
			entry["error"] = o.Error
		}
		out = append(out, entry)
	}
	return out
}

func toUsage(model string, u openai_provider.Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CostUSD:          openai_provider.CostUSD(model, u),
	}
}
