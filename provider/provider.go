package provider

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/conductor/config"
	"github.com/mohammad-safakhou/conductor/internal/capability"
	"github.com/mohammad-safakhou/conductor/internal/task"
	openai_provider "github.com/mohammad-safakhou/conductor/provider/openai"
)

// PlanRequest is the input for a planning (or replanning) call.
type PlanRequest struct {
	Request   task.Request
	Available []capability.Domain
	// Completed carries the executed prefix during replanning; the reasoner
	// must produce steps that follow it, never regenerate it.
	Completed []task.StepOutcome
	// Failure carries the diagnosis that triggered replanning, if any.
	Failure *task.Diagnosis
}

// FailureContext is the input for a diagnosis call.
type FailureContext struct {
	Request task.Request
	Step    task.PlanStep
	Failed  task.StepOutcome
	Recent  []task.StepOutcome
}

// Usage reports token consumption and estimated cost of one call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
}

// Reasoner is the external reasoning collaborator: it turns task text into
// plans and failed outcomes into diagnoses. Treated as a black box with
// timeout-bounded calls; a non-responding reasoner is a planning/diagnosis
// failure, never a crash.
type Reasoner interface {
	GeneratePlan(ctx context.Context, req PlanRequest) (task.Plan, Usage, error)
	Diagnose(ctx context.Context, fc FailureContext) (task.Diagnosis, Usage, error)
}

// NewReasoner creates a reasoner from configuration.
func NewReasoner(cfg config.LLMConfig) (Reasoner, error) {
	switch cfg.Provider {
	case "openai", "":
		if cfg.APIKey == "" {
			return nil, errors.New("llm.api_key not set")
		}
		return &openaiReasoner{client: openai_provider.NewClient(openai_provider.Options{
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			PlanningModel:  cfg.PlanningModel,
			DiagnosisModel: cfg.DiagnosisModel,
			Temperature:    cfg.Temperature,
			MaxTokens:      cfg.MaxTokens,
			Timeout:        cfg.Timeout,
		})}, nil
	default:
		return nil, errors.New("unsupported LLM provider: " + cfg.Provider)
	}
}
