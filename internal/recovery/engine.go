package recovery

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/mohammad-safakhou/conductor/config"
	"github.com/mohammad-safakhou/conductor/internal/task"
	"github.com/mohammad-safakhou/conductor/internal/telemetry"
	"github.com/mohammad-safakhou/conductor/provider"
)

// Engine drives the per-step recovery state machine:
// Failed -> Diagnosing -> {Retrying, Replanning, Escalating}.
// It decides; the orchestrator executes the decision (re-dispatch or
// replan), keeping this package free of dispatch concerns.
type Engine struct {
	reasoner provider.Reasoner
	cfg      config.RecoveryConfig
	tele     *telemetry.Telemetry
	logger   *log.Logger
}

// New creates a recovery engine.
func New(reasoner provider.Reasoner, cfg config.RecoveryConfig, tele *telemetry.Telemetry) *Engine {
	return &Engine{
		reasoner: reasoner,
		cfg:      cfg,
		tele:     tele,
		logger:   log.New(log.Writer(), "[RECOVERY] ", log.LstdFlags),
	}
}

// Session tracks recovery budgets for one execution record: a per-step
// retry budget and a per-run replanning budget. Exhausting both forces
// escalation, so recovery always terminates.
type Session struct {
	eng     *Engine
	retries map[int]int // step index -> retries consumed
	replans int
}

// NewSession starts budget tracking for one record.
func (e *Engine) NewSession() *Session {
	return &Session{eng: e, retries: make(map[int]int)}
}

// Resolution is the outcome of one pass through the state machine.
type Resolution struct {
	Action    task.RecoveryAction
	Step      task.PlanStep // step to re-dispatch when Action is retrying
	Wait      time.Duration // pause before the retry
	Diagnosis task.Diagnosis
}

// Retries returns the retries consumed for a step index.
func (s *Session) Retries(stepIndex int) int { return s.retries[stepIndex] }

// Replans returns the replanning attempts consumed.
func (s *Session) Replans() int { return s.replans }

// Resolve runs Diagnosing for a failed outcome and picks the next
// transition. recent is the record's outcome log; only the configured
// window is forwarded to the reasoner.
func (s *Session) Resolve(ctx context.Context, req task.Request, failed task.StepOutcome, recent []task.StepOutcome) Resolution {
	e := s.eng
	e.tele.RecordRecovery(string(task.RecoveryDiagnosing))

	diag := e.diagnose(ctx, req, failed, recent)

	strategy, ok := pickStrategy(diag)
	if !ok {
		// no usable strategy: a replan is the only forward path
		strategy = task.Strategy{Kind: task.StrategyReplan, Note: "no remediation strategies returned"}
	}

	switch strategy.Kind {
	case task.StrategyRetry, task.StrategyAdjustArgs:
		if s.retries[failed.StepIndex] < e.cfg.RetryBudget {
			s.retries[failed.StepIndex]++
			e.tele.RecordRecovery(string(task.RecoveryRetrying))
			step := failed.Step.Clone()
			if strategy.Kind == task.StrategyAdjustArgs && strategy.AdjustedArgs != nil {
				if step.Args == nil {
					step.Args = map[string]interface{}{}
				}
				for k, v := range strategy.AdjustedArgs {
					step.Args[k] = v
				}
			}
			return Resolution{Action: task.RecoveryRetrying, Step: step, Wait: strategy.WaitBefore, Diagnosis: diag}
		}
		e.logger.Printf("retry budget exhausted for step %d, forcing replan", failed.StepIndex)
		fallthrough
	default:
		if s.replans < e.cfg.ReplanBudget {
			s.replans++
			e.tele.RecordRecovery(string(task.RecoveryReplanning))
			return Resolution{Action: task.RecoveryReplanning, Diagnosis: diag}
		}
	}

	e.tele.RecordRecovery(string(task.RecoveryEscalating))
	return Resolution{Action: task.RecoveryEscalating, Diagnosis: diag}
}

// diagnose asks the reasoning collaborator for a root cause. A reasoner
// that errors or never answers yields a degraded diagnosis instead of a
// crash; the state machine keeps moving.
func (e *Engine) diagnose(ctx context.Context, req task.Request, failed task.StepOutcome, recent []task.StepOutcome) task.Diagnosis {
	window := recent
	if len(window) > e.cfg.Window {
		window = window[len(window)-e.cfg.Window:]
	}
	diagCtx, cancel := context.WithTimeout(ctx, e.cfg.DiagnosisTimeout)
	defer cancel()

	diag, usage, err := e.reasoner.Diagnose(diagCtx, provider.FailureContext{
		Request: req,
		Step:    failed.Step,
		Failed:  failed,
		Recent:  window,
	})
	if usage.PromptTokens > 0 || usage.CompletionTokens > 0 {
		e.tele.RecordLLM("diagnosis", usage.PromptTokens, usage.CompletionTokens, usage.CostUSD)
	}
	if err != nil {
		e.logger.Printf("diagnosis unavailable for step %d: %v", failed.StepIndex, err)
		return task.Diagnosis{
			RootCause:  "diagnosis unavailable: " + err.Error(),
			Strategies: []task.Strategy{{Kind: task.StrategyReplan, Confidence: 0, Note: "reasoner did not answer"}},
		}
	}
	return diag
}

// pickStrategy returns the highest-confidence strategy.
func pickStrategy(diag task.Diagnosis) (task.Strategy, bool) {
	if len(diag.Strategies) == 0 {
		return task.Strategy{}, false
	}
	ranked := make([]task.Strategy, len(diag.Strategies))
	copy(ranked, diag.Strategies)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Confidence > ranked[j].Confidence })
	return ranked[0], true
}
