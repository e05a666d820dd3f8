package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammad-safakhou/conductor/config"
	"github.com/mohammad-safakhou/conductor/internal/capability"
	"github.com/mohammad-safakhou/conductor/internal/task"
	"github.com/mohammad-safakhou/conductor/internal/telemetry"
	"github.com/mohammad-safakhou/conductor/provider"
)

type stubReasoner struct {
	diag   task.Diagnosis
	err    error
	calls  int
	window int
}

func (s *stubReasoner) GeneratePlan(ctx context.Context, req provider.PlanRequest) (task.Plan, provider.Usage, error) {
	return task.Plan{}, provider.Usage{}, errors.New("not implemented")
}

func (s *stubReasoner) Diagnose(ctx context.Context, fc provider.FailureContext) (task.Diagnosis, provider.Usage, error) {
	s.calls++
	s.window = len(fc.Recent)
	return s.diag, provider.Usage{}, s.err
}

func testCfg() config.RecoveryConfig {
	return config.RecoveryConfig{RetryBudget: 2, ReplanBudget: 1, Window: 3, DiagnosisTimeout: time.Second}
}

func newSession(r *stubReasoner, cfg config.RecoveryConfig) *Session {
	return New(r, cfg, telemetry.New(config.TelemetryConfig{})).NewSession()
}

func failedOutcome(index int) task.StepOutcome {
	return task.StepOutcome{
		StepIndex: index,
		StepID:    "s",
		Reason:    task.FailureProvider,
		Error:     "element not found: #inbox",
		Step: task.PlanStep{ID: "s", Domain: capability.DomainBrowser, Operation: "click",
			Args: map[string]interface{}{"selector": "#inbox"}},
	}
}

func TestRetryStrategyWithinBudget(t *testing.T) {
	r := &stubReasoner{diag: task.Diagnosis{
		RootCause: "page not fully loaded",
		Strategies: []task.Strategy{
			{Kind: task.StrategyRetry, Confidence: 0.9, WaitBefore: 2 * time.Second},
			{Kind: task.StrategyReplan, Confidence: 0.2},
		},
	}}
	s := newSession(r, testCfg())
	res := s.Resolve(context.Background(), task.Request{ID: "t"}, failedOutcome(1), nil)
	if res.Action != task.RecoveryRetrying {
		t.Fatalf("expected retrying, got %s", res.Action)
	}
	if res.Wait != 2*time.Second {
		t.Fatalf("wait not propagated: %s", res.Wait)
	}
	if res.Diagnosis.RootCause != "page not fully loaded" {
		t.Fatal("diagnosis not surfaced")
	}
	if s.Retries(1) != 1 {
		t.Fatalf("retry budget not consumed: %d", s.Retries(1))
	}
}

func TestAdjustArgsMergesIntoStep(t *testing.T) {
	r := &stubReasoner{diag: task.Diagnosis{
		RootCause: "element renders late",
		Strategies: []task.Strategy{
			{Kind: task.StrategyAdjustArgs, Confidence: 0.8,
				AdjustedArgs: map[string]interface{}{"wait_ms": 3000}},
		},
	}}
	s := newSession(r, testCfg())
	res := s.Resolve(context.Background(), task.Request{ID: "t"}, failedOutcome(0), nil)
	if res.Action != task.RecoveryRetrying {
		t.Fatalf("expected retrying, got %s", res.Action)
	}
	if res.Step.Args["wait_ms"] != 3000 {
		t.Fatalf("adjusted args not merged: %+v", res.Step.Args)
	}
	if res.Step.Args["selector"] != "#inbox" {
		t.Fatal("original args must be preserved")
	}
}

func TestHighestConfidenceStrategyWins(t *testing.T) {
	r := &stubReasoner{diag: task.Diagnosis{
		Strategies: []task.Strategy{
			{Kind: task.StrategyReplan, Confidence: 0.3},
			{Kind: task.StrategyRetry, Confidence: 0.7},
		},
	}}
	s := newSession(r, testCfg())
	res := s.Resolve(context.Background(), task.Request{ID: "t"}, failedOutcome(0), nil)
	if res.Action != task.RecoveryRetrying {
		t.Fatalf("ranking ignored: got %s", res.Action)
	}
}

func TestRetryBudgetExhaustionForcesReplan(t *testing.T) {
	r := &stubReasoner{diag: task.Diagnosis{
		Strategies: []task.Strategy{{Kind: task.StrategyRetry, Confidence: 1}},
	}}
	s := newSession(r, testCfg())
	for i := 0; i < 2; i++ {
		if res := s.Resolve(context.Background(), task.Request{ID: "t"}, failedOutcome(0), nil); res.Action != task.RecoveryRetrying {
			t.Fatalf("attempt %d: expected retrying, got %s", i, res.Action)
		}
	}
	res := s.Resolve(context.Background(), task.Request{ID: "t"}, failedOutcome(0), nil)
	if res.Action != task.RecoveryReplanning {
		t.Fatalf("expected replanning after retry exhaustion, got %s", res.Action)
	}
}

func TestEscalationAfterAllBudgets(t *testing.T) {
	r := &stubReasoner{diag: task.Diagnosis{
		Strategies: []task.Strategy{{Kind: task.StrategyRetry, Confidence: 1}},
	}}
	cfg := testCfg()
	s := newSession(r, cfg)
	terminal := 0
	// retryBudget + replanBudget bounds total non-escalating resolutions
	for i := 0; i < cfg.RetryBudget+cfg.ReplanBudget+3; i++ {
		res := s.Resolve(context.Background(), task.Request{ID: "t"}, failedOutcome(0), nil)
		if res.Action == task.RecoveryEscalating {
			terminal = i
			break
		}
	}
	if terminal != cfg.RetryBudget+cfg.ReplanBudget {
		t.Fatalf("expected escalation after %d resolutions, got %d",
			cfg.RetryBudget+cfg.ReplanBudget, terminal)
	}
	// escalation is sticky: budgets stay exhausted
	if res := s.Resolve(context.Background(), task.Request{ID: "t"}, failedOutcome(0), nil); res.Action != task.RecoveryEscalating {
		t.Fatalf("expected repeated escalation, got %s", res.Action)
	}
}

func TestAlternateStrategyConsumesReplanBudget(t *testing.T) {
	r := &stubReasoner{diag: task.Diagnosis{
		Strategies: []task.Strategy{{Kind: task.StrategyAlternate, Confidence: 0.9,
			Replacement: &task.PlanStep{ID: "alt", Domain: capability.DomainDesktop, Operation: "click"}}},
	}}
	s := newSession(r, testCfg())
	res := s.Resolve(context.Background(), task.Request{ID: "t"}, failedOutcome(0), nil)
	if res.Action != task.RecoveryReplanning {
		t.Fatalf("alternate approach should route through replanning, got %s", res.Action)
	}
	if s.Replans() != 1 {
		t.Fatalf("replan budget not consumed: %d", s.Replans())
	}
}

func TestDiagnosisFailureDegradesToReplan(t *testing.T) {
	r := &stubReasoner{err: errors.New("reasoner timeout")}
	s := newSession(r, testCfg())
	res := s.Resolve(context.Background(), task.Request{ID: "t"}, failedOutcome(0), nil)
	if res.Action != task.RecoveryReplanning {
		t.Fatalf("expected replanning on diagnosis failure, got %s", res.Action)
	}
	if res.Diagnosis.RootCause == "" {
		t.Fatal("degraded diagnosis should still state a cause")
	}
}

func TestDiagnosisWindowTrimmed(t *testing.T) {
	r := &stubReasoner{diag: task.Diagnosis{
		Strategies: []task.Strategy{{Kind: task.StrategyRetry, Confidence: 1}},
	}}
	s := newSession(r, testCfg())
	recent := make([]task.StepOutcome, 10)
	s.Resolve(context.Background(), task.Request{ID: "t"}, failedOutcome(9), recent)
	if r.window != 3 {
		t.Fatalf("expected window of 3 outcomes, reasoner saw %d", r.window)
	}
}

func TestEmptyDiagnosisStillTerminates(t *testing.T) {
	r := &stubReasoner{diag: task.Diagnosis{RootCause: "unknown"}}
	cfg := config.RecoveryConfig{RetryBudget: 1, ReplanBudget: 1, Window: 3, DiagnosisTimeout: time.Second}
	s := newSession(r, cfg)
	first := s.Resolve(context.Background(), task.Request{ID: "t"}, failedOutcome(0), nil)
	if first.Action != task.RecoveryReplanning {
		t.Fatalf("no strategies should force replan, got %s", first.Action)
	}
	second := s.Resolve(context.Background(), task.Request{ID: "t"}, failedOutcome(0), nil)
	if second.Action != task.RecoveryEscalating {
		t.Fatalf("expected escalation, got %s", second.Action)
	}
}
