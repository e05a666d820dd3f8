package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammad-safakhou/conductor/config"
)

func TestRecordLLMAttributesComponent(t *testing.T) {
	tele := New(config.TelemetryConfig{Enabled: true, CostTracking: true})

	before := testutil.ToFloat64(llmCost.WithLabelValues("planner"))
	tele.RecordLLM("planner", 120, 40, 0.02)
	tele.RecordLLM("diagnosis", 80, 20, 0.01)

	if got := testutil.ToFloat64(llmCost.WithLabelValues("planner")) - before; got < 0.019 || got > 0.021 {
		t.Fatalf("expected planner cost ~0.02, got %f", got)
	}
	cost, tokens := tele.Totals()
	if tokens != 260 {
		t.Fatalf("expected 260 tokens, got %d", tokens)
	}
	if cost < 0.029 || cost > 0.031 {
		t.Fatalf("expected ~0.03 total cost, got %f", cost)
	}
}

func TestRecordLLMDisabled(t *testing.T) {
	tele := New(config.TelemetryConfig{})
	tele.RecordLLM("planner", 10, 10, 1)
	if cost, tokens := tele.Totals(); cost != 0 || tokens != 0 {
		t.Fatalf("disabled telemetry must not accumulate, got cost=%f tokens=%d", cost, tokens)
	}
}
