package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammad-safakhou/conductor/config"
)

var (
	metricsOnce sync.Once

	taskCounter     *prometheus.CounterVec
	taskDuration    prometheus.Histogram
	stepDuration    *prometheus.HistogramVec
	stepCounter     *prometheus.CounterVec
	recoveryCounter *prometheus.CounterVec
	llmTokens       *prometheus.CounterVec
	llmCost         *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		taskCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tasks_total",
			Help: "Tasks finished, by terminal status.",
		}, []string{"status"})
		taskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_task_duration_seconds",
			Help:    "End-to-end task duration.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		})
		stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_step_duration_seconds",
			Help:    "Step dispatch duration by capability domain.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"domain"})
		stepCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_steps_total",
			Help: "Dispatched steps by capability domain and result.",
		}, []string{"domain", "result"})
		recoveryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_recovery_transitions_total",
			Help: "Recovery state machine transitions by action.",
		}, []string{"action"})
		llmTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_llm_tokens_total",
			Help: "Reasoning tokens by engine component and direction.",
		}, []string{"component", "direction"})
		llmCost = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_llm_cost_usd_total",
			Help: "Estimated reasoning cost by engine component.",
		}, []string{"component"})
		prometheus.MustRegister(taskCounter, taskDuration, stepDuration, stepCounter, recoveryCounter, llmTokens, llmCost)
	})
}

// Telemetry records engine metrics and tracks reasoning cost.
type Telemetry struct {
	cfg    config.TelemetryConfig
	logger *log.Logger

	mu          sync.Mutex
	totalCost   float64
	totalTokens int64
}

// New creates a telemetry instance. Metrics registration happens once per
// process regardless of how many instances exist.
func New(cfg config.TelemetryConfig) *Telemetry {
	initMetrics()
	return &Telemetry{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
	}
}

// RecordTask records a finished task.
func (t *Telemetry) RecordTask(status string, d time.Duration) {
	if t == nil || !t.cfg.Enabled {
		return
	}
	taskCounter.WithLabelValues(status).Inc()
	taskDuration.Observe(d.Seconds())
}

// RecordStep records one dispatch attempt.
func (t *Telemetry) RecordStep(domain string, success bool, d time.Duration) {
	if t == nil || !t.cfg.Enabled {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	stepCounter.WithLabelValues(domain, result).Inc()
	stepDuration.WithLabelValues(domain).Observe(d.Seconds())
}

// RecordRecovery records one recovery state-machine transition.
func (t *Telemetry) RecordRecovery(action string) {
	if t == nil || !t.cfg.Enabled {
		return
	}
	recoveryCounter.WithLabelValues(action).Inc()
}

// RecordLLM records a reasoning call's token usage and estimated cost,
// attributed to the engine component that made the call ("planner",
// "diagnosis").
func (t *Telemetry) RecordLLM(component string, promptTokens, completionTokens int64, costUSD float64) {
	if t == nil || !t.cfg.Enabled {
		return
	}
	llmTokens.WithLabelValues(component, "prompt").Add(float64(promptTokens))
	llmTokens.WithLabelValues(component, "completion").Add(float64(completionTokens))
	llmCost.WithLabelValues(component).Add(costUSD)

	if t.cfg.CostTracking {
		t.mu.Lock()
		t.totalCost += costUSD
		t.totalTokens += promptTokens + completionTokens
		t.mu.Unlock()
	}
}

// Totals returns the accumulated reasoning cost and tokens.
func (t *Telemetry) Totals() (costUSD float64, tokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalCost, t.totalTokens
}
