package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects execution-core metrics for Prometheus scraping.
type Metrics struct {
	// TurnCounter counts executor turns.
	// Labels: strategy (rvr|rvr-b)
	TurnCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool latency in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// BacktrackCounter counts backtrack decisions.
	// Labels: decision (tool_replace|plan_replan|param_adjust|context_enrich|intent_clarify|fail_gracefully)
	BacktrackCounter *prometheus.CounterVec

	// CompactionTrims counts messages dropped by the compactor.
	// Labels: pass (budget|aggressive)
	CompactionTrims *prometheus.CounterVec

	// RollbackCounter counts snapshot rollbacks.
	// Labels: status (success|partial|failed)
	RollbackCounter *prometheus.CounterVec

	// SessionFinishCounter counts session terminations by finish reason.
	SessionFinishCounter *prometheus.CounterVec

	// ActiveSessions tracks currently executing sessions.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates and registers all metrics on the given registerer.
// Passing nil uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) {
		// Duplicate registration only happens in tests that rebuild the world.
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	m := &Metrics{
		TurnCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_turns_total",
				Help: "Executor turns by strategy.",
			},
			[]string{"strategy"},
		),
		LLMRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arc_llm_request_duration_seconds",
				Help:    "LLM API call latency.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMTokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_llm_tokens_total",
				Help: "Token consumption by provider, model, and type.",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_tool_executions_total",
				Help: "Tool invocations by name and status.",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arc_tool_execution_duration_seconds",
				Help:    "Tool execution latency.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		BacktrackCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_backtracks_total",
				Help: "Backtrack decisions by type.",
			},
			[]string{"decision"},
		),
		CompactionTrims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_compaction_dropped_messages_total",
				Help: "Messages dropped by context compaction.",
			},
			[]string{"pass"},
		),
		RollbackCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_rollbacks_total",
				Help: "Snapshot rollbacks by outcome.",
			},
			[]string{"status"},
		),
		SessionFinishCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_session_finish_total",
				Help: "Session terminations by finish reason.",
			},
			[]string{"finish_reason"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arc_active_sessions",
				Help: "Sessions currently executing.",
			},
		),
	}

	factory(m.TurnCounter)
	factory(m.LLMRequestDuration)
	factory(m.LLMTokensUsed)
	factory(m.ToolExecutionCounter)
	factory(m.ToolExecutionDuration)
	factory(m.BacktrackCounter)
	factory(m.CompactionTrims)
	factory(m.RollbackCounter)
	factory(m.SessionFinishCounter)
	factory(m.ActiveSessions)

	return m
}
