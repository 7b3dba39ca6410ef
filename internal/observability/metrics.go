package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Turn flow through the session registry
//   - Backend request performance by family and model
//   - Tool execution patterns and latencies
//   - Follow-up queue depth per conversation
type Metrics struct {
	// TurnCounter counts turns by backend family, model, and outcome.
	// Labels: family (native|openai), model, status (success|error|aborted)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures end-to-end turn latency in seconds.
	// Labels: family, model
	TurnDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// QueueDepth is a gauge tracking queued follow-up prompts per conversation.
	// Labels: session_id
	QueueDepth *prometheus.GaugeVec

	// QueueDrainCounter counts auto-drained prompts by outcome.
	// Labels: status (success|error)
	QueueDrainCounter *prometheus.CounterVec

	// ActiveTurns is a gauge tracking conversations currently in the Active state.
	ActiveTurns prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics against reg.
// Pass prometheus.DefaultRegisterer at application startup; tests pass a
// fresh registry to avoid duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckhand_turns_total",
				Help: "Total number of turns by backend family, model, and status",
			},
			[]string{"family", "model", "status"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deckhand_turn_duration_seconds",
				Help:    "Duration of turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"family", "model"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckhand_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deckhand_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deckhand_queue_depth",
				Help: "Current number of queued follow-up prompts per conversation",
			},
			[]string{"session_id"},
		),

		QueueDrainCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckhand_queue_drained_total",
				Help: "Total number of auto-drained queue prompts by status",
			},
			[]string{"status"},
		),

		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "deckhand_active_turns",
				Help: "Current number of conversations with an active turn",
			},
		),
	}
}
