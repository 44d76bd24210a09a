// Package observability collects the orchestrator's Prometheus
// metrics: message flow, AI turn latency, tool executions, flow runs
// and error rates.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the registered metric set. Construct it once at startup;
// promauto panics on duplicate registration.
type Metrics struct {
	// MessageCounter tracks messages by direction.
	// Labels: direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// AITurnDuration measures one full AI turn, lock to release.
	// Labels: provider, model
	AITurnDuration *prometheus.HistogramVec

	// AITurnCounter counts AI turns by outcome.
	// Labels: provider, status (success|error)
	AITurnCounter *prometheus.CounterVec

	// TokensUsed tracks provider token consumption.
	// Labels: provider, model
	TokensUsed *prometheus.CounterVec

	// PendingEnqueued counts batches deferred to the pending queue
	// because the session lock was held.
	PendingEnqueued prometheus.Counter

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// FlowExecutionCounter counts flow runs by terminal status.
	// Labels: status (COMPLETED|FAILED)
	FlowExecutionCounter *prometheus.CounterVec

	// AutomationCounter counts automation firings.
	// Labels: automation
	AutomationCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component.
	// Labels: component (agent|transport|flows|automation|storage)
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		MessageCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentic_messages_total",
				Help: "Total number of messages processed by direction",
			},
			[]string{"direction"},
		),

		AITurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentic_ai_turn_duration_seconds",
				Help:    "Duration of AI turns in seconds, lock acquisition to release",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		AITurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentic_ai_turns_total",
				Help: "Total number of AI turns by provider and status",
			},
			[]string{"provider", "status"},
		),

		TokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentic_ai_tokens_total",
				Help: "Total number of provider tokens consumed",
			},
			[]string{"provider", "model"},
		),

		PendingEnqueued: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "agentic_pending_batches_total",
				Help: "Total number of message batches deferred to the pending queue",
			},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentic_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		FlowExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentic_flow_executions_total",
				Help: "Total number of flow executions by terminal status",
			},
			[]string{"status"},
		),

		AutomationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentic_automation_firings_total",
				Help: "Total number of inactivity automation firings",
			},
			[]string{"automation"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentic_errors_total",
				Help: "Total number of errors by component",
			},
			[]string{"component"},
		),
	}
}
