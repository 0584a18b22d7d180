package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine-level metrics.
//
// Tracks event ingress, reducer rollbacks, LLM request lifecycle, tool
// execution, and codemode evaluations.
type Metrics struct {
	// EventsAppended counts appended events by type namespace and type.
	// Labels: event_type
	EventsAppended *prometheus.CounterVec

	// BatchesIngested counts AddEvents batches.
	// Labels: status (ok|rolled_back)
	BatchesIngested *prometheus.CounterVec

	// LLMRequestDuration measures LLM stream duration in seconds.
	// Labels: model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by model and terminal status.
	// Labels: model, status (completed|cancelled|superseded|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|approval_pending)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// CodemodeEvaluations counts codemode evaluator runs.
	// Labels: status (success|error)
	CodemodeEvaluations *prometheus.CounterVec
}

// NewMetrics registers engine metrics on the given registerer. A nil
// registerer uses the default prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_events_appended_total",
				Help: "Total events appended to the log by event type",
			},
			[]string{"event_type"},
		),
		BatchesIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_batches_total",
				Help: "Total ingress batches by outcome",
			},
			[]string{"status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convoy_llm_request_duration_seconds",
				Help:    "Duration of LLM streaming requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_llm_requests_total",
				Help: "Total LLM requests by model and terminal status",
			},
			[]string{"model", "status"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convoy_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		CodemodeEvaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_codemode_evaluations_total",
				Help: "Total codemode evaluator runs by status",
			},
			[]string{"status"},
		),
	}
}
