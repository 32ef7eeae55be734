package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "answerflow_workflows_started_total",
			Help: "Total number of answer workflows started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerflow_workflows_completed_total",
			Help: "Total number of answer workflows finished",
		},
		[]string{"path", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "answerflow_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerflow_stage_failures_total",
			Help: "Stage failures by stage and reason",
		},
		[]string{"stage", "reason"},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerflow_tool_calls_total",
			Help: "External tool invocations during research",
		},
		[]string{"tool", "status"},
	)

	ToolErrorThresholdTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "answerflow_tool_error_threshold_trips_total",
			Help: "Research stages aborted by the tool failure threshold",
		},
	)

	SynthesisDeltas = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "answerflow_synthesis_deltas_total",
			Help: "Streamed synthesis text deltas",
		},
	)

	EventsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "answerflow_events_appended_total",
			Help: "Events appended to the resumable event log",
		},
	)

	TokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "answerflow_tokens_issued_total",
			Help: "Workflow completion tokens issued",
		},
	)

	TokensTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerflow_tokens_terminal_total",
			Help: "Workflow tokens reaching a terminal state",
		},
		[]string{"status"},
	)

	SendQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "answerflow_send_queue_depth",
			Help: "In-flight generation tasks per conversation",
		},
		[]string{"chat_id"},
	)

	RecoveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerflow_turn_budget_recoveries_total",
			Help: "Turn-budget recovery outcomes (recovered, partial, unusable)",
		},
		[]string{"outcome"},
	)
)
