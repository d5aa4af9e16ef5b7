// Package metrics defines the Prometheus collectors exported by the engine.
// Collectors are registered at package init via promauto and shared across
// components; the /metrics endpoint is served by promhttp in main.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_workflows_started_total",
			Help: "Total number of workflow runs started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_workflows_completed_total",
			Help: "Total number of workflow runs completed",
		},
		[]string{"status"},
	)

	WorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_workflow_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_workflows_active",
			Help: "Number of workflow runs currently executing",
		},
	)

	// Task and batch metrics
	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tasks_executed_total",
			Help: "Total number of tasks executed",
		},
		[]string{"status"},
	)

	TasksCached = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_tasks_cached_total",
			Help: "Total number of tasks short-circuited by a persisted output",
		},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	BatchesExecuted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_batches_executed_total",
			Help: "Total number of batches executed",
		},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_batch_size",
			Help:    "Number of tasks per batch",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_llm_requests_total",
			Help: "Total number of LLM requests",
		},
		[]string{"provider", "status"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_llm_tokens_used_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"provider", "kind"},
	)

	// Tool metrics
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "status"},
	)

	// Approval metrics
	ApprovalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_approval_decisions_total",
			Help: "Total number of approval gate decisions",
		},
		[]string{"decision"},
	)

	// Store metrics
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_store_operation_duration_seconds",
			Help:    "Memory store operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation", "status"},
	)

	// Policy metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_policy_decisions_total",
			Help: "Total number of policy engine decisions",
		},
		[]string{"decision"},
	)
)

// ObserveStoreOperation records one store operation's latency and outcome.
func ObserveStoreOperation(operation string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOperationDuration.WithLabelValues(operation, status).Observe(elapsed.Seconds())
}

// RecordToolExecution records one tool run outcome.
func RecordToolExecution(tool string, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	ToolExecutions.WithLabelValues(tool, status).Inc()
}

// RecordLLMRequest records one LLM call outcome with its latency and usage.
func RecordLLMRequest(provider string, elapsed time.Duration, promptTokens, completionTokens int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	LLMRequests.WithLabelValues(provider, status).Inc()
	LLMRequestDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
	if promptTokens > 0 {
		LLMTokensUsed.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensUsed.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}
