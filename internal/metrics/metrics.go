// Package metrics provides Prometheus metrics for the orchestrator service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "vibing"
	subsystem = "orchestrator"
)

var (
	// WorkflowsTotal counts finished workflows by final status.
	WorkflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflows_total",
			Help:      "Total number of workflows by final status",
		},
		[]string{"status"}, // "completed", "failed", "timed_out"
	)

	// WorkflowsActive tracks currently running workflows.
	WorkflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflows_active",
			Help:      "Number of currently running workflows",
		},
	)

	// WorkflowDuration tracks workflow execution duration.
	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// TasksTotal counts tasks reaching a terminal status.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_total",
			Help:      "Total number of tasks by terminal status",
		},
		[]string{"status"}, // "succeeded", "failed", "skipped"
	)

	// TaskDuration tracks task execution duration.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// TasksRunning tracks tasks currently dispatched across all workflows.
	TasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_running",
			Help:      "Number of tasks currently running",
		},
	)

	// SchedulerQueueDepth tracks ready tasks waiting for a free slot.
	SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scheduler_queue_depth",
			Help:      "Number of ready tasks waiting for a concurrency slot",
		},
	)

	// AgentInvocations counts agent calls by outcome.
	AgentInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "agent_invocations_total",
			Help:      "Total number of agent invocations by outcome",
		},
		[]string{"agent", "outcome"}, // outcome: success or an error kind
	)

	// AgentInvocationDuration tracks agent call latency.
	AgentInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "agent_invocation_duration_seconds",
			Help:      "Agent invocation duration in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"agent"},
	)

	// AgentTokens counts tokens reported by the invocation service.
	AgentTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "agent_tokens_total",
			Help:      "Total tokens consumed by agent invocations",
		},
		[]string{"agent", "direction"}, // direction: input, output
	)

	// AgentRetries counts retries of rate-limited invocations.
	AgentRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "agent_retries_total",
			Help:      "Total number of rate-limited invocation retries",
		},
		[]string{"agent"},
	)

	// ContextEvictions counts context entries evicted by pruning.
	ContextEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "context_evictions_total",
			Help:      "Total number of context entries evicted by pruning",
		},
		[]string{"scope"},
	)

	// BusMessagesTotal counts published bus messages.
	BusMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bus_messages_total",
			Help:      "Total number of messages published on agent buses",
		},
		[]string{"kind"}, // "direct", "broadcast"
	)

	// BusDeliveries counts handler deliveries of bus messages.
	BusDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bus_deliveries_total",
			Help:      "Total number of message deliveries to subscribers",
		},
	)

	// EventsTotal counts events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Total number of events emitted",
		},
		[]string{"type"},
	)

	// SinkErrors counts failed event deliveries per sink.
	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "event_sink_errors_total",
			Help:      "Total number of events a sink failed to accept",
		},
		[]string{"sink"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// StreamConnections tracks open SSE and websocket event streams.
	StreamConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_connections_active",
			Help:      "Number of open event stream connections",
		},
		[]string{"transport"}, // "sse", "websocket"
	)

	// StreamConnectionDuration tracks how long event streams stay open.
	StreamConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_connection_duration_seconds",
			Help:      "Event stream connection duration in seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"transport"},
	)

	// StoreOperations counts store operations.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "store_operations_total",
			Help:      "Total number of store operations",
		},
		[]string{"store", "operation", "result"}, // result: success, error
	)
)
