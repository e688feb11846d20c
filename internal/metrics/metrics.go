// Package metrics provides Prometheus metrics for the blueprint engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "blueprint"
	subsystem = "engine"
)

var (
	// RunsStarted counts runs created, by trigger kind.
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_started_total",
			Help:      "Total number of runs started",
		},
		[]string{"trigger"},
	)

	// RunsTotal counts finished runs by status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_total",
			Help:      "Total number of runs by final status",
		},
		[]string{"status"}, // "succeeded", "failed", "cancelled"
	)

	// RunsActive tracks runs that currently own an actor goroutine.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_active",
			Help:      "Number of runs currently executing in this process",
		},
	)

	// RunDuration tracks run execution duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "run_duration_seconds",
			Help:      "Run execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// NodesTotal counts node executions by type and outcome.
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "nodes_total",
			Help:      "Total number of node executions by type and status",
		},
		[]string{"type", "status"},
	)

	// NodeDuration tracks a single node attempt.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "node_duration_seconds",
			Help:      "Node attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// NodeRetries counts retry dispatches.
	NodeRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "node_retries_total",
			Help:      "Total number of node retries",
		},
		[]string{"type"},
	)

	// ApprovalsPending tracks nodes parked in waiting_approval.
	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "approvals_pending",
			Help:      "Number of nodes waiting for human approval",
		},
	)

	// ApprovalsResolved counts approval decisions.
	ApprovalsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "approvals_resolved_total",
			Help:      "Total number of approval decisions",
		},
		[]string{"decision"}, // "approved", "rejected"
	)

	// TimersFired counts durable timers delivered to runs.
	TimersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "timers_fired_total",
			Help:      "Total number of durable timers fired",
		},
		[]string{"kind"},
	)

	// LoopIterations counts loop re-entries.
	LoopIterations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "loop_iterations_total",
			Help:      "Total number of loop re-entries",
		},
	)

	// MutationsTotal counts mutation batches by result.
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mutations_total",
			Help:      "Total number of mutation batches",
		},
		[]string{"result"}, // "applied", "rejected"
	)

	// GatewayCalls counts tool and brain invocations.
	GatewayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "gateway_calls_total",
			Help:      "Total number of gateway invocations",
		},
		[]string{"gateway", "runtime", "result"},
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

	// StreamConnections tracks open SSE and websocket subscribers.
	StreamConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_connections",
			Help:      "Number of open event stream connections",
		},
		[]string{"transport"}, // "sse", "websocket"
	)

	// K8sJobsTotal counts tool Jobs by status.
	K8sJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "k8s_jobs_total",
			Help:      "Total number of K8s tool jobs created",
		},
		[]string{"status"},
	)

	// RunStoreOperations counts runstore operations.
	RunStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runstore_operations_total",
			Help:      "Total number of runstore operations",
		},
		[]string{"operation", "result"}, // result: success, error
	)

	// DispatchQueueDepth tracks eligible nodes waiting for a dispatch slot.
	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_queue_depth",
			Help:      "Number of eligible nodes waiting for a dispatch slot",
		},
	)
)

// Result maps an error to the "success"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
