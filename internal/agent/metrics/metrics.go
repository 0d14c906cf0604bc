// Package metrics exposes an agent.Metrics snapshot as Prometheus
// collectors under the "dream" namespace, one label series per agent.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dream-sh/dream-agent/internal/agent"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

var activeTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dream",
	Name:      "active_tasks",
	Help:      "Number of tasks currently running.",
}, []string{"agent"})

var queuedTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dream",
	Name:      "queued_tasks",
	Help:      "Number of tasks waiting for dispatch.",
}, []string{"agent"})

var blockedTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dream",
	Name:      "blocked_tasks",
	Help:      "Number of queued tasks whose resource admission was refused.",
}, []string{"agent"})

var completedTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dream",
	Name:      "completed_tasks_total",
	Help:      "Total tasks that reached the Completed state.",
}, []string{"agent"})

var failedTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dream",
	Name:      "failed_tasks_total",
	Help:      "Total tasks that reached the Failed state.",
}, []string{"agent"})

var cancelledTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dream",
	Name:      "cancelled_tasks_total",
	Help:      "Total tasks that reached the Cancelled state.",
}, []string{"agent"})

var timeoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dream",
	Name:      "timeout_total",
	Help:      "Total tasks that failed via task_timeout.",
}, []string{"agent"})

var retryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dream",
	Name:      "retry_total",
	Help:      "Total Retry calls accepted from the Failed state.",
}, []string{"agent"})

var taskSuccessRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dream",
	Name:      "task_success_rate",
	Help:      "Completed / (Completed + Failed) since the scheduler started.",
}, []string{"agent"})

// ─── Timing ─────────────────────────────────────────────────────────────────

var meanProcessingSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dream",
	Name:      "mean_processing_seconds",
	Help:      "Mean task processing duration.",
}, []string{"agent"})

var p95ProcessingSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dream",
	Name:      "p95_processing_seconds",
	Help:      "P95 task processing duration.",
}, []string{"agent"})

var p99ProcessingSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dream",
	Name:      "p99_processing_seconds",
	Help:      "P99 task processing duration.",
}, []string{"agent"})

var meanWaitSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dream",
	Name:      "mean_wait_seconds",
	Help:      "Mean time a task spent queued before dispatch.",
}, []string{"agent"})

var throughput = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dream",
	Name:      "throughput_tasks_per_second",
	Help:      "Completed tasks per second over the sampling window.",
}, []string{"agent"})

var dependencyResolutionSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dream",
	Name:      "dependency_resolution_seconds",
	Help:      "Mean time from WaitingOnDeps to Ready.",
}, []string{"agent"})

var pendingDependencies = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dream",
	Name:      "pending_dependencies",
	Help:      "Number of tasks waiting on unresolved dependencies.",
}, []string{"agent"})

// ─── Resources ──────────────────────────────────────────────────────────────

var peakMemoryBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dream",
	Name:      "peak_memory_bytes",
	Help:      "Peak memory usage observed across resource kinds.",
}, []string{"agent"})

var utilizationByKind = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dream",
	Name:      "utilization_ratio",
	Help:      "Current utilization ratio, one series per resource kind.",
}, []string{"agent", "kind"})

var loadFactor = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dream",
	Name:      "load_factor",
	Help:      "Mean utilization ratio across all resource kinds.",
}, []string{"agent"})

// agent.Metrics' Completed/Failed/Cancelled/Timeout counts are cumulative
// snapshots, not deltas — last tracks the previous snapshot per label so
// Observe can Add the increment into the Prometheus counters instead of
// overwriting them (a Counter can only move forward).
var (
	lastMu sync.Mutex
	last   = map[string]agent.Metrics{}
)

// Observe pushes one agent.Metrics snapshot into the package-level
// collectors under the given agent label (typically "kind/model_name").
// Call it on a fixed poll interval from the daemon; it is safe to call
// from multiple goroutines.
func Observe(agentLabel string, snapshot agent.Metrics) {
	lastMu.Lock()
	prev, ok := last[agentLabel]
	last[agentLabel] = snapshot
	lastMu.Unlock()
	if !ok {
		prev = agent.Metrics{}
	}

	activeTasks.WithLabelValues(agentLabel).Set(float64(snapshot.ActiveTasks))
	queuedTasks.WithLabelValues(agentLabel).Set(float64(snapshot.QueuedTasks))
	blockedTasks.WithLabelValues(agentLabel).Set(float64(snapshot.BlockedTasks))
	taskSuccessRate.WithLabelValues(agentLabel).Set(snapshot.TaskSuccessRate)

	addNonNegative(completedTasksTotal.WithLabelValues(agentLabel), snapshot.CompletedTasks-prev.CompletedTasks)
	addNonNegative(failedTasksTotal.WithLabelValues(agentLabel), snapshot.FailedTasks-prev.FailedTasks)
	addNonNegative(cancelledTasksTotal.WithLabelValues(agentLabel), snapshot.CancelledTasks-prev.CancelledTasks)
	addNonNegative(timeoutTotal.WithLabelValues(agentLabel), snapshot.TimeoutCount-prev.TimeoutCount)
	addNonNegative(retryTotal.WithLabelValues(agentLabel), snapshot.RetryCount-prev.RetryCount)

	meanProcessingSeconds.WithLabelValues(agentLabel).Set(snapshot.MeanProcessingTime.Seconds())
	p95ProcessingSeconds.WithLabelValues(agentLabel).Set(snapshot.P95ProcessingTime.Seconds())
	p99ProcessingSeconds.WithLabelValues(agentLabel).Set(snapshot.P99ProcessingTime.Seconds())
	meanWaitSeconds.WithLabelValues(agentLabel).Set(snapshot.MeanWaitTime.Seconds())
	throughput.WithLabelValues(agentLabel).Set(snapshot.Throughput)
	dependencyResolutionSeconds.WithLabelValues(agentLabel).Set(snapshot.DependencyResolutionTime.Seconds())
	pendingDependencies.WithLabelValues(agentLabel).Set(float64(snapshot.PendingDependencies))

	peakMemoryBytes.WithLabelValues(agentLabel).Set(float64(snapshot.PeakMemoryUsage))
	loadFactor.WithLabelValues(agentLabel).Set(snapshot.LoadFactor)
	for kind := 0; kind < agent.NumResourceKinds; kind++ {
		utilizationByKind.WithLabelValues(agentLabel, agent.ResourceKind(kind).String()).Set(snapshot.UtilizationByKind[kind])
	}
}

// addNonNegative guards against a restarted scheduler's counters resetting
// below their last-observed value, which would otherwise panic a Counter.
func addNonNegative(c prometheus.Counter, delta int) {
	if delta > 0 {
		c.Add(float64(delta))
	}
}
