package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dream-sh/dream-agent/internal/agent"
)

func gatheredNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestObserveRegistersAllFamilies(t *testing.T) {
	Observe("reasoning/default", agent.Metrics{
		ActiveTasks:        2,
		QueuedTasks:        1,
		CompletedTasks:     5,
		FailedTasks:        1,
		MeanProcessingTime: 250 * time.Millisecond,
		LoadFactor:         0.42,
	})

	names := gatheredNames(t)
	expected := []string{
		"dream_active_tasks",
		"dream_queued_tasks",
		"dream_completed_tasks_total",
		"dream_failed_tasks_total",
		"dream_mean_processing_seconds",
		"dream_load_factor",
		"dream_utilization_ratio",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestObserveCountersAreMonotonicDeltas(t *testing.T) {
	label := "embodied/grip-v1"
	Observe(label, agent.Metrics{CompletedTasks: 3})
	Observe(label, agent.Metrics{CompletedTasks: 7})

	got := testutilCounterValue(t, completedTasksTotal.WithLabelValues(label))
	if got != 7 {
		t.Errorf("completedTasksTotal = %v, want 7 (3 + delta of 4)", got)
	}
}

func TestObserveIgnoresRegressingCounters(t *testing.T) {
	label := "knowledge_llm/restarted"
	Observe(label, agent.Metrics{FailedTasks: 10})
	// A restarted scheduler reports a lower cumulative count than before;
	// the Prometheus counter must never move backward.
	Observe(label, agent.Metrics{FailedTasks: 2})

	got := testutilCounterValue(t, failedTasksTotal.WithLabelValues(label))
	if got != 10 {
		t.Errorf("failedTasksTotal = %v, want 10 (regression ignored)", got)
	}
}

func testutilCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}
