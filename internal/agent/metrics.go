package agent

import "time"

// Metrics is a point-in-time snapshot handed to a scheduler's metrics sink.
// Distributional fields are computed from task history at snapshot time,
// not maintained incrementally.
type Metrics struct {
	ActiveTasks    int
	CompletedTasks int
	FailedTasks    int
	QueuedTasks    int
	CancelledTasks int
	BlockedTasks   int
	TimeoutCount   int
	RetryCount     int

	TaskSuccessRate float64

	MeanProcessingTime time.Duration
	P95ProcessingTime  time.Duration
	P99ProcessingTime  time.Duration
	MeanWaitTime       time.Duration
	Throughput         float64 // completed tasks per second over the sampling window

	PeakMemoryUsage uint64
	UtilizationByKind [NumResourceKinds]float64
	LoadFactor        float64

	// DependencyResolutionTime is the mean time from WaitingOnDeps to Ready.
	DependencyResolutionTime time.Duration
	PendingDependencies      int

	RecentErrors []string
	ErrorCounts  map[string]int

	// RecentTasks is a bounded ring of the last task ids that reached a
	// terminal state, kept purely for operational inspection, not used for
	// scheduling.
	RecentTasks []TaskId

	LastUpdate time.Time
}
