package agent

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	ErrQueueFull          = errors.New("submit rejected: queue at max_queue depth")
	ErrUnknownTask        = errors.New("operation references a task not in the scheduler")
	ErrInvalidTransition  = errors.New("invalid state transition for this task")
	ErrResourceExhausted  = errors.New("admission refused: resource ceiling would be exceeded")
	ErrTimedOut           = errors.New("worker exceeded task_timeout")
	ErrNoCapacity         = errors.New("device manager could not place task: no device has capacity")
	ErrCircuitOpen        = errors.New("worker circuit breaker is open")
	ErrKindMismatch       = errors.New("agent config kind does not match worker type")
	ErrUpstreamDependency = errors.New("non-optional upstream dependency did not complete")
)

// UpstreamFailed is surfaced to a dependent task when a non-optional
// upstream dependency failed or timed out.
type UpstreamFailed struct {
	Upstream TaskId
	Reason   error
}

func (e *UpstreamFailed) Error() string {
	return fmt.Sprintf("upstream failed: %d", e.Upstream)
}

func (e *UpstreamFailed) Unwrap() error { return e.Reason }

// WorkerError wraps an opaque failure reason returned by a worker callback.
type WorkerError struct {
	TaskId  TaskId
	Payload string
	Cause   error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error on task %d: %s", e.TaskId, e.Payload)
}

func (e *WorkerError) Unwrap() error { return e.Cause }

// CycleBroken is an informational event, never returned as an error to
// callers — the dependency engine logs it and removes one edge.
type CycleBroken struct {
	RemovedUpstream   TaskId
	RemovedDependent  TaskId
	RemovedKindTag    string
}

func (c CycleBroken) String() string {
	return fmt.Sprintf("cycle broken: removed edge %d -> %d (%s)",
		c.RemovedUpstream, c.RemovedDependent, c.RemovedKindTag)
}
