// Package scheduler implements the Agent Scheduler: the per-agent
// execution engine that composes the Resource Accountant, Device Manager,
// Dependency Engine, and Predictor into a single dispatch loop.
//
// The priority-queue shape — one slice per priority class, scanned
// lowest-class-first — gives plain FIFO-within-priority dispatch with no
// starvation-boosting or age-adjusted effective priority. Back-pressure is
// Accountant-driven admission refusal plus a flat ErrQueueFull ceiling on
// queue depth. The worker pool uses golang.org/x/sync/errgroup.SetLimit in
// place of a hand-rolled goroutine-counting semaphore, and
// github.com/sony/gobreaker wraps every callback invocation so a
// persistently failing callback stops being retried until the breaker
// resets.
package scheduler

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/dream-sh/dream-agent/internal/agent"
	"github.com/dream-sh/dream-agent/internal/agent/dependency"
	"github.com/dream-sh/dream-agent/internal/agent/device"
	"github.com/dream-sh/dream-agent/internal/agent/predictor"
	"github.com/dream-sh/dream-agent/internal/agent/resource"
)

// numPriorities is the size of agent.Priority's closed enumeration.
const numPriorities = int(agent.PriorityBackground) + 1

// Config is an agent's operating configuration (configuration
// surface).
type Config struct {
	Kind                         agent.AgentKind
	ModelName                    string
	PriorityDefault              agent.Priority
	MemoryBudget                 uint64
	WorkerConcurrency            int
	MaxQueue                     int
	TaskTimeout                  time.Duration
	DeclaredResourceRequirements []agent.ResourceRequirement

	RebalanceInterval          time.Duration
	RebalanceOverloadThreshold float64

	// Now is an injectable clock for deterministic testing.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults for every field.
func DefaultConfig() Config {
	return Config{
		PriorityDefault:            agent.PriorityMedium,
		WorkerConcurrency:          4,
		MaxQueue:                   1000,
		TaskTimeout:                5 * time.Minute,
		RebalanceInterval:          5 * time.Second,
		RebalanceOverloadThreshold: 0.8,
		Now:                        time.Now,
	}
}

// entry is the scheduler's bookkeeping for one task beyond the Task value
// itself: the cancellation signal handed to the callback and the channel
// Wait blocks on.
type entry struct {
	task       *agent.Task
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	doneOnce   sync.Once

	// userCancelled and timedOut distinguish why cancelCh was closed, since
	// the same cooperative-cancel channel signals both an explicit Cancel
	// call and a task_timeout expiry. timedOut takes precedence if both
	// are somehow set.
	userCancelled atomic.Bool
	timedOut      atomic.Bool
}

func (e *entry) cancelWorker() {
	e.cancelOnce.Do(func() { close(e.cancelCh) })
}

func (e *entry) markDone() {
	e.doneOnce.Do(func() { close(e.done) })
}

// Scheduler is the Agent Scheduler. One Scheduler serves one
// agent variant; the Device Manager it's given is shared process-wide,
// everything else is private to this scheduler.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond
	cfg  Config

	accountant *resource.Accountant
	devices    *device.Manager
	deps       *dependency.Engine
	predictor  *predictor.Predictor

	queues [numPriorities][]agent.TaskId
	tasks  map[agent.TaskId]*entry
	running map[agent.TaskId]struct{}

	breaker *gobreaker.CircuitBreaker
	pool    *errgroup.Group

	shutdownCh chan struct{}
	shutOnce   sync.Once
	startedAt  time.Time

	// metricsMu guards the counters below, separate from mu since metrics
	// readers must never block the dispatcher.
	metricsMu      sync.Mutex
	completed      int
	failed         int
	cancelled      int
	timeouts       int
	retries        int
	errorCounts    map[string]int
	recentErr      []string
	recentTasks    []agent.TaskId
	waitTimes      []time.Duration
	depResolutions []time.Duration
}

const recentErrorsCap = 32
const waitTimesCap = 256
const depResolutionsCap = 256
const recentTasksCap = 64

// New constructs a Scheduler wired to its collaborators. The Device
// Manager is expected to be process-wide and shared across schedulers;
// the Accountant, Dependency Engine, and Predictor are private to this
// one.
//
// workerKind identifies the actual worker implementation that will run
// behind this scheduler (every Submit on this Scheduler invokes a
// callback of that one variant, per the package doc). It must match
// cfg.Kind, the agent's configured variant; a mismatch means the wrong
// worker was wired to this scheduler's configuration, and New refuses to
// construct a Scheduler that would dispatch tasks to it.
func New(cfg Config, workerKind agent.AgentKind, accountant *resource.Accountant, devices *device.Manager, deps *dependency.Engine, pred *predictor.Predictor) (*Scheduler, error) {
	if workerKind != cfg.Kind {
		return nil, agent.ErrKindMismatch
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	pool := &errgroup.Group{}
	pool.SetLimit(cfg.WorkerConcurrency)

	breakerSettings := gobreaker.Settings{
		Name:        "agent-worker-" + cfg.Kind.String(),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}

	s := &Scheduler{
		cfg:         cfg,
		accountant:  accountant,
		devices:     devices,
		deps:        deps,
		predictor:   pred,
		tasks:       make(map[agent.TaskId]*entry),
		running:     make(map[agent.TaskId]struct{}),
		breaker:     gobreaker.NewCircuitBreaker(breakerSettings),
		pool:        pool,
		shutdownCh:  make(chan struct{}),
		startedAt:   cfg.Now(),
		errorCounts: make(map[string]int),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Run starts the dispatcher and rebalancer loops, blocking until Shutdown
// is called. Intended to run on its own goroutine.
func (s *Scheduler) Run() {
	go s.rebalanceLoop()
	s.dispatchLoop()
}

// Shutdown stops the dispatcher and rebalancer loops and wakes any
// blocked dispatcher wait.
func (s *Scheduler) Shutdown() {
	s.shutOnce.Do(func() {
		close(s.shutdownCh)
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
}

// Submit admits a new task into the scheduler, declaring
// resource requirements from the agent's configured defaults.
func (s *Scheduler) Submit(description string, input []byte, deps []agent.TaskDependency, priority agent.Priority, callback agent.Callback) (agent.TaskId, error) {
	return s.submitWithResources(description, input, deps, priority, callback, s.cfg.DeclaredResourceRequirements)
}

// submitWithResources is Submit's implementation, parameterized on resource
// requirements so the rebalancer can resubmit a task with a tightened
// ceiling without mutating the shared Config under concurrent Submit calls.
func (s *Scheduler) submitWithResources(description string, input []byte, deps []agent.TaskDependency, priority agent.Priority, callback agent.Callback, resources []agent.ResourceRequirement) (agent.TaskId, error) {
	s.mu.Lock()

	if s.queueDepthLocked() >= s.cfg.MaxQueue {
		s.mu.Unlock()
		return 0, agent.ErrQueueFull
	}

	id := agent.NewTaskId()
	now := s.cfg.Now()
	task := &agent.Task{
		Id:           id,
		Description:  description,
		InputPayload: input,
		Dependencies: append([]agent.TaskDependency(nil), deps...),
		Priority:     priority,
		Resources:    cloneRequirements(resources),
		Callback:     callback,
		State:        agent.WaitingOnDeps,
		CreatedAt:    now,
	}
	e := &entry{task: task, cancelCh: make(chan struct{}), done: make(chan struct{})}
	s.tasks[id] = e

	s.deps.Register(id, priority, now, task.Dependencies)

	if len(task.Dependencies) == 0 {
		applied := s.deps.ApplyPatterns(map[agent.TaskId][]agent.ResourceKind{id: resourceKindsOf(resources)})
		if len(applied) > 0 {
			task.Dependencies = s.deps.Dependencies(id)
		}
	}

	if s.deps.IsReady(id) {
		s.recordDepResolution(0)
		s.admitAndEnqueueLocked(e)
	}

	s.mu.Unlock()
	return id, nil
}

// resourceKindsOf extracts the distinct resource kinds a task declares, for
// matching against a dependency pattern's RequiredResourceTags.
func resourceKindsOf(reqs []agent.ResourceRequirement) []agent.ResourceKind {
	kinds := make([]agent.ResourceKind, len(reqs))
	for i, r := range reqs {
		kinds[i] = r.Kind
	}
	return kinds
}

// admitAndEnqueueLocked transitions a dependency-satisfied task into either
// the dispatch queue (admission granted) or a blocked Queued state
// (admission refused). Caller holds s.mu.
func (s *Scheduler) admitAndEnqueueLocked(e *entry) {
	task := e.task
	if s.accountant.Admit(task.Resources) {
		s.accountant.RecordAllocation(task.Id, task.Resources)
		task.State = agent.Ready
		task.Blocked = false
		s.queues[task.Priority] = append(s.queues[task.Priority], task.Id)
		s.cond.Signal()
	} else {
		task.State = agent.Queued
		task.Blocked = true
	}
}

// meanDuration averages a bounded duration ring, returning 0 for an empty
// one rather than dividing by zero.
func meanDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

func cloneRequirements(reqs []agent.ResourceRequirement) []agent.ResourceRequirement {
	return append([]agent.ResourceRequirement(nil), reqs...)
}

func (s *Scheduler) queueDepthLocked() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// Cancel removes task from any queue or running set. A queued task is
// removed synchronously; a running task is signaled to stop cooperatively
// and reaches Cancelled once its worker returns.
func (s *Scheduler) Cancel(id agent.TaskId) error {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return agent.ErrUnknownTask
	}
	if e.task.State.IsTerminal() {
		s.mu.Unlock()
		return nil
	}

	_, wasRunning := s.running[id]
	if !wasRunning {
		s.removeFromQueueLocked(id)
		e.task.State = agent.Cancelled
		now := s.cfg.Now()
		e.task.CompletedAt = now
		s.recordTerminal(agent.Cancelled, "")
		s.recordRecentTask(id)
		e.markDone()
	}
	s.mu.Unlock()

	if wasRunning {
		e.userCancelled.Store(true)
		e.cancelWorker()
		return nil
	}

	s.accountant.RecordRelease(id)
	s.devices.Release(id)
	ready := s.deps.OnFailure(id)
	s.deps.Remove(id)
	s.failDependents(ready, id)
	return nil
}

func (s *Scheduler) removeFromQueueLocked(id agent.TaskId) {
	for p := range s.queues {
		q := s.queues[p]
		for i, qid := range q {
			if qid == id {
				s.queues[p] = append(q[:i], q[i+1:]...)
				return
			}
		}
	}
}

// Retry re-enters a Failed task into the queue, incrementing retry_count.
// Legal only in the Failed state.
func (s *Scheduler) Retry(id agent.TaskId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return agent.ErrUnknownTask
	}
	if e.task.State != agent.Failed {
		return agent.ErrInvalidTransition
	}

	e.task.RetryCount++
	e.task.StartedAt = time.Time{}
	e.task.CompletedAt = time.Time{}
	e.task.Result = nil
	e.cancelCh = make(chan struct{})
	e.done = make(chan struct{})
	e.cancelOnce = sync.Once{}
	e.doneOnce = sync.Once{}

	s.metricsMu.Lock()
	s.retries++
	s.metricsMu.Unlock()

	if s.deps.IsReady(id) {
		s.admitAndEnqueueLocked(e)
	} else {
		e.task.State = agent.WaitingOnDeps
	}
	return nil
}

// IsCompleted reports whether id has reached any terminal state.
func (s *Scheduler) IsCompleted(id agent.TaskId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return false, agent.ErrUnknownTask
	}
	return e.task.State.IsTerminal(), nil
}

// Wait blocks until id reaches a terminal state and returns a copy of the
// final task record.
func (s *Scheduler) Wait(id agent.TaskId) (agent.Task, error) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return agent.Task{}, agent.ErrUnknownTask
	}

	<-e.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return *e.task, nil
}

// dispatchLoop pops the highest-priority admissible task and runs it,
// blocking on the condition variable when nothing is dispatchable. The
// worker-pool handoff happens after s.mu is released: s.pool.Go blocks once
// WorkerConcurrency is saturated, and a finishing task needs s.mu to record
// its own completion, so launching it under lock would deadlock the pool.
func (s *Scheduler) dispatchLoop() {
	for {
		s.mu.Lock()
		var work func() error
		for {
			select {
			case <-s.shutdownCh:
				s.mu.Unlock()
				return
			default:
			}
			if len(s.running) >= s.cfg.WorkerConcurrency {
				s.cond.Wait()
				continue
			}
			e, found := s.popDispatchableLocked()
			if found {
				work = s.startTaskLocked(e)
				break
			}
			s.cond.Wait()
		}
		s.mu.Unlock()
		s.pool.Go(work)
	}
}

// popDispatchableLocked scans the priority queues lowest-class-first and
// returns the first task whose resource requirements still clear their
// ceiling at current utilization — re-verifying admission since
// utilization may have drifted since admission-at-submit (step
// 2). Tasks that fail re-verification are left in place for a later
// rebalance tick to retry.
func (s *Scheduler) popDispatchableLocked() (*entry, bool) {
	for p := 0; p < numPriorities; p++ {
		q := s.queues[p]
		for i, id := range q {
			e, ok := s.tasks[id]
			if !ok {
				s.queues[p] = append(q[:i], q[i+1:]...)
				return s.popDispatchableLocked()
			}
			if s.fitsCeilingLocked(e.task.Resources) {
				s.queues[p] = append(q[:i:i], q[i+1:]...)
				return e, true
			}
		}
	}
	return nil, false
}

func (s *Scheduler) fitsCeilingLocked(reqs []agent.ResourceRequirement) bool {
	for _, r := range reqs {
		if s.accountant.Utilization(r.Kind) > r.UtilizationCeiling {
			return false
		}
	}
	return true
}

// startTaskLocked transitions e to Running and returns the work thunk the
// caller hands to the bounded worker pool once s.mu is released. The
// callback itself always executes with the lock released (a callback
// "callbacks execute outside locks").
func (s *Scheduler) startTaskLocked(e *entry) func() error {
	task := e.task
	now := s.cfg.Now()
	task.State = agent.Running
	task.StartedAt = now
	s.running[task.Id] = struct{}{}
	s.recordWait(task.WaitDuration())

	memReq := memoryRequirement(task.Resources)
	deviceId, _, err := s.devices.Schedule(task.Id, memReq)
	if err == nil {
		s.devices.MarkRunning(task.Id)
		if task.Metadata == nil {
			task.Metadata = make(map[string]string)
		}
		task.Metadata["device_id"] = deviceId
	}

	var timeoutTimer *time.Timer
	if s.cfg.TaskTimeout > 0 {
		timeoutTimer = time.AfterFunc(s.cfg.TaskTimeout, func() {
			e.timedOut.Store(true)
			e.cancelWorker()
			s.mu.Lock()
			if _, stillRunning := s.running[task.Id]; stillRunning {
				task.ErrorMessages = append(task.ErrorMessages, "task exceeded task_timeout")
			}
			s.mu.Unlock()
		})
	}

	return func() error {
		result, callErr := s.invokeCallback(e)
		if timeoutTimer != nil {
			timeoutTimer.Stop()
		}
		s.finishTask(e, result, callErr)
		return nil
	}
}

func memoryRequirement(reqs []agent.ResourceRequirement) uint64 {
	var total uint64
	for _, r := range reqs {
		if r.Kind == agent.GpuMemory {
			total += r.Amount
		}
	}
	return total
}

// invokeCallback runs task.Callback through the circuit breaker, isolating
// the scheduler from a worker that is failing repeatedly.
func (s *Scheduler) invokeCallback(e *entry) ([]byte, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return e.task.Callback(agent.CallbackContext{
			TaskId:  e.task.Id,
			Payload: e.task.InputPayload,
			Cancel:  e.cancelCh,
		})
	})
	if out == nil {
		return nil, err
	}
	return out.([]byte), err
}

// finishTask records a callback's outcome, releases resources, and
// propagates completion or failure through the Dependency Engine. Runs
// without s.mu held for the callback itself.
func (s *Scheduler) finishTask(e *entry, result []byte, callErr error) {
	task := e.task

	s.mu.Lock()
	now := s.cfg.Now()
	delete(s.running, task.Id)
	task.CompletedAt = now

	switch {
	case e.timedOut.Load():
		task.State = agent.Failed
		task.ErrorMessages = append(task.ErrorMessages, agent.ErrTimedOut.Error())
		s.recordTerminal(agent.Failed, "TimedOut")
	case e.userCancelled.Load():
		task.State = agent.Cancelled
		s.recordTerminal(agent.Cancelled, "")
	case callErr != nil:
		task.State = agent.Failed
		werr := agent.WorkerError{TaskId: task.Id, Payload: string(result), Cause: callErr}
		task.ErrorMessages = append(task.ErrorMessages, werr.Error())
		s.recordTerminal(agent.Failed, "WorkerError")
	default:
		task.State = agent.Completed
		task.Result = result
		s.recordTerminal(agent.Completed, "")
	}
	s.recordRecentTask(task.Id)
	state := task.State
	taskId := task.Id
	s.cond.Signal() // a worker slot just freed; wake the dispatcher
	s.mu.Unlock()

	s.accountant.RecordRelease(taskId)
	s.devices.Release(taskId)
	s.predictor.ObserveCompletion(task.Duration())

	var ready []agent.TaskId
	if state == agent.Completed {
		ready = s.deps.OnComplete(taskId)
	} else {
		ready = s.deps.OnFailure(taskId)
	}
	s.deps.Remove(taskId)
	e.markDone()

	if state != agent.Completed {
		s.failDependents(ready, taskId)
		return
	}

	s.mu.Lock()
	readyAt := s.cfg.Now()
	for _, depId := range ready {
		if de, ok := s.tasks[depId]; ok && de.task.State == agent.WaitingOnDeps {
			de.task.State = agent.Ready
			s.recordDepResolution(readyAt.Sub(de.task.CreatedAt))
			s.admitAndEnqueueLocked(de)
		}
	}
	s.cond.Signal()
	s.mu.Unlock()
}

// failDependents cascades UpstreamFailed onto every dependent OnFailure
// reported, recursing through the graph via each dependent's own failure.
func (s *Scheduler) failDependents(dependents []agent.TaskId, upstream agent.TaskId) {
	s.mu.Lock()
	var toFail []*entry
	for _, id := range dependents {
		e, ok := s.tasks[id]
		if !ok || e.task.State.IsTerminal() {
			continue
		}
		s.removeFromQueueLocked(id)
		now := s.cfg.Now()
		e.task.State = agent.Failed
		e.task.CompletedAt = now
		uf := agent.UpstreamFailed{Upstream: upstream, Reason: agent.ErrUpstreamDependency}
		e.task.ErrorMessages = append(e.task.ErrorMessages, uf.Error())
		s.recordTerminal(agent.Failed, "UpstreamFailed")
		s.recordRecentTask(id)
		toFail = append(toFail, e)
	}
	s.mu.Unlock()

	for _, e := range toFail {
		s.accountant.RecordRelease(e.task.Id)
		s.devices.Release(e.task.Id)
		e.markDone()
		cascaded := s.deps.OnFailure(e.task.Id)
		s.deps.Remove(e.task.Id)
		s.failDependents(cascaded, e.task.Id)
	}
}

// rebalanceLoop fires every RebalanceInterval until Shutdown.
func (s *Scheduler) rebalanceLoop() {
	interval := s.cfg.RebalanceInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			s.Rebalance()
		}
	}
}

// Rebalance recomputes load_factor, redistributes tasks touching
// overloaded kinds, triggers cycle/timeout detection, and advances the
// Accountant and Predictor (background rebalancer).
func (s *Scheduler) Rebalance() {
	overloaded := s.accountant.Overloaded(s.cfg.RebalanceOverloadThreshold)
	overloadedSet := make(map[agent.ResourceKind]bool, len(overloaded))
	for _, k := range overloaded {
		overloadedSet[k] = true
	}

	s.mu.Lock()
	var toRedistribute []agent.TaskId
	for p := range s.queues {
		for _, id := range s.queues[p] {
			e := s.tasks[id]
			if e == nil {
				continue
			}
			if touchesOverloaded(e.task.Resources, overloadedSet) {
				toRedistribute = append(toRedistribute, id)
			}
		}
	}
	// Also retry admission for blocked-but-ready tasks.
	var toRetryAdmission []*entry
	for _, e := range s.tasks {
		if e.task.State == agent.Queued && e.task.Blocked && s.deps.IsReady(e.task.Id) {
			toRetryAdmission = append(toRetryAdmission, e)
		}
	}
	for _, e := range toRetryAdmission {
		s.admitAndEnqueueLocked(e)
	}
	s.mu.Unlock()

	for _, id := range toRedistribute {
		s.redistributeWithTightenedCeiling(id)
	}

	for _, broken := range s.deps.DetectAndBreakCycles() {
		s.mu.Lock()
		if e, ok := s.tasks[broken.RemovedDependent]; ok {
			if e.task.Metadata == nil {
				e.task.Metadata = make(map[string]string)
			}
			e.task.Metadata["cycle_broken_edge"] = broken.String()
		}
		s.mu.Unlock()
	}

	for _, ev := range s.deps.CheckTimeouts(s.cfg.Now()) {
		s.mu.Lock()
		_, ok := s.tasks[ev.Task]
		s.mu.Unlock()
		if ok {
			s.failDependents([]agent.TaskId{ev.Task}, ev.Upstream)
		}
	}

	s.accountant.Sample()
	s.accountant.AdjustLimits()
	s.predictor.RefreshAll()

	s.devices.Rebalance()
	s.checkStaleLiveTasks()
}

// checkStaleLiveTasks asserts that no task this scheduler has already
// terminated still holds a live device allocation. The Device Manager is
// shared process-wide, so a live task id this scheduler has never seen
// belongs to another scheduler and is not this check's concern; a live task
// id this scheduler does recognize as terminal means Release was missed
// somewhere on the completion path. Logged, not a silent no-op, since it
// signals a resource leak rather than a condition this scheduler can repair
// on its own.
func (s *Scheduler) checkStaleLiveTasks() {
	s.mu.Lock()
	var stale []agent.TaskId
	for _, id := range s.devices.LiveTaskIds() {
		if e, ok := s.tasks[id]; ok && e.task.State.IsTerminal() {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		log.Printf("scheduler %s: stale live-task entry for terminal task %d", s.cfg.Kind, id)
	}
}

func touchesOverloaded(reqs []agent.ResourceRequirement, overloaded map[agent.ResourceKind]bool) bool {
	for _, r := range reqs {
		if overloaded[r.Kind] {
			return true
		}
	}
	return false
}

// redistributeWithTightenedCeiling cancels and resubmits a not-yet-running
// task with its utilization_ceiling multiplied by 0.8.
func (s *Scheduler) redistributeWithTightenedCeiling(id agent.TaskId) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok || e.task.State.IsTerminal() {
		s.mu.Unlock()
		return
	}
	if _, running := s.running[id]; running {
		s.mu.Unlock()
		return
	}
	task := e.task
	s.removeFromQueueLocked(id)
	s.accountant.RecordRelease(id)
	tightened := make([]agent.ResourceRequirement, len(task.Resources))
	for i, r := range task.Resources {
		tightened[i] = r
		tightened[i].UtilizationCeiling *= 0.8
	}
	desc, input, deps, priority, cb := task.Description, task.InputPayload, task.Dependencies, task.Priority, task.Callback
	delete(s.tasks, id)
	s.deps.Remove(id)
	s.mu.Unlock()

	s.submitWithResources(desc, input, deps, priority, cb, tightened)
}

func (s *Scheduler) recordTerminal(state agent.State, reason string) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	switch state {
	case agent.Completed:
		s.completed++
	case agent.Failed:
		s.failed++
		if reason == "TimedOut" {
			s.timeouts++
		}
		if reason != "" {
			s.errorCounts[reason]++
			s.recentErr = append(s.recentErr, reason)
			if len(s.recentErr) > recentErrorsCap {
				s.recentErr = s.recentErr[len(s.recentErr)-recentErrorsCap:]
			}
		}
	case agent.Cancelled:
		s.cancelled++
	}
}

// recordRecentTask appends id to the bounded ring of recently terminated
// tasks reported by Metrics.
func (s *Scheduler) recordRecentTask(id agent.TaskId) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	s.recentTasks = append(s.recentTasks, id)
	if len(s.recentTasks) > recentTasksCap {
		s.recentTasks = s.recentTasks[len(s.recentTasks)-recentTasksCap:]
	}
}

// recordWait appends a task's queued-before-dispatch duration to the
// bounded ring Metrics averages into MeanWaitTime.
func (s *Scheduler) recordWait(d time.Duration) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	s.waitTimes = append(s.waitTimes, d)
	if len(s.waitTimes) > waitTimesCap {
		s.waitTimes = s.waitTimes[len(s.waitTimes)-waitTimesCap:]
	}
}

// recordDepResolution appends a task's WaitingOnDeps-to-Ready duration to
// the bounded ring Metrics averages into DependencyResolutionTime.
func (s *Scheduler) recordDepResolution(d time.Duration) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	s.depResolutions = append(s.depResolutions, d)
	if len(s.depResolutions) > depResolutionsCap {
		s.depResolutions = s.depResolutions[len(s.depResolutions)-depResolutionsCap:]
	}
}

// Metrics returns a point-in-time snapshot (metrics
// sink fields).
func (s *Scheduler) Metrics() agent.Metrics {
	s.mu.Lock()
	var active, queued, blocked, waiting int
	for _, e := range s.tasks {
		switch e.task.State {
		case agent.Running:
			active++
		case agent.Ready:
			queued++
		case agent.Queued:
			if e.task.Blocked {
				blocked++
			}
		case agent.WaitingOnDeps:
			waiting++
		}
	}
	loadFactor := s.accountant.LoadFactor()
	s.mu.Unlock()

	s.metricsMu.Lock()
	completed := s.completed
	failed := s.failed
	cancelled := s.cancelled
	timeouts := s.timeouts
	retries := s.retries
	errCounts := make(map[string]int, len(s.errorCounts))
	for k, v := range s.errorCounts {
		errCounts[k] = v
	}
	recentErr := append([]string(nil), s.recentErr...)
	recentTasks := append([]agent.TaskId(nil), s.recentTasks...)
	meanWait := meanDuration(s.waitTimes)
	meanDepResolution := meanDuration(s.depResolutions)
	s.metricsMu.Unlock()

	var successRate float64
	if completed+failed > 0 {
		successRate = float64(completed) / float64(completed+failed)
	}

	// Task-completion outliers feed operational reporting, not the
	// returned snapshot itself; that series is kept separate from
	// the forecast loop.
	meanCompletion, _ := s.predictor.CompletionStats()
	p95Completion, p99Completion := s.predictor.CompletionPercentiles()

	var util [agent.NumResourceKinds]float64
	var peakMem uint64
	for k := 0; k < agent.NumResourceKinds; k++ {
		kind := agent.ResourceKind(k)
		util[k] = s.accountant.Utilization(kind)
		if snap := s.accountant.Snapshot(kind); snap.Peak > peakMem {
			peakMem = snap.Peak
		}
	}

	elapsed := s.cfg.Now().Sub(s.startedAt).Seconds()
	var throughput float64
	if elapsed > 0 {
		throughput = float64(completed) / elapsed
	}

	return agent.Metrics{
		ActiveTasks:              active,
		CompletedTasks:           completed,
		FailedTasks:              failed,
		QueuedTasks:              queued,
		CancelledTasks:           cancelled,
		BlockedTasks:             blocked,
		TimeoutCount:             timeouts,
		RetryCount:               retries,
		TaskSuccessRate:          successRate,
		MeanProcessingTime:       meanCompletion,
		P95ProcessingTime:        p95Completion,
		P99ProcessingTime:        p99Completion,
		MeanWaitTime:             meanWait,
		DependencyResolutionTime: meanDepResolution,
		Throughput:               throughput,
		PeakMemoryUsage:          peakMem,
		UtilizationByKind:        util,
		PendingDependencies:      waiting,
		RecentErrors:             recentErr,
		ErrorCounts:              errCounts,
		RecentTasks:         recentTasks,
		LoadFactor:          loadFactor,
		LastUpdate:          s.cfg.Now(),
	}
}
