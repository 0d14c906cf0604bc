// Package dependency implements the dependency engine: the DAG of task
// dependencies, cycle detection/breaking, timeout tracking, and pattern
// application.
//
// Cycle detection and breaking use DFS with a recursion stack, removing
// the edge whose upstream task has the lowest priority, tying on earliest
// creation time. The graph is indexed by agent.TaskId rather than pointers,
// so cycles never leave dangling references. Timeout bookkeeping uses a
// heap-based "what's due next" index (internal/infra/dsa.PriorityQueue) to
// avoid scanning every pending task on each tick.
package dependency

import (
	"sort"
	"sync"
	"time"

	"github.com/dream-sh/dream-agent/internal/agent"
	"github.com/dream-sh/dream-agent/internal/infra/dsa"
)

// taskNode is the bookkeeping the Engine keeps per registered task. It
// holds only what cycle-breaking and ready-ordering need, not full task
// state — the Agent Scheduler remains the owner of Task itself.
type taskNode struct {
	priority  agent.Priority
	createdAt time.Time
	deps      []agent.TaskDependency
	satisfied map[int]bool // index into deps already satisfied
}

// TimeoutEvent reports that a dependency edge overran its deadline.
type TimeoutEvent struct {
	Task     agent.TaskId
	Upstream agent.TaskId
	KindTag  string
	Optional bool
}

// Config configures the Engine.
type Config struct {
	// Now is an injectable clock for deterministic testing.
	Now func() time.Time
}

// DefaultConfig returns a Config with a real clock.
func DefaultConfig() Config {
	return Config{Now: time.Now}
}

// Engine is the Dependency Engine. One Engine serves one agent scheduler.
type Engine struct {
	mu    sync.Mutex
	cfg   Config
	nodes map[agent.TaskId]*taskNode

	// dependents maps an upstream task to every task that depends on it,
	// so on_complete/on_failure can walk forward through the graph.
	dependents map[agent.TaskId][]agent.TaskId

	// deadlines indexes per-edge expiry so check_timeouts need not scan
	// every node on each tick.
	deadlines *dsa.PriorityQueue

	patterns map[string]agent.DependencyPattern
}

// New creates an empty Dependency Engine.
func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:        cfg,
		nodes:      make(map[agent.TaskId]*taskNode),
		dependents: make(map[agent.TaskId][]agent.TaskId),
		deadlines:  dsa.NewPriorityQueue(dsa.DefaultPriorityQueueConfig()),
		patterns:   make(map[string]agent.DependencyPattern),
	}
}

// deadlineKey encodes a (task, dependency-index) pair as a heap key.
func deadlineKey(task agent.TaskId, depIdx int) string {
	return itoa64(uint64(task)) + ":" + itoa64(uint64(depIdx))
}

func itoa64(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for v > 0 {
		pos--
		buf[pos] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[pos:])
}

// Register adds task with its dependency set to the graph. Dependencies on
// tasks the Engine has never seen are kept as pending edges — the upstream
// may register later (registration order is not required to be
// topological).
func (e *Engine) Register(task agent.TaskId, priority agent.Priority, createdAt time.Time, deps []agent.TaskDependency) {
	e.mu.Lock()
	defer e.mu.Unlock()

	node := &taskNode{
		priority:  priority,
		createdAt: createdAt,
		deps:      append([]agent.TaskDependency(nil), deps...),
		satisfied: make(map[int]bool),
	}
	e.nodes[task] = node

	for i, d := range deps {
		e.dependents[d.Upstream] = append(e.dependents[d.Upstream], task)
		if d.Timeout > 0 {
			e.deadlines.Push(dsa.HeapItem{
				Key:         deadlineKey(task, i),
				Priority:    0,
				SubmittedAt: createdAt.Add(d.Timeout),
				Value:       TimeoutEvent{Task: task, Upstream: d.Upstream, KindTag: d.KindTag, Optional: d.Optional},
			})
		}
	}
}

// Dependencies returns a copy of task's current dependency list, reflecting
// any pattern adopted by ApplyPatterns since Register.
func (e *Engine) Dependencies(task agent.TaskId) []agent.TaskDependency {
	e.mu.Lock()
	defer e.mu.Unlock()
	node, ok := e.nodes[task]
	if !ok {
		return nil
	}
	return append([]agent.TaskDependency(nil), node.deps...)
}

// IsReady reports whether every non-optional dependency of task has been
// satisfied (the task has no outstanding blocking edges).
func (e *Engine) IsReady(task agent.TaskId) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isReadyLocked(task)
}

func (e *Engine) isReadyLocked(task agent.TaskId) bool {
	node, ok := e.nodes[task]
	if !ok {
		return true
	}
	for i, d := range node.deps {
		if d.Optional {
			continue
		}
		if !node.satisfied[i] {
			return false
		}
	}
	return true
}

// OnComplete marks every edge whose upstream is `upstream` as satisfied and
// returns the ids of dependents that became ready as a result, in ascending
// TaskId order, so simultaneously-readied dependents have a deterministic
// order. Idempotent: completing the same upstream twice
// yields no further readies.
func (e *Engine) OnComplete(upstream agent.TaskId) []agent.TaskId {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ready []agent.TaskId
	for _, dep := range e.dependents[upstream] {
		node, ok := e.nodes[dep]
		if !ok {
			continue
		}
		wasReady := e.isReadyLocked(dep)
		for i, d := range node.deps {
			if d.Upstream == upstream {
				node.satisfied[i] = true
			}
		}
		if !wasReady && e.isReadyLocked(dep) {
			ready = append(ready, dep)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	return ready
}

// OnFailure reports every dependent task that must fail as a result of
// `upstream` failing: those with a non-optional edge on it. Dependents
// whose only edge to upstream is optional are left alone (they remain
// blocked on any other non-optional deps, or become ready).
func (e *Engine) OnFailure(upstream agent.TaskId) []agent.TaskId {
	e.mu.Lock()
	defer e.mu.Unlock()

	var failed []agent.TaskId
	for _, dep := range e.dependents[upstream] {
		node, ok := e.nodes[dep]
		if !ok {
			continue
		}
		for _, d := range node.deps {
			if d.Upstream == upstream && !d.Optional {
				failed = append(failed, dep)
				break
			}
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return failed
}

// CheckTimeouts pops every dependency edge whose deadline has passed as of
// now and returns it. Edges whose task/upstream pair has since been
// satisfied are skipped (stale heap entries are simply discarded, not
// re-pushed).
func (e *Engine) CheckTimeouts(now time.Time) []TimeoutEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []TimeoutEvent
	for {
		item, ok := e.deadlines.Peek()
		if !ok || item.SubmittedAt.After(now) {
			break
		}
		e.deadlines.Pop()
		ev := item.Value.(TimeoutEvent)

		node, ok := e.nodes[ev.Task]
		if !ok {
			continue
		}
		stillPending := false
		for i, d := range node.deps {
			if d.Upstream == ev.Upstream && d.KindTag == ev.KindTag && !node.satisfied[i] {
				stillPending = true
				break
			}
		}
		if stillPending {
			out = append(out, ev)
		}
	}
	return out
}

// DetectAndBreakCycles runs DFS with a recursion stack over every
// registered task and, for each cycle found, removes the lowest-priority
// edge on the task where the cycle was detected (ties broken by the
// upstream's earliest CreatedAt). Returns one CycleBroken per edge removed.
func (e *Engine) DetectAndBreakCycles() []agent.CycleBroken {
	e.mu.Lock()
	defer e.mu.Unlock()

	visited := make(map[agent.TaskId]bool)
	recursionStack := make(map[agent.TaskId]bool)

	// Iterate tasks in ascending TaskId order for determinism.
	ids := make([]agent.TaskId, 0, len(e.nodes))
	for id := range e.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var broken []agent.CycleBroken
	for _, id := range ids {
		if visited[id] {
			continue
		}
		if e.isCyclicLocked(id, visited, recursionStack) {
			if cb, ok := e.breakCycleLocked(id); ok {
				broken = append(broken, cb)
			}
		}
	}
	return broken
}

func (e *Engine) isCyclicLocked(task agent.TaskId, visited, recursionStack map[agent.TaskId]bool) bool {
	visited[task] = true
	recursionStack[task] = true

	node := e.nodes[task]
	if node != nil {
		for _, d := range node.deps {
			if !visited[d.Upstream] {
				if e.isCyclicLocked(d.Upstream, visited, recursionStack) {
					return true
				}
			} else if recursionStack[d.Upstream] {
				return true
			}
		}
	}

	recursionStack[task] = false
	return false
}

// breakCycleLocked removes the edge whose upstream has the lowest
// priority (highest numeric Priority value — Background outranks
// Critical for removal purposes), tie-broken by the upstream's earliest
// CreatedAt.
func (e *Engine) breakCycleLocked(task agent.TaskId) (agent.CycleBroken, bool) {
	node := e.nodes[task]
	if node == nil || len(node.deps) == 0 {
		return agent.CycleBroken{}, false
	}

	worst := 0
	for i := 1; i < len(node.deps); i++ {
		a, b := node.deps[i], node.deps[worst]
		an, bn := e.nodes[a.Upstream], e.nodes[b.Upstream]
		if an == nil || bn == nil {
			continue
		}
		if betterRemovalCandidate(bn, b.Upstream, an, a.Upstream) {
			worst = i
		}
	}

	removed := node.deps[worst]
	node.deps = append(node.deps[:worst], node.deps[worst+1:]...)

	// Rebuild the satisfied index map since indices shifted.
	newSatisfied := make(map[int]bool, len(node.satisfied))
	for i, ok := range node.satisfied {
		switch {
		case i < worst:
			newSatisfied[i] = ok
		case i > worst:
			newSatisfied[i-1] = ok
		}
	}
	node.satisfied = newSatisfied

	deps := e.dependents[removed.Upstream]
	for i, d := range deps {
		if d == task {
			e.dependents[removed.Upstream] = append(deps[:i], deps[i+1:]...)
			break
		}
	}

	return agent.CycleBroken{
		RemovedUpstream: removed.Upstream,
		RemovedDependent: task,
		RemovedKindTag:  removed.KindTag,
	}, true
}

// betterRemovalCandidate reports whether candidate b's upstream is a
// better removal pick than a's: lower priority (higher numeric value)
// wins, ties broken by earliest creation.
func betterRemovalCandidate(a *taskNode, aID agent.TaskId, b *taskNode, bID agent.TaskId) bool {
	if a.priority != b.priority {
		return b.priority > a.priority
	}
	return b.createdAt.Before(a.createdAt)
}

// RegisterPattern stores a dependency pattern for later application.
func (e *Engine) RegisterPattern(pattern agent.DependencyPattern) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.patterns[pattern.Id] = pattern
}

// ApplyPatterns scans tasks with no registered dependencies and, for any
// whose resource tags match a pattern with ObservedSuccessRate > 0.8,
// adopts that pattern's template dependencies.
func (e *Engine) ApplyPatterns(resourceTagsByTask map[agent.TaskId][]agent.ResourceKind) []agent.TaskId {
	e.mu.Lock()
	defer e.mu.Unlock()

	var applied []agent.TaskId
	for task, node := range e.nodes {
		if len(node.deps) != 0 {
			continue
		}
		tags := resourceTagsByTask[task]
		for _, pattern := range e.patterns {
			if pattern.ObservedSuccessRate <= 0.8 {
				continue
			}
			if !tagsMatch(tags, pattern.RequiredResourceTags) {
				continue
			}
			node.deps = append([]agent.TaskDependency(nil), pattern.TemplateDeps...)
			node.satisfied = make(map[int]bool)
			for i, d := range node.deps {
				e.dependents[d.Upstream] = append(e.dependents[d.Upstream], task)
				if d.Timeout > 0 {
					e.deadlines.Push(dsa.HeapItem{
						Key:         deadlineKey(task, i),
						SubmittedAt: node.createdAt.Add(d.Timeout),
						Value:       TimeoutEvent{Task: task, Upstream: d.Upstream, KindTag: d.KindTag, Optional: d.Optional},
					})
				}
			}
			applied = append(applied, task)
			break
		}
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i] < applied[j] })
	return applied
}

// tagsMatch reports whether have is a superset of want: every tag the
// pattern requires must be present among the task's resource tags.
func tagsMatch(have, want []agent.ResourceKind) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[agent.ResourceKind]bool, len(have))
	for _, k := range have {
		set[k] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// Remove discards all bookkeeping for task — called once it reaches a
// terminal state and the scheduler no longer needs graph tracking for it.
func (e *Engine) Remove(task agent.TaskId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.nodes, task)
	delete(e.dependents, task)
}
