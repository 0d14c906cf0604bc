package dependency

import (
	"testing"
	"time"

	"github.com/dream-sh/dream-agent/internal/agent"
)

func TestEngine_RegisterAndIsReadyWithNoDeps(t *testing.T) {
	e := New(DefaultConfig())
	e.Register(1, agent.PriorityHigh, time.Unix(0, 0), nil)

	if !e.IsReady(1) {
		t.Error("task with no dependencies should be immediately ready")
	}
}

func TestEngine_OnCompleteUnblocksDependent(t *testing.T) {
	e := New(DefaultConfig())
	base := time.Unix(0, 0)
	e.Register(1, agent.PriorityHigh, base, nil)
	e.Register(2, agent.PriorityHigh, base, []agent.TaskDependency{
		{Upstream: 1, KindTag: "data"},
	})

	if e.IsReady(2) {
		t.Fatal("task 2 should not be ready before task 1 completes")
	}

	ready := e.OnComplete(1)
	if len(ready) != 1 || ready[0] != 2 {
		t.Fatalf("OnComplete = %v, want [2]", ready)
	}
	if !e.IsReady(2) {
		t.Error("task 2 should be ready after its only dependency completes")
	}
}

func TestEngine_OnCompleteIsIdempotent(t *testing.T) {
	e := New(DefaultConfig())
	base := time.Unix(0, 0)
	e.Register(1, agent.PriorityHigh, base, nil)
	e.Register(2, agent.PriorityHigh, base, []agent.TaskDependency{{Upstream: 1}})

	first := e.OnComplete(1)
	second := e.OnComplete(1)

	if len(first) != 1 {
		t.Fatalf("first OnComplete = %v, want one ready task", first)
	}
	if len(second) != 0 {
		t.Errorf("second OnComplete = %v, want none (already satisfied)", second)
	}
}

func TestEngine_OptionalDependencyDoesNotBlockReadiness(t *testing.T) {
	e := New(DefaultConfig())
	base := time.Unix(0, 0)
	e.Register(1, agent.PriorityHigh, base, nil)
	e.Register(2, agent.PriorityHigh, base, []agent.TaskDependency{
		{Upstream: 1, Optional: true},
	})

	if !e.IsReady(2) {
		t.Error("task with only an optional, unsatisfied dependency should be ready")
	}
}

func TestEngine_AscendingTaskIdOrderForSimultaneousReadies(t *testing.T) {
	e := New(DefaultConfig())
	base := time.Unix(0, 0)
	e.Register(1, agent.PriorityHigh, base, nil)
	e.Register(30, agent.PriorityHigh, base, []agent.TaskDependency{{Upstream: 1}})
	e.Register(5, agent.PriorityHigh, base, []agent.TaskDependency{{Upstream: 1}})
	e.Register(12, agent.PriorityHigh, base, []agent.TaskDependency{{Upstream: 1}})

	ready := e.OnComplete(1)
	want := []agent.TaskId{5, 12, 30}
	if len(ready) != len(want) {
		t.Fatalf("OnComplete = %v, want %v", ready, want)
	}
	for i := range want {
		if ready[i] != want[i] {
			t.Errorf("OnComplete[%d] = %d, want %d", i, ready[i], want[i])
		}
	}
}

func TestEngine_OnFailurePropagatesToNonOptionalDependents(t *testing.T) {
	e := New(DefaultConfig())
	base := time.Unix(0, 0)
	e.Register(1, agent.PriorityHigh, base, nil)
	e.Register(2, agent.PriorityHigh, base, []agent.TaskDependency{{Upstream: 1}})
	e.Register(3, agent.PriorityHigh, base, []agent.TaskDependency{{Upstream: 1, Optional: true}})

	failed := e.OnFailure(1)
	if len(failed) != 1 || failed[0] != 2 {
		t.Fatalf("OnFailure = %v, want [2] (task 3's dependency is optional)", failed)
	}
}

func TestEngine_CheckTimeoutsFiresOnlyAfterDeadline(t *testing.T) {
	e := New(DefaultConfig())
	base := time.Unix(0, 0)
	e.Register(1, agent.PriorityHigh, base, nil)
	e.Register(2, agent.PriorityHigh, base, []agent.TaskDependency{
		{Upstream: 1, KindTag: "data", Timeout: 10 * time.Second},
	})

	before := e.CheckTimeouts(base.Add(5 * time.Second))
	if len(before) != 0 {
		t.Fatalf("CheckTimeouts before deadline = %v, want none", before)
	}

	after := e.CheckTimeouts(base.Add(11 * time.Second))
	if len(after) != 1 || after[0].Task != 2 || after[0].Upstream != 1 {
		t.Fatalf("CheckTimeouts after deadline = %v, want one event for task 2/upstream 1", after)
	}
}

func TestEngine_CheckTimeoutsSkipsAlreadySatisfiedEdges(t *testing.T) {
	e := New(DefaultConfig())
	base := time.Unix(0, 0)
	e.Register(1, agent.PriorityHigh, base, nil)
	e.Register(2, agent.PriorityHigh, base, []agent.TaskDependency{
		{Upstream: 1, Timeout: 10 * time.Second},
	})

	e.OnComplete(1)

	events := e.CheckTimeouts(base.Add(20 * time.Second))
	if len(events) != 0 {
		t.Errorf("CheckTimeouts = %v, want none (dependency already satisfied)", events)
	}
}

func TestEngine_DetectAndBreakCyclesRemovesLowestPriorityEdge(t *testing.T) {
	e := New(DefaultConfig())
	base := time.Unix(0, 0)
	// 1 -> 2 -> 1 cycle. Task 1 depends on task 2 (low priority edge),
	// task 2 depends on task 1 (high priority edge). The cycle must be
	// broken by removing the edge whose upstream has the lowest priority.
	e.Register(1, agent.PriorityCritical, base, []agent.TaskDependency{{Upstream: 2, KindTag: "low"}})
	e.Register(2, agent.PriorityBackground, base, []agent.TaskDependency{{Upstream: 1, KindTag: "high"}})

	broken := e.DetectAndBreakCycles()
	if len(broken) != 1 {
		t.Fatalf("DetectAndBreakCycles = %v, want exactly one break", broken)
	}
	// Task 2 (Background, the lowest priority) should be the edge removed
	// — i.e. the edge on whichever task references the Background task as
	// its upstream.
	if broken[0].RemovedUpstream != 2 {
		t.Errorf("removed upstream = %d, want 2 (lowest priority task)", broken[0].RemovedUpstream)
	}

	more := e.DetectAndBreakCycles()
	if len(more) != 0 {
		t.Errorf("second pass found %v, cycle should already be broken", more)
	}
}

func TestEngine_DetectAndBreakCyclesNoCycleIsNoop(t *testing.T) {
	e := New(DefaultConfig())
	base := time.Unix(0, 0)
	e.Register(1, agent.PriorityHigh, base, nil)
	e.Register(2, agent.PriorityHigh, base, []agent.TaskDependency{{Upstream: 1}})

	broken := e.DetectAndBreakCycles()
	if len(broken) != 0 {
		t.Errorf("DetectAndBreakCycles on an acyclic graph = %v, want none", broken)
	}
}

func TestEngine_ApplyPatternsAdoptsHighSuccessPattern(t *testing.T) {
	e := New(DefaultConfig())
	base := time.Unix(0, 0)
	e.Register(1, agent.PriorityHigh, base, nil)
	e.Register(2, agent.PriorityHigh, base, nil) // no deps yet

	e.RegisterPattern(agent.DependencyPattern{
		Id:                  "p1",
		TemplateDeps:        []agent.TaskDependency{{Upstream: 1, KindTag: "warm"}},
		ObservedSuccessRate: 0.95,
		RequiredResourceTags: []agent.ResourceKind{agent.GpuCompute},
	})

	applied := e.ApplyPatterns(map[agent.TaskId][]agent.ResourceKind{
		2: {agent.GpuCompute},
	})
	if len(applied) != 1 || applied[0] != 2 {
		t.Fatalf("ApplyPatterns = %v, want [2]", applied)
	}
	if e.IsReady(2) {
		t.Error("task 2 should now block on the pattern's template dependency")
	}
	deps := e.Dependencies(2)
	if len(deps) != 1 || deps[0].Upstream != 1 || deps[0].KindTag != "warm" {
		t.Errorf("Dependencies(2) = %v, want [{Upstream:1 KindTag:warm}]", deps)
	}
}

func TestEngine_TagsMatchRequiresFullSubset(t *testing.T) {
	e := New(DefaultConfig())
	base := time.Unix(0, 0)
	e.Register(1, agent.PriorityHigh, base, nil)
	e.Register(2, agent.PriorityHigh, base, nil)

	e.RegisterPattern(agent.DependencyPattern{
		Id:                   "p1",
		TemplateDeps:         []agent.TaskDependency{{Upstream: 1}},
		ObservedSuccessRate:  0.95,
		RequiredResourceTags: []agent.ResourceKind{agent.GpuCompute, agent.GpuMemory},
	})

	// Task 2 only has one of the two required tags: must not match.
	applied := e.ApplyPatterns(map[agent.TaskId][]agent.ResourceKind{2: {agent.GpuCompute}})
	if len(applied) != 0 {
		t.Errorf("ApplyPatterns = %v, want none (task lacks GpuMemory tag)", applied)
	}
}

func TestEngine_ApplyPatternsSkipsLowSuccessPattern(t *testing.T) {
	e := New(DefaultConfig())
	base := time.Unix(0, 0)
	e.Register(1, agent.PriorityHigh, base, nil)
	e.Register(2, agent.PriorityHigh, base, nil)

	e.RegisterPattern(agent.DependencyPattern{
		Id:                  "p1",
		TemplateDeps:        []agent.TaskDependency{{Upstream: 1}},
		ObservedSuccessRate: 0.5,
		RequiredResourceTags: []agent.ResourceKind{agent.GpuCompute},
	})

	applied := e.ApplyPatterns(map[agent.TaskId][]agent.ResourceKind{2: {agent.GpuCompute}})
	if len(applied) != 0 {
		t.Errorf("ApplyPatterns = %v, want none (success rate below 0.8 threshold)", applied)
	}
}

func TestEngine_RemoveDiscardsBookkeeping(t *testing.T) {
	e := New(DefaultConfig())
	base := time.Unix(0, 0)
	e.Register(1, agent.PriorityHigh, base, nil)
	e.Register(2, agent.PriorityHigh, base, []agent.TaskDependency{{Upstream: 1}})

	e.Remove(2)
	ready := e.OnComplete(1)
	if len(ready) != 0 {
		t.Errorf("OnComplete after Remove = %v, want none", ready)
	}
}
