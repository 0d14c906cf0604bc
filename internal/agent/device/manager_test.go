package device

import (
	"testing"

	"github.com/dream-sh/dream-agent/internal/agent"
)

func TestManager_SelectDevicePicksLowestLoadRatio(t *testing.T) {
	m := New()
	m.Initialize(2, 4, 1000)

	// Each placement takes the least-loaded device (ties to the lowest id),
	// so three placements leave device-0 with two active streams and
	// device-1 with one.
	for i := 0; i < 3; i++ {
		if _, _, err := m.Schedule(agent.TaskId(i+1), 10); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	id, err := m.SelectDevice(10)
	if err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	if id != "device-1" {
		t.Errorf("SelectDevice = %q, want device-1 (less loaded)", id)
	}
}

func TestManager_SelectDeviceNoCapacity(t *testing.T) {
	m := New()
	m.Initialize(1, 1, 50)

	_, err := m.SelectDevice(100)
	if err != agent.ErrNoCapacity {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
}

func TestManager_ScheduleThenReleaseRestoresCapacity(t *testing.T) {
	m := New()
	m.Initialize(1, 2, 100)

	dID, stream, err := m.Schedule(agent.TaskId(1), 40)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if dID != "device-0" || stream < 0 {
		t.Fatalf("unexpected schedule result: %s, %d", dID, stream)
	}

	snap, _ := m.Snapshot("device-0")
	if snap.FreeMemory != 60 {
		t.Errorf("FreeMemory after schedule = %d, want 60", snap.FreeMemory)
	}

	m.Release(agent.TaskId(1))
	snap, _ = m.Snapshot("device-0")
	if snap.FreeMemory != 100 {
		t.Errorf("FreeMemory after release = %d, want 100", snap.FreeMemory)
	}
}

func TestManager_ReleaseUnknownTaskIsNoop(t *testing.T) {
	m := New()
	m.Initialize(1, 1, 100)
	m.Release(agent.TaskId(999)) // must not panic
}

func TestManager_LiveTaskIdsReflectsScheduleAndRelease(t *testing.T) {
	m := New()
	m.Initialize(1, 2, 100)

	m.Schedule(agent.TaskId(1), 10)
	m.Schedule(agent.TaskId(2), 10)
	if ids := m.LiveTaskIds(); len(ids) != 2 {
		t.Fatalf("LiveTaskIds = %v, want 2 entries", ids)
	}

	m.Release(agent.TaskId(1))
	ids := m.LiveTaskIds()
	if len(ids) != 1 || ids[0] != agent.TaskId(2) {
		t.Errorf("LiveTaskIds after release = %v, want [2]", ids)
	}
}

func TestManager_UnusableDeviceSkippedBySelect(t *testing.T) {
	m := New()
	m.Initialize(1, 1, 0) // memoryPerDevice 0 marks the device unusable

	_, err := m.SelectDevice(1)
	if err != agent.ErrNoCapacity {
		t.Fatalf("err = %v, want ErrNoCapacity for unusable device", err)
	}
}

func TestManager_RebalanceMigratesOnlyNonRunningTasks(t *testing.T) {
	m := New()
	m.Initialize(2, 4, 1000)

	// Placements alternate between the two devices (least-loaded first,
	// ties to the lowest id): tasks 1 and 3 on device-0, 2 and 4 on device-1.
	var tasks []agent.TaskId
	for i := 0; i < 4; i++ {
		tid := agent.TaskId(i + 1)
		dID, _, err := m.Schedule(tid, 10)
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		want := "device-0"
		if i%2 == 1 {
			want = "device-1"
		}
		if dID != want {
			t.Fatalf("placement %d on %s, want %s", i, dID, want)
		}
		tasks = append(tasks, tid)
	}
	// Release device-1's tasks so device-0 (ratio 0.5) is above 1.2x the
	// mean (0.25).
	m.Release(tasks[1])
	m.Release(tasks[3])
	// Mark one running — it must never migrate.
	m.MarkRunning(tasks[0])

	migrated := m.Rebalance()
	if len(migrated) == 0 {
		t.Fatal("expected at least one migration off the overloaded device")
	}
	for _, tid := range migrated {
		if tid == tasks[0] {
			t.Error("a running task must never be migrated")
		}
	}
}

func TestManager_DisposeFreesAllAllocations(t *testing.T) {
	m := New()
	m.Initialize(1, 2, 100)
	m.Schedule(agent.TaskId(1), 50)

	m.Dispose()

	snap, _ := m.Snapshot("device-0")
	if snap.FreeMemory != 100 {
		t.Errorf("FreeMemory after Dispose = %d, want 100", snap.FreeMemory)
	}
}
