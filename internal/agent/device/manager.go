// Package device implements the process-wide Device Manager: a single
// registry of compute devices, each with a fixed-size stream pool and a
// free-memory counter, shared across every agent scheduler.
//
// Device selection ranks devices by a single score — load ratio among
// devices with enough free memory — rather than a multi-factor weighted
// score, since the DREAM device model carries no reputation/latency/cost
// fields to weigh.
package device

import (
	"sort"
	"sync"

	"github.com/dream-sh/dream-agent/internal/agent"
)

// allocation records one task's outstanding hold on a device.
type allocation struct {
	bytes     uint64
	streamIdx int
	running   bool
}

// Device is one compute unit owned by the Manager.
type Device struct {
	Id           string
	Capacity     uint64
	FreeMemory   uint64
	StreamPool   []bool // true = stream in use
	Usable       bool
	liveTasks    map[agent.TaskId]allocation
}

// ActiveStreams returns how many streams are currently checked out.
func (d *Device) ActiveStreams() int {
	n := 0
	for _, inUse := range d.StreamPool {
		if inUse {
			n++
		}
	}
	return n
}

// loadRatio is active_streams / stream_pool_size, the device-selection
// signal.
func (d *Device) loadRatio() float64 {
	if len(d.StreamPool) == 0 {
		return 1
	}
	return float64(d.ActiveStreams()) / float64(len(d.StreamPool))
}

// Manager is the process-wide Device Manager. It uses its own lock,
// separate from any agent scheduler's state lock, and never takes a
// scheduler's lock itself. Schedulers do call Schedule, MarkRunning and
// LiveTaskIds while holding their own state lock, so both locks can be
// held at once, always in the order scheduler lock, then Manager lock.
type Manager struct {
	mu           sync.Mutex
	devices      []*Device
	taskToDevice map[agent.TaskId]string
}

// New constructs an empty Manager. Call Initialize to populate devices.
func New() *Manager {
	return &Manager{taskToDevice: make(map[agent.TaskId]string)}
}

// Initialize creates nDevices device records, each with streamsPerDevice
// streams and memoryPerDevice bytes of initial free memory. A device whose
// construction fails (memoryPerDevice == 0) is marked unusable but does not
// fail the manager.
func (m *Manager) Initialize(nDevices, streamsPerDevice int, memoryPerDevice uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices = make([]*Device, 0, nDevices)
	for i := 0; i < nDevices; i++ {
		d := &Device{
			Id:         deviceId(i),
			Capacity:   memoryPerDevice,
			FreeMemory: memoryPerDevice,
			StreamPool: make([]bool, streamsPerDevice),
			Usable:     memoryPerDevice > 0 && streamsPerDevice > 0,
			liveTasks:  make(map[agent.TaskId]allocation),
		}
		m.devices = append(m.devices, d)
	}
}

func deviceId(i int) string {
	const letters = "0123456789"
	if i < 10 {
		return "device-" + string(letters[i])
	}
	return "device-" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// SelectDevice picks the usable device with enough free memory that has the
// lowest active_streams/stream_pool_size ratio, breaking ties by lowest id.
// Returns ErrNoCapacity if no device qualifies.
func (m *Manager) SelectDevice(requiredMemory uint64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.selectDeviceLocked(requiredMemory)
	if d == nil {
		return "", agent.ErrNoCapacity
	}
	return d.Id, nil
}

func (m *Manager) selectDeviceLocked(requiredMemory uint64) *Device {
	type candidate struct {
		d     *Device
		ratio float64
	}
	var candidates []candidate
	for _, d := range m.devices {
		if !d.Usable || d.FreeMemory < requiredMemory {
			continue
		}
		candidates = append(candidates, candidate{d: d, ratio: d.loadRatio()})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ratio != candidates[j].ratio {
			return candidates[i].ratio < candidates[j].ratio
		}
		return candidates[i].d.Id < candidates[j].d.Id
	})
	return candidates[0].d
}

// Schedule binds task to a device and a free stream, decrementing free
// memory. The binding starts not-running — the caller marks it running via
// MarkRunning once the dispatcher actually invokes the worker callback, so
// Rebalance can distinguish migratable placements from in-flight work.
func (m *Manager) Schedule(task agent.TaskId, requiredMemory uint64) (deviceId string, streamIdx int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.selectDeviceLocked(requiredMemory)
	if d == nil {
		return "", -1, agent.ErrNoCapacity
	}

	stream := -1
	for i, inUse := range d.StreamPool {
		if !inUse {
			stream = i
			break
		}
	}
	if stream == -1 {
		return "", -1, agent.ErrNoCapacity
	}

	d.StreamPool[stream] = true
	d.FreeMemory -= requiredMemory
	d.liveTasks[task] = allocation{bytes: requiredMemory, streamIdx: stream}
	m.taskToDevice[task] = d.Id

	return d.Id, stream, nil
}

// MarkRunning records that task's placement has transitioned from reserved
// to actively running, exempting it from Rebalance migration.
func (m *Manager) MarkRunning(task agent.TaskId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dID, ok := m.taskToDevice[task]
	if !ok {
		return
	}
	d := m.deviceByIdLocked(dID)
	if d == nil {
		return
	}
	if a, ok := d.liveTasks[task]; ok {
		a.running = true
		d.liveTasks[task] = a
	}
}

// Release frees every allocation held by task: returns its stream to the
// pool and removes the task-to-device binding. A release of an unknown
// task is a no-op.
func (m *Manager) Release(task agent.TaskId) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dID, ok := m.taskToDevice[task]
	if !ok {
		return
	}
	d := m.deviceByIdLocked(dID)
	if d == nil {
		delete(m.taskToDevice, task)
		return
	}
	if a, ok := d.liveTasks[task]; ok {
		d.FreeMemory += a.bytes
		if a.streamIdx >= 0 && a.streamIdx < len(d.StreamPool) {
			d.StreamPool[a.streamIdx] = false
		}
		delete(d.liveTasks, task)
	}
	delete(m.taskToDevice, task)
}

// LiveTaskIds returns every task id the Manager currently holds a live
// allocation for, across all devices. A scheduler uses this to cross-check
// its own terminal-task bookkeeping against device-level state it doesn't
// own directly.
func (m *Manager) LiveTaskIds() []agent.TaskId {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]agent.TaskId, 0, len(m.taskToDevice))
	for id := range m.taskToDevice {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) deviceByIdLocked(id string) *Device {
	for _, d := range m.devices {
		if d.Id == id {
			return d
		}
	}
	return nil
}

// Rebalance computes the mean load factor across devices and, for each
// device loaded above 1.2x the mean, migrates its not-yet-running task
// placements to the least-loaded device that can fit them. Running tasks
// never migrate. Idempotent and safe to call from a periodic tick.
func (m *Manager) Rebalance() []agent.TaskId {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.devices) == 0 {
		return nil
	}
	var sum float64
	for _, d := range m.devices {
		sum += d.loadRatio()
	}
	mean := sum / float64(len(m.devices))

	var migrated []agent.TaskId
	for _, src := range m.devices {
		if src.loadRatio() <= 1.2*mean {
			continue
		}
		for taskID, a := range src.liveTasks {
			if a.running {
				continue
			}
			dst := m.bestMigrationTargetLocked(src, a.bytes)
			if dst == nil {
				continue
			}
			// Move the placement.
			src.FreeMemory += a.bytes
			src.StreamPool[a.streamIdx] = false
			delete(src.liveTasks, taskID)

			newStream := -1
			for i, inUse := range dst.StreamPool {
				if !inUse {
					newStream = i
					break
				}
			}
			if newStream == -1 {
				// Shouldn't happen given bestMigrationTargetLocked's check,
				// but fail safe by restoring the source placement.
				src.FreeMemory -= a.bytes
				src.StreamPool[a.streamIdx] = true
				src.liveTasks[taskID] = a
				continue
			}
			dst.StreamPool[newStream] = true
			dst.FreeMemory -= a.bytes
			dst.liveTasks[taskID] = allocation{bytes: a.bytes, streamIdx: newStream}
			m.taskToDevice[taskID] = dst.Id
			migrated = append(migrated, taskID)
		}
	}
	return migrated
}

func (m *Manager) bestMigrationTargetLocked(exclude *Device, requiredMemory uint64) *Device {
	var best *Device
	bestRatio := 1.0
	for _, d := range m.devices {
		if d == exclude || !d.Usable || d.FreeMemory < requiredMemory {
			continue
		}
		hasFreeStream := false
		for _, inUse := range d.StreamPool {
			if !inUse {
				hasFreeStream = true
				break
			}
		}
		if !hasFreeStream {
			continue
		}
		ratio := d.loadRatio()
		if best == nil || ratio < bestRatio {
			best = d
			bestRatio = ratio
		}
	}
	return best
}

// Snapshot returns a defensive copy of a device's public state, for
// inspection and metrics.
func (m *Manager) Snapshot(id string) (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deviceByIdLocked(id)
	if d == nil {
		return Device{}, false
	}
	pool := append([]bool(nil), d.StreamPool...)
	return Device{
		Id:         d.Id,
		Capacity:   d.Capacity,
		FreeMemory: d.FreeMemory,
		StreamPool: pool,
		Usable:     d.Usable,
	}, true
}

// DeviceIds returns the ids of every registered device, in order.
func (m *Manager) DeviceIds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.devices))
	for i, d := range m.devices {
		ids[i] = d.Id
	}
	return ids
}

// Dispose releases every device's outstanding allocations. Intended to be
// called once at process shutdown, after Initialize at process start.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		for i := range d.StreamPool {
			d.StreamPool[i] = false
		}
		d.FreeMemory = d.Capacity
		d.liveTasks = make(map[agent.TaskId]allocation)
	}
	m.taskToDevice = make(map[agent.TaskId]string)
}
