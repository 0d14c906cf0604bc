// Package resource implements the Resource Accountant: the single source of
// truth for per-kind utilization, admission, and allocation adjustment for
// one agent. It tracks NumResourceKinds independent meters, each with a
// bounded ring-buffer utilization history, rather than a single combined
// budget.
package resource

import (
	"sync"
	"time"

	"github.com/dream-sh/dream-agent/internal/agent"
)

// historyCapacityDefault is the default bounded history length per meter.
const historyCapacityDefault = 1024

// Meter tracks utilization bookkeeping for one resource kind.
type Meter struct {
	Capacity  uint64
	Allocated uint64
	Peak      uint64
	UpdatedAt time.Time

	history     []float64
	historyIdx  int
	historyFull bool
}

// Utilization returns allocated/capacity, or 0 if capacity is 0.
func (m *Meter) Utilization() float64 {
	if m.Capacity == 0 {
		return 0
	}
	return float64(m.Allocated) / float64(m.Capacity)
}

// Available returns remaining capacity.
func (m *Meter) Available() uint64 {
	if m.Allocated >= m.Capacity {
		return 0
	}
	return m.Capacity - m.Allocated
}

// History returns a copy of the recorded utilization samples, oldest first.
func (m *Meter) History() []float64 {
	if !m.historyFull {
		out := make([]float64, m.historyIdx)
		copy(out, m.history[:m.historyIdx])
		return out
	}
	n := len(m.history)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = m.history[(m.historyIdx+i)%n]
	}
	return out
}

func (m *Meter) pushHistory(sample float64) {
	if len(m.history) == 0 {
		m.history = make([]float64, historyCapacityDefault)
	}
	m.history[m.historyIdx] = sample
	m.historyIdx++
	if m.historyIdx >= len(m.history) {
		m.historyIdx = 0
		m.historyFull = true
	}
}

// Config configures the Accountant.
type Config struct {
	// Capacity is the hard ceiling per resource kind; allocated may never
	// exceed it regardless of adjust_limits growth.
	Capacity [agent.NumResourceKinds]uint64
	// Now is an injectable clock for deterministic testing.
	Now func() time.Time
}

// DefaultConfig returns a Config with the given capacities and a real clock.
func DefaultConfig(capacity [agent.NumResourceKinds]uint64) Config {
	return Config{Capacity: capacity, Now: time.Now}
}

// Accountant is the per-agent Resource Accountant.
type Accountant struct {
	mu      sync.RWMutex
	cfg     Config
	meters  [agent.NumResourceKinds]*Meter
	holders map[agent.TaskId][]agent.ResourceRequirement
}

// New creates a Resource Accountant. Allocated starts at 0 for every kind;
// Capacity is fixed for the accountant's lifetime (adjust_limits only moves
// Allocated's soft ceiling, never Capacity).
func New(cfg Config) *Accountant {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	a := &Accountant{
		cfg:     cfg,
		holders: make(map[agent.TaskId][]agent.ResourceRequirement),
	}
	now := cfg.Now()
	for k := 0; k < agent.NumResourceKinds; k++ {
		a.meters[k] = &Meter{Capacity: cfg.Capacity[k], UpdatedAt: now}
	}
	return a
}

// Admit reports whether adding requirements would keep every touched kind's
// projected utilization at or below its UtilizationCeiling. No mutation
// occurs, on acceptance or refusal — record_allocation does that separately.
func (a *Accountant) Admit(requirements []agent.ResourceRequirement) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, req := range requirements {
		m := a.meters[req.Kind]
		if m.Capacity == 0 {
			if req.Amount > 0 {
				return false
			}
			continue
		}
		projected := float64(m.Allocated+req.Amount) / float64(m.Capacity)
		if projected > req.UtilizationCeiling {
			return false
		}
	}
	return true
}

// RecordAllocation records that task now holds requirements. Updates
// Allocated and recomputes Peak monotonically.
func (a *Accountant) RecordAllocation(task agent.TaskId, requirements []agent.ResourceRequirement) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.cfg.Now()
	for _, req := range requirements {
		m := a.meters[req.Kind]
		m.Allocated += req.Amount
		if m.Allocated > m.Peak {
			m.Peak = m.Allocated
		}
		m.UpdatedAt = now
	}
	a.holders[task] = append([]agent.ResourceRequirement(nil), requirements...)
}

// RecordRelease releases all requirements held by task. Release of an
// unknown task is a no-op by design: cancellation and completion may both
// trigger release of the same task.
func (a *Accountant) RecordRelease(task agent.TaskId) {
	a.mu.Lock()
	defer a.mu.Unlock()

	held, ok := a.holders[task]
	if !ok {
		return
	}
	now := a.cfg.Now()
	for _, req := range held {
		m := a.meters[req.Kind]
		if req.Amount > m.Allocated {
			m.Allocated = 0
		} else {
			m.Allocated -= req.Amount
		}
		m.UpdatedAt = now
	}
	delete(a.holders, task)
}

// Sample pushes current utilization into each kind's bounded history ring.
// Called periodically by the rebalancer tick.
func (a *Accountant) Sample() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := 0; k < agent.NumResourceKinds; k++ {
		m := a.meters[k]
		m.pushHistory(m.Utilization())
	}
}

// AdjustLimits grows or shrinks each kind's Allocated soft ceiling based on
// how close Peak tracked to it. This does not change Capacity, which
// remains a hard bound enforced by Admit via the meter's fixed Capacity
// field. Peak is monotonic for the Meter's lifetime and is never reset
// here — only a future reset_metrics-equivalent should zero it.
func (a *Accountant) AdjustLimits() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := 0; k < agent.NumResourceKinds; k++ {
		m := a.meters[k]
		if m.Allocated == 0 {
			continue
		}
		switch {
		case float64(m.Peak) > 0.9*float64(m.Allocated):
			grown := uint64(float64(m.Allocated) * 1.2)
			if grown > m.Capacity {
				grown = m.Capacity
			}
			m.Allocated = grown
		case float64(m.Peak) < 0.5*float64(m.Allocated):
			shrunk := uint64(float64(m.Allocated) * (2.0 / 3.0))
			m.Allocated = shrunk
		}
	}
}

// Utilization returns the current utilization fraction for kind.
func (a *Accountant) Utilization(kind agent.ResourceKind) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.meters[kind].Utilization()
}

// LoadFactor returns the mean utilization across all resource kinds —
// the scheduler's load_factor scalar.
func (a *Accountant) LoadFactor() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var sum float64
	for k := 0; k < agent.NumResourceKinds; k++ {
		sum += a.meters[k].Utilization()
	}
	return sum / float64(agent.NumResourceKinds)
}

// Snapshot returns a copy of a kind's meter for reporting. Peak is
// monotonic and safe to read without holding a write lock.
func (a *Accountant) Snapshot(kind agent.ResourceKind) Meter {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m := a.meters[kind]
	return Meter{
		Capacity:  m.Capacity,
		Allocated: m.Allocated,
		Peak:      m.Peak,
		UpdatedAt: m.UpdatedAt,
	}
}

// History returns a copy of kind's utilization history ring, oldest first.
func (a *Accountant) History(kind agent.ResourceKind) []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.meters[kind].History()
}

// Overloaded returns the resource kinds currently above threshold
// utilization (used by the rebalancer).
func (a *Accountant) Overloaded(threshold float64) []agent.ResourceKind {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []agent.ResourceKind
	for k := 0; k < agent.NumResourceKinds; k++ {
		if a.meters[k].Utilization() > threshold {
			out = append(out, agent.ResourceKind(k))
		}
	}
	return out
}
