// Package dsa provides small reusable data structures used by the DREAM
// core's internal bookkeeping.
//
// PriorityQueue is a min-heap exercised by the dependency engine's timeout
// deadline index (package internal/agent/dependency), which needs O(log n)
// "what expires next" retrieval.
package dsa

import (
	"container/heap"
	"sync"
	"time"
)

// HeapItem is one entry in a PriorityQueue.
type HeapItem struct {
	Key         string
	Priority    int
	SubmittedAt time.Time
	Value       any
}

// PriorityQueueConfig configures starvation-prevention boosting.
type PriorityQueueConfig struct {
	BoostInterval time.Duration // age at which priority improves by one level
	MaxBoost      int           // ceiling on total boost levels
}

// DefaultPriorityQueueConfig disables boosting (BoostInterval 0 means no
// boost is ever applied — callers that want starvation prevention set a
// positive interval explicitly).
func DefaultPriorityQueueConfig() PriorityQueueConfig {
	return PriorityQueueConfig{}
}

// PriorityQueue is a thread-safe min-heap ordered by effective priority
// (lower value first), tie-broken by earliest SubmittedAt (FIFO).
type PriorityQueue struct {
	mu     sync.Mutex
	config PriorityQueueConfig
	items  innerHeap
	now    func() time.Time
}

// NewPriorityQueue creates a priority queue with the given config.
func NewPriorityQueue(cfg PriorityQueueConfig) *PriorityQueue {
	return &PriorityQueue{
		config: cfg,
		now:    time.Now,
	}
}

func (pq *PriorityQueue) effectivePriority(it HeapItem) int {
	if pq.config.BoostInterval <= 0 {
		return it.Priority
	}
	age := pq.now().Sub(it.SubmittedAt)
	boost := int(age / pq.config.BoostInterval)
	if boost > pq.config.MaxBoost {
		boost = pq.config.MaxBoost
	}
	eff := it.Priority - boost
	if eff < 0 {
		eff = 0
	}
	return eff
}

// Push adds an item.
func (pq *PriorityQueue) Push(item HeapItem) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.items.eff = pq.effectivePriority
	heap.Push(&pq.items, item)
}

// Pop removes and returns the item with the lowest effective priority
// (earliest SubmittedAt breaks ties). Returns false if empty.
func (pq *PriorityQueue) Pop() (HeapItem, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.items.Len() == 0 {
		return HeapItem{}, false
	}
	pq.resort()
	return heap.Pop(&pq.items).(HeapItem), true
}

// Peek returns the head item without removing it.
func (pq *PriorityQueue) Peek() (HeapItem, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.items.Len() == 0 {
		return HeapItem{}, false
	}
	pq.resort()
	return pq.items.data[0], true
}

// Len returns the number of queued items.
func (pq *PriorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.items.Len()
}

// resort recomputes heap ordering against current effective priorities.
// Boosting is age-dependent, so the heap invariant can drift between
// calls; a full re-heapify keeps Pop/Peek correct without maintaining a
// timer per item. Queue sizes in this codebase are small (per-agent
// dependency timeouts), so this is not a hot-path concern.
func (pq *PriorityQueue) resort() {
	pq.items.eff = pq.effectivePriority
	heap.Init(&pq.items)
}

type innerHeap struct {
	data []HeapItem
	eff  func(HeapItem) int
}

func (h innerHeap) Len() int { return len(h.data) }

func (h innerHeap) Less(i, j int) bool {
	pi, pj := h.eff(h.data[i]), h.eff(h.data[j])
	if pi != pj {
		return pi < pj
	}
	return h.data[i].SubmittedAt.Before(h.data[j].SubmittedAt)
}

func (h innerHeap) Swap(i, j int) { h.data[i], h.data[j] = h.data[j], h.data[i] }

func (h *innerHeap) Push(x any) {
	h.data = append(h.data, x.(HeapItem))
}

func (h *innerHeap) Pop() any {
	old := h.data
	n := len(old)
	item := old[n-1]
	h.data = old[:n-1]
	return item
}
