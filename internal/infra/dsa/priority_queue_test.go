package dsa

import (
	"testing"
	"time"
)

func TestPriorityQueue_OrdersByPriorityThenFIFO(t *testing.T) {
	pq := NewPriorityQueue(DefaultPriorityQueueConfig())
	base := time.Unix(0, 0)

	pq.Push(HeapItem{Key: "b", Priority: 1, SubmittedAt: base.Add(1 * time.Second)})
	pq.Push(HeapItem{Key: "a", Priority: 1, SubmittedAt: base})
	pq.Push(HeapItem{Key: "c", Priority: 0, SubmittedAt: base.Add(2 * time.Second)})

	want := []string{"c", "a", "b"}
	for _, w := range want {
		item, ok := pq.Pop()
		if !ok {
			t.Fatalf("Pop() returned empty, want %q", w)
		}
		if item.Key != w {
			t.Errorf("Pop() = %q, want %q", item.Key, w)
		}
	}
}

func TestPriorityQueue_PeekDoesNotRemove(t *testing.T) {
	pq := NewPriorityQueue(DefaultPriorityQueueConfig())
	pq.Push(HeapItem{Key: "only", Priority: 5, SubmittedAt: time.Unix(0, 0)})

	if _, ok := pq.Peek(); !ok {
		t.Fatal("Peek() found nothing")
	}
	if pq.Len() != 1 {
		t.Fatalf("Len() = %d after Peek, want 1", pq.Len())
	}
}

func TestPriorityQueue_PopEmptyReturnsFalse(t *testing.T) {
	pq := NewPriorityQueue(DefaultPriorityQueueConfig())
	if _, ok := pq.Pop(); ok {
		t.Fatal("Pop() on empty queue returned ok=true")
	}
}

func TestPriorityQueue_BoostPreventsStarvation(t *testing.T) {
	now := time.Unix(0, 0)
	pq := NewPriorityQueue(PriorityQueueConfig{BoostInterval: time.Minute, MaxBoost: 10})
	pq.now = func() time.Time { return now }

	pq.Push(HeapItem{Key: "old-low-priority", Priority: 3, SubmittedAt: now})

	// Without boosting, a steady stream of priority-0 arrivals would keep
	// this item buried forever. Age it past its boost interval and a
	// fresh higher-priority item should no longer outrank it.
	now = now.Add(4 * time.Minute)
	pq.Push(HeapItem{Key: "new-high-priority", Priority: 1, SubmittedAt: now})

	item, ok := pq.Peek()
	if !ok {
		t.Fatal("Peek() found nothing")
	}
	if item.Key != "old-low-priority" {
		t.Errorf("Peek() = %q, want old-low-priority (boosted to effective priority 0)", item.Key)
	}
}
