package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dream-sh/dream-agent/internal/agent"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenCreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer l.Close()

	history, err := l.History("", 10)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected empty history on a fresh database, got %d rows", len(history))
	}
}

func TestRecordThenHistory(t *testing.T) {
	l := newTestLog(t)
	now := time.Now()

	entries := []Entry{
		{TaskId: 1, AgentLabel: "reasoning/default", Description: "plan", State: "Completed", CompletedAt: now.Add(-2 * time.Minute)},
		{TaskId: 2, AgentLabel: "reasoning/default", Description: "act", State: "Failed", Reason: "WorkerError", CompletedAt: now.Add(-1 * time.Minute)},
		{TaskId: 3, AgentLabel: "embodied/grip-v1", Description: "grasp", State: "Completed", CompletedAt: now},
	}
	for _, e := range entries {
		if err := l.Record(e); err != nil {
			t.Fatalf("Record(%d): %v", e.TaskId, err)
		}
	}

	all, err := l.History("", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("History(\"\") = %d rows, want 3", len(all))
	}
	if all[0].TaskId != 3 {
		t.Errorf("expected newest-first ordering, got task %d first", all[0].TaskId)
	}

	scoped, err := l.History("reasoning/default", 10)
	if err != nil {
		t.Fatalf("History(reasoning/default): %v", err)
	}
	if len(scoped) != 2 {
		t.Errorf("History(reasoning/default) = %d rows, want 2", len(scoped))
	}
}

func TestRecordDuplicateIsIgnored(t *testing.T) {
	l := newTestLog(t)
	e := Entry{TaskId: agent.TaskId(5), AgentLabel: "reasoning/default", Description: "plan", State: "Completed", CompletedAt: time.Now()}

	if err := l.Record(e); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	e.State = "Cancelled" // a second writer racing the same task/agent pair
	if err := l.Record(e); err != nil {
		t.Fatalf("second Record: %v", err)
	}

	history, err := l.History("reasoning/default", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected exactly one row after duplicate insert, got %d", len(history))
	}
	if history[0].State != "Completed" {
		t.Errorf("expected the first writer's state to win, got %q", history[0].State)
	}
}

func TestHistoryLimit(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 5; i++ {
		e := Entry{TaskId: agent.TaskId(i + 1), AgentLabel: "reasoning/default", Description: "task", State: "Completed", CompletedAt: time.Now().Add(time.Duration(i) * time.Second)}
		if err := l.Record(e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	limited, err := l.History("", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("History limit=2 returned %d rows", len(limited))
	}
}
