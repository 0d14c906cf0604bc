// Package audit provides a write-only completed-task log backed by
// SQLite. It exists purely for operator inspection (dreamd status
// --history) and is never read back into scheduler state: task state
// does not survive a daemon restart, and this package honors that by
// never feeding its rows back into a Scheduler.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO required

	"github.com/dream-sh/dream-agent/internal/agent"
)

// Log wraps a SQLite connection recording one row per task that reaches
// a terminal state.
type Log struct {
	db *sql.DB
}

// Entry is one terminal task record.
type Entry struct {
	TaskId      agent.TaskId
	AgentLabel  string
	Description string
	State       string
	Reason      string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Open creates or opens the audit database at path, enabling WAL mode
// for concurrent readers alongside the single writer.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS task_history (
		task_id      INTEGER NOT NULL,
		agent        TEXT NOT NULL,
		description  TEXT NOT NULL,
		state        TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		created_at   INTEGER,
		started_at   INTEGER,
		completed_at INTEGER NOT NULL,
		PRIMARY KEY (task_id, agent)
	)`)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(`CREATE INDEX IF NOT EXISTS idx_task_history_completed
		ON task_history(completed_at)`)
	return err
}

// Close closes the underlying database handle.
func (l *Log) Close() error { return l.db.Close() }

// Record inserts one terminal-task row. A (task_id, agent) conflict is
// ignored rather than erroring: the first row written for a pair is kept.
func (l *Log) Record(e Entry) error {
	_, err := l.db.Exec(`INSERT INTO task_history
		(task_id, agent, description, state, reason, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, agent) DO NOTHING`,
		int64(e.TaskId), e.AgentLabel, e.Description, e.State, e.Reason,
		nullableUnix(e.CreatedAt), nullableUnix(e.StartedAt), e.CompletedAt.Unix(),
	)
	return err
}

// History returns the most recent limit entries for agentLabel, newest
// first. An empty agentLabel returns entries across every agent.
func (l *Log) History(agentLabel string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT task_id, agent, description, state, reason, created_at, started_at, completed_at
		FROM task_history`
	args := []any{}
	if agentLabel != "" {
		query += ` WHERE agent = ?`
		args = append(args, agentLabel)
	}
	query += ` ORDER BY completed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var taskId int64
		var createdAt, startedAt sql.NullInt64
		var completedAt int64
		if err := rows.Scan(&taskId, &e.AgentLabel, &e.Description, &e.State, &e.Reason,
			&createdAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		e.TaskId = agent.TaskId(taskId)
		if createdAt.Valid {
			e.CreatedAt = time.Unix(createdAt.Int64, 0)
		}
		if startedAt.Valid {
			e.StartedAt = time.Unix(startedAt.Int64, 0)
		}
		e.CompletedAt = time.Unix(completedAt, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
