// Package journal persists task lifecycle events to a local SQLite
// database. The journal is an audit record only: tasks are never resumed
// from it.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stavrobot/coder/internal/observability"
	"github.com/stavrobot/coder/pkg/types"
)

// Journal is a mutex-guarded append-only event store.
type Journal struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *observability.Logger
}

// Open creates or opens the journal database at path.
func Open(path string, logger *observability.Logger) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}

	j := &Journal{
		db:     db,
		logger: logger.With("component", "journal"),
	}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return j, nil
}

func (j *Journal) initSchema() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			plugin TEXT NOT NULL,
			stage TEXT,
			event_type TEXT NOT NULL,
			status TEXT,
			detail TEXT,
			timestamp TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create task_events table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_task_events_task_id ON task_events(task_id)",
		"CREATE INDEX IF NOT EXISTS idx_task_events_event_type ON task_events(event_type)",
		"CREATE INDEX IF NOT EXISTS idx_task_events_timestamp ON task_events(timestamp)",
	}
	for _, idx := range indexes {
		if _, err := j.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// Append records one task event.
func (j *Journal) Append(event *types.TaskEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
		INSERT INTO task_events (
			task_id, plugin, stage, event_type, status, detail, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		event.TaskID,
		event.Plugin,
		string(event.Stage),
		string(event.Type),
		string(event.Status),
		event.Detail,
		event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to store task event: %w", err)
	}

	return nil
}

// Events retrieves the most recent events for a task, newest first.
func (j *Journal) Events(taskID string, limit int) ([]*types.TaskEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	query := `
		SELECT task_id, plugin, stage, event_type, status, detail, timestamp
		FROM task_events
		WHERE task_id = ?
		ORDER BY id DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := j.db.Query(query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task events: %w", err)
	}
	defer rows.Close()

	var events []*types.TaskEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// AbandonedTasks returns ids of tasks a previous process left without a
// terminal event. Informational only: nothing is resumed.
func (j *Journal) AbandonedTasks() ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(`
		SELECT DISTINCT task_id FROM task_events
		WHERE task_id NOT IN (
			SELECT task_id FROM task_events WHERE event_type = ?
		)
		ORDER BY task_id
	`, string(types.EventTaskFinished))
	if err != nil {
		return nil, fmt.Errorf("failed to query abandoned tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// LogAbandoned writes a startup log line for every task the previous
// process never finished.
func (j *Journal) LogAbandoned() {
	ids, err := j.AbandonedTasks()
	if err != nil {
		j.logger.Warn("abandoned task scan failed", "error", err)
		return
	}
	for _, id := range ids {
		j.logger.Warn("task left unfinished by previous process", "task_id", id)
	}
}

// Close closes the journal database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db != nil {
		if err := j.db.Close(); err != nil {
			return err
		}
		j.db = nil
	}

	return nil
}

func scanEvent(rows *sql.Rows) (*types.TaskEvent, error) {
	var event types.TaskEvent
	var stage, status, detail sql.NullString
	var eventType, timestamp string

	err := rows.Scan(
		&event.TaskID,
		&event.Plugin,
		&stage,
		&eventType,
		&status,
		&detail,
		&timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task event: %w", err)
	}

	event.Type = types.EventType(eventType)
	if stage.Valid {
		event.Stage = types.Stage(stage.String)
	}
	if status.Valid {
		event.Status = types.TaskStatus(status.String)
	}
	if detail.Valid {
		event.Detail = detail.String
	}
	event.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)

	return &event, nil
}
