package taskqueue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/ralph-dispatcher/internal/statemachine"
)

// Store is the durable mirror of the queue, backed by SQLite.
// Grounded on internal/scheduler/store.go's migrate/CRUD idiom and
// internal/usage/store.go's WAL/busy-timeout DSN convention.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if absent) a SQLite database at dbPath and
// ensures the queued_tasks schema exists.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queued_tasks (
		id           TEXT PRIMARY KEY,
		task_type    TEXT NOT NULL,
		payload      TEXT NOT NULL,
		state        TEXT NOT NULL,
		priority     INTEGER NOT NULL,
		enqueued_at  TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT,
		error        TEXT,
		retry_count  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_queued_tasks_state ON queued_tasks(state);
	`
	_, err := s.db.Exec(schema)
	return err
}

func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func unmarshalPayload(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ns.String, err)
	}
	return &t, nil
}

// InsertTask writes a new row mirroring task.
func (s *Store) InsertTask(task *QueuedTask) error {
	payload, err := marshalPayload(task.Payload)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO queued_tasks
			(id, task_type, payload, state, priority, enqueued_at, started_at, completed_at, error, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.TaskType, payload, string(task.State), task.Priority,
		formatTime(task.EnqueuedAt), formatTimePtr(task.StartedAt), formatTimePtr(task.CompletedAt),
		nullableString(task.Error), task.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// UpdateTask overwrites the mutable columns of an existing row.
func (s *Store) UpdateTask(task *QueuedTask) error {
	_, err := s.db.Exec(
		`UPDATE queued_tasks
		 SET state = ?, started_at = ?, completed_at = ?, error = ?, retry_count = ?
		 WHERE id = ?`,
		string(task.State), formatTimePtr(task.StartedAt), formatTimePtr(task.CompletedAt),
		nullableString(task.Error), task.RetryCount, task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask returns the mirrored row for id, or (nil, nil) if absent.
func (s *Store) GetTask(id string) (*QueuedTask, error) {
	row := s.db.QueryRow(
		`SELECT id, task_type, payload, state, priority, enqueued_at, started_at, completed_at, error, retry_count
		 FROM queued_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

// ListByState returns every mirrored row with the given state, in
// enqueued_at order.
func (s *Store) ListByState(state statemachine.TaskState) ([]*QueuedTask, error) {
	rows, err := s.db.Query(
		`SELECT id, task_type, payload, state, priority, enqueued_at, started_at, completed_at, error, retry_count
		 FROM queued_tasks WHERE state = ? ORDER BY enqueued_at ASC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list by state %s: %w", state, err)
	}
	defer rows.Close()

	var out []*QueuedTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RFC3339Nano trims trailing zeros, so the text column does not sort
	// chronologically; order by the parsed time instead.
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

// DeleteTask removes a mirrored row. No error if it is already gone.
func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM queued_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*QueuedTask, error) {
	var (
		id, taskType, payloadStr, state string
		priority, retryCount            int
		enqueuedAtStr                   string
		startedAt, completedAt, errStr  sql.NullString
	)

	if err := row.Scan(&id, &taskType, &payloadStr, &state, &priority, &enqueuedAtStr,
		&startedAt, &completedAt, &errStr, &retryCount); err != nil {
		return nil, err
	}

	payload, err := unmarshalPayload(payloadStr)
	if err != nil {
		return nil, err
	}

	enqueuedAt, err := time.Parse(time.RFC3339Nano, enqueuedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse enqueued_at %q: %w", enqueuedAtStr, err)
	}

	startedAtPtr, err := parseTimePtr(startedAt)
	if err != nil {
		return nil, err
	}
	completedAtPtr, err := parseTimePtr(completedAt)
	if err != nil {
		return nil, err
	}

	return &QueuedTask{
		ID:          id,
		TaskType:    taskType,
		Payload:     payload,
		State:       statemachine.TaskState(state),
		Priority:    priority,
		EnqueuedAt:  enqueuedAt,
		StartedAt:   startedAtPtr,
		CompletedAt: completedAtPtr,
		Error:       errStr.String,
		RetryCount:  retryCount,
	}, nil
}
