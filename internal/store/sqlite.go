package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/easel/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    engine      TEXT NOT NULL,
    request     TEXT NOT NULL,
    options     TEXT NOT NULL,
    stopped     INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    result      BLOB,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createMessagesTable = `
CREATE TABLE IF NOT EXISTS task_messages (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL REFERENCES tasks(id),
    seq        INTEGER NOT NULL,
    kind       TEXT NOT NULL,
    body       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createMessagesIndex = `
CREATE INDEX IF NOT EXISTS idx_task_messages_task ON task_messages(task_id, seq)`

const taskColumns = `id, status, request, options, stopped, error, result,
	duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []struct {
		name string
		sql  string
	}{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create tasks table", createTasksTable},
		{"create messages table", createMessagesTable},
		{"create messages index", createMessagesIndex},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	req, err := json.Marshal(t.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	opts, err := json.Marshal(t.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, status, session_id, engine, request, options, stopped, error,
			result, duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Status, t.Options.SessionID, t.Options.Engine, string(req), string(opts),
		t.Stopped, t.Error, []byte(t.Result), t.DurationMS, t.CreatedAt, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a paginated list of tasks ordered by created_at DESC,
// along with the total count of all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// UpdateTaskStatus moves a task to status. Entering running sets started_at;
// entering a terminal status sets finished_at.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, status string) error {
	return s.transition(ctx, id, status, func(tx *sql.Tx, now time.Time) error {
		var err error
		switch {
		case status == model.StatusRunning:
			_, err = tx.ExecContext(ctx,
				"UPDATE tasks SET status = ?, started_at = ? WHERE id = ?", status, now, id)
		case model.IsTerminal(status):
			_, err = tx.ExecContext(ctx,
				"UPDATE tasks SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
		default:
			_, err = tx.ExecContext(ctx,
				"UPDATE tasks SET status = ? WHERE id = ?", status, id)
		}
		return err
	})
}

// FinishTask records the terminal state of t: status, stop flag, error,
// result and duration. finished_at defaults to now.
func (s *SQLiteStore) FinishTask(ctx context.Context, t *model.Task) error {
	if !model.IsTerminal(t.Status) {
		return fmt.Errorf("%w: %q is not terminal", ErrInvalidTransition, t.Status)
	}
	return s.transition(ctx, t.ID, t.Status, func(tx *sql.Tx, now time.Time) error {
		finished := now
		if t.FinishedAt != nil {
			finished = *t.FinishedAt
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, stopped = ?, error = ?, result = ?,
				duration_ms = ?, finished_at = ?, started_at = COALESCE(started_at, ?)
			WHERE id = ?`,
			t.Status, t.Stopped, t.Error, []byte(t.Result), t.DurationMS, finished, t.StartedAt, t.ID,
		)
		return err
	})
}

// transition checks that the task's current status may move to status and
// runs apply in the same transaction.
func (s *SQLiteStore) transition(ctx context.Context, id, status string, apply func(*sql.Tx, time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if err := apply(tx, time.Now().UTC()); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetTaskStats aggregates task counts and the mean duration of finished tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByEngine: make(map[string]int),
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "engine", stats.CountByEngine); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(duration_ms), COALESCE(SUM(stopped), 0) FROM tasks WHERE duration_ms IS NOT NULL`,
	).Scan(&avg, &stats.Stopped)
	if err != nil {
		return nil, fmt.Errorf("aggregate durations: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// countBy fills into with row counts grouped by column, which must be a
// trusted identifier.
func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// InsertMessage appends one output message of a task.
func (s *SQLiteStore) InsertMessage(ctx context.Context, taskID string, seq int, kind, body string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_messages (task_id, seq, kind, body, created_at) VALUES (?, ?, ?, ?, ?)",
		taskID, seq, kind, body, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessages returns every message of a task ordered by seq.
func (s *SQLiteStore) GetMessages(ctx context.Context, taskID string) ([]model.TaskMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, seq, kind, body, created_at FROM task_messages WHERE task_id = ? ORDER BY seq ASC",
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.TaskMessage{}
	for rows.Next() {
		var m model.TaskMessage
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Seq, &m.Kind, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	var (
		t      model.Task
		req    string
		opts   string
		result []byte
	)
	if err := row.Scan(
		&t.ID, &t.Status, &req, &opts, &t.Stopped, &t.Error, &result,
		&t.DurationMS, &t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(req), &t.Request); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if err := json.Unmarshal([]byte(opts), &t.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	if len(result) > 0 {
		t.Result = result
	}
	return &t, nil
}
