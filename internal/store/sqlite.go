package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/timeguard/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id                   TEXT PRIMARY KEY,
    name                 TEXT NOT NULL DEFAULT '',
    kind                 TEXT NOT NULL,
    args                 TEXT NOT NULL DEFAULT '[]',
    status               TEXT NOT NULL,
    timeout_ms           INTEGER,
    effective_timeout_ms INTEGER,
    warned               INTEGER NOT NULL DEFAULT 0,
    output               BLOB,
    exit_code            INTEGER,
    error                TEXT NOT NULL DEFAULT '',
    elapsed_ms           INTEGER,
    created_at           DATETIME NOT NULL,
    started_at           DATETIME,
    finished_at          DATETIME
)`

const createTaskLogsTable = `
CREATE TABLE IF NOT EXISTS task_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL REFERENCES tasks(id),
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createTaskLogsIndex = `
CREATE INDEX IF NOT EXISTS idx_task_logs_task_seq ON task_logs (task_id, seq)`

const taskColumns = `id, name, kind, args, status, timeout_ms, effective_timeout_ms,
	warned, output, exit_code, error, elapsed_ms, created_at, started_at, finished_at`

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

	// An in-memory database is private to its connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	for _, stmt := range []struct {
		name, sql string
	}{
		{"tasks table", createTasksTable},
		{"task_logs table", createTaskLogsTable},
		{"task_logs index", createTaskLogsIndex},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			return fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*model.Task, error) {
	t := &model.Task{}
	var args string
	if err := r.Scan(
		&t.ID, &t.Name, &t.Kind, &args, &t.Status, &t.TimeoutMS, &t.EffectiveTimeoutMS,
		&t.Warned, &t.Output, &t.ExitCode, &t.Error, &t.ElapsedMS,
		&t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &t.Args); err != nil {
		return nil, fmt.Errorf("decode args of task %s: %w", t.ID, err)
	}
	return t, nil
}

func encodeArgs(args []string) (string, error) {
	if args == nil {
		args = []string{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode args: %w", err)
	}
	return string(b), nil
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	args, err := encodeArgs(t.Args)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Kind, args, t.Status, t.TimeoutMS, t.EffectiveTimeoutMS,
		t.Warned, t.Output, t.ExitCode, t.Error, t.ElapsedMS,
		t.CreatedAt, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
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
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*model.Task{}
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

// currentStatus reads the status of a task inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read task status: %w", err)
	}
	return status, nil
}

// UpdateTaskStatus moves a task to a new status. Entering running sets
// started_at; entering a terminal status sets finished_at.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
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
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// UpdateTask writes every mutable field of t. A status change must be a
// valid transition; rewriting the current status is allowed.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *model.Task) error {
	args, err := encodeArgs(t.Args)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	if from != t.Status && !model.ValidTransition(from, t.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, t.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET
			name = ?, args = ?, status = ?, timeout_ms = ?, effective_timeout_ms = ?,
			warned = ?, output = ?, exit_code = ?, error = ?, elapsed_ms = ?,
			started_at = ?, finished_at = ?
		WHERE id = ?`,
		t.Name, args, t.Status, t.TimeoutMS, t.EffectiveTimeoutMS,
		t.Warned, t.Output, t.ExitCode, t.Error, t.ElapsedMS,
		t.StartedAt, t.FinishedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task update: %w", err)
	}
	return nil
}

// GetTaskStats aggregates counts by status and kind, the number of tasks
// that ran past their deadline with a warning, and the mean elapsed time
// of finished tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &TaskStats{
		CountByStatus: map[string]int{},
		CountByKind:   map[string]int{},
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(warned), 0), AVG(elapsed_ms) FROM tasks`,
	).Scan(&stats.Total, &stats.Warned, &avg); err != nil {
		return nil, fmt.Errorf("aggregate tasks: %w", err)
	}
	if avg.Valid {
		stats.AvgElapsedMS = avg.Float64
	}

	if err := countBy(ctx, tx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := countBy(ctx, tx, "kind", stats.CountByKind); err != nil {
		return nil, err
	}

	return stats, nil
}

// countBy fills into with row counts grouped by column, which must be a
// trusted column name.
func countBy(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
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
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return nil
}

// InsertLogLine appends a log line for a task.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, taskID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_logs (task_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		taskID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns all log lines for a task ordered by seq.
func (s *SQLiteStore) GetLogLines(ctx context.Context, taskID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, seq, line, created_at FROM task_logs WHERE task_id = ? ORDER BY seq ASC, id ASC",
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	lines := []model.LogLine{}
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}
