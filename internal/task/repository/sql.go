package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/db"
	"github.com/jasonkneen/claudelet/internal/task"
)

// SQLRepository provides task storage over SQLite or PostgreSQL through a
// db.Pool. Queries are written with `?` placeholders and rebound per driver.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'normal',
	status TEXT NOT NULL DEFAULT 'queued',
	model_tier TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	parent_task_id TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'normal',
	status TEXT NOT NULL DEFAULT 'queued',
	model_tier TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	parent_task_id TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
`

// NewSQLRepository creates a repository over the given pool and initializes
// the schema.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	r := &SQLRepository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) initSchema() error {
	schema := sqliteSchema
	if r.pool.Writer().DriverName() == "pgx" {
		schema = postgresSchema
	}
	_, err := r.pool.Writer().Exec(schema)
	return err
}

// Close closes the underlying pool.
func (r *SQLRepository) Close() error { return r.pool.Close() }

// CreateTask inserts a new task, assigning an ID if none is set.
func (r *SQLRepository) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = task.StatusQueued
	}

	w := r.pool.Writer()
	query := w.Rebind(`INSERT INTO tasks
		(id, content, priority, status, model_tier, agent_id, parent_task_id, result, error_kind, error_message, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := w.ExecContext(ctx, query,
		t.ID, t.Content, t.Priority, t.Status, t.ModelTier, t.AgentID, t.ParentTaskID,
		t.Result, t.ErrorKind, t.ErrorMessage, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (r *SQLRepository) GetTask(ctx context.Context, id string) (*task.Task, error) {
	rd := r.pool.Reader()
	var t task.Task
	query := rd.Rebind(`SELECT * FROM tasks WHERE id = ?`)
	if err := rd.GetContext(ctx, &t, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("task", id)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

// UpdateTask replaces an existing task record.
func (r *SQLRepository) UpdateTask(ctx context.Context, t *task.Task) error {
	t.UpdatedAt = time.Now().UTC()

	w := r.pool.Writer()
	query := w.Rebind(`UPDATE tasks SET
		content = ?, priority = ?, status = ?, model_tier = ?, agent_id = ?, parent_task_id = ?,
		result = ?, error_kind = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`)
	res, err := w.ExecContext(ctx, query,
		t.Content, t.Priority, t.Status, t.ModelTier, t.AgentID, t.ParentTaskID,
		t.Result, t.ErrorKind, t.ErrorMessage, t.UpdatedAt, t.CompletedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireRow(res, t.ID)
}

// UpdateTaskStatus transitions a task and records the outcome fields.
func (r *SQLRepository) UpdateTaskStatus(ctx context.Context, id string, status task.Status, result, errorKind, errorMessage string) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	switch status {
	case task.StatusCompleted, task.StatusFailed, task.StatusStopped:
		completedAt = &now
	}

	w := r.pool.Writer()
	query := w.Rebind(`UPDATE tasks SET
		status = ?, result = ?, error_kind = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`)
	res, err := w.ExecContext(ctx, query, status, result, errorKind, errorMessage, now, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return requireRow(res, id)
}

// ListTasks returns all tasks, newest first.
func (r *SQLRepository) ListTasks(ctx context.Context) ([]*task.Task, error) {
	rd := r.pool.Reader()
	var out []*task.Task
	if err := rd.SelectContext(ctx, &out, `SELECT * FROM tasks ORDER BY created_at DESC, id`); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return out, nil
}

// ListTasksByStatus returns all tasks in the given status, newest first.
func (r *SQLRepository) ListTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	rd := r.pool.Reader()
	var out []*task.Task
	query := rd.Rebind(`SELECT * FROM tasks WHERE status = ? ORDER BY created_at DESC, id`)
	if err := rd.SelectContext(ctx, &out, query, status); err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	return out, nil
}

// ListChildTasks returns the plan steps recorded under a root task.
func (r *SQLRepository) ListChildTasks(ctx context.Context, parentTaskID string) ([]*task.Task, error) {
	rd := r.pool.Reader()
	var out []*task.Task
	query := rd.Rebind(`SELECT * FROM tasks WHERE parent_task_id = ? ORDER BY created_at, id`)
	if err := rd.SelectContext(ctx, &out, query, parentTaskID); err != nil {
		return nil, fmt.Errorf("failed to list child tasks: %w", err)
	}
	return out, nil
}

// DeleteTask removes a task by ID.
func (r *SQLRepository) DeleteTask(ctx context.Context, id string) error {
	w := r.pool.Writer()
	query := w.Rebind(`DELETE FROM tasks WHERE id = ?`)
	res, err := w.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.NotFound("task", id)
	}
	return nil
}
