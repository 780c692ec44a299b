// Package repository provides task persistence with in-memory, SQLite, and
// PostgreSQL backends.
package repository

import (
	"context"

	"github.com/jasonkneen/claudelet/internal/task"
)

// Repository defines the interface for task storage operations.
type Repository interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTask(ctx context.Context, t *task.Task) error
	UpdateTaskStatus(ctx context.Context, id string, status task.Status, result, errorKind, errorMessage string) error
	ListTasks(ctx context.Context) ([]*task.Task, error)
	ListTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error)
	ListChildTasks(ctx context.Context, parentTaskID string) ([]*task.Task, error)
	DeleteTask(ctx context.Context, id string) error

	Close() error
}
