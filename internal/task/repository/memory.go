package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/task"
)

// MemoryRepository provides in-memory task storage operations.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory task repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]*task.Task)}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error { return nil }

// CreateTask stores a new task, assigning an ID if none is set.
func (r *MemoryRepository) CreateTask(ctx context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = task.StatusQueued
	}

	cp := *t
	r.tasks[t.ID] = &cp
	return nil
}

// GetTask retrieves a task by ID.
func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	cp := *t
	return &cp, nil
}

// UpdateTask replaces an existing task record.
func (r *MemoryRepository) UpdateTask(ctx context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; !ok {
		return errors.NotFound("task", t.ID)
	}
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	r.tasks[t.ID] = &cp
	return nil
}

// UpdateTaskStatus transitions a task and records the outcome fields.
func (r *MemoryRepository) UpdateTaskStatus(ctx context.Context, id string, status task.Status, result, errorKind, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return errors.NotFound("task", id)
	}
	now := time.Now().UTC()
	t.Status = status
	t.Result = result
	t.ErrorKind = errors.Kind(errorKind)
	t.ErrorMessage = errorMessage
	t.UpdatedAt = now
	if t.Terminal() {
		t.CompletedAt = &now
	}
	return nil
}

// ListTasks returns all tasks, newest first.
func (r *MemoryRepository) ListTasks(ctx context.Context) ([]*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(func(*task.Task) bool { return true }), nil
}

// ListTasksByStatus returns all tasks in the given status, newest first.
func (r *MemoryRepository) ListTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(func(t *task.Task) bool { return t.Status == status }), nil
}

// ListChildTasks returns the plan steps recorded under a root task.
func (r *MemoryRepository) ListChildTasks(ctx context.Context, parentTaskID string) ([]*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(func(t *task.Task) bool { return t.ParentTaskID == parentTaskID }), nil
}

// DeleteTask removes a task by ID.
func (r *MemoryRepository) DeleteTask(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return errors.NotFound("task", id)
	}
	delete(r.tasks, id)
	return nil
}

func (r *MemoryRepository) listLocked(keep func(*task.Task) bool) []*task.Task {
	out := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
