// Package task defines the persisted task records the runtime tracks across
// submission, routing, and execution.
package task

import (
	"time"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/model"
)

// Status tracks a task through its lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Task is one submitted unit of work. Plan steps produced by the orchestrator
// are stored as child tasks pointing at the root via ParentTaskID.
type Task struct {
	ID           string      `db:"id" json:"id"`
	Content      string      `db:"content" json:"content"`
	Priority     string      `db:"priority" json:"priority"`
	Status       Status      `db:"status" json:"status"`
	ModelTier    model.Tier  `db:"model_tier" json:"model_tier,omitempty"`
	AgentID      string      `db:"agent_id" json:"agent_id,omitempty"`
	ParentTaskID string      `db:"parent_task_id" json:"parent_task_id,omitempty"`
	Result       string      `db:"result" json:"result,omitempty"`
	ErrorKind    errors.Kind `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage string      `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
	CompletedAt  *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
}

// Terminal reports whether the task has finished.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}
