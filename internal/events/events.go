// Package events defines the aggregated session event stream: the uniform,
// sequence-numbered records describing agent activity for external consumers.
package events

import (
	"time"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/model"
)

// Type discriminates session events.
type Type string

const (
	TypeStarted       Type = "started"
	TypeTextDelta     Type = "text_delta"
	TypeThinkingDelta Type = "thinking_delta"
	TypeToolStart     Type = "tool_start"
	TypeToolResult    Type = "tool_result"
	TypeProgress      Type = "progress"
	TypeCompleted     Type = "completed"
	TypeFailed        Type = "failed"
	TypeStopped       Type = "stopped"
)

// Event is one aggregated session event. Seq is assigned by the coordinator
// at publish time and is strictly increasing across all agents.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      Type      `json:"type"`
	AgentID   string    `json:"agent_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// started
	ModelTier model.Tier `json:"model_tier,omitempty"`

	// text_delta / thinking_delta
	Chunk      string `json:"chunk,omitempty"`
	BlockIndex int    `json:"block_index,omitempty"`

	// tool_start / tool_result
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`

	// progress
	Percent int    `json:"percent,omitempty"`
	Message string `json:"message,omitempty"`

	// completed
	Result string `json:"result,omitempty"`

	// failed
	ErrorKind    errors.Kind `json:"error_kind,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// Terminal reports whether the event ends a (agent, task) execution.
// Stopped is treated equivalently to completed by reducers.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeCompleted, TypeFailed, TypeStopped:
		return true
	}
	return false
}
