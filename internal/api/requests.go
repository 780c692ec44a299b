// Package api exposes the runtime's operational surface over HTTP and
// WebSocket.
package api

// SubmitTaskRequest submits a task for execution.
type SubmitTaskRequest struct {
	Content  string `json:"content" binding:"required"`
	Priority string `json:"priority"`
}

// SubmitTaskResponse acknowledges a submitted task.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}
