package events

import (
	"sync"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/model"
)

// Handlers receives the typed per-agent events an emitter produces. Any nil
// handler is skipped.
type Handlers struct {
	Started       func(taskID string, tier model.Tier)
	Text          func(chunk string)
	ThinkingChunk func(blockIndex int, chunk string)
	ToolStart     func(toolUseID, toolName string, input map[string]any)
	ToolComplete  func(toolUseID, content string, isError bool)
	Progress      func(percent int, message string)
	Complete      func(taskID, result string)
	Error         func(taskID string, kind errors.Kind, message string)
	Stopped       func(taskID string)
}

// Emitter is the per-agent event source the coordinator fans in. Emission is
// synchronous in registration order, which preserves per-agent ordering.
type Emitter struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]*Handlers
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[int]*Handlers)}
}

// Attach registers a handler set and returns a detach function.
func (e *Emitter) Attach(h Handlers) func() {
	e.mu.Lock()
	id := e.next
	e.next++
	e.handlers[id] = &h
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

// snapshot returns handler sets in registration order.
func (e *Emitter) snapshot() []*Handlers {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Handlers, 0, len(e.handlers))
	for id := 0; id < e.next; id++ {
		if h, ok := e.handlers[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

// EmitStarted announces a task starting on the agent.
func (e *Emitter) EmitStarted(taskID string, tier model.Tier) {
	for _, h := range e.snapshot() {
		if h.Started != nil {
			h.Started(taskID, tier)
		}
	}
}

// EmitText delivers a text chunk.
func (e *Emitter) EmitText(chunk string) {
	for _, h := range e.snapshot() {
		if h.Text != nil {
			h.Text(chunk)
		}
	}
}

// EmitThinkingChunk delivers a thinking chunk for a block.
func (e *Emitter) EmitThinkingChunk(blockIndex int, chunk string) {
	for _, h := range e.snapshot() {
		if h.ThinkingChunk != nil {
			h.ThinkingChunk(blockIndex, chunk)
		}
	}
}

// EmitToolStart announces a tool invocation.
func (e *Emitter) EmitToolStart(toolUseID, toolName string, input map[string]any) {
	for _, h := range e.snapshot() {
		if h.ToolStart != nil {
			h.ToolStart(toolUseID, toolName, input)
		}
	}
}

// EmitToolComplete delivers a tool result.
func (e *Emitter) EmitToolComplete(toolUseID, content string, isError bool) {
	for _, h := range e.snapshot() {
		if h.ToolComplete != nil {
			h.ToolComplete(toolUseID, content, isError)
		}
	}
}

// EmitProgress delivers a progress update.
func (e *Emitter) EmitProgress(percent int, message string) {
	for _, h := range e.snapshot() {
		if h.Progress != nil {
			h.Progress(percent, message)
		}
	}
}

// EmitComplete announces successful completion of a task.
func (e *Emitter) EmitComplete(taskID, result string) {
	for _, h := range e.snapshot() {
		if h.Complete != nil {
			h.Complete(taskID, result)
		}
	}
}

// EmitError announces a failed task.
func (e *Emitter) EmitError(taskID string, kind errors.Kind, message string) {
	for _, h := range e.snapshot() {
		if h.Error != nil {
			h.Error(taskID, kind, message)
		}
	}
}

// EmitStopped announces the agent stopping mid-task.
func (e *Emitter) EmitStopped(taskID string) {
	for _, h := range e.snapshot() {
		if h.Stopped != nil {
			h.Stopped(taskID)
		}
	}
}
