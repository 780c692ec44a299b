// Package session runs one conversation with a model-backed agent: it feeds
// queued user messages into the model stream and translates raw stream events
// into typed callbacks.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/common/logger"
	"github.com/jasonkneen/claudelet/internal/credentials"
	"github.com/jasonkneen/claudelet/internal/model"
	"github.com/jasonkneen/claudelet/internal/queue"
)

// Status tracks the session lifecycle.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Callbacks receives translated stream events. Any nil callback is skipped.
type Callbacks struct {
	OnSessionInit        func(sessionID string, resumed bool, modelID, modelDisplay string)
	OnTextChunk          func(chunk string)
	OnThinkingStart      func(blockIndex int)
	OnThinkingChunk      func(blockIndex int, chunk string)
	OnToolUseStart       func(toolUseID, toolName string, input map[string]any)
	OnToolInputDelta     func(toolUseID, fragment string)
	OnToolResultStart    func(toolUseID, content string, isError bool)
	OnToolResultComplete func(toolUseID, content string, isError bool)
	OnContentBlockStop   func(blockIndex int, toolUseID string)
	OnMessageComplete    func()
	OnMessageStopped     func()
	OnError              func(message string)
	OnDebug              func(message string)
}

// AgentSession owns one model conversation. Messages flow in through the
// queue; stream events flow out through the callbacks.
type AgentSession struct {
	client    model.Client
	queue     *queue.MessageQueue
	creds     *credentials.Manager
	callbacks Callbacks
	opts      model.Options
	logger    *logger.Logger

	mu             sync.Mutex
	status         Status
	sessionID      string
	sessionIDSet   bool
	streamErr      error
	stream         model.Stream
	cancelStream   context.CancelFunc
	loopDone       chan struct{}
	isInterrupting atomic.Bool

	// indexToToolUseID maps content block indexes to tool use IDs within
	// the current assistant turn; cleared on each result event.
	indexToToolUseID map[int]string
}

// New creates an idle session. The queue carries user input; callbacks may be
// partially populated.
func New(client model.Client, q *queue.MessageQueue, creds *credentials.Manager, opts model.Options, cb Callbacks, log *logger.Logger) *AgentSession {
	return &AgentSession{
		client:           client,
		queue:            q,
		creds:            creds,
		callbacks:        cb,
		opts:             opts,
		status:           StatusIdle,
		indexToToolUseID: make(map[int]string),
		logger:           log.WithFields(zap.String("component", "agent-session")),
	}
}

// Start verifies credentials, opens the model stream, and begins translating
// events. Returns Busy if the session is already running. The mutex is held
// across the whole transition so concurrent Start calls admit exactly one.
func (s *AgentSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		return errors.Busy("session already running")
	}

	if s.creds != nil {
		if err := s.creds.RequireAPIKey(ctx); err != nil {
			return err
		}
	}

	// The stream runs on a session-owned context, not the caller's: a
	// cancelled spawn or task context must not tear the stream down under
	// the session. Cancellation reaches the stream through Interrupt and
	// Stop instead.
	streamCtx, cancel := context.WithCancel(context.Background())
	inputs := s.queue.Stream(streamCtx)

	stream, err := s.client.Run(streamCtx, s.opts, inputs)
	if err != nil {
		cancel()
		return errors.ModelTransport("failed to start model stream", err)
	}

	s.status = StatusRunning
	s.stream = stream
	s.cancelStream = cancel
	s.loopDone = make(chan struct{})

	go s.streamLoop(stream)
	return nil
}

// streamLoop consumes the model stream until it closes, then settles the
// terminal status.
func (s *AgentSession) streamLoop(stream model.Stream) {
	defer close(s.loopDone)

	for ev := range stream.Events() {
		s.handleEvent(ev)
	}

	err := stream.Err()
	s.mu.Lock()
	if err != nil {
		s.status = StatusError
		s.streamErr = err
	} else {
		s.status = StatusDone
	}
	s.cancelStream()
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("model stream failed", zap.Error(err))
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(err.Error())
		}
	} else if s.callbacks.OnMessageStopped != nil {
		s.callbacks.OnMessageStopped()
	}
}

func (s *AgentSession) handleEvent(ev model.Event) {
	switch ev.Type {
	case model.EventTypeSystem:
		if ev.Subtype == model.SystemSubtypeInit {
			s.mu.Lock()
			// The transport reports the canonical session id once at init.
			if !s.sessionIDSet {
				s.sessionID = ev.SessionID
				s.sessionIDSet = true
			}
			resumed := s.opts.Resume != ""
			modelID := ev.Model
			if modelID == "" {
				modelID = s.opts.Model
			}
			display := s.opts.ModelDisplay
			s.mu.Unlock()
			if s.callbacks.OnSessionInit != nil {
				s.callbacks.OnSessionInit(ev.SessionID, resumed, modelID, display)
			}
		}
	case model.EventTypeStream:
		s.handleStreamEvent(ev)
	case model.EventTypeAssistant:
		s.handleAssistantMessage(ev)
	case model.EventTypeResult:
		s.mu.Lock()
		s.indexToToolUseID = make(map[int]string)
		s.mu.Unlock()
		if s.callbacks.OnMessageComplete != nil {
			s.callbacks.OnMessageComplete()
		}
	}
}

func (s *AgentSession) handleStreamEvent(ev model.Event) {
	switch ev.StreamType {
	case model.StreamContentBlockDelta:
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case model.DeltaTypeText:
			if s.callbacks.OnTextChunk != nil {
				s.callbacks.OnTextChunk(ev.Delta.Text)
			}
		case model.DeltaTypeThinking:
			if s.callbacks.OnThinkingChunk != nil {
				s.callbacks.OnThinkingChunk(ev.Index, ev.Delta.Thinking)
			}
		case model.DeltaTypeInputJSON:
			if s.callbacks.OnToolInputDelta != nil {
				s.mu.Lock()
				toolUseID := s.indexToToolUseID[ev.Index]
				s.mu.Unlock()
				s.callbacks.OnToolInputDelta(toolUseID, ev.Delta.PartialJSON)
			}
		}
	case model.StreamContentBlockStart:
		if ev.ContentBlock == nil {
			return
		}
		switch ev.ContentBlock.Type {
		case model.BlockTypeToolUse:
			s.mu.Lock()
			s.indexToToolUseID[ev.Index] = ev.ContentBlock.ID
			s.mu.Unlock()
			if s.callbacks.OnToolUseStart != nil {
				s.callbacks.OnToolUseStart(ev.ContentBlock.ID, ev.ContentBlock.Name, ev.ContentBlock.Input)
			}
		case model.BlockTypeThinking:
			if s.callbacks.OnThinkingStart != nil {
				s.callbacks.OnThinkingStart(ev.Index)
			}
		case model.BlockTypeToolResult:
			if s.callbacks.OnToolResultStart != nil {
				s.callbacks.OnToolResultStart(ev.ContentBlock.ToolUseID, stringifyContent(ev.ContentBlock.Content), ev.ContentBlock.IsError)
			}
		}
	case model.StreamContentBlockStop:
		if s.callbacks.OnContentBlockStop != nil {
			s.mu.Lock()
			toolUseID := s.indexToToolUseID[ev.Index]
			s.mu.Unlock()
			s.callbacks.OnContentBlockStop(ev.Index, toolUseID)
		}
	}
}

// handleAssistantMessage surfaces completed tool results carried on full
// assistant messages.
func (s *AgentSession) handleAssistantMessage(ev model.Event) {
	if ev.Message == nil || s.callbacks.OnToolResultComplete == nil {
		return
	}
	for _, block := range ev.Message.Content {
		if block.Type != model.BlockTypeToolResult {
			continue
		}
		s.callbacks.OnToolResultComplete(block.ToolUseID, stringifyContent(block.Content), block.IsError)
	}
}

// Send queues a user message; blocks until the session consumes it.
func (s *AgentSession) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != StatusRunning {
		return errors.NotActive(fmt.Sprintf("session is %s", status))
	}
	return s.queue.Enqueue(ctx, text)
}

// Interrupt asks the model to stop its current turn. Concurrent interrupts
// collapse into one; transport errors are reported via OnDebug rather than
// failing the caller, since interruption is advisory.
func (s *AgentSession) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	stream := s.stream
	status := s.status
	s.mu.Unlock()

	if status != StatusRunning || stream == nil {
		return errors.NotActive("session not running")
	}
	if !s.isInterrupting.CompareAndSwap(false, true) {
		return nil
	}
	defer s.isInterrupting.Store(false)

	if err := stream.Interrupt(ctx); err != nil {
		if s.callbacks.OnDebug != nil {
			s.callbacks.OnDebug(fmt.Sprintf("interrupt failed: %v", err))
		}
	}
	return nil
}

// Stop aborts the input queue, closes the stream, and waits for the event
// loop to drain. Idempotent.
func (s *AgentSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	stream := s.stream
	loopDone := s.loopDone
	cancel := s.cancelStream
	s.mu.Unlock()

	s.queue.Abort()
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		if err := stream.Close(); err != nil && s.callbacks.OnDebug != nil {
			s.callbacks.OnDebug(fmt.Sprintf("stream close: %v", err))
		}
	}
	if loopDone != nil {
		select {
		case <-loopDone:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.Timeout("session event loop did not drain")
		}
	}
	return nil
}

// SetModel switches the model for subsequent turns.
func (s *AgentSession) SetModel(ctx context.Context, modelID string) error {
	s.mu.Lock()
	stream := s.stream
	status := s.status
	s.opts.Model = modelID
	s.mu.Unlock()

	if status != StatusRunning || stream == nil {
		return errors.NotActive("session not running")
	}
	if err := stream.SetModel(ctx, modelID); err != nil {
		return errors.ModelTransport("failed to switch model", err)
	}
	return nil
}

// SessionID returns the transport-assigned session id, empty until init.
func (s *AgentSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Status returns the current lifecycle status.
func (s *AgentSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the stream error that moved the session to StatusError, if any.
func (s *AgentSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

// Wait blocks until the stream loop exits or the context is cancelled.
func (s *AgentSession) Wait(ctx context.Context) error {
	s.mu.Lock()
	loopDone := s.loopDone
	s.mu.Unlock()
	if loopDone == nil {
		return errors.NotActive("session never started")
	}
	select {
	case <-loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stringifyContent renders tool result content for callbacks: strings pass
// through, arrays of text blocks join with newlines, everything else is
// serialized as JSON.
func stringifyContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
					continue
				}
			}
			parts = append(parts, stringifyContent(item))
		}
		return strings.Join(parts, "\n")
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
