// Package modeltest provides a scripted in-memory model client for tests.
// Each turn of the script is played back in response to one input message,
// with optional interrupt gates and injected transport failures.
package modeltest

import (
	"context"
	"sync"

	"github.com/jasonkneen/claudelet/internal/model"
)

// Turn describes the events the fake model emits for one input message.
type Turn struct {
	// Events are emitted in order once the input arrives.
	Events []model.Event

	// InterruptAfter, when > 0, emits only the first InterruptAfter events,
	// then blocks until Interrupt is called before emitting the rest.
	InterruptAfter int

	// Err, when set, terminates the stream with this error after the turn's
	// events have been emitted.
	Err error
}

// Client is a scripted model.Client. Safe for one Run per constructed client.
type Client struct {
	// SessionID is reported in the initial system/init event.
	SessionID string

	// Turns are consumed one per input message. Inputs beyond the script
	// get an immediate result event.
	Turns []Turn

	mu           sync.Mutex
	lastOptions  model.Options
	modelChanges []string
	interrupts   int
}

// LastOptions returns the options passed to the most recent Run call.
func (c *Client) LastOptions() model.Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOptions
}

// ModelChanges returns the models requested via SetModel, in order.
func (c *Client) ModelChanges() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.modelChanges...)
}

// Interrupts returns how many times Interrupt was called.
func (c *Client) Interrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupts
}

// Run starts playback. The returned stream emits a system/init event first,
// then one scripted turn per input message.
func (c *Client) Run(ctx context.Context, opts model.Options, inputs <-chan string) (model.Stream, error) {
	c.mu.Lock()
	c.lastOptions = opts
	c.mu.Unlock()

	s := &stream{
		client:    c,
		events:    make(chan model.Event, 64),
		interrupt: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	go s.play(ctx, opts, inputs)
	return s, nil
}

type stream struct {
	client    *Client
	events    chan model.Event
	interrupt chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *stream) Events() <-chan model.Event { return s.events }

func (s *stream) Interrupt(ctx context.Context) error {
	s.client.mu.Lock()
	s.client.interrupts++
	s.client.mu.Unlock()
	select {
	case s.interrupt <- struct{}{}:
	default: // coalesce repeated interrupts
	}
	return nil
}

func (s *stream) SetModel(ctx context.Context, m string) error {
	s.client.mu.Lock()
	s.client.modelChanges = append(s.client.modelChanges, m)
	s.client.mu.Unlock()
	return nil
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *stream) play(ctx context.Context, opts model.Options, inputs <-chan string) {
	defer close(s.events)

	sessionID := s.client.SessionID
	if sessionID == "" {
		sessionID = "sess-1"
	}
	if opts.Resume != "" {
		sessionID = opts.Resume
	}
	if !s.emit(ctx, model.Event{
		Type:      model.EventTypeSystem,
		Subtype:   model.SystemSubtypeInit,
		SessionID: sessionID,
		Model:     opts.Model,
	}) {
		return
	}

	turn := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case _, ok := <-inputs:
			if !ok {
				return
			}
			if !s.playTurn(ctx, turn) {
				return
			}
			turn++
		}
	}
}

// playTurn emits one scripted turn. Returns false when the stream must end.
func (s *stream) playTurn(ctx context.Context, turn int) bool {
	if turn >= len(s.client.Turns) {
		return s.emit(ctx, Result())
	}
	t := s.client.Turns[turn]
	for i, ev := range t.Events {
		if t.InterruptAfter > 0 && i == t.InterruptAfter {
			select {
			case <-s.interrupt:
			case <-ctx.Done():
				return false
			case <-s.closed:
				return false
			}
		}
		if !s.emit(ctx, ev) {
			return false
		}
	}
	if t.Err != nil {
		s.mu.Lock()
		s.err = t.Err
		s.mu.Unlock()
		return false
	}
	return true
}

func (s *stream) emit(ctx context.Context, ev model.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
}

// TextDelta builds a content_block_delta event carrying text.
func TextDelta(text string) model.Event {
	return model.Event{
		Type:       model.EventTypeStream,
		StreamType: model.StreamContentBlockDelta,
		Delta:      &model.Delta{Type: model.DeltaTypeText, Text: text},
	}
}

// ThinkingDelta builds a content_block_delta event carrying thinking text.
func ThinkingDelta(index int, text string) model.Event {
	return model.Event{
		Type:       model.EventTypeStream,
		StreamType: model.StreamContentBlockDelta,
		Index:      index,
		Delta:      &model.Delta{Type: model.DeltaTypeThinking, Thinking: text},
	}
}

// InputJSONDelta builds a content_block_delta event carrying a tool input fragment.
func InputJSONDelta(index int, fragment string) model.Event {
	return model.Event{
		Type:       model.EventTypeStream,
		StreamType: model.StreamContentBlockDelta,
		Index:      index,
		Delta:      &model.Delta{Type: model.DeltaTypeInputJSON, PartialJSON: fragment},
	}
}

// ToolUseStart builds a content_block_start event for a tool_use block.
func ToolUseStart(index int, id, name string, input map[string]any) model.Event {
	return model.Event{
		Type:       model.EventTypeStream,
		StreamType: model.StreamContentBlockStart,
		Index:      index,
		ContentBlock: &model.ContentBlock{
			Type:  model.BlockTypeToolUse,
			ID:    id,
			Name:  name,
			Input: input,
		},
	}
}

// ThinkingStart builds a content_block_start event for a thinking block.
func ThinkingStart(index int) model.Event {
	return model.Event{
		Type:         model.EventTypeStream,
		StreamType:   model.StreamContentBlockStart,
		Index:        index,
		ContentBlock: &model.ContentBlock{Type: model.BlockTypeThinking},
	}
}

// ToolResultStart builds a content_block_start event for a tool_result block.
func ToolResultStart(index int, toolUseID string, content any, isError bool) model.Event {
	return model.Event{
		Type:       model.EventTypeStream,
		StreamType: model.StreamContentBlockStart,
		Index:      index,
		ContentBlock: &model.ContentBlock{
			Type:      model.BlockTypeToolResult,
			ToolUseID: toolUseID,
			Content:   content,
			IsError:   isError,
		},
	}
}

// BlockStop builds a content_block_stop event.
func BlockStop(index int) model.Event {
	return model.Event{
		Type:       model.EventTypeStream,
		StreamType: model.StreamContentBlockStop,
		Index:      index,
	}
}

// AssistantToolResult builds an assistant event containing one tool_result block.
func AssistantToolResult(toolUseID string, content any, isError bool) model.Event {
	return model.Event{
		Type: model.EventTypeAssistant,
		Message: &model.AssistantMessage{
			Content: []model.ContentBlock{{
				Type:      model.BlockTypeToolResult,
				ToolUseID: toolUseID,
				Content:   content,
				IsError:   isError,
			}},
		},
	}
}

// AssistantText builds an assistant event containing one text block.
func AssistantText(text string) model.Event {
	return model.Event{
		Type: model.EventTypeAssistant,
		Message: &model.AssistantMessage{
			Content: []model.ContentBlock{{Type: model.BlockTypeText, Text: text}},
		},
	}
}

// Result builds the terminal result event for a turn.
func Result() model.Event {
	return model.Event{Type: model.EventTypeResult}
}
