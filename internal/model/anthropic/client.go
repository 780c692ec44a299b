// Package anthropic implements the model transport over the Anthropic
// Messages API. Conversation state lives client-side: each input message is
// appended to the running history and replayed with the next request, so one
// Run call behaves as one continuous session.
package anthropic

import (
	"context"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/common/logger"
	"github.com/jasonkneen/claudelet/internal/model"
)

const defaultMaxTokens = 8192

// MessagesClient captures the subset of the SDK message service the transport
// uses. *sdk.MessageService satisfies it; tests substitute a scripted stream.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Client opens streaming conversations against the Anthropic Messages API.
type Client struct {
	messages  MessagesClient
	maxTokens int64
	logger    *logger.Logger
}

// NewClient creates a transport client authenticated with apiKey.
func NewClient(apiKey string, log *logger.Logger) *Client {
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewClientWithMessages(&c.Messages, log)
}

// NewClientWithMessages creates a transport client over an existing message
// service.
func NewClientWithMessages(msg MessagesClient, log *logger.Logger) *Client {
	return &Client{
		messages:  msg,
		maxTokens: defaultMaxTokens,
		logger:    log.WithFields(zap.String("component", "anthropic")),
	}
}

// Run starts a streaming conversation. Inputs are consumed one at a time;
// each one becomes a user turn replayed with the accumulated history.
func (c *Client) Run(ctx context.Context, opts model.Options, inputs <-chan string) (model.Stream, error) {
	if opts.Model == "" {
		return nil, errors.ModelTransport("no model configured", nil)
	}
	s := &stream{
		client:  c,
		modelID: opts.Model,
		events:  make(chan model.Event, 64),
		closed:  make(chan struct{}),
	}
	go s.loop(ctx, opts, inputs)
	return s, nil
}

type stream struct {
	client    *Client
	events    chan model.Event
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	modelID    string
	turnCancel context.CancelFunc
	err        error
}

func (s *stream) Events() <-chan model.Event { return s.events }

// Interrupt cancels the in-flight turn. The session settles normally: the
// turn ends with a result event rather than a stream error.
func (s *stream) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// SetModel switches the model used from the next turn onward.
func (s *stream) SetModel(ctx context.Context, m string) error {
	s.mu.Lock()
	s.modelID = m
	s.mu.Unlock()
	return nil
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *stream) loop(ctx context.Context, opts model.Options, inputs <-chan string) {
	defer close(s.events)

	sessionID := opts.Resume
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if !s.emit(ctx, model.Event{
		Type:      model.EventTypeSystem,
		Subtype:   model.SystemSubtypeInit,
		SessionID: sessionID,
		Model:     opts.Model,
	}) {
		return
	}

	history := make([]sdk.MessageParam, 0, 8)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case text, ok := <-inputs:
			if !ok {
				return
			}
			history = append(history, sdk.NewUserMessage(sdk.NewTextBlock(text)))
			reply, err := s.playTurn(ctx, opts, history)
			if err != nil {
				s.setErr(err)
				return
			}
			if reply != "" {
				history = append(history, sdk.NewAssistantMessage(sdk.NewTextBlock(reply)))
			}
		}
	}
}

// playTurn streams one request and returns the assistant text for the
// history. An interrupted turn is not an error: it ends with a result event.
func (s *stream) playTurn(ctx context.Context, opts model.Options, history []sdk.MessageParam) (string, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.turnCancel = cancel
	modelID := s.modelID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.turnCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: s.client.maxTokens,
		Messages:  history,
	}
	if opts.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: opts.SystemPrompt}}
	}
	if opts.MaxThinkingTokens > 0 {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(opts.MaxThinkingTokens))
	}

	sse := s.client.messages.NewStreaming(turnCtx, params)
	defer func() { _ = sse.Close() }()

	var reply strings.Builder
	for sse.Next() {
		if !s.translate(ctx, sse.Current(), &reply) {
			return reply.String(), nil
		}
	}
	if err := sse.Err(); err != nil {
		if turnCtx.Err() != nil && ctx.Err() == nil {
			s.client.logger.Debug("turn interrupted", zap.String("model", modelID))
			s.emit(ctx, model.Event{Type: model.EventTypeResult})
			return reply.String(), nil
		}
		return reply.String(), errors.ModelTransport("model stream failed", err)
	}
	s.emit(ctx, model.Event{Type: model.EventTypeResult})
	return reply.String(), nil
}

// translate converts one SDK stream event into the runtime event shape.
// Returns false once the stream is closed and emission must stop.
func (s *stream) translate(ctx context.Context, event sdk.MessageStreamEventUnion, reply *strings.Builder) bool {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		block := s.contentBlock(ev)
		if block == nil {
			return true
		}
		return s.emit(ctx, model.Event{
			Type:         model.EventTypeStream,
			StreamType:   model.StreamContentBlockStart,
			Index:        int(ev.Index),
			ContentBlock: block,
		})
	case sdk.ContentBlockDeltaEvent:
		delta := s.delta(ev)
		if delta == nil {
			return true
		}
		if delta.Type == model.DeltaTypeText {
			reply.WriteString(delta.Text)
		}
		return s.emit(ctx, model.Event{
			Type:       model.EventTypeStream,
			StreamType: model.StreamContentBlockDelta,
			Index:      int(ev.Index),
			Delta:      delta,
		})
	case sdk.ContentBlockStopEvent:
		return s.emit(ctx, model.Event{
			Type:       model.EventTypeStream,
			StreamType: model.StreamContentBlockStop,
			Index:      int(ev.Index),
		})
	default:
		// message_start, message_delta and ping frames carry nothing the
		// session consumes; message_stop is settled by the caller.
		return true
	}
}

func (s *stream) contentBlock(ev sdk.ContentBlockStartEvent) *model.ContentBlock {
	switch block := ev.ContentBlock.AsAny().(type) {
	case sdk.ToolUseBlock:
		return &model.ContentBlock{
			Type: model.BlockTypeToolUse,
			ID:   block.ID,
			Name: block.Name,
		}
	case sdk.TextBlock:
		return &model.ContentBlock{Type: model.BlockTypeText, Text: block.Text}
	case sdk.ThinkingBlock:
		return &model.ContentBlock{Type: model.BlockTypeThinking}
	default:
		return nil
	}
}

func (s *stream) delta(ev sdk.ContentBlockDeltaEvent) *model.Delta {
	switch delta := ev.Delta.AsAny().(type) {
	case sdk.TextDelta:
		if delta.Text == "" {
			return nil
		}
		return &model.Delta{Type: model.DeltaTypeText, Text: delta.Text}
	case sdk.ThinkingDelta:
		if delta.Thinking == "" {
			return nil
		}
		return &model.Delta{Type: model.DeltaTypeThinking, Thinking: delta.Thinking}
	case sdk.InputJSONDelta:
		if delta.PartialJSON == "" {
			return nil
		}
		return &model.Delta{Type: model.DeltaTypeInputJSON, PartialJSON: delta.PartialJSON}
	default:
		return nil
	}
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
