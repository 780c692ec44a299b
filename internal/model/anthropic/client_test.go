package anthropic

import (
	"context"
	"sync"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/common/logger"
	"github.com/jasonkneen/claudelet/internal/model"
)

// scriptDecoder feeds a fixed event sequence to the SDK stream.
type scriptDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *scriptDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *scriptDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *scriptDecoder) Close() error { return nil }
func (d *scriptDecoder) Err() error   { return d.err }

func sse(eventType, data string) ssestream.Event {
	return ssestream.Event{Type: eventType, Data: []byte(data)}
}

// fakeMessages serves one scripted decoder per NewStreaming call and records
// the request bodies.
type fakeMessages struct {
	mu       sync.Mutex
	decoders []*scriptDecoder
	bodies   []sdk.MessageNewParams
}

func (f *fakeMessages) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies = append(f.bodies, body)
	var dec *scriptDecoder
	if len(f.decoders) > 0 {
		dec = f.decoders[0]
		f.decoders = f.decoders[1:]
	} else {
		dec = &scriptDecoder{}
	}
	return ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
}

func (f *fakeMessages) recorded() []sdk.MessageNewParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sdk.MessageNewParams(nil), f.bodies...)
}

func newTestClient(t *testing.T, msg MessagesClient) *Client {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewClientWithMessages(msg, log)
}

func collectTurn(t *testing.T, events <-chan model.Event) []model.Event {
	t.Helper()
	var out []model.Event
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed before the turn finished")
			out = append(out, ev)
			if ev.Type == model.EventTypeResult {
				return out
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for turn events")
		}
	}
}

func TestRunTranslatesStreamEvents(t *testing.T) {
	msg := &fakeMessages{decoders: []*scriptDecoder{{events: []ssestream.Event{
		sse("message_start", `{"type":"message_start"}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`),
		sse("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu-1","name":"Grep"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"pattern\":\"x\"}"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":1}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}}}
	client := newTestClient(t, msg)

	inputs := make(chan string, 1)
	inputs <- "find x"
	stream, err := client.Run(context.Background(), model.Options{Model: "claude-haiku-latest"}, inputs)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	init := <-stream.Events()
	require.Equal(t, model.EventTypeSystem, init.Type)
	assert.Equal(t, model.SystemSubtypeInit, init.Subtype)
	assert.NotEmpty(t, init.SessionID)
	assert.Equal(t, "claude-haiku-latest", init.Model)

	turn := collectTurn(t, stream.Events())
	require.Len(t, turn, 5)

	assert.Equal(t, model.StreamContentBlockDelta, turn[0].StreamType)
	assert.Equal(t, "hello", turn[0].Delta.Text)

	require.Equal(t, model.StreamContentBlockStart, turn[1].StreamType)
	assert.Equal(t, model.BlockTypeToolUse, turn[1].ContentBlock.Type)
	assert.Equal(t, "tu-1", turn[1].ContentBlock.ID)
	assert.Equal(t, "Grep", turn[1].ContentBlock.Name)

	assert.Equal(t, model.DeltaTypeInputJSON, turn[2].Delta.Type)
	assert.Equal(t, `{"pattern":"x"}`, turn[2].Delta.PartialJSON)

	assert.Equal(t, model.StreamContentBlockStop, turn[3].StreamType)
	assert.Equal(t, 1, turn[3].Index)

	assert.Equal(t, model.EventTypeResult, turn[4].Type)
}

func TestRunCarriesHistoryAcrossTurns(t *testing.T) {
	msg := &fakeMessages{decoders: []*scriptDecoder{
		{events: []ssestream.Event{
			sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"first answer"}}`),
			sse("message_stop", `{"type":"message_stop"}`),
		}},
		{events: []ssestream.Event{
			sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"second answer"}}`),
			sse("message_stop", `{"type":"message_stop"}`),
		}},
	}}
	client := newTestClient(t, msg)

	inputs := make(chan string, 2)
	stream, err := client.Run(context.Background(), model.Options{
		Model:        "claude-haiku-latest",
		SystemPrompt: "be terse",
	}, inputs)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	init := <-stream.Events()
	require.Equal(t, model.EventTypeSystem, init.Type)

	inputs <- "question one"
	collectTurn(t, stream.Events())
	inputs <- "question two"
	collectTurn(t, stream.Events())

	bodies := msg.recorded()
	require.Len(t, bodies, 2)
	assert.Len(t, bodies[0].Messages, 1)
	require.Len(t, bodies[1].Messages, 3, "second request should replay user, assistant, user")
	require.Len(t, bodies[1].System, 1)
	assert.Equal(t, "be terse", bodies[1].System[0].Text)
}

func TestSetModelAppliesToNextTurn(t *testing.T) {
	msg := &fakeMessages{decoders: []*scriptDecoder{
		{events: []ssestream.Event{sse("message_stop", `{"type":"message_stop"}`)}},
		{events: []ssestream.Event{sse("message_stop", `{"type":"message_stop"}`)}},
	}}
	client := newTestClient(t, msg)

	inputs := make(chan string, 2)
	stream, err := client.Run(context.Background(), model.Options{Model: "claude-haiku-latest"}, inputs)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()
	<-stream.Events() // init

	inputs <- "one"
	collectTurn(t, stream.Events())
	require.NoError(t, stream.SetModel(context.Background(), "claude-opus-latest"))
	inputs <- "two"
	collectTurn(t, stream.Events())

	bodies := msg.recorded()
	require.Len(t, bodies, 2)
	assert.Equal(t, sdk.Model("claude-haiku-latest"), bodies[0].Model)
	assert.Equal(t, sdk.Model("claude-opus-latest"), bodies[1].Model)
}

func TestRunSurfacesTransportFailure(t *testing.T) {
	msg := &fakeMessages{decoders: []*scriptDecoder{{err: assert.AnError}}}
	client := newTestClient(t, msg)

	inputs := make(chan string, 1)
	inputs <- "hello"
	stream, err := client.Run(context.Background(), model.Options{Model: "claude-haiku-latest"}, inputs)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	for range stream.Events() {
	}
	require.Error(t, stream.Err())
	assert.Equal(t, errors.KindModelTransport, errors.KindOf(stream.Err()))
}

func TestRunRejectsMissingModel(t *testing.T) {
	client := newTestClient(t, &fakeMessages{})
	_, err := client.Run(context.Background(), model.Options{}, make(chan string))
	require.Error(t, err)
	assert.Equal(t, errors.KindModelTransport, errors.KindOf(err))
}
