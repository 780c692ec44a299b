package model

// Event type discriminators as produced by the model transport.
const (
	EventTypeStream    = "stream_event"
	EventTypeAssistant = "assistant"
	EventTypeResult    = "result"
	EventTypeSystem    = "system"
)

// Stream event subtypes.
const (
	StreamContentBlockDelta = "content_block_delta"
	StreamContentBlockStart = "content_block_start"
	StreamContentBlockStop  = "content_block_stop"
)

// Delta types within a content_block_delta.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeThinking  = "thinking_delta"
	DeltaTypeInputJSON = "input_json_delta"
)

// Content block types.
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// System event subtypes.
const (
	SystemSubtypeInit = "init"
)

// Delta is the incremental payload of a content_block_delta event.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlock is a block within a stream event or an assistant message.
type ContentBlock struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`        // tool_use id
	Name      string         `json:"name,omitempty"`      // tool name
	Input     map[string]any `json:"input,omitempty"`     // tool input
	Text      string         `json:"text,omitempty"`      // text blocks
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"` // tool_result content: string, object, or array
	IsError   bool           `json:"is_error,omitempty"`
}

// AssistantMessage is the message payload of an assistant event.
type AssistantMessage struct {
	Content []ContentBlock `json:"content"`
}

// Event is one tagged event from the model stream. The Type field selects
// which of the optional payloads is populated.
type Event struct {
	Type string `json:"type"`

	// stream_event fields
	StreamType   string        `json:"stream_type,omitempty"` // content_block_delta|start|stop
	Index        int           `json:"index,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// assistant fields
	Message *AssistantMessage `json:"message,omitempty"`

	// system fields
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
}
