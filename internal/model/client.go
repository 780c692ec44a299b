// Package model defines the contract with the remote model transport.
// The transport itself (HTTP/SSE, reconnection, auth) lives behind the
// Client interface; the runtime only consumes typed events.
package model

import "context"

// Permission modes for tool execution.
const (
	PermissionAcceptEdits = "acceptEdits"
	PermissionAsk         = "ask"
	PermissionDeny        = "deny"
)

// Options configures one streaming conversation.
type Options struct {
	Model                  string
	ModelDisplay           string // human-readable model name reported at session init
	MaxThinkingTokens      int
	PermissionMode         string
	AllowedTools           []string
	WorkingDirectory       string
	Env                    map[string]string
	SystemPrompt           string
	Resume                 string // previous session id to resume, if any
	IncludePartialMessages bool
}

// Stream is one live conversation with the model. Events are delivered on a
// single channel; after the channel closes, Err reports the terminal stream
// error, if any.
type Stream interface {
	// Events returns the event channel. Closed when the stream ends.
	Events() <-chan Event

	// Interrupt asks the model to stop generating the current response.
	// The stream may deliver a few trailing events before terminating the turn.
	Interrupt(ctx context.Context) error

	// SetModel switches the model on the live connection.
	SetModel(ctx context.Context, model string) error

	// Err returns the error that terminated the stream, or nil.
	Err() error

	// Close tears the connection down. Safe to call multiple times.
	Close() error
}

// Client opens streaming conversations. Inputs are user messages pulled from
// the session's queue; the client consumes them at its own pace.
type Client interface {
	Run(ctx context.Context, opts Options, inputs <-chan string) (Stream, error)
}
