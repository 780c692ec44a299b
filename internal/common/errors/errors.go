// Package errors provides the error taxonomy for the Claudelet runtime.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies runtime errors into the fixed taxonomy.
type Kind string

const (
	// KindAborted means a queue or session terminated while an operation was pending.
	KindAborted Kind = "ABORTED"
	// KindNotActive means an operation was attempted on a session that isn't running.
	KindNotActive Kind = "NOT_ACTIVE"
	// KindBusy means execute was called on an agent with a task already running.
	KindBusy Kind = "BUSY"
	// KindNotFound means an unknown agent or task id was referenced.
	KindNotFound Kind = "NOT_FOUND"
	// KindAuth means a session start was attempted without credentials.
	KindAuth Kind = "AUTH"
	// KindModelTransport is surfaced opaquely from the model client.
	KindModelTransport Kind = "MODEL_TRANSPORT"
	// KindParse means the orchestrator failed to parse a plan.
	KindParse Kind = "PARSE"
	// KindTimeout means a plan step exceeded its deadline.
	KindTimeout Kind = "TIMEOUT"
	// KindInternal means an invariant was violated.
	KindInternal Kind = "INTERNAL"
)

// Error is a runtime error carrying its taxonomy kind and an optional cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Aborted creates an aborted error.
func Aborted(message string) *Error {
	return &Error{Kind: KindAborted, Message: message}
}

// NotActive creates a not-active error.
func NotActive(message string) *Error {
	return &Error{Kind: KindNotActive, Message: message}
}

// Busy creates a busy error.
func Busy(message string) *Error {
	return &Error{Kind: KindBusy, Message: message}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s with id '%s' not found", resource, id)}
}

// Auth creates an authentication error.
func Auth(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

// ModelTransport wraps an error surfaced from the model client.
func ModelTransport(message string, err error) *Error {
	return &Error{Kind: KindModelTransport, Message: message, Err: err}
}

// Parse wraps a plan parsing failure.
func Parse(message string, err error) *Error {
	return &Error{Kind: KindParse, Message: message, Err: err}
}

// Timeout creates a timeout error.
func Timeout(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message}
}

// Internal wraps an invariant violation with its underlying error.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// Wrap attaches a message to an existing error, preserving its kind if it
// already carries one and classifying it as internal otherwise.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return &Error{
			Kind:    re.Kind,
			Message: fmt.Sprintf("%s: %s", message, re.Message),
			Err:     err,
		}
	}
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of an error, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// IsKind reports whether the error carries the given kind.
func IsKind(err error, kind Kind) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

// IsAborted checks if the error is an aborted error.
func IsAborted(err error) bool { return IsKind(err, KindAborted) }

// IsBusy checks if the error is a busy error.
func IsBusy(err error) bool { return IsKind(err, KindBusy) }

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool { return IsKind(err, KindTimeout) }

// HTTPStatus returns the HTTP status code the API layer reports for an error.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindBusy, KindNotActive, KindAborted:
		return http.StatusConflict
	case KindAuth:
		return http.StatusUnauthorized
	case KindParse:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
