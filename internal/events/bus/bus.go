// Package bus provides the pluggable messaging layer used to mirror agent
// events and runtime notifications to external consumers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Envelope is one message on the bus. Data carries the JSON-serializable
// payload; for agent event mirroring it is the aggregated session event.
type Envelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEnvelope creates an envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType, source string, data map[string]any) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes a delivered envelope.
type Handler func(ctx context.Context, env *Envelope) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the messaging abstraction. Subjects follow NATS conventions,
// including `*` and `>` wildcards.
type Bus interface {
	Publish(ctx context.Context, subject string, env *Envelope) error
	Subscribe(subject string, handler Handler) (Subscription, error)

	// QueueSubscribe delivers each message to one member of the queue group.
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)

	Close()
	IsConnected() bool
}
