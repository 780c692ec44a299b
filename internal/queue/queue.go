// Package queue provides the input buffers feeding agent sessions.
//
// MessageQueue is the single-session producer/consumer buffer: every enqueue
// blocks until its item has been yielded to the consumer, which gives natural
// backpressure of at most one in-flight yield per producer. SmartMessageQueue
// layers priority bands and auto-injection on the same handoff machinery.
package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/common/logger"
)

// item pairs a payload with the producer's one-shot completion handle.
type item struct {
	payload string
	ack     chan error // buffered(1); nil for synthesized items
}

func newItem(payload string) *item {
	return &item{payload: payload, ack: make(chan error, 1)}
}

// resolve completes the producer's ack. No-op for synthesized items.
func (it *item) resolve(err error) {
	if it.ack != nil {
		it.ack <- err
	}
}

// MessageQueue is a FIFO input buffer for one agent session.
// The consumer side is single-consumer; the producer side is safe to call
// from any goroutine.
type MessageQueue struct {
	mu        sync.Mutex
	sessionID string
	buf       []*item
	waiters   []chan *item // a waiter receives one item, or nil on abort
	aborted   bool
	logger    *logger.Logger
}

// NewMessageQueue creates a queue for the given session.
func NewMessageQueue(sessionID string, log *logger.Logger) *MessageQueue {
	return &MessageQueue{
		sessionID: sessionID,
		logger:    log.WithFields(zap.String("component", "message-queue"), zap.String("session_id", sessionID)),
	}
}

// Enqueue appends a message and blocks until the consumer has yielded it,
// Clear released it, or the queue was aborted.
func (q *MessageQueue) Enqueue(ctx context.Context, payload string) error {
	q.mu.Lock()
	if q.aborted {
		q.mu.Unlock()
		return errors.Aborted("enqueue on aborted queue")
	}
	it := newItem(payload)
	if len(q.waiters) > 0 {
		// Hand the item directly to a waiting consumer, bypassing the buffer.
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.mu.Unlock()
		w <- it
	} else {
		q.buf = append(q.buf, it)
		q.mu.Unlock()
	}

	select {
	case err := <-it.ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue yields the next message, suspending while the queue is empty.
// Returns an Aborted error once the queue has been aborted and drained.
func (q *MessageQueue) Dequeue(ctx context.Context) (string, error) {
	q.mu.Lock()
	if len(q.buf) > 0 {
		it := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		it.resolve(nil)
		return it.payload, nil
	}
	if q.aborted {
		q.mu.Unlock()
		return "", errors.Aborted("queue aborted")
	}
	w := make(chan *item, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case it := <-w:
		if it == nil {
			return "", errors.Aborted("queue aborted")
		}
		it.resolve(nil)
		return it.payload, nil
	case <-ctx.Done():
		q.removeWaiter(w)
		return "", ctx.Err()
	}
}

// Stream returns a channel fed by the consumer loop. The channel is unbuffered
// so a yielded item is handed straight to the reader; it closes when the queue
// is aborted or the context is cancelled.
func (q *MessageQueue) Stream(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			payload, err := q.Dequeue(ctx)
			if err != nil {
				return
			}
			select {
			case out <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Clear releases all buffered items, resolving their producers' acks without
// yielding the payloads.
func (q *MessageQueue) Clear() {
	q.mu.Lock()
	cleared := q.buf
	q.buf = nil
	q.mu.Unlock()

	for _, it := range cleared {
		it.resolve(nil)
	}
	if len(cleared) > 0 {
		q.logger.Debug("queue cleared", zap.Int("released", len(cleared)))
	}
}

// Abort terminates the queue: buffered producers are rejected, waiting
// consumers see end-of-stream, and subsequent enqueues fail.
func (q *MessageQueue) Abort() {
	q.mu.Lock()
	if q.aborted {
		q.mu.Unlock()
		return
	}
	q.aborted = true
	drained := q.buf
	q.buf = nil
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, it := range drained {
		it.resolve(errors.Aborted("queue aborted"))
	}
	for _, w := range waiters {
		w <- nil
	}
	q.logger.Debug("queue aborted", zap.Int("rejected", len(drained)))
}

// Len returns the number of buffered, not-yet-yielded items.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Aborted reports whether the queue has been aborted.
func (q *MessageQueue) Aborted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted
}

func (q *MessageQueue) removeWaiter(w chan *item) {
	q.mu.Lock()
	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	// The waiter may have been handed an item concurrently with cancellation;
	// put it back so it is not lost.
	select {
	case it := <-w:
		if it != nil {
			q.mu.Lock()
			q.buf = append([]*item{it}, q.buf...)
			q.mu.Unlock()
		}
	default:
	}
}
