package queue

import (
	"context"
	"testing"
	"time"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return log
}

// produce enqueues payloads sequentially from one goroutine and reports each
// enqueue result on the returned channel.
func produce(q *MessageQueue, payloads ...string) <-chan error {
	results := make(chan error, len(payloads))
	go func() {
		for _, p := range payloads {
			results <- q.Enqueue(context.Background(), p)
		}
		close(results)
	}()
	return results
}

func TestDequeueFIFO(t *testing.T) {
	q := NewMessageQueue("s1", testLogger(t))
	results := produce(q, "a", "b", "c")

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
	for err := range results {
		if err != nil {
			t.Errorf("enqueue returned error: %v", err)
		}
	}
}

func TestDequeueSuspendsUntilEnqueue(t *testing.T) {
	q := NewMessageQueue("s1", testLogger(t))

	got := make(chan string, 1)
	go func() {
		payload, err := q.Dequeue(context.Background())
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- payload
	}()

	// Give the consumer time to register as a waiter, then hand over directly.
	time.Sleep(10 * time.Millisecond)
	if err := q.Enqueue(context.Background(), "direct"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case payload := <-got:
		if payload != "direct" {
			t.Errorf("expected 'direct', got %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer never received the item")
	}
}

func TestEnqueueBlocksUntilYield(t *testing.T) {
	q := NewMessageQueue("s1", testLogger(t))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), "x")
	}()

	select {
	case err := <-done:
		t.Fatalf("enqueue returned before yield: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("enqueue returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("enqueue never unblocked after yield")
	}
}

func TestClearReleasesProducers(t *testing.T) {
	q := NewMessageQueue("s1", testLogger(t))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), "x")
	}()
	time.Sleep(10 * time.Millisecond)

	q.Clear()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("clear should resolve the ack without error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after clear")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue after clear, got Len() = %d", q.Len())
	}
}

func TestAbortRejectsPendingAndFutureEnqueues(t *testing.T) {
	q := NewMessageQueue("s1", testLogger(t))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), "x")
	}()
	time.Sleep(10 * time.Millisecond)

	q.Abort()

	select {
	case err := <-done:
		if !errors.IsAborted(err) {
			t.Errorf("expected Aborted for pending enqueue, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending enqueue hung after abort")
	}

	if err := q.Enqueue(context.Background(), "y"); !errors.IsAborted(err) {
		t.Errorf("expected Aborted for enqueue after abort, got %v", err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.IsAborted(err) {
		t.Errorf("expected Aborted for dequeue after abort, got %v", err)
	}
}

func TestAbortUnblocksWaitingConsumer(t *testing.T) {
	q := NewMessageQueue("s1", testLogger(t))

	got := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		got <- err
	}()
	time.Sleep(10 * time.Millisecond)

	q.Abort()

	select {
	case err := <-got:
		if !errors.IsAborted(err) {
			t.Errorf("expected Aborted end-of-stream, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiting consumer hung after abort")
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	q := NewMessageQueue("s1", testLogger(t))
	q.Abort()
	q.Abort()
	if !q.Aborted() {
		t.Error("queue should report aborted")
	}
}

func TestStreamClosesOnAbort(t *testing.T) {
	q := NewMessageQueue("s1", testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := q.Stream(ctx)

	go func() {
		_ = q.Enqueue(context.Background(), "one")
		q.Abort()
	}()

	select {
	case payload := <-stream:
		if payload != "one" {
			t.Errorf("expected 'one', got %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("stream never yielded")
	}

	select {
	case _, ok := <-stream:
		if ok {
			t.Error("stream should close after abort")
		}
	case <-time.After(time.Second):
		t.Fatal("stream never closed after abort")
	}
}

func TestDequeueContextCancelled(t *testing.T) {
	q := NewMessageQueue("s1", testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		got <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-got:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue hung after context cancellation")
	}

	// The queue must still work for a fresh consumer.
	go func() { _ = q.Enqueue(context.Background(), "later") }()
	payload, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue after cancelled waiter failed: %v", err)
	}
	if payload != "later" {
		t.Errorf("expected 'later', got %q", payload)
	}
}
