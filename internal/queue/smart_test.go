package queue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jasonkneen/claudelet/internal/common/errors"
)

func smartProduce(q *SmartMessageQueue, priority Priority, payloads ...string) <-chan error {
	results := make(chan error, len(payloads))
	go func() {
		for _, p := range payloads {
			results <- q.Enqueue(context.Background(), p, priority)
		}
		close(results)
	}()
	return results
}

func drainSmart(t *testing.T, q *SmartMessageQueue, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		payload, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue %d failed: %v", i, err)
		}
		out = append(out, payload)
	}
	return out
}

func TestSmartPriorityOrdering(t *testing.T) {
	q := NewSmartMessageQueue("s1", nil, testLogger(t))

	// Producers block until yielded, so wait for each band's item to be buffered.
	todo := smartProduce(q, PriorityTodo, "todo-1")
	normal := smartProduce(q, PriorityNormal, "normal-1")
	urgent := smartProduce(q, PriorityUrgent, "urgent-1")
	waitForLen(t, q, 3)

	got := drainSmart(t, q, 3)
	want := []string{"urgent-1", "normal-1", "todo-1"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	for _, ch := range []<-chan error{todo, normal, urgent} {
		for err := range ch {
			if err != nil {
				t.Errorf("enqueue error: %v", err)
			}
		}
	}
}

func TestSmartFIFOWithinBand(t *testing.T) {
	q := NewSmartMessageQueue("s1", nil, testLogger(t))
	smartProduce(q, PriorityNormal, "first", "second", "third")

	got := drainSmart(t, q, 3)
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSmartInjectionBeforeNormalHead(t *testing.T) {
	rules := []InjectionRule{{
		Name:    "todo-reminder",
		Trigger: func(next string) bool { return strings.Contains(next, "respond") },
		Payload: "consider TODOs before responding",
	}}
	q := NewSmartMessageQueue("s1", rules, testLogger(t))
	smartProduce(q, PriorityNormal, "please respond to the user")
	waitForLen(t, q, 1)

	got := drainSmart(t, q, 2)
	if got[0] != "consider TODOs before responding" {
		t.Errorf("expected injected prompt first, got %q", got[0])
	}
	if got[1] != "please respond to the user" {
		t.Errorf("expected original head second, got %q", got[1])
	}
}

func TestSmartInjectionNotRepeatedForSameItem(t *testing.T) {
	fired := 0
	rules := []InjectionRule{{
		Name:    "count",
		Trigger: func(string) bool { fired++; return true },
		Payload: "injected",
	}}
	q := NewSmartMessageQueue("s1", rules, testLogger(t))
	smartProduce(q, PriorityNormal, "item")
	waitForLen(t, q, 1)

	got := drainSmart(t, q, 2)
	if got[0] != "injected" || got[1] != "item" {
		t.Errorf("unexpected order: %v", got)
	}
	if fired != 1 {
		t.Errorf("rule should fire once per item, fired %d times", fired)
	}
}

func TestSmartUrgentSkipsInjection(t *testing.T) {
	rules := []InjectionRule{{
		Name:    "always",
		Trigger: func(string) bool { return true },
		Payload: "injected",
	}}
	q := NewSmartMessageQueue("s1", rules, testLogger(t))
	smartProduce(q, PriorityUrgent, "urgent-item")
	waitForLen(t, q, 1)

	got := drainSmart(t, q, 1)
	if got[0] != "urgent-item" {
		t.Errorf("urgent items must bypass injection, got %q", got[0])
	}
}

func TestForceInjectTakesUrgentHead(t *testing.T) {
	q := NewSmartMessageQueue("s1", nil, testLogger(t))
	smartProduce(q, PriorityUrgent, "urgent-1")
	waitForLen(t, q, 1)

	q.ForceInject("stop everything")

	got := drainSmart(t, q, 2)
	if got[0] != "stop everything" {
		t.Errorf("force-injected item must be yielded first, got %q", got[0])
	}
	if got[1] != "urgent-1" {
		t.Errorf("expected 'urgent-1' second, got %q", got[1])
	}
}

func TestForceInjectHandsOverToWaiter(t *testing.T) {
	q := NewSmartMessageQueue("s1", nil, testLogger(t))

	got := make(chan string, 1)
	go func() {
		payload, err := q.Dequeue(context.Background())
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- payload
	}()
	time.Sleep(10 * time.Millisecond)

	q.ForceInject("now")

	select {
	case payload := <-got:
		if payload != "now" {
			t.Errorf("expected 'now', got %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never received the force-injected item")
	}
}

func TestSmartAbort(t *testing.T) {
	q := NewSmartMessageQueue("s1", nil, testLogger(t))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), "x", PriorityNormal)
	}()
	time.Sleep(10 * time.Millisecond)

	q.Abort()

	select {
	case err := <-done:
		if !errors.IsAborted(err) {
			t.Errorf("expected Aborted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending enqueue hung after abort")
	}
	if err := q.Enqueue(context.Background(), "y", PriorityNormal); !errors.IsAborted(err) {
		t.Errorf("expected Aborted for enqueue after abort, got %v", err)
	}
}

func TestSmartDepth(t *testing.T) {
	q := NewSmartMessageQueue("s1", nil, testLogger(t))
	smartProduce(q, PriorityNormal, "a")
	smartProduce(q, PriorityTodo, "b")
	waitForLen(t, q, 2)

	depth := q.Depth()
	if depth[PriorityNormal] != 1 || depth[PriorityTodo] != 1 || depth[PriorityUrgent] != 0 {
		t.Errorf("unexpected depth: %v", depth)
	}
}

// waitForLen polls until the queue has buffered n items; producers enqueue
// from separate goroutines so arrival is asynchronous.
func waitForLen(t *testing.T, q interface{ Len() int }, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for q.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("queue never reached %d items (have %d)", n, q.Len())
		}
		time.Sleep(time.Millisecond)
	}
}
