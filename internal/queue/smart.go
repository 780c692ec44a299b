package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/common/logger"
)

// Priority bands for the smart queue, highest first.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
	PriorityTodo   Priority = "todo"
)

// ParsePriority normalizes a priority string, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityUrgent, PriorityNormal, PriorityTodo:
		return Priority(s)
	}
	return PriorityNormal
}

// InjectionRule synthesizes a prompt ahead of a matching item. The rule set
// is fixed at construction; Trigger inspects the next item to be drained.
type InjectionRule struct {
	Name    string
	Trigger func(next string) bool
	Payload string
}

// smartItem is a banded item carrying its injection cursor.
type smartItem struct {
	item
	priority   Priority
	enqueuedAt time.Time
	nextRule   int // index of the next injection rule to evaluate
}

// SmartMessageQueue is a priority-banded, auto-injecting input buffer.
// Selection per yield: URGENT head, else pre-injections then NORMAL head,
// else TODO head, else suspend. Within a band ordering is FIFO.
type SmartMessageQueue struct {
	mu      sync.Mutex
	bands   map[Priority][]*smartItem
	waiters []chan *item
	rules   []InjectionRule
	aborted bool
	logger  *logger.Logger
}

// NewSmartMessageQueue creates a smart queue with a fixed injection rule set.
func NewSmartMessageQueue(sessionID string, rules []InjectionRule, log *logger.Logger) *SmartMessageQueue {
	return &SmartMessageQueue{
		bands: map[Priority][]*smartItem{
			PriorityUrgent: nil,
			PriorityNormal: nil,
			PriorityTodo:   nil,
		},
		rules:  rules,
		logger: log.WithFields(zap.String("component", "smart-queue"), zap.String("session_id", sessionID)),
	}
}

// Enqueue appends a message to its band and blocks until it has been yielded,
// cleared, or the queue aborted.
func (q *SmartMessageQueue) Enqueue(ctx context.Context, payload string, priority Priority) error {
	q.mu.Lock()
	if q.aborted {
		q.mu.Unlock()
		return errors.Aborted("enqueue on aborted queue")
	}
	it := &smartItem{
		item:       item{payload: payload, ack: make(chan error, 1)},
		priority:   priority,
		enqueuedAt: time.Now(),
	}
	q.bands[priority] = append(q.bands[priority], it)
	q.dispatchLocked()
	q.mu.Unlock()

	select {
	case err := <-it.ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceInject places a payload at the head of the URGENT band regardless of
// any in-flight state. It does not wait for the item to be yielded.
func (q *SmartMessageQueue) ForceInject(payload string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.aborted {
		return
	}
	it := &smartItem{
		item:       item{payload: payload}, // no producer awaits a force-injected item
		priority:   PriorityUrgent,
		enqueuedAt: time.Now(),
	}
	q.bands[PriorityUrgent] = append([]*smartItem{it}, q.bands[PriorityUrgent]...)
	q.logger.Debug("force-injected item at urgent head")
	q.dispatchLocked()
}

// Dequeue yields the next item per the selection rule, suspending while all
// bands are empty.
func (q *SmartMessageQueue) Dequeue(ctx context.Context) (string, error) {
	q.mu.Lock()
	if it := q.selectLocked(); it != nil {
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

// Stream returns an unbuffered channel fed by the consumer loop; it closes on
// abort or context cancellation.
func (q *SmartMessageQueue) Stream(ctx context.Context) <-chan string {
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

// selectLocked applies the band selection rule and returns the next item, or
// nil when every band is empty. Synthesized injections are returned ahead of
// the NORMAL head without removing it.
func (q *SmartMessageQueue) selectLocked() *item {
	if urgent := q.bands[PriorityUrgent]; len(urgent) > 0 {
		it := urgent[0]
		q.bands[PriorityUrgent] = urgent[1:]
		return &it.item
	}
	if normal := q.bands[PriorityNormal]; len(normal) > 0 {
		head := normal[0]
		for head.nextRule < len(q.rules) {
			rule := q.rules[head.nextRule]
			head.nextRule++
			if rule.Trigger != nil && rule.Trigger(head.payload) {
				q.logger.Debug("injecting synthesized prompt", zap.String("rule", rule.Name))
				return &item{payload: rule.Payload}
			}
		}
		q.bands[PriorityNormal] = normal[1:]
		return &head.item
	}
	if todo := q.bands[PriorityTodo]; len(todo) > 0 {
		it := todo[0]
		q.bands[PriorityTodo] = todo[1:]
		return &it.item
	}
	return nil
}

// dispatchLocked hands items to waiting consumers while both exist.
func (q *SmartMessageQueue) dispatchLocked() {
	for len(q.waiters) > 0 {
		it := q.selectLocked()
		if it == nil {
			return
		}
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- it
	}
}

// Clear releases all buffered items across every band without yielding them.
func (q *SmartMessageQueue) Clear() {
	q.mu.Lock()
	var cleared []*smartItem
	for p, band := range q.bands {
		cleared = append(cleared, band...)
		q.bands[p] = nil
	}
	q.mu.Unlock()

	for _, it := range cleared {
		it.resolve(nil)
	}
	if len(cleared) > 0 {
		q.logger.Debug("smart queue cleared", zap.Int("released", len(cleared)))
	}
}

// Abort terminates the queue across all bands.
func (q *SmartMessageQueue) Abort() {
	q.mu.Lock()
	if q.aborted {
		q.mu.Unlock()
		return
	}
	q.aborted = true
	var drained []*smartItem
	for p, band := range q.bands {
		drained = append(drained, band...)
		q.bands[p] = nil
	}
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, it := range drained {
		it.resolve(errors.Aborted("queue aborted"))
	}
	for _, w := range waiters {
		w <- nil
	}
}

// Depth returns the number of buffered items per band.
func (q *SmartMessageQueue) Depth() map[Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := make(map[Priority]int, len(q.bands))
	for p, band := range q.bands {
		depth[p] = len(band)
	}
	return depth
}

// Len returns the total number of buffered items.
func (q *SmartMessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, band := range q.bands {
		n += len(band)
	}
	return n
}

func (q *SmartMessageQueue) removeWaiter(w chan *item) {
	q.mu.Lock()
	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	// The waiter may have been handed an item concurrently with cancellation;
	// put it back at the urgent head so it is not lost.
	select {
	case it := <-w:
		if it != nil {
			q.mu.Lock()
			si := &smartItem{item: *it, priority: PriorityUrgent, enqueuedAt: time.Now()}
			q.bands[PriorityUrgent] = append([]*smartItem{si}, q.bands[PriorityUrgent]...)
			q.mu.Unlock()
		}
	default:
	}
}
