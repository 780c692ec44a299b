package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/common/logger"
	"github.com/jasonkneen/claudelet/internal/model"
)

// DefaultBufferSize is the ring capacity used when none is configured.
const DefaultBufferSize = 1000

// Coordinator fans per-agent emitters into a single ordered event stream.
// All publication is serialized through one mutex, so Seq is strictly
// increasing and listeners observe events in publish order.
type Coordinator struct {
	mu        sync.Mutex
	seq       uint64
	ring      []Event
	capacity  int
	listeners map[int]func(Event)
	nextID    int
	subs      map[string]func() // agentID -> detach
	toolNames map[string]string // toolUseID -> toolName
	terminals map[string]bool   // agentID|taskID -> terminal seen
	iters     map[*Iterator]struct{}
	logger    *logger.Logger
}

// NewCoordinator creates a coordinator with the given ring capacity.
// A non-positive capacity selects DefaultBufferSize.
func NewCoordinator(capacity int, log *logger.Logger) *Coordinator {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Coordinator{
		capacity:  capacity,
		listeners: make(map[int]func(Event)),
		subs:      make(map[string]func()),
		toolNames: make(map[string]string),
		terminals: make(map[string]bool),
		iters:     make(map[*Iterator]struct{}),
		logger:    log.WithFields(zap.String("component", "event-coordinator")),
	}
}

// Subscribe fans the given emitter into the aggregated stream. Idempotent per
// agent id; the returned function detaches all handlers.
func (c *Coordinator) Subscribe(agentID string, em *Emitter) func() {
	c.mu.Lock()
	if detach, ok := c.subs[agentID]; ok {
		c.mu.Unlock()
		return detach
	}
	c.mu.Unlock()

	detachEmitter := em.Attach(Handlers{
		Started: func(taskID string, tier model.Tier) {
			c.publish(Event{Type: TypeStarted, AgentID: agentID, TaskID: taskID, ModelTier: tier})
		},
		Text: func(chunk string) {
			c.publish(Event{Type: TypeTextDelta, AgentID: agentID, Chunk: chunk})
		},
		ThinkingChunk: func(blockIndex int, chunk string) {
			c.publish(Event{Type: TypeThinkingDelta, AgentID: agentID, BlockIndex: blockIndex, Chunk: chunk})
		},
		ToolStart: func(toolUseID, toolName string, input map[string]any) {
			c.publish(Event{Type: TypeToolStart, AgentID: agentID, ToolUseID: toolUseID, ToolName: toolName, ToolInput: input})
		},
		ToolComplete: func(toolUseID, content string, isError bool) {
			c.publish(Event{Type: TypeToolResult, AgentID: agentID, ToolUseID: toolUseID, Content: content, IsError: isError})
		},
		Progress: func(percent int, message string) {
			c.publish(Event{Type: TypeProgress, AgentID: agentID, Percent: percent, Message: message})
		},
		Complete: func(taskID, result string) {
			c.publish(Event{Type: TypeCompleted, AgentID: agentID, TaskID: taskID, Result: result})
		},
		Error: func(taskID string, kind errors.Kind, message string) {
			c.publish(Event{Type: TypeFailed, AgentID: agentID, TaskID: taskID, ErrorKind: kind, ErrorMessage: message})
		},
		Stopped: func(taskID string) {
			c.publish(Event{Type: TypeStopped, AgentID: agentID, TaskID: taskID})
		},
	})

	detach := func() {
		detachEmitter()
		c.mu.Lock()
		delete(c.subs, agentID)
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.subs[agentID] = detach
	c.mu.Unlock()
	c.logger.Debug("subscribed agent emitter", zap.String("agent_id", agentID))
	return detach
}

// AddListener registers a push-mode listener invoked synchronously for every
// published event, in registration order. Returns a removal function.
func (c *Coordinator) AddListener(fn func(Event)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// PublishFailure publishes a synthesized terminal failure, used by the
// orchestrator for steps that never reached an agent.
func (c *Coordinator) PublishFailure(agentID, taskID string, kind errors.Kind, message string) {
	c.publish(Event{Type: TypeFailed, AgentID: agentID, TaskID: taskID, ErrorKind: kind, ErrorMessage: message})
}

// PublishCompletion publishes a synthesized terminal completion, used for
// root tasks whose work was carried out by plan steps.
func (c *Coordinator) PublishCompletion(agentID, taskID, result string) {
	c.publish(Event{Type: TypeCompleted, AgentID: agentID, TaskID: taskID, Result: result})
}

// publish assigns seq and timestamp, resolves tool names, coalesces duplicate
// terminals, buffers for replay, and delivers to listeners and iterators.
func (c *Coordinator) publish(ev Event) {
	c.mu.Lock()

	switch ev.Type {
	case TypeToolStart:
		c.toolNames[ev.ToolUseID] = ev.ToolName
	case TypeToolResult:
		if name, ok := c.toolNames[ev.ToolUseID]; ok {
			ev.ToolName = name
		} else {
			// Result for a tool that was never announced: the id stands in
			// for the unknown name.
			ev.ToolName = ev.ToolUseID
		}
	}

	if ev.Terminal() {
		key := ev.AgentID + "|" + ev.TaskID
		if c.terminals[key] {
			c.mu.Unlock()
			c.logger.Debug("dropping duplicate terminal event",
				zap.String("agent_id", ev.AgentID),
				zap.String("task_id", ev.TaskID),
				zap.String("type", string(ev.Type)))
			return
		}
		c.terminals[key] = true
	}

	c.seq++
	ev.Seq = c.seq
	ev.Timestamp = time.Now().UTC()

	c.ring = append(c.ring, ev)
	if len(c.ring) > c.capacity {
		// Amortized trim: drop the oldest half in one move.
		keep := len(c.ring) / 2
		c.ring = append(c.ring[:0:0], c.ring[len(c.ring)-keep:]...)
	}

	listeners := make([]func(Event), 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	iters := make([]*Iterator, 0, len(c.iters))
	for it := range c.iters {
		iters = append(iters, it)
	}

	// Deliver under the lock: the coordinator is the single logical
	// publisher, and releasing here would let concurrent publishes
	// interleave listener invocations out of seq order.
	for _, fn := range listeners {
		fn(ev)
	}
	for _, it := range iters {
		it.push(ev)
	}
	c.mu.Unlock()
}

// Backlog returns a copy of the buffered events, oldest first.
func (c *Coordinator) Backlog() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.ring...)
}

// Seq returns the last assigned sequence number.
func (c *Coordinator) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Aggregate returns a pull-based iterator over the aggregated stream. The
// buffered backlog is replayed first, then live events as they are published.
// The caller must Close the iterator on every exit path.
func (c *Coordinator) Aggregate() *Iterator {
	it := &Iterator{c: c, done: make(chan struct{})}
	c.mu.Lock()
	it.buf = append(it.buf, c.ring...)
	c.iters[it] = struct{}{}
	c.mu.Unlock()
	return it
}

// Iterator is a single-consumer pull view of the aggregated stream. Events
// arriving while a Next call is suspended are handed to it directly;
// otherwise they queue in a local FIFO.
type Iterator struct {
	c         *Coordinator
	mu        sync.Mutex
	buf       []Event
	waiter    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// push delivers an event to the iterator; called by the coordinator.
func (it *Iterator) push(ev Event) {
	it.mu.Lock()
	if it.waiter != nil {
		w := it.waiter
		it.waiter = nil
		it.mu.Unlock()
		w <- ev
		return
	}
	it.buf = append(it.buf, ev)
	it.mu.Unlock()
}

// Next yields the next event, suspending until one is published, the context
// is cancelled, or the iterator is closed.
func (it *Iterator) Next(ctx context.Context) (Event, error) {
	it.mu.Lock()
	if len(it.buf) > 0 {
		ev := it.buf[0]
		it.buf = it.buf[1:]
		it.mu.Unlock()
		return ev, nil
	}
	select {
	case <-it.done:
		it.mu.Unlock()
		return Event{}, errors.Aborted("iterator closed")
	default:
	}
	w := make(chan Event, 1)
	it.waiter = w
	it.mu.Unlock()

	select {
	case ev := <-w:
		return ev, nil
	case <-ctx.Done():
		it.clearWaiter(w)
		return Event{}, ctx.Err()
	case <-it.done:
		it.clearWaiter(w)
		return Event{}, errors.Aborted("iterator closed")
	}
}

// Close detaches the iterator from the coordinator. Idempotent.
func (it *Iterator) Close() {
	it.closeOnce.Do(func() {
		it.c.mu.Lock()
		delete(it.c.iters, it)
		it.c.mu.Unlock()
		close(it.done)
	})
}

func (it *Iterator) clearWaiter(w chan Event) {
	it.mu.Lock()
	if it.waiter == w {
		it.waiter = nil
	}
	it.mu.Unlock()
	// An event may have been handed over concurrently; keep it.
	select {
	case ev := <-w:
		it.mu.Lock()
		it.buf = append([]Event{ev}, it.buf...)
		it.mu.Unlock()
	default:
	}
}
