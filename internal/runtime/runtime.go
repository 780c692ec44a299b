// Package runtime assembles the agent core behind a small operational
// surface: submit tasks, stream aggregated events, interrupt, cancel, and
// inspect status.
package runtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/jasonkneen/claudelet/internal/common/config"
	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/common/ids"
	"github.com/jasonkneen/claudelet/internal/common/logger"
	"github.com/jasonkneen/claudelet/internal/credentials"
	"github.com/jasonkneen/claudelet/internal/events"
	"github.com/jasonkneen/claudelet/internal/events/bus"
	"github.com/jasonkneen/claudelet/internal/model"
	"github.com/jasonkneen/claudelet/internal/orchestrator"
	"github.com/jasonkneen/claudelet/internal/pool"
	"github.com/jasonkneen/claudelet/internal/queue"
	"github.com/jasonkneen/claudelet/internal/task"
	"github.com/jasonkneen/claudelet/internal/task/repository"
)

// mirrorSubjectPrefix is the bus subject prefix for mirrored session events.
const mirrorSubjectPrefix = "agent.events."

// Status is a point-in-time view of the runtime.
type Status struct {
	Agents     []pool.AgentState `json:"agents"`
	QueueDepth int               `json:"queue_depth"`
	Buffered   int               `json:"buffered"`
}

// Runtime owns the task queue, the agent pool, and the orchestrator, and
// exposes the operational surface consumed by the API layer and the CLI.
type Runtime struct {
	cfg          config.RuntimeConfig
	queue        *queue.SmartMessageQueue
	pool         *pool.SubAgentPool
	coordinator  *events.Coordinator
	orchestrator *orchestrator.Orchestrator
	repo         repository.Repository
	bus          bus.Bus
	ids          ids.Generator
	logger       *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mirror chan events.Event

	mu           sync.Mutex
	running      map[string]context.CancelFunc // root task id -> orchestration cancel
	cancelled    map[string]bool               // cancelled while still queued
	stopListener func()
	started      bool
	stopped      bool
}

// New assembles a runtime from its external dependencies. The event bus is
// optional; pass nil to disable mirroring.
func New(factory pool.ClientFactory, catalog *model.Catalog, creds *credentials.Manager, repo repository.Repository, eventBus bus.Bus, cfg config.RuntimeConfig, log *logger.Logger) *Runtime {
	coord := events.NewCoordinator(cfg.EventBufferSize, log)
	p := pool.New(factory, catalog, coord, creds, cfg, log)
	return &Runtime{
		cfg:          cfg,
		queue:        queue.NewSmartMessageQueue("runtime", nil, log),
		pool:         p,
		coordinator:  coord,
		orchestrator: orchestrator.New(p, coord, cfg, log),
		repo:         repo,
		bus:          eventBus,
		ids:          ids.NewGenerator(cfg.SessionIDSeed),
		logger:       log.WithFields(zap.String("component", "runtime")),
		mirror:       make(chan events.Event, cfg.EventBufferSize),
		running:      make(map[string]context.CancelFunc),
		cancelled:    make(map[string]bool),
	}
}

// Pool exposes the agent pool for read-only inspection.
func (r *Runtime) Pool() *SubAgentPoolView { return &SubAgentPoolView{pool: r.pool} }

// SubAgentPoolView is a read-only view of the pool for external callers.
type SubAgentPoolView struct {
	pool *pool.SubAgentPool
}

// Get returns one agent's state snapshot.
func (v *SubAgentPoolView) Get(agentID string) (pool.AgentState, error) { return v.pool.Get(agentID) }

// All returns snapshots of every agent.
func (v *SubAgentPoolView) All() []pool.AgentState { return v.pool.All() }

// Start launches the dispatch loop and the bus mirror. Idempotent.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return errors.NotActive("runtime has been shut down")
	}
	if r.started {
		return nil
	}
	r.started = true

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.stopListener = r.coordinator.AddListener(r.enqueueMirror)

	r.wg.Add(2)
	go r.dispatchLoop()
	go r.mirrorLoop()

	r.logger.Info("runtime started",
		zap.String("default_tier", r.cfg.DefaultTier),
		zap.Int("event_buffer_size", r.cfg.EventBufferSize),
		zap.Int("max_concurrent_agents", r.cfg.MaxConcurrentAgents))
	return nil
}

// Submit accepts a task for execution and returns its id. The call returns
// once the dispatcher has accepted the task.
func (r *Runtime) Submit(ctx context.Context, content, priority string) (string, error) {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return "", errors.NotActive("runtime is not running")
	}
	r.mu.Unlock()

	taskID := r.ids.NewID()
	t := &task.Task{
		ID:       taskID,
		Content:  content,
		Priority: string(queue.ParsePriority(priority)),
		Status:   task.StatusQueued,
	}
	if err := r.repo.CreateTask(ctx, t); err != nil {
		return "", err
	}

	if err := r.queue.Enqueue(ctx, taskID, queue.ParsePriority(priority)); err != nil {
		return "", err
	}
	r.logger.Info("task submitted",
		zap.String("task_id", taskID),
		zap.String("priority", t.Priority))
	return taskID, nil
}

// Events returns a pull iterator over the aggregated event stream, starting
// with the buffered backlog. The caller must Close it.
func (r *Runtime) Events() *events.Iterator {
	return r.coordinator.Aggregate()
}

// Interrupt softly interrupts an agent by id, or every agent currently
// working on the given task.
func (r *Runtime) Interrupt(ctx context.Context, id string) error {
	if err := r.pool.Interrupt(ctx, id); err == nil || !errors.IsNotFound(err) {
		return err
	}

	interrupted := false
	for _, state := range r.pool.All() {
		if state.Status != pool.AgentRunning {
			continue
		}
		if state.CurrentTaskID == id || isStepOf(state.CurrentTaskID, id) {
			if err := r.pool.Interrupt(ctx, state.ID); err != nil {
				return err
			}
			interrupted = true
		}
	}
	if !interrupted {
		return errors.NotFound("agent or running task", id)
	}
	return nil
}

// Cancel aborts a task. Queued tasks are discarded before they start; running
// tasks get their orchestration cancelled, which interrupts and, past the
// grace window, terminates their agents. Cancelling a finished task is a
// no-op.
func (r *Runtime) Cancel(ctx context.Context, taskID string) error {
	r.mu.Lock()
	if cancel, ok := r.running[taskID]; ok {
		r.mu.Unlock()
		cancel()
		return nil
	}
	r.mu.Unlock()

	t, err := r.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Terminal() {
		return nil
	}

	// The dispatcher may have picked the task up while we were reading the
	// store; re-check before marking it cancelled.
	r.mu.Lock()
	if cancel, ok := r.running[taskID]; ok {
		r.mu.Unlock()
		cancel()
		return nil
	}
	r.cancelled[taskID] = true
	r.mu.Unlock()
	return nil
}

// Status reports the live agents, the queue depth, and the number of
// buffered events.
func (r *Runtime) Status() Status {
	return Status{
		Agents:     r.pool.All(),
		QueueDepth: r.queue.Len(),
		Buffered:   len(r.coordinator.Backlog()),
	}
}

// Shutdown stops intake, cancels running orchestrations, and terminates all
// agents. Waits for in-flight tasks to settle until the context expires.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	stopListener := r.stopListener
	cancel := r.cancel
	r.mu.Unlock()

	r.queue.Abort()
	if cancel != nil {
		cancel()
	}

	settled := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		r.logger.Warn("shutdown timed out waiting for tasks to settle")
	}

	err := r.pool.TerminateAll(ctx)
	if stopListener != nil {
		stopListener()
	}
	r.logger.Info("runtime shut down")
	return err
}

// dispatchLoop drains the task queue, launching one orchestration per task.
func (r *Runtime) dispatchLoop() {
	defer r.wg.Done()
	for {
		taskID, err := r.queue.Dequeue(r.ctx)
		if err != nil {
			return
		}
		r.wg.Add(1)
		go r.runTask(taskID)
	}
}

// runTask executes one submitted task end to end and records its outcome.
func (r *Runtime) runTask(taskID string) {
	defer r.wg.Done()

	r.mu.Lock()
	if r.cancelled[taskID] {
		delete(r.cancelled, taskID)
		r.mu.Unlock()
		r.coordinator.PublishFailure("", taskID, errors.KindAborted, "task cancelled before start")
		r.recordStatus(taskID, task.StatusStopped, "", errors.KindAborted, "task cancelled before start")
		return
	}
	tctx, cancel := context.WithCancel(r.ctx)
	r.running[taskID] = cancel
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.running, taskID)
		r.mu.Unlock()
		cancel()
	}()

	t, err := r.repo.GetTask(context.Background(), taskID)
	if err != nil {
		r.logger.Error("dequeued unknown task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	r.recordStatus(taskID, task.StatusRunning, "", "", "")

	res, runErr := r.orchestrator.Run(tctx, taskID, t.Content)
	r.recordSteps(taskID, res)

	switch {
	case runErr == nil:
		r.recordStatus(taskID, task.StatusCompleted, res.Output, "", "")
	case tctx.Err() != nil && r.ctx.Err() == nil:
		r.recordStatus(taskID, task.StatusStopped, res.Output, errors.KindAborted, "task cancelled")
	default:
		r.recordStatus(taskID, task.StatusFailed, "", errors.KindOf(runErr), runErr.Error())
	}
}

// recordSteps persists plan steps as child tasks of the root.
func (r *Runtime) recordSteps(rootTaskID string, res orchestrator.Result) {
	for _, step := range res.Plan.Steps {
		if step.TaskID == rootTaskID {
			continue
		}
		output, ok := res.Outputs[step.TaskID]
		child := &task.Task{
			ID:           step.TaskID,
			Content:      step.Prompt,
			Priority:     string(queue.PriorityNormal),
			ModelTier:    step.ModelTier,
			ParentTaskID: rootTaskID,
			Result:       output,
			Status:       task.StatusCompleted,
		}
		if !ok {
			child.Status = task.StatusFailed
		}
		if err := r.repo.CreateTask(context.Background(), child); err != nil {
			r.logger.Warn("failed to persist plan step",
				zap.String("task_id", step.TaskID), zap.Error(err))
		}
	}
}

func (r *Runtime) recordStatus(taskID string, status task.Status, result string, errorKind errors.Kind, errorMessage string) {
	err := r.repo.UpdateTaskStatus(context.Background(), taskID, status, result, string(errorKind), errorMessage)
	if err != nil {
		r.logger.Warn("failed to record task status",
			zap.String("task_id", taskID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// enqueueMirror hands an event to the mirror loop without blocking the
// coordinator's publish path.
func (r *Runtime) enqueueMirror(ev events.Event) {
	if r.bus == nil {
		return
	}
	select {
	case r.mirror <- ev:
	default:
		r.logger.Debug("mirror buffer full, dropping event", zap.Uint64("seq", ev.Seq))
	}
}

// mirrorLoop republishes aggregated events onto the bus, one subject per
// agent.
func (r *Runtime) mirrorLoop() {
	defer r.wg.Done()
	if r.bus == nil {
		return
	}
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev := <-r.mirror:
			subject := mirrorSubjectPrefix + ev.AgentID
			if ev.AgentID == "" {
				subject = mirrorSubjectPrefix + "orchestrator"
			}
			env := bus.NewEnvelope(string(ev.Type), "claudelet-runtime", eventData(ev))
			if err := r.bus.Publish(r.ctx, subject, env); err != nil {
				r.logger.Debug("event mirror publish failed",
					zap.String("subject", subject), zap.Error(err))
			}
		}
	}
}

// eventData flattens an event into an envelope payload.
func eventData(ev events.Event) map[string]any {
	raw, err := json.Marshal(ev)
	if err != nil {
		return map[string]any{"seq": ev.Seq, "type": string(ev.Type)}
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return map[string]any{"seq": ev.Seq, "type": string(ev.Type)}
	}
	return data
}

// isStepOf reports whether stepID belongs to the given root task, matching
// the "<root>-s<n>" step naming.
func isStepOf(stepID, rootTaskID string) bool {
	if len(stepID) <= len(rootTaskID)+1 {
		return false
	}
	return stepID[:len(rootTaskID)+1] == rootTaskID+"-"
}
