// Package pool manages the fleet of sub-agents: spawning sessions per model
// tier, executing tasks on them, and tracking their live state.
package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jasonkneen/claudelet/internal/common/config"
	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/common/ids"
	"github.com/jasonkneen/claudelet/internal/common/logger"
	"github.com/jasonkneen/claudelet/internal/credentials"
	"github.com/jasonkneen/claudelet/internal/events"
	"github.com/jasonkneen/claudelet/internal/model"
	"github.com/jasonkneen/claudelet/internal/queue"
	"github.com/jasonkneen/claudelet/internal/session"
)

// AgentStatus tracks an agent through its lifecycle.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentRunning    AgentStatus = "running"
	AgentDone       AgentStatus = "done"
	AgentFailed     AgentStatus = "failed"
	AgentStopped    AgentStatus = "stopped"
	AgentTerminated AgentStatus = "terminated"
)

// AgentState is a point-in-time snapshot of one agent.
type AgentState struct {
	ID            string      `json:"id"`
	Tier          model.Tier  `json:"tier"`
	Status        AgentStatus `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	LiveOutput    string      `json:"live_output,omitempty"`
	Progress      int         `json:"progress,omitempty"`
	Error         string      `json:"error,omitempty"`
	SpawnedAt     time.Time   `json:"spawned_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// agent is one pooled session plus its mutable state.
type agent struct {
	id      string
	tier    model.Tier
	session *session.AgentSession
	queue   *queue.MessageQueue
	emitter *events.Emitter
	unsub   func()

	mu            sync.Mutex
	status        AgentStatus
	currentTaskID string
	liveOutput    []byte
	progress      int
	err           string
	spawnedAt     time.Time
	completedAt   *time.Time
	turnDone      chan struct{}
	sessionEnded  chan struct{}
}

// ClientFactory builds a model client for a newly spawned agent.
type ClientFactory func(tier model.Tier) model.Client

// SubAgentPool spawns and supervises agents.
type SubAgentPool struct {
	factory     ClientFactory
	catalog     *model.Catalog
	coordinator *events.Coordinator
	creds       *credentials.Manager
	names       *ids.AgentNameGenerator
	cfg         config.RuntimeConfig
	logger      *logger.Logger

	mu            sync.RWMutex
	agents        map[string]*agent
	pendingSpawns int // spawns that passed the cap check but are not yet in agents
}

// New creates an empty pool.
func New(factory ClientFactory, catalog *model.Catalog, coord *events.Coordinator, creds *credentials.Manager, cfg config.RuntimeConfig, log *logger.Logger) *SubAgentPool {
	return &SubAgentPool{
		factory:     factory,
		catalog:     catalog,
		coordinator: coord,
		creds:       creds,
		names:       ids.NewAgentNameGenerator(),
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "agent-pool")),
		agents:      make(map[string]*agent),
	}
}

// prefixFor maps a tier to its configured agent name prefix.
func (p *SubAgentPool) prefixFor(tier model.Tier) string {
	if prefix, ok := p.cfg.AgentNamePrefixes[string(tier)]; ok && prefix != "" {
		return prefix
	}
	return string(tier)
}

// Spawn creates and starts an agent session on the given tier. Returns Busy
// when the configured concurrency cap is reached.
func (p *SubAgentPool) Spawn(ctx context.Context, tier model.Tier) (string, error) {
	if tier == model.TierAuto || tier == "" {
		tier = model.ParseTier(p.cfg.DefaultTier)
		if tier == model.TierAuto {
			tier = model.TierFast
		}
	}

	// Reserve a slot before releasing the lock: concurrent spawns must not
	// both pass the cap check while neither is registered yet.
	p.mu.Lock()
	if p.cfg.MaxConcurrentAgents > 0 && p.liveCountLocked()+p.pendingSpawns >= p.cfg.MaxConcurrentAgents {
		p.mu.Unlock()
		return "", errors.Busy("agent pool is at capacity")
	}
	p.pendingSpawns++
	agentID := p.names.Next(p.prefixFor(tier))
	p.mu.Unlock()

	info := p.catalog.Lookup(tier)
	a := &agent{
		id:           agentID,
		tier:         tier,
		emitter:      events.NewEmitter(),
		status:       AgentIdle,
		spawnedAt:    time.Now().UTC(),
		sessionEnded: make(chan struct{}),
	}
	a.queue = queue.NewMessageQueue(agentID, p.logger)
	a.session = session.New(
		p.factory(tier),
		a.queue,
		p.creds,
		model.Options{Model: info.ID, ModelDisplay: info.Display, IncludePartialMessages: true},
		p.sessionCallbacks(a),
		p.logger.WithAgentID(agentID),
	)
	a.unsub = p.coordinator.Subscribe(agentID, a.emitter)

	if err := a.session.Start(ctx); err != nil {
		a.unsub()
		p.mu.Lock()
		p.pendingSpawns--
		p.mu.Unlock()
		return "", err
	}
	go func() {
		_ = a.session.Wait(context.Background())
		close(a.sessionEnded)
	}()

	p.mu.Lock()
	p.agents[agentID] = a
	p.pendingSpawns--
	p.mu.Unlock()

	p.logger.Info("spawned agent",
		zap.String("agent_id", agentID),
		zap.String("tier", string(tier)))
	return agentID, nil
}

// sessionCallbacks bridges session stream events into the agent's emitter and
// live output buffer.
func (p *SubAgentPool) sessionCallbacks(a *agent) session.Callbacks {
	return session.Callbacks{
		OnTextChunk: func(chunk string) {
			a.appendOutput(chunk, p.cfg.MaxLiveOutputBytes)
			a.emitter.EmitText(chunk)
		},
		OnThinkingChunk: func(blockIndex int, chunk string) {
			a.emitter.EmitThinkingChunk(blockIndex, chunk)
		},
		OnToolUseStart: func(toolUseID, toolName string, input map[string]any) {
			a.emitter.EmitToolStart(toolUseID, toolName, input)
		},
		OnToolResultComplete: func(toolUseID, content string, isError bool) {
			a.emitter.EmitToolComplete(toolUseID, content, isError)
		},
		OnMessageComplete: func() {
			a.mu.Lock()
			done := a.turnDone
			a.turnDone = nil
			a.mu.Unlock()
			if done != nil {
				close(done)
			}
		},
		OnDebug: func(message string) {
			p.logger.Debug("session debug",
				zap.String("agent_id", a.id),
				zap.String("message", message))
		},
	}
}

// Execute runs one task to completion on an agent. Only idle or done agents
// accept work. Returns the live output for completed and stopped runs; failed
// runs return the session error.
func (p *SubAgentPool) Execute(ctx context.Context, agentID, taskID, prompt string) (string, error) {
	a, err := p.lookup(agentID)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	switch a.status {
	case AgentIdle, AgentDone:
	default:
		status := a.status
		a.mu.Unlock()
		return "", errors.Busy("agent " + agentID + " is " + string(status))
	}
	a.status = AgentRunning
	a.currentTaskID = taskID
	a.liveOutput = nil
	a.progress = 0
	a.err = ""
	a.completedAt = nil
	turnDone := make(chan struct{})
	a.turnDone = turnDone
	a.mu.Unlock()

	a.emitter.EmitStarted(taskID, a.tier)

	if err := a.session.Send(ctx, prompt); err != nil {
		return "", p.settleFailure(a, taskID, err)
	}

	select {
	case <-turnDone:
		now := time.Now().UTC()
		a.mu.Lock()
		a.status = AgentDone
		a.currentTaskID = ""
		a.completedAt = &now
		output := string(a.liveOutput)
		a.mu.Unlock()
		a.emitter.EmitComplete(taskID, output)
		return output, nil

	case <-a.sessionEnded:
		if err := a.session.Err(); err != nil {
			return "", p.settleFailure(a, taskID, err)
		}
		// Session drained without an error: the agent was stopped mid-task.
		now := time.Now().UTC()
		a.mu.Lock()
		if a.status == AgentRunning {
			a.status = AgentStopped
		}
		a.currentTaskID = ""
		a.completedAt = &now
		output := string(a.liveOutput)
		a.mu.Unlock()
		a.emitter.EmitStopped(taskID)
		return output, nil

	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *SubAgentPool) settleFailure(a *agent, taskID string, err error) error {
	now := time.Now().UTC()
	a.mu.Lock()
	a.status = AgentFailed
	a.currentTaskID = ""
	a.completedAt = &now
	a.err = err.Error()
	a.mu.Unlock()
	a.emitter.EmitError(taskID, errors.KindOf(err), err.Error())
	return err
}

// UpdateProgress records and broadcasts task progress for an agent.
func (p *SubAgentPool) UpdateProgress(agentID string, percent int, message string) error {
	a, err := p.lookup(agentID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.progress = percent
	a.mu.Unlock()
	a.emitter.EmitProgress(percent, message)
	return nil
}

// Interrupt softly interrupts the agent's current turn.
func (p *SubAgentPool) Interrupt(ctx context.Context, agentID string) error {
	a, err := p.lookup(agentID)
	if err != nil {
		return err
	}
	return a.session.Interrupt(ctx)
}

// Terminate stops an agent's session and removes it from the pool. Idempotent;
// terminating an unknown or already-terminated agent is a no-op.
func (p *SubAgentPool) Terminate(ctx context.Context, agentID string) error {
	p.mu.RLock()
	a, ok := p.agents[agentID]
	p.mu.RUnlock()
	if !ok {
		return nil
	}

	a.mu.Lock()
	if a.status == AgentTerminated {
		a.mu.Unlock()
		return nil
	}
	wasRunning := a.status == AgentRunning
	taskID := a.currentTaskID
	a.mu.Unlock()

	if err := a.session.Stop(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.status = AgentTerminated
	a.currentTaskID = ""
	a.mu.Unlock()
	if wasRunning {
		// The killed task still owes its terminal; the coordinator drops
		// this if the settling Execute already emitted one.
		a.emitter.EmitStopped(taskID)
	}
	a.unsub()

	p.mu.Lock()
	delete(p.agents, agentID)
	p.mu.Unlock()

	p.logger.Info("terminated agent", zap.String("agent_id", agentID))
	return nil
}

// TerminateAll stops every agent in the pool.
func (p *SubAgentPool) TerminateAll(ctx context.Context) error {
	p.mu.RLock()
	agentIDs := make([]string, 0, len(p.agents))
	for id := range p.agents {
		agentIDs = append(agentIDs, id)
	}
	p.mu.RUnlock()

	var firstErr error
	for _, id := range agentIDs {
		if err := p.Terminate(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Get returns the state snapshot for one agent.
func (p *SubAgentPool) Get(agentID string) (AgentState, error) {
	a, err := p.lookup(agentID)
	if err != nil {
		return AgentState{}, err
	}
	return a.snapshot(), nil
}

// All returns snapshots of every agent.
func (p *SubAgentPool) All() []AgentState {
	return p.filter(func(*agent) bool { return true })
}

// ByStatus returns snapshots of agents in the given status.
func (p *SubAgentPool) ByStatus(status AgentStatus) []AgentState {
	return p.filter(func(a *agent) bool { return a.snapshot().Status == status })
}

// ByTier returns snapshots of agents on the given tier.
func (p *SubAgentPool) ByTier(tier model.Tier) []AgentState {
	return p.filter(func(a *agent) bool { return a.tier == tier })
}

// Stats returns agent counts keyed by status.
func (p *SubAgentPool) Stats() map[AgentStatus]int {
	stats := make(map[AgentStatus]int)
	for _, state := range p.All() {
		stats[state.Status]++
	}
	return stats
}

func (p *SubAgentPool) filter(keep func(*agent) bool) []AgentState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]AgentState, 0, len(p.agents))
	for _, a := range p.agents {
		if keep(a) {
			out = append(out, a.snapshot())
		}
	}
	return out
}

func (p *SubAgentPool) lookup(agentID string) (*agent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.agents[agentID]
	if !ok {
		return nil, errors.NotFound("agent", agentID)
	}
	return a, nil
}

// liveCountLocked counts agents that still hold a session.
func (p *SubAgentPool) liveCountLocked() int {
	n := 0
	for _, a := range p.agents {
		a.mu.Lock()
		terminated := a.status == AgentTerminated || a.status == AgentFailed
		a.mu.Unlock()
		if !terminated {
			n++
		}
	}
	return n
}

// appendOutput accumulates live output, trimming to the newest 80% of the
// cap when it overflows.
func (a *agent) appendOutput(chunk string, maxBytes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.liveOutput = append(a.liveOutput, chunk...)
	if maxBytes > 0 && len(a.liveOutput) > maxBytes {
		keep := maxBytes * 8 / 10
		a.liveOutput = append(a.liveOutput[:0:0], a.liveOutput[len(a.liveOutput)-keep:]...)
	}
}

func (a *agent) snapshot() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AgentState{
		ID:            a.id,
		Tier:          a.tier,
		Status:        a.status,
		CurrentTaskID: a.currentTaskID,
		LiveOutput:    string(a.liveOutput),
		Progress:      a.progress,
		Error:         a.err,
		SpawnedAt:     a.spawnedAt,
		CompletedAt:   a.completedAt,
	}
}
