// Package orchestrator turns submitted tasks into agent executions: trivial
// tasks run directly on a suitable tier, complex tasks are decomposed by a
// planning agent into a DAG of steps executed across the pool.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jasonkneen/claudelet/internal/analyzer"
	"github.com/jasonkneen/claudelet/internal/common/config"
	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/common/logger"
	"github.com/jasonkneen/claudelet/internal/common/tracing"
	"github.com/jasonkneen/claudelet/internal/events"
	"github.com/jasonkneen/claudelet/internal/model"
	"github.com/jasonkneen/claudelet/internal/pool"
)

// spawnRetryInterval paces Spawn retries while the pool is at capacity.
const spawnRetryInterval = 25 * time.Millisecond

const planningPromptFormat = `Decompose the following task into a JSON array of steps.
Respond with only the array. Each element has the shape
{"id": "<short id>", "prompt": "<instruction for one agent>", "tier": "fast"|"smart-mid"|"smart-high", "depends_on": ["<id>", ...]}.
Steps without ordering constraints should omit depends_on so they can run concurrently.

Task:
%s`

// Result is the outcome of one orchestration run.
type Result struct {
	Analysis analyzer.TaskAnalysis
	Plan     OrchestrationPlan
	Outputs  map[string]string // step task id -> output
	Output   string            // output of the final step
}

// Orchestrator analyzes, plans, and executes submitted tasks against the
// agent pool.
type Orchestrator struct {
	pool        *pool.SubAgentPool
	coordinator *events.Coordinator
	cfg         config.RuntimeConfig
	logger      *logger.Logger

	mu       sync.Mutex
	reserved map[string]bool // agent ids held by an in-flight step
}

// New creates an orchestrator over the given pool.
func New(p *pool.SubAgentPool, coord *events.Coordinator, cfg config.RuntimeConfig, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		pool:        p,
		coordinator: coord,
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "orchestrator")),
		reserved:    make(map[string]bool),
	}
}

// Run executes one submitted task end to end. Cancelling the context
// interrupts running steps; steps that ignore the interrupt past the grace
// window are terminated.
func (o *Orchestrator) Run(ctx context.Context, rootTaskID, content string) (Result, error) {
	analysis := o.analyze(ctx, rootTaskID, content)

	ctx, span := tracing.TraceOrchestration(ctx, rootTaskID, string(analysis.SuggestedTier))
	res, err := o.run(ctx, rootTaskID, content, analysis)
	tracing.RecordResult(span, err)
	span.End()
	return res, err
}

func (o *Orchestrator) analyze(ctx context.Context, rootTaskID, content string) analyzer.TaskAnalysis {
	_, span := tracing.TraceAnalyze(ctx, rootTaskID)
	defer span.End()
	a := analyzer.Analyze(content, analyzer.Context{})
	o.logger.Info("analyzed task",
		zap.String("task_id", rootTaskID),
		zap.String("intent", string(a.Intent)),
		zap.Int("complexity", a.Complexity),
		zap.String("suggested_tier", string(a.SuggestedTier)),
		zap.Bool("needs_planning", a.NeedsPlanning),
		zap.Bool("can_parallelize", a.CanParallelize))
	return a
}

func (o *Orchestrator) run(ctx context.Context, rootTaskID, content string, analysis analyzer.TaskAnalysis) (Result, error) {
	var plan OrchestrationPlan
	switch {
	case analysis.NeedsPlanning:
		plan = o.buildPlan(ctx, rootTaskID, content, analysis)
	case analysis.CanParallelize:
		plan = splitParallel(rootTaskID, content, analysis.SuggestedTier)
	default:
		plan = SingleStepPlan(rootTaskID, content, analysis.SuggestedTier)
	}

	res := Result{Analysis: analysis, Plan: plan, Outputs: make(map[string]string, len(plan.Steps))}

	order, err := topoOrder(plan)
	if err != nil {
		return res, err
	}

	var runErr error
	if analysis.CanParallelize && len(plan.Steps) > 1 {
		runErr = o.executeParallel(ctx, plan, order, res.Outputs)
	} else {
		runErr = o.executeSequential(ctx, plan, order, res.Outputs)
	}
	if len(order) > 0 {
		res.Output = res.Outputs[order[len(order)-1]]
	}

	// Multi-step plans carry step-level terminals only; the root task still
	// owes its subscriber exactly one terminal.
	if len(plan.Steps) > 1 || plan.Steps[0].TaskID != rootTaskID {
		if runErr != nil {
			o.coordinator.PublishFailure("", rootTaskID, errors.KindOf(runErr), runErr.Error())
		} else {
			o.coordinator.PublishCompletion("", rootTaskID, res.Output)
		}
	}
	return res, runErr
}

// buildPlan runs a transient high-tier planning agent over the task and
// parses its output. Any planning failure degrades to a single-step plan
// rather than failing the task.
func (o *Orchestrator) buildPlan(ctx context.Context, rootTaskID, content string, analysis analyzer.TaskAnalysis) OrchestrationPlan {
	fallback := SingleStepPlan(rootTaskID, content, analysis.SuggestedTier)

	agentID, err := o.acquireAgent(ctx, model.TierSmartHigh)
	if err != nil {
		o.logger.Warn("planning agent unavailable, running task directly",
			zap.String("task_id", rootTaskID), zap.Error(err))
		return fallback
	}
	defer func() {
		o.release(agentID)
		if terr := o.pool.Terminate(context.Background(), agentID); terr != nil {
			o.logger.Warn("failed to terminate planning agent",
				zap.String("agent_id", agentID), zap.Error(terr))
		}
	}()

	output, err := o.pool.Execute(ctx, agentID, rootTaskID+"-plan", fmt.Sprintf(planningPromptFormat, content))
	if err != nil {
		o.logger.Warn("planning run failed, running task directly",
			zap.String("task_id", rootTaskID), zap.Error(err))
		return fallback
	}

	plan, err := ParsePlan(rootTaskID, output)
	if err != nil {
		o.logger.Warn("unusable plan output, running task directly",
			zap.String("task_id", rootTaskID), zap.Error(err))
		return fallback
	}
	o.logger.Info("planned task",
		zap.String("task_id", rootTaskID),
		zap.Int("steps", len(plan.Steps)))
	return plan
}

// executeSequential runs steps one at a time in dependency order. A failed
// step aborts every step depending on it, directly or transitively; those
// steps get a synthesized failure and never start.
func (o *Orchestrator) executeSequential(ctx context.Context, plan OrchestrationPlan, order []string, outputs map[string]string) error {
	steps := stepIndex(plan)
	failed := make(map[string]error, len(order))
	var firstErr error

	for _, id := range order {
		step := steps[id]
		if dep, derr := failedDep(step, failed); derr != nil {
			failed[id] = o.abortStep(step.TaskID, dep)
			continue
		}
		if err := ctx.Err(); err != nil {
			o.coordinator.PublishFailure("", step.TaskID, errors.KindAborted, "orchestration cancelled")
			failed[id] = err
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		output, err := o.runStep(ctx, step)
		if err != nil {
			failed[id] = err
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		outputs[id] = output
	}
	return firstErr
}

// executeParallel runs independent steps concurrently, gating each step on
// its dependencies' completion channels.
func (o *Orchestrator) executeParallel(ctx context.Context, plan OrchestrationPlan, order []string, outputs map[string]string) error {
	type stepRun struct {
		done   chan struct{}
		output string
		err    error
	}
	runs := make(map[string]*stepRun, len(plan.Steps))
	for _, step := range plan.Steps {
		runs[step.TaskID] = &stepRun{done: make(chan struct{})}
	}

	// The group collects goroutines only; step failures are recorded per run
	// so independent siblings keep going.
	g, gctx := errgroup.WithContext(ctx)
	for i := range plan.Steps {
		step := plan.Steps[i]
		run := runs[step.TaskID]
		g.Go(func() error {
			defer close(run.done)
			for _, dep := range step.DependsOn {
				depRun := runs[dep]
				select {
				case <-depRun.done:
				case <-gctx.Done():
					o.coordinator.PublishFailure("", step.TaskID, errors.KindAborted, "orchestration cancelled")
					run.err = gctx.Err()
					return nil
				}
				if depRun.err != nil {
					run.err = o.abortStep(step.TaskID, dep)
					return nil
				}
			}
			run.output, run.err = o.runStep(gctx, step)
			return nil
		})
	}
	_ = g.Wait()

	var firstErr error
	for _, id := range order {
		run := runs[id]
		if run.err != nil {
			if firstErr == nil && !errors.IsAborted(run.err) {
				firstErr = run.err
			}
			continue
		}
		outputs[id] = run.output
	}
	if firstErr == nil {
		for _, id := range order {
			if runs[id].err != nil {
				firstErr = runs[id].err
				break
			}
		}
	}
	return firstErr
}

// abortStep records a synthesized failure for a step whose dependency failed.
// The step never reaches an agent, so no start event precedes the failure.
func (o *Orchestrator) abortStep(stepID, dep string) error {
	message := "dependency " + dep + " failed"
	o.coordinator.PublishFailure("", stepID, errors.KindAborted, message)
	o.logger.Info("skipped step",
		zap.String("step_id", stepID),
		zap.String("failed_dependency", dep))
	return errors.Aborted(message)
}

// runStep executes one step on an agent of its tier. Context cancellation
// interrupts the agent; if the turn does not settle within the interrupt
// grace window the agent is terminated.
func (o *Orchestrator) runStep(ctx context.Context, step PlanStep) (string, error) {
	if err := ctx.Err(); err != nil {
		o.coordinator.PublishFailure("", step.TaskID, errors.KindAborted, "orchestration cancelled")
		return "", err
	}

	agentID, err := o.acquireAgent(ctx, step.ModelTier)
	if err != nil {
		// The step never reached an agent, so nothing else will emit its
		// terminal.
		kind := errors.KindOf(err)
		if ctx.Err() != nil {
			kind = errors.KindAborted
		}
		o.coordinator.PublishFailure("", step.TaskID, kind, err.Error())
		return "", err
	}
	defer o.release(agentID)

	_, span := tracing.TracePlanStep(ctx, step.TaskID, agentID, string(step.ModelTier))
	output, err := o.executeStep(ctx, agentID, step)
	tracing.RecordResult(span, err)
	span.End()
	return output, err
}

func (o *Orchestrator) executeStep(ctx context.Context, agentID string, step PlanStep) (string, error) {
	type result struct {
		output string
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		// Detached from ctx: cancellation goes through interrupt and
		// terminate below, which unblock this call via the session.
		output, err := o.pool.Execute(context.Background(), agentID, step.TaskID, step.Prompt)
		resCh <- result{output, err}
	}()

	select {
	case r := <-resCh:
		return r.output, r.err
	case <-ctx.Done():
	}

	o.logger.Info("interrupting step",
		zap.String("step_id", step.TaskID),
		zap.String("agent_id", agentID))
	if err := o.pool.Interrupt(context.Background(), agentID); err != nil {
		o.logger.Warn("interrupt failed", zap.String("agent_id", agentID), zap.Error(err))
	}

	select {
	case r := <-resCh:
		if r.err != nil {
			return r.output, r.err
		}
		return r.output, ctx.Err()
	case <-time.After(o.cfg.InterruptGrace()):
	}

	o.logger.Warn("step ignored interrupt, terminating agent",
		zap.String("step_id", step.TaskID),
		zap.String("agent_id", agentID))
	if err := o.pool.Terminate(context.Background(), agentID); err != nil {
		o.logger.Warn("terminate failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	r := <-resCh
	if r.err != nil && !errors.IsBusy(r.err) {
		return r.output, r.err
	}
	return r.output, errors.Timeout("step " + step.TaskID + " did not stop within the interrupt grace window")
}

// acquireAgent reserves an existing idle or done agent of the tier, or spawns
// one. While the pool is at capacity, spawning retries until an agent frees
// up or the context ends.
func (o *Orchestrator) acquireAgent(ctx context.Context, tier model.Tier) (string, error) {
	tier = o.resolveTier(tier)
	for {
		if id, ok := o.reserveExisting(tier); ok {
			return id, nil
		}

		id, err := o.pool.Spawn(ctx, tier)
		if err == nil {
			o.mu.Lock()
			o.reserved[id] = true
			o.mu.Unlock()
			return id, nil
		}
		if !errors.IsBusy(err) {
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(spawnRetryInterval):
		}
	}
}

// reserveExisting claims a reusable agent of the tier under the reservation
// lock, so two concurrent steps cannot pick the same agent.
func (o *Orchestrator) reserveExisting(tier model.Tier) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, state := range o.pool.ByTier(tier) {
		if o.reserved[state.ID] {
			continue
		}
		if state.Status == pool.AgentIdle || state.Status == pool.AgentDone {
			o.reserved[state.ID] = true
			return state.ID, true
		}
	}
	return "", false
}

func (o *Orchestrator) release(agentID string) {
	o.mu.Lock()
	delete(o.reserved, agentID)
	o.mu.Unlock()
}

func (o *Orchestrator) resolveTier(tier model.Tier) model.Tier {
	if tier == model.TierAuto || tier == "" {
		tier = model.ParseTier(o.cfg.DefaultTier)
	}
	if tier == model.TierAuto || tier == "" {
		tier = model.TierFast
	}
	return tier
}

func stepIndex(plan OrchestrationPlan) map[string]PlanStep {
	steps := make(map[string]PlanStep, len(plan.Steps))
	for _, step := range plan.Steps {
		steps[step.TaskID] = step
	}
	return steps
}

// failedDep returns the first dependency of the step that failed.
func failedDep(step PlanStep, failed map[string]error) (string, error) {
	for _, dep := range step.DependsOn {
		if err, ok := failed[dep]; ok {
			return dep, err
		}
	}
	return "", nil
}
