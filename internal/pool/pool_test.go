package pool

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonkneen/claudelet/internal/common/config"
	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/common/logger"
	"github.com/jasonkneen/claudelet/internal/credentials"
	"github.com/jasonkneen/claudelet/internal/events"
	"github.com/jasonkneen/claudelet/internal/model"
	"github.com/jasonkneen/claudelet/internal/model/modeltest"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testRuntimeConfig() config.RuntimeConfig {
	return config.RuntimeConfig{
		DefaultTier:        "fast",
		MaxLiveOutputBytes: 10000,
		EventBufferSize:    1000,
		InterruptGraceMs:   5000,
		AgentNamePrefixes: map[string]string{
			"fast":       "haiku",
			"smart-mid":  "sonnet",
			"smart-high": "opus",
		},
	}
}

// scriptFactory hands out scripted clients in spawn order.
type scriptFactory struct {
	mu      sync.Mutex
	clients []*modeltest.Client
	next    int
}

func (f *scriptFactory) factory(tier model.Tier) model.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next < len(f.clients) {
		c := f.clients[f.next]
		f.next++
		return c
	}
	return &modeltest.Client{}
}

func testCreds(t *testing.T) *credentials.Manager {
	t.Helper()
	m := credentials.NewManager(testLogger(t))
	m.AddProvider(credentials.NewStaticProvider(map[string]string{
		credentials.DefaultAPIKeyEnv: "test-key",
	}))
	return m
}

func newTestPool(t *testing.T, cfg config.RuntimeConfig, clients ...*modeltest.Client) (*SubAgentPool, *events.Coordinator) {
	t.Helper()
	coord := events.NewCoordinator(cfg.EventBufferSize, testLogger(t))
	f := &scriptFactory{clients: clients}
	p := New(f.factory, model.DefaultCatalog(), coord, testCreds(t), cfg, testLogger(t))
	return p, coord
}

func textTurn(chunks ...string) modeltest.Turn {
	evs := make([]model.Event, 0, len(chunks)+1)
	for _, c := range chunks {
		evs = append(evs, modeltest.TextDelta(c))
	}
	evs = append(evs, modeltest.Result())
	return modeltest.Turn{Events: evs}
}

func TestSpawnAssignsPrefixedNames(t *testing.T) {
	p, _ := newTestPool(t, testRuntimeConfig(),
		&modeltest.Client{}, &modeltest.Client{}, &modeltest.Client{})
	ctx := context.Background()
	defer func() { _ = p.TerminateAll(ctx) }()

	a1, err := p.Spawn(ctx, model.TierFast)
	require.NoError(t, err)
	a2, err := p.Spawn(ctx, model.TierFast)
	require.NoError(t, err)
	a3, err := p.Spawn(ctx, model.TierSmartMid)
	require.NoError(t, err)

	assert.Equal(t, "haiku-1", a1)
	assert.Equal(t, "haiku-2", a2)
	assert.Equal(t, "sonnet-1", a3)
}

func TestSpawnAutoUsesDefaultTier(t *testing.T) {
	client := &modeltest.Client{}
	p, _ := newTestPool(t, testRuntimeConfig(), client)
	ctx := context.Background()
	defer func() { _ = p.TerminateAll(ctx) }()

	id, err := p.Spawn(ctx, model.TierAuto)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "haiku-"))

	state, err := p.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.TierFast, state.Tier)

	// The catalog entry for the resolved tier flows into the session options.
	assert.Equal(t, "claude-haiku-latest", client.LastOptions().Model)
	assert.Equal(t, "Claude Haiku", client.LastOptions().ModelDisplay)
}

func TestExecuteCompletesAndEmits(t *testing.T) {
	client := &modeltest.Client{Turns: []modeltest.Turn{textTurn("hello ", "world")}}
	p, coord := newTestPool(t, testRuntimeConfig(), client)
	ctx := context.Background()
	defer func() { _ = p.TerminateAll(ctx) }()

	var mu sync.Mutex
	var got []events.Event
	remove := coord.AddListener(func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	defer remove()

	agentID, err := p.Spawn(ctx, model.TierFast)
	require.NoError(t, err)

	output, err := p.Execute(ctx, agentID, "task-1", "say hello")
	require.NoError(t, err)
	assert.Equal(t, "hello world", output)

	state, err := p.Get(agentID)
	require.NoError(t, err)
	assert.Equal(t, AgentDone, state.Status)
	assert.NotNil(t, state.CompletedAt)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(got), 4)
	assert.Equal(t, events.TypeStarted, got[0].Type)
	assert.Equal(t, "task-1", got[0].TaskID)
	assert.Equal(t, model.TierFast, got[0].ModelTier)
	last := got[len(got)-1]
	assert.Equal(t, events.TypeCompleted, last.Type)
	assert.Equal(t, "hello world", last.Result)
}

func TestExecuteOnBusyAgent(t *testing.T) {
	client := &modeltest.Client{Turns: []modeltest.Turn{{
		Events:         []model.Event{modeltest.TextDelta("x"), modeltest.Result()},
		InterruptAfter: 1,
	}}}
	p, _ := newTestPool(t, testRuntimeConfig(), client)
	ctx := context.Background()
	defer func() { _ = p.TerminateAll(ctx) }()

	agentID, err := p.Spawn(ctx, model.TierFast)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(ctx, agentID, "task-1", "slow")
		done <- err
	}()

	// Wait until the agent reports running, then try to double-book it.
	deadline := time.Now().Add(time.Second)
	for {
		state, err := p.Get(agentID)
		require.NoError(t, err)
		if state.Status == AgentRunning && state.LiveOutput != "" {
			break
		}
		require.False(t, time.Now().After(deadline), "agent never started running")
		time.Sleep(time.Millisecond)
	}

	_, err = p.Execute(ctx, agentID, "task-2", "also")
	assert.True(t, errors.IsBusy(err))

	require.NoError(t, p.Interrupt(ctx, agentID))
	require.NoError(t, <-done)
}

func TestExecuteFailureMarksAgentFailed(t *testing.T) {
	client := &modeltest.Client{Turns: []modeltest.Turn{{
		Events: []model.Event{modeltest.TextDelta("partial")},
		Err:    errors.ModelTransport("connection reset", nil),
	}}}
	p, coord := newTestPool(t, testRuntimeConfig(), client)
	ctx := context.Background()

	var mu sync.Mutex
	var failures []events.Event
	remove := coord.AddListener(func(ev events.Event) {
		if ev.Type == events.TypeFailed {
			mu.Lock()
			failures = append(failures, ev)
			mu.Unlock()
		}
	})
	defer remove()

	agentID, err := p.Spawn(ctx, model.TierFast)
	require.NoError(t, err)

	_, err = p.Execute(ctx, agentID, "task-1", "go")
	require.Error(t, err)
	assert.Equal(t, errors.KindModelTransport, errors.KindOf(err))

	state, err := p.Get(agentID)
	require.NoError(t, err)
	assert.Equal(t, AgentFailed, state.Status)
	assert.NotEmpty(t, state.Error)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 1)
	assert.Equal(t, errors.KindModelTransport, failures[0].ErrorKind)
}

func TestSpawnRespectsConcurrencyCap(t *testing.T) {
	cfg := testRuntimeConfig()
	cfg.MaxConcurrentAgents = 1
	p, _ := newTestPool(t, cfg, &modeltest.Client{}, &modeltest.Client{})
	ctx := context.Background()
	defer func() { _ = p.TerminateAll(ctx) }()

	_, err := p.Spawn(ctx, model.TierFast)
	require.NoError(t, err)

	_, err = p.Spawn(ctx, model.TierFast)
	assert.True(t, errors.IsBusy(err))
}

func TestTerminateRemovesAgentAndIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t, testRuntimeConfig(), &modeltest.Client{})
	ctx := context.Background()

	agentID, err := p.Spawn(ctx, model.TierFast)
	require.NoError(t, err)

	require.NoError(t, p.Terminate(ctx, agentID))
	require.NoError(t, p.Terminate(ctx, agentID))
	require.NoError(t, p.Terminate(ctx, "never-existed"))

	// Terminated agents leave the pool entirely.
	_, err = p.Get(agentID)
	assert.True(t, errors.IsNotFound(err))
	assert.Empty(t, p.All())

	_, err = p.Execute(ctx, agentID, "task-1", "nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestTerminateFreesCapacity(t *testing.T) {
	cfg := testRuntimeConfig()
	cfg.MaxConcurrentAgents = 1
	p, _ := newTestPool(t, cfg, &modeltest.Client{}, &modeltest.Client{})
	ctx := context.Background()
	defer func() { _ = p.TerminateAll(ctx) }()

	first, err := p.Spawn(ctx, model.TierFast)
	require.NoError(t, err)
	_, err = p.Spawn(ctx, model.TierFast)
	require.True(t, errors.IsBusy(err))

	require.NoError(t, p.Terminate(ctx, first))

	second, err := p.Spawn(ctx, model.TierFast)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

// gateClient blocks Run until released, so a spawn can be held mid-start.
type gateClient struct {
	modeltest.Client
	entered chan struct{}
	release chan struct{}
}

func (c *gateClient) Run(ctx context.Context, opts model.Options, inputs <-chan string) (model.Stream, error) {
	close(c.entered)
	<-c.release
	return c.Client.Run(ctx, opts, inputs)
}

func TestSpawnHoldsCapacityWhileStarting(t *testing.T) {
	cfg := testRuntimeConfig()
	cfg.MaxConcurrentAgents = 1
	gated := &gateClient{entered: make(chan struct{}), release: make(chan struct{})}

	coord := events.NewCoordinator(cfg.EventBufferSize, testLogger(t))
	var mu sync.Mutex
	calls := 0
	factory := func(tier model.Tier) model.Client {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return gated
		}
		return &modeltest.Client{}
	}
	p := New(factory, model.DefaultCatalog(), coord, testCreds(t), cfg, testLogger(t))
	ctx := context.Background()
	defer func() { _ = p.TerminateAll(ctx) }()

	spawned := make(chan error, 1)
	go func() {
		_, err := p.Spawn(ctx, model.TierFast)
		spawned <- err
	}()

	// The first spawn is parked inside Run; it is not registered yet but
	// must already hold the only slot.
	<-gated.entered
	_, err := p.Spawn(ctx, model.TierFast)
	assert.True(t, errors.IsBusy(err))

	close(gated.release)
	require.NoError(t, <-spawned)
	assert.Len(t, p.All(), 1)
}

func TestLiveOutputTrimsToNewest(t *testing.T) {
	chunks := make([]string, 30)
	for i := range chunks {
		chunks[i] = strings.Repeat("a", 10)
	}
	chunks[29] = "TAIL-MARKER"
	client := &modeltest.Client{Turns: []modeltest.Turn{textTurn(chunks...)}}

	cfg := testRuntimeConfig()
	cfg.MaxLiveOutputBytes = 100
	p, _ := newTestPool(t, cfg, client)
	ctx := context.Background()
	defer func() { _ = p.TerminateAll(ctx) }()

	agentID, err := p.Spawn(ctx, model.TierFast)
	require.NoError(t, err)

	output, err := p.Execute(ctx, agentID, "task-1", "emit a lot")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(output), 100)
	assert.True(t, strings.HasSuffix(output, "TAIL-MARKER"), "newest output must survive the trim")
}

func TestPoolQueries(t *testing.T) {
	p, _ := newTestPool(t, testRuntimeConfig(),
		&modeltest.Client{Turns: []modeltest.Turn{textTurn("ok")}},
		&modeltest.Client{})
	ctx := context.Background()
	defer func() { _ = p.TerminateAll(ctx) }()

	fast, err := p.Spawn(ctx, model.TierFast)
	require.NoError(t, err)
	_, err = p.Spawn(ctx, model.TierSmartHigh)
	require.NoError(t, err)

	_, err = p.Execute(ctx, fast, "task-1", "go")
	require.NoError(t, err)

	assert.Len(t, p.All(), 2)
	assert.Len(t, p.ByTier(model.TierFast), 1)
	assert.Len(t, p.ByStatus(AgentDone), 1)
	assert.Len(t, p.ByStatus(AgentIdle), 1)

	stats := p.Stats()
	assert.Equal(t, 1, stats[AgentDone])
	assert.Equal(t, 1, stats[AgentIdle])
}
