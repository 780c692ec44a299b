package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonkneen/claudelet/internal/common/config"
	"github.com/jasonkneen/claudelet/internal/common/logger"
	"github.com/jasonkneen/claudelet/internal/credentials"
	"github.com/jasonkneen/claudelet/internal/model"
	"github.com/jasonkneen/claudelet/internal/model/modeltest"
	"github.com/jasonkneen/claudelet/internal/runtime"
	"github.com/jasonkneen/claudelet/internal/task"
	"github.com/jasonkneen/claudelet/internal/task/repository"
)

func setupTestRouter(t *testing.T, clients ...*modeltest.Client) (*gin.Engine, repository.Repository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	creds := credentials.NewManager(log)
	creds.AddProvider(credentials.NewStaticProvider(map[string]string{
		credentials.DefaultAPIKeyEnv: "test-key",
	}))

	cfg := config.RuntimeConfig{
		DefaultTier:        "fast",
		MaxLiveOutputBytes: 10000,
		EventBufferSize:    1000,
		InterruptGraceMs:   5000,
		SessionIDSeed:      "t",
		AgentNamePrefixes: map[string]string{
			"fast":       "haiku",
			"smart-mid":  "sonnet",
			"smart-high": "opus",
		},
	}

	next := 0
	factory := func(tier model.Tier) model.Client {
		if next < len(clients) {
			c := clients[next]
			next++
			return c
		}
		return &modeltest.Client{}
	}

	repo := repository.NewMemoryRepository()
	rt := runtime.New(factory, model.DefaultCatalog(), creds, repo, nil, cfg, log)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})

	router := gin.New()
	SetupRoutes(router, rt, repo, log)
	return router, repo
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func waitForStatus(t *testing.T, repo repository.Repository, taskID string, status task.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := repo.GetTask(context.Background(), taskID)
		if err == nil && got.Status == status {
			return
		}
		require.False(t, time.Now().After(deadline), "task %s never reached %s", taskID, status)
		time.Sleep(time.Millisecond)
	}
}

func TestSubmitTaskEndpoint(t *testing.T) {
	router, repo := setupTestRouter(t, &modeltest.Client{
		Turns: []modeltest.Turn{{Events: []model.Event{
			modeltest.TextDelta("done"), modeltest.Result(),
		}}},
	})

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks",
		SubmitTaskRequest{Content: "list files", Priority: "normal"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp SubmitTaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "t-1", resp.TaskID)

	waitForStatus(t, repo, resp.TaskID, task.StatusCompleted)

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+resp.TaskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "done", got.Result)
}

func TestSubmitTaskRejectsEmptyContent(t *testing.T) {
	router, _ := setupTestRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", map[string]string{"priority": "normal"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	router, _ := setupTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestListTasksFiltersByStatus(t *testing.T) {
	router, repo := setupTestRouter(t, &modeltest.Client{
		Turns: []modeltest.Turn{{Events: []model.Event{
			modeltest.TextDelta("ok"), modeltest.Result(),
		}}},
	})

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks",
		SubmitTaskRequest{Content: "quick check"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp SubmitTaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	waitForStatus(t, repo, resp.TaskID, task.StatusCompleted)

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Tasks []*task.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Tasks, 1)

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks?status=failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Empty(t, listing.Tasks)
}

func TestInterruptUnknownIDReturnsNotFound(t *testing.T) {
	router, _ := setupTestRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/interrupt/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelUnknownTaskReturnsNotFound(t *testing.T) {
	router, _ := setupTestRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusAndAgentsEndpoints(t *testing.T) {
	router, repo := setupTestRouter(t, &modeltest.Client{
		Turns: []modeltest.Turn{{Events: []model.Event{
			modeltest.TextDelta("ok"), modeltest.Result(),
		}}},
	})

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks",
		SubmitTaskRequest{Content: "quick check"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp SubmitTaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	waitForStatus(t, repo, resp.TaskID, task.StatusCompleted)

	w = doJSON(t, router, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st runtime.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.Len(t, st.Agents, 1)
	assert.Equal(t, 0, st.QueueDepth)

	w = doJSON(t, router, http.MethodGet, "/api/v1/agents/"+st.Agents[0].ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), st.Agents[0].ID)

	w = doJSON(t, router, http.MethodGet, "/api/v1/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := setupTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
