package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/auth"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/config"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/curve"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/metrics"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/models"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/randsrc"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/rounds"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/service"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/store"
)

const debugToken = "test-debug-token"

func newHTTPTestServer(t *testing.T) (*store.MemoryStore, http.Handler) {
	t.Helper()
	mem := store.NewMemoryStore()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	svc := service.New(mem, service.Options{
		Simulator:   rounds.New(mem, rounds.Config{Random: randsrc.NewFixed(0.2), Metrics: m}),
		Synthesizer: curve.NewSynthesizer(curve.Options{Random: randsrc.NewSeeded(3), Metrics: m}),
	})
	verifier := auth.NewVerifier(config.Config{AllowDebugToken: true, DebugToken: debugToken})
	server := New(svc, Options{Verifier: verifier, Gatherer: reg})
	return mem, server.Router()
}

// newPacedServer waits delay before every simulated round.
func newPacedServer(t *testing.T, delay time.Duration, opts Options) (*store.MemoryStore, http.Handler) {
	t.Helper()
	mem := store.NewMemoryStore()
	svc := service.New(mem, service.Options{
		Simulator: rounds.New(mem, rounds.Config{
			Random:   randsrc.NewFixed(0.2),
			DelayMin: delay,
			DelayMax: delay,
		}),
		Synthesizer: curve.NewSynthesizer(curve.Options{Random: randsrc.NewSeeded(3)}),
	})
	opts.Verifier = auth.NewVerifier(config.Config{AllowDebugToken: true, DebugToken: debugToken})
	return mem, New(svc, opts).Router()
}

func doRequest(h http.Handler, method, path string, body []byte, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("X-Debug-Token", debugToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func seedTask(mem *store.MemoryStore, current, target float64) models.Task {
	task := models.Task{
		ID:              uuid.New(),
		Title:           "seeded",
		TargetAccuracy:  target,
		CurrentAccuracy: current,
		RewardPool:      1000,
		Status:          models.TaskActive,
		CreatorID:       "creator-1",
	}
	mem.PutTask(task)
	return task
}

func TestWriteRoutesRequireAuth(t *testing.T) {
	_, router := newHTTPTestServer(t)
	for _, path := range []string{"/api/tasks", "/api/contributions", "/api/simulation", "/api/train"} {
		rec := doRequest(router, http.MethodPost, path, []byte(`{}`), false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestCreateAndFetchTask(t *testing.T) {
	_, router := newHTTPTestServer(t)
	body := []byte(`{"title":"Fraud","description":"d","datasetUri":"s3://d","targetAccuracy":0.9,"rewardPool":100,"creatorId":"c1"}`)

	rec := doRequest(router, http.MethodPost, "/api/tasks", body, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Task models.Task `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, models.TaskPending, created.Task.Status)

	rec = doRequest(router, http.MethodGet, "/api/tasks/"+created.Task.ID.String(), nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/tasks?status=PENDING&creatorId=c1", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Tasks []models.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.Tasks, 1)
}

func TestErrorMapping(t *testing.T) {
	_, router := newHTTPTestServer(t)

	rec := doRequest(router, http.MethodPost, "/api/tasks", []byte(`{"title":"x"}`), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodPost, "/api/tasks", []byte(`{not json`), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/tasks/"+uuid.NewString(), nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/tasks/not-a-uuid", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/tasks?limit=-1", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodPost, "/api/train", []byte(`{"taskType":"vision"}`), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/simulation", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContributionRoutes(t *testing.T) {
	mem, router := newHTTPTestServer(t)
	task := seedTask(mem, 0.5, 0.9)

	body := []byte(fmt.Sprintf(`{"taskId":%q,"contributorId":"alice","roundNumber":1,"improvementBp":150,"modelUpdateUri":"ipfs://u"}`, task.ID))
	rec := doRequest(router, http.MethodPost, "/api/contributions", body, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(router, http.MethodPost, "/api/contributions", body, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/contributions?taskId="+task.ID.String()+"&contributorId=alice", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Contributions []models.Contribution `json:"contributions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Contributions, 1)
	assert.InDelta(t, 1.5, listed.Contributions[0].RewardAmount, 1e-9)
}

func TestSimulationLifecycle(t *testing.T) {
	mem, router := newHTTPTestServer(t)
	task := seedTask(mem, 0.5, 0.9)

	body := []byte(fmt.Sprintf(`{"taskId":%q,"contributorId":"alice","rounds":2}`, task.ID))
	rec := doRequest(router, http.MethodPost, "/api/simulation", body, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var simResp struct {
		Success bool `json:"success"`
		Result  struct {
			Results       []rounds.RoundResult `json:"results"`
			FinalAccuracy float64              `json:"finalAccuracy"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &simResp))
	assert.True(t, simResp.Success)
	assert.Len(t, simResp.Result.Results, 2)
	assert.InDelta(t, 0.52, simResp.Result.FinalAccuracy, 1e-9)

	rec = doRequest(router, http.MethodGet, "/api/simulation?taskId="+task.ID.String(), nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var status service.SimulationStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 2, status.TrainingProgress.RoundsCompleted)
	assert.Len(t, status.TrainingRounds, 2)

	rec = doRequest(router, http.MethodGet, "/metrics", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fl_engine_rounds_simulated_total 2")
}

func TestSimulationOutlivesRequestTimeout(t *testing.T) {
	mem, router := newPacedServer(t, 20*time.Millisecond, Options{
		RequestTimeout:    10 * time.Millisecond,
		SimulationTimeout: 5 * time.Second,
	})
	task := seedTask(mem, 0.5, 0.9)

	body := []byte(fmt.Sprintf(`{"taskId":%q,"contributorId":"alice","rounds":3}`, task.ID))
	rec := doRequest(router, http.MethodPost, "/api/simulation", body, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"success":true`)
}

func TestSimulationDeadlineAnswersOnce(t *testing.T) {
	mem, router := newPacedServer(t, 30*time.Millisecond, Options{SimulationTimeout: 50 * time.Millisecond})
	task := seedTask(mem, 0.5, 0.9)

	body := []byte(fmt.Sprintf(`{"taskId":%q,"contributorId":"alice","rounds":5}`, task.ID))
	rec := doRequest(router, http.MethodPost, "/api/simulation", body, true)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"result"`)

	stored, err := mem.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Less(t, stored.CurrentAccuracy, 0.55, "simulation should stop at the deadline")
}

func TestSimulationRejectsOversizedRounds(t *testing.T) {
	mem, router := newHTTPTestServer(t)
	task := seedTask(mem, 0.5, 0.9)

	body := []byte(fmt.Sprintf(`{"taskId":%q,"contributorId":"alice","rounds":1099511627776}`, task.ID))
	rec := doRequest(router, http.MethodPost, "/api/simulation", body, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	body = []byte(fmt.Sprintf(`{"taskId":%q,"contributorId":"alice","roundNumber":1,"improvementBp":500000,"modelUpdateUri":"ipfs://u"}`, task.ID))
	rec = doRequest(router, http.MethodPost, "/api/contributions", body, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestTrainRoutes(t *testing.T) {
	_, router := newHTTPTestServer(t)

	rec := doRequest(router, http.MethodPost, "/api/train", []byte(`{"taskType":"sentiment","hyperparameters":{"epochs":3}}`), true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp service.TrainingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Len(t, resp.TrainingHistory, 3)
	assert.Equal(t, "/tmp/"+resp.ModelID, resp.ModelPath)

	rec = doRequest(router, http.MethodGet, "/api/train", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var catalog curve.Catalog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &catalog))
	assert.ElementsMatch(t, curve.TaskTypes, catalog.AvailableTasks)

	rec = doRequest(router, http.MethodGet, "/api/train?modelId="+resp.ModelID, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = doRequest(router, http.MethodPost, "/api/train", []byte(`{"taskType":"sentiment","hyperparameters":{"epochs":1099511627776}}`), true)
	require.Equal(t, http.StatusOK, rec.Code)
	var clamped service.TrainingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clamped))
	assert.Len(t, clamped.TrainingHistory, curve.MaxEpochs)
}

func TestHealthEndpoint(t *testing.T) {
	_, router := newHTTPTestServer(t)
	rec := doRequest(router, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])
}
