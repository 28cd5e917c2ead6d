package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/procorch/pkg/config"
	"github.com/codeready-toolchain/procorch/pkg/engine"
	"github.com/codeready-toolchain/procorch/pkg/model"
	"github.com/codeready-toolchain/procorch/pkg/modelpool"
	"github.com/codeready-toolchain/procorch/pkg/orchestrator"
	"github.com/codeready-toolchain/procorch/pkg/queue"
	"github.com/codeready-toolchain/procorch/pkg/vram"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeOrchStore implements orchestrator.Store and queue.Store with empty
// queues, letting a real *orchestrator.Orchestrator run against the HTTP
// layer without a database.
type fakeOrchStore struct {
	mu        sync.Mutex
	snapshots map[model.PipelineKind]*model.WorkerSnapshot
}

func newFakeOrchStore() *fakeOrchStore {
	return &fakeOrchStore{snapshots: make(map[model.PipelineKind]*model.WorkerSnapshot)}
}

func (f *fakeOrchStore) GetSnapshot(_ context.Context, p model.PipelineKind) (*model.WorkerSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[p], nil
}
func (f *fakeOrchStore) ListSnapshots(_ context.Context) (map[model.PipelineKind]*model.WorkerSnapshot, error) {
	return nil, nil
}
func (f *fakeOrchStore) SetDesiredState(_ context.Context, p model.PipelineKind, desired model.DesiredState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[p] = &model.WorkerSnapshot{Pipeline: p, DesiredState: desired}
	return nil
}
func (f *fakeOrchStore) QueueDepth(_ context.Context, _ model.PipelineKind) (int64, error)   { return 0, nil }
func (f *fakeOrchStore) ActiveClaims(_ context.Context, _ model.PipelineKind) (int64, error) { return 0, nil }
func (f *fakeOrchStore) ListImagesNeeding(_ context.Context, _ model.PipelineKind, _ int) ([]int64, error) {
	return nil, nil
}

func (f *fakeOrchStore) Enqueue(_ context.Context, pipeline model.PipelineKind, imageIDs []int64, _ int) (int, error) {
	return len(imageIDs), nil
}
func (f *fakeOrchStore) EnqueueFolder(_ context.Context, _ model.PipelineKind, _ string, _ bool, _ int, _ bool) (int, error) {
	return 3, nil
}
func (f *fakeOrchStore) ClaimBatch(_ context.Context, _ model.PipelineKind, _ string, _ int, _ time.Duration) ([]model.QueueEntry, error) {
	return nil, nil
}
func (f *fakeOrchStore) EnqueueAndClaim(_ context.Context, _ model.PipelineKind, _ string, _ []int64, _ int, _ time.Duration) ([]model.QueueEntry, error) {
	return nil, nil
}
func (f *fakeOrchStore) Ack(_ context.Context, _ []int64) error                { return nil }
func (f *fakeOrchStore) Fail(_ context.Context, _ []int64, _ bool, _ int) error { return nil }
func (f *fakeOrchStore) ReleaseClaim(_ context.Context, _ []int64) error       { return nil }
func (f *fakeOrchStore) Requeue(_ context.Context, _ []int64) error           { return nil }
func (f *fakeOrchStore) ListFailed(_ context.Context, _ model.PipelineKind, _ int) ([]model.QueueEntry, error) {
	return nil, nil
}
func (f *fakeOrchStore) Clear(_ context.Context, _ model.PipelineKind) error { return nil }
func (f *fakeOrchStore) ClearAll(_ context.Context) error                   { return nil }
func (f *fakeOrchStore) ReleaseExpiredClaimsAll(_ context.Context) (int, error) {
	return 0, nil
}
func (f *fakeOrchStore) GetImage(_ context.Context, _ int64) (*model.Image, error) {
	return nil, model.NewError(model.KindBadInput, "get_image", model.ErrNotFound)
}
func (f *fakeOrchStore) WriteResult(_ context.Context, _ model.PipelineKind, _ model.ResultWrite) error {
	return nil
}
func (f *fakeOrchStore) IncrementCounters(_ context.Context, _ model.PipelineKind, _, _, _ int64) error {
	return nil
}

type fakeOrchModelPool struct{}

func (fakeOrchModelPool) ApplyPlan(_ context.Context, _ model.PipelineKind, _ vram.DeviceAllocation) error {
	return nil
}
func (fakeOrchModelPool) ReleaseAllForPipeline(_ context.Context, _ model.PipelineKind) {}
func (fakeOrchModelPool) ReleaseAll(_ context.Context)                                  {}
func (fakeOrchModelPool) SweepIdleCaptioning(_ context.Context)                         {}
func (fakeOrchModelPool) Acquire(_ context.Context, _ model.PipelineKind) (engine.Instance, *modelpool.ReleaseHandle, error) {
	return nil, nil, nil
}
func (fakeOrchModelPool) ReportBackendFailure(_ context.Context, _ model.PipelineKind, _ int, _ engine.Instance) (bool, error) {
	return false, nil
}
func (fakeOrchModelPool) ClearBackendFailure(_ model.PipelineKind, _ int, _ engine.Instance) {}

func (fakeOrchModelPool) Engine(_ model.PipelineKind) engine.Engine { return nil }

type requesterFunc func(model.PipelineKind)

func (f requesterFunc) RequestStart(pipeline model.PipelineKind) { f(pipeline) }

// fakeResolver implements StatusStore for the process_image webhook test.
type fakeResolver struct {
	mu       sync.Mutex
	resolved []string
}

func (f *fakeResolver) ResolvePath(_ context.Context, path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, path)
	return 7, nil
}

func testVRAM() map[model.PipelineKind]*config.PipelineVRAMConfig {
	out := make(map[model.PipelineKind]*config.PipelineVRAMConfig, len(model.AllPipelines))
	for _, p := range model.AllPipelines {
		out[p] = &config.PipelineVRAMConfig{ConcurrentAllocation: config.AllocationVector{1}, SoloAllocation: config.AllocationVector{1}, ModelVRAMCostGB: 1}
	}
	return out
}

func newTestServer(t *testing.T) (*Server, *fakeResolver) {
	t.Helper()
	store := newFakeOrchStore()
	pool := fakeOrchModelPool{}
	planner := vram.NewPlanner([]int{0}, map[int]float64{0: 24}, 100, testVRAM(), true)
	q := config.DefaultQueueConfig()
	q.PollInterval = 5 * time.Millisecond
	q.DrainGrace = 20 * time.Millisecond
	cfg := &config.Config{
		Devices:        []int{0},
		VRAMCapacityGB: map[int]float64{0: 24},
		Defaults:       &config.Defaults{MaxAttempts: 3},
		Queue:          q,
		VRAM:           testVRAM(),
		PipelineQueue:  map[model.PipelineKind]*config.PipelineQueueConfig{},
	}

	var orch *orchestrator.Orchestrator
	qmanager := queue.NewManager(store, nil, requesterFunc(func(p model.PipelineKind) { orch.RequestStart(p) }))
	workerFactory := func(pipeline model.PipelineKind, gate queue.Gate) *queue.WorkerPool {
		wcfg := queue.WorkerConfig{Pipeline: pipeline, BatchSize: 1, ClaimTTL: time.Minute, MaxAttempts: 3, PollInterval: 5 * time.Millisecond}
		return queue.NewWorkerPool(pipeline, wcfg, store, pool, nil, gate, orch, nil, nil)
	}
	orch = orchestrator.New(store, qmanager, planner, pool, cfg, workerFactory)

	resolver := &fakeResolver{}
	return NewServer(orch, resolver), resolver
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusListsEveryPipelineStopped(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Pipelines map[string]string `json:"pipelines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "stopped", body.Pipelines["tagging"])
}

func TestStartPausesStopsPipeline(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/pipelines/tagging/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/status", "")
	var body struct {
		Pipelines map[string]string `json:"pipelines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body.Pipelines["tagging"])

	rec = doRequest(t, s, http.MethodPost, "/pipelines/tagging/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/pipelines/tagging/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownPipelineReturnsBadRequest(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/pipelines/bogus/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueImages(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/pipelines/tagging/enqueue", `{"image_ids":[1,2,3]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Enqueued int `json:"enqueued"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Enqueued)
}

func TestEnqueueImagesRequiresBody(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/pipelines/tagging/enqueue", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueFolder(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/pipelines/tagging/enqueue_folder", `{"folder":"/photos","recursive":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Enqueued int `json:"enqueued"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Enqueued)
}

func TestControlAllEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/control/start_all", "/control/pause_all", "/control/stop_all", "/control/clear_all"} {
		rec := doRequest(t, s, http.MethodPost, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestProcessImageAlwaysAccepted(t *testing.T) {
	s, resolver := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/process_image", `{"path":"/photos/a.jpg","pipelines":["tagging"]}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		resolver.mu.Lock()
		defer resolver.mu.Unlock()
		return len(resolver.resolved) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
