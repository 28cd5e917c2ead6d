// Package orchestrator implements the Orchestrator (spec component C8):
// the per-pipeline lifecycle state machine that coordinates the VRAM
// Planner (C3), Model Pool (C4), Worker Pool (C5), Queue Manager (C6), and
// Deduplication Engine (C7), and surfaces progress events.
//
// Grounded on the teacher's pkg/agent/orchestrator (lifecycle/
// result-collector shape: narrow interfaces into collaborators, a
// per-unit runtime record, guarded state transitions) and pkg/queue/pool.go
// (Start/Stop idiom for the worker pool each pipeline owns while Running).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/procorch/pkg/config"
	"github.com/codeready-toolchain/procorch/pkg/model"
	"github.com/codeready-toolchain/procorch/pkg/queue"
	"github.com/codeready-toolchain/procorch/pkg/vram"
)

// Store is the subset of pkg/catalog.Store the Orchestrator needs beyond
// what it delegates to pkg/queue.Manager: WorkerSnapshot CRUD and the
// queries driving drain detection.
type Store interface {
	GetSnapshot(ctx context.Context, pipeline model.PipelineKind) (*model.WorkerSnapshot, error)
	ListSnapshots(ctx context.Context) (map[model.PipelineKind]*model.WorkerSnapshot, error)
	SetDesiredState(ctx context.Context, pipeline model.PipelineKind, desired model.DesiredState) error
	QueueDepth(ctx context.Context, pipeline model.PipelineKind) (int64, error)
	ActiveClaims(ctx context.Context, pipeline model.PipelineKind) (int64, error)
	ListImagesNeeding(ctx context.Context, pipeline model.PipelineKind, limit int) ([]int64, error)
}

// ModelPool is the subset of pkg/modelpool.Pool the Orchestrator drives
// directly (plan application and full release on Stop).
type ModelPool interface {
	ApplyPlan(ctx context.Context, pipeline model.PipelineKind, plan vram.DeviceAllocation) error
	ReleaseAllForPipeline(ctx context.Context, pipeline model.PipelineKind)
	ReleaseAll(ctx context.Context)
	SweepIdleCaptioning(ctx context.Context)
}

// Metrics is the narrow subset of pkg/metrics.Registry the Orchestrator
// updates on every publish (spec §6's /metrics surface): a point-in-time
// gauge snapshot per pipeline. Nil-safe — an Orchestrator with no Metrics
// set simply skips these updates.
type Metrics interface {
	ObserveSnapshot(pipeline string, queueDepth, activeClaims int64, vramGB float64, workersActive, workersTotal int)
}

// pipelineRuntime is the Orchestrator's in-memory record for one pipeline:
// its current WorkerState, the Gate its Worker Pool consults, the live
// Worker Pool itself (nil when Stopped), and drain-detection bookkeeping.
type pipelineRuntime struct {
	state        model.WorkerState
	gate         *pipelineGate
	workerPool   *queue.WorkerPool
	modelsLoaded bool // false after a restore-to-Paused restart; see RestoreOnStartup
	cancel       context.CancelFunc

	quietSince *time.Time
}

// Orchestrator is the Orchestrator (C8).
type Orchestrator struct {
	store     Store
	qmanager  *queue.Manager
	planner   *vram.Planner
	modelPool ModelPool
	cfg       *config.Config
	events    *eventBus
	metrics   Metrics

	workerFactory func(pipeline model.PipelineKind, gate queue.Gate) *queue.WorkerPool

	mu       sync.Mutex
	runtimes map[model.PipelineKind]*pipelineRuntime

	wg        sync.WaitGroup
	sweepStop context.CancelFunc
}

// New constructs an Orchestrator. workerFactory builds a fresh WorkerPool
// for pipeline wired to gate, store, the shared ModelPool, Dedup (for
// Embedding), and a PromptBuilder (for Captioning) — injected by the
// caller (cmd/procorchd's wiring) so this package never imports pkg/engine
// or pkg/dedup directly.
func New(store Store, qmanager *queue.Manager, planner *vram.Planner, modelPool ModelPool, cfg *config.Config, workerFactory func(model.PipelineKind, queue.Gate) *queue.WorkerPool) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		qmanager:      qmanager,
		planner:       planner,
		modelPool:     modelPool,
		cfg:           cfg,
		events:        newEventBus(),
		workerFactory: workerFactory,
		runtimes:      make(map[model.PipelineKind]*pipelineRuntime),
	}
	for _, p := range model.AllPipelines {
		o.runtimes[p] = &pipelineRuntime{state: model.WorkerStateStopped, gate: newPipelineGate()}
	}
	return o
}

// Subscribe returns a channel of ProgressEvents and an unsubscribe func.
func (o *Orchestrator) Subscribe() (<-chan ProgressEvent, func()) {
	return o.events.Subscribe()
}

// SetMetrics wires a Prometheus registry into the Orchestrator's publish
// path. Optional — call once after New, before RestoreOnStartup.
func (o *Orchestrator) SetMetrics(m Metrics) {
	o.metrics = m
}

// RequestStart implements queue.StartRequester: a priority-now enqueue
// asks the Orchestrator to ensure its pipeline is Running.
func (o *Orchestrator) RequestStart(pipeline model.PipelineKind) {
	go func() {
		if err := o.Start(context.Background(), pipeline); err != nil {
			slog.Error("priority-now auto-start failed", "pipeline", pipeline, "error", err)
		}
	}()
}

// OnFatal implements queue.FatalHandler: a per-pipeline Fatal error
// transitions that pipeline to Stopped; other pipelines are unaffected
// (spec §7).
func (o *Orchestrator) OnFatal(pipeline model.PipelineKind, err error) {
	slog.Error("pipeline fatal error, stopping", "pipeline", pipeline, "error", err)
	if serr := o.Stop(context.Background(), pipeline); serr != nil {
		slog.Error("failed to stop pipeline after fatal error", "pipeline", pipeline, "error", serr)
	}
}

// RestoreOnStartup loads every pipeline's WorkerSnapshot and re-enters the
// recorded desired_state (spec §4.8's restart-fidelity invariant). Running
// re-loads models and spawns workers; Paused restores the state without
// loading models — they load lazily the next time Start (resume) is
// called, since a fresh process has no instances to "keep" from before.
func (o *Orchestrator) RestoreOnStartup(ctx context.Context) error {
	snaps, err := o.store.ListSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("loading worker snapshots: %w", err)
	}
	for _, pipeline := range model.AllPipelines {
		snap := snaps[pipeline]
		if snap == nil {
			continue
		}
		switch snap.DesiredState {
		case model.DesiredStateRunning:
			if err := o.Start(ctx, pipeline); err != nil {
				slog.Error("restore: failed to start pipeline", "pipeline", pipeline, "error", err)
			}
		case model.DesiredStatePaused:
			o.mu.Lock()
			rt := o.runtimes[pipeline]
			rt.state = model.WorkerStatePaused
			rt.modelsLoaded = false
			rt.gate.setState(model.WorkerStatePaused)
			o.mu.Unlock()
			o.publish(pipeline)
		}
	}
	return nil
}

// StartBackgroundSweeps launches the claim-expiry sweep (Queue Manager),
// captioning idle-TTL sweep (Model Pool), and the 1Hz progress heartbeat.
// Call once at process start; cancel ctx to stop them all.
func (o *Orchestrator) StartBackgroundSweeps(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.sweepStop = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.qmanager.RunClaimSweep(ctx, o.cfg.Queue.SweepInterval)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.Queue.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.modelPool.SweepIdleCaptioning(ctx)
			}
		}
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runHeartbeat(ctx)
	}()
}

// Shutdown stops background sweeps and waits for them to exit.
func (o *Orchestrator) Shutdown() {
	if o.sweepStop != nil {
		o.sweepStop()
	}
	o.wg.Wait()
}

func (o *Orchestrator) runningPipelines(excluding model.PipelineKind) []model.PipelineKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []model.PipelineKind
	for p, rt := range o.runtimes {
		if p != excluding && rt.state == model.WorkerStateRunning {
			out = append(out, p)
		}
	}
	return out
}

// Start transitions pipeline Stopped→Starting→Running (loading a fresh
// plan and spawning workers) or Paused→Running (resume — models already
// hot, skip plan/load). A no-op from any other state.
func (o *Orchestrator) Start(ctx context.Context, pipeline model.PipelineKind) error {
	o.mu.Lock()
	rt := o.runtimes[pipeline]
	state := rt.state
	o.mu.Unlock()

	switch state {
	case model.WorkerStateStopped:
		return o.startFresh(ctx, pipeline, rt)
	case model.WorkerStatePaused:
		if rt.modelsLoaded {
			return o.resume(ctx, pipeline, rt)
		}
		return o.startFresh(ctx, pipeline, rt)
	default:
		return nil // no-op: start∘start, start-while-running, etc.
	}
}

func (o *Orchestrator) startFresh(ctx context.Context, pipeline model.PipelineKind, rt *pipelineRuntime) error {
	o.mu.Lock()
	rt.state = model.WorkerStateStarting
	o.mu.Unlock()
	o.publish(pipeline)

	running := o.runningPipelines(pipeline)
	alloc, shrunk, err := o.planner.StartPipeline(pipeline, running)
	if err != nil {
		o.mu.Lock()
		rt.state = model.WorkerStateStopped
		o.mu.Unlock()
		o.publish(pipeline)
		return err
	}
	for shrunkPipeline, shrunkAlloc := range shrunk {
		if aerr := o.modelPool.ApplyPlan(ctx, shrunkPipeline, shrunkAlloc); aerr != nil {
			slog.Error("failed to shrink pipeline for new starter", "pipeline", shrunkPipeline, "error", aerr)
		}
	}
	if err := o.modelPool.ApplyPlan(ctx, pipeline, alloc); err != nil {
		o.planner.StopPipeline(pipeline)
		o.mu.Lock()
		rt.state = model.WorkerStateStopped
		o.mu.Unlock()
		o.publish(pipeline)
		return err
	}

	if err := o.store.SetDesiredState(ctx, pipeline, model.DesiredStateRunning); err != nil {
		slog.Error("failed to journal desired state", "pipeline", pipeline, "error", err)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	pool := o.workerFactory(pipeline, rt.gate)
	pool.Start(workerCtx, max(alloc.Sum(), 1))

	o.mu.Lock()
	rt.workerPool = pool
	rt.modelsLoaded = true
	rt.state = model.WorkerStateRunning
	rt.gate.setState(model.WorkerStateRunning)
	rt.cancel = cancel
	o.mu.Unlock()
	o.publish(pipeline)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runDrainDetector(workerCtx, pipeline)
	}()

	return nil
}

func (o *Orchestrator) resume(_ context.Context, pipeline model.PipelineKind, rt *pipelineRuntime) error {
	drainCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	rt.state = model.WorkerStateRunning
	rt.gate.setState(model.WorkerStateRunning)
	rt.cancel = cancel
	o.mu.Unlock()
	if err := o.store.SetDesiredState(context.Background(), pipeline, model.DesiredStateRunning); err != nil {
		slog.Error("failed to journal desired state", "pipeline", pipeline, "error", err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runDrainDetector(drainCtx, pipeline)
	}()
	o.publish(pipeline)
	return nil
}

// Pause transitions Running→Pausing→Paused: closes the gate so workers
// suspend at their next cancellation point, but leaves every loaded
// instance in VRAM (spec §4.4/§4.8's HoldsVRAM distinction). A no-op from
// any other state.
func (o *Orchestrator) Pause(ctx context.Context, pipeline model.PipelineKind) error {
	o.mu.Lock()
	rt := o.runtimes[pipeline]
	if rt.state != model.WorkerStateRunning {
		o.mu.Unlock()
		return nil
	}
	rt.state = model.WorkerStatePausing
	rt.gate.setState(model.WorkerStatePausing)
	o.mu.Unlock()
	o.publish(pipeline)

	rt.gate.setState(model.WorkerStatePaused)
	o.mu.Lock()
	rt.state = model.WorkerStatePaused
	o.mu.Unlock()

	if err := o.store.SetDesiredState(ctx, pipeline, model.DesiredStatePaused); err != nil {
		slog.Error("failed to journal desired state", "pipeline", pipeline, "error", err)
	}
	o.publish(pipeline)
	return nil
}

// Stop transitions Running|Paused→Stopping→Stopped: closes the gate,
// stops the pipeline's Worker Pool, releases every loaded instance back to
// the VRAM Planner, and journals the Stopped desired state. A no-op from
// Stopped.
func (o *Orchestrator) Stop(ctx context.Context, pipeline model.PipelineKind) error {
	o.mu.Lock()
	rt := o.runtimes[pipeline]
	if rt.state == model.WorkerStateStopped {
		o.mu.Unlock()
		return nil
	}
	rt.state = model.WorkerStateStopping
	rt.gate.setState(model.WorkerStateStopping)
	pool := rt.workerPool
	cancel := rt.cancel
	o.mu.Unlock()
	o.publish(pipeline)

	if cancel != nil {
		cancel()
	}
	if pool != nil {
		pool.Stop()
	}
	o.modelPool.ReleaseAllForPipeline(ctx, pipeline)
	o.planner.StopPipeline(pipeline)

	if err := o.store.SetDesiredState(ctx, pipeline, model.DesiredStateStopped); err != nil {
		slog.Error("failed to journal desired state", "pipeline", pipeline, "error", err)
	}

	o.mu.Lock()
	rt.state = model.WorkerStateStopped
	rt.workerPool = nil
	rt.modelsLoaded = false
	rt.cancel = nil
	rt.gate.setState(model.WorkerStateStopped)
	o.mu.Unlock()
	o.publish(pipeline)
	return nil
}

// Clear deletes pipeline's queue entries via the Queue Manager. Valid at
// any lifecycle state.
func (o *Orchestrator) Clear(ctx context.Context, pipeline model.PipelineKind) error {
	return o.qmanager.Clear(ctx, pipeline)
}

// StartAll, PauseAll, StopAll, ClearAll apply the corresponding operation
// to every pipeline, collecting (not short-circuiting on) errors.
func (o *Orchestrator) StartAll(ctx context.Context) error { return o.forEach(ctx, o.Start) }
func (o *Orchestrator) PauseAll(ctx context.Context) error { return o.forEach(ctx, o.Pause) }
func (o *Orchestrator) StopAll(ctx context.Context) error  { return o.forEach(ctx, o.Stop) }

func (o *Orchestrator) ClearAll(ctx context.Context) error {
	return o.qmanager.ClearAll(ctx)
}

func (o *Orchestrator) forEach(ctx context.Context, op func(context.Context, model.PipelineKind) error) error {
	var firstErr error
	for _, p := range model.AllPipelines {
		if err := op(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EnqueueImages enqueues imageIDs for pipeline at priority via the Queue
// Manager (routing Embedding through Dedup).
func (o *Orchestrator) EnqueueImages(ctx context.Context, pipeline model.PipelineKind, imageIDs []int64, priority int) (int, error) {
	return o.qmanager.Enqueue(ctx, pipeline, imageIDs, priority)
}

// EnqueueFolder expands folder to images and enqueues them for pipeline.
func (o *Orchestrator) EnqueueFolder(ctx context.Context, pipeline model.PipelineKind, folder string, recursive bool, priority int) (int, error) {
	return o.qmanager.EnqueueFolder(ctx, pipeline, folder, recursive, priority, o.cfg.SkipAlreadyProcessed(pipeline))
}

// State returns pipeline's current WorkerState.
func (o *Orchestrator) State(pipeline model.PipelineKind) model.WorkerState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runtimes[pipeline].state
}
