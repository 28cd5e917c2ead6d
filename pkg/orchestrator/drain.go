package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// drainPollInterval is how often runDrainDetector samples queue depth and
// active claims while a pipeline is Running. Independent of the worker
// poll interval: drain detection only needs to be prompt relative to
// DrainGrace, not to claim latency.
const drainPollInterval = 2 * time.Second

// runDrainDetector watches pipeline's queue depth and active claim count
// while it is Running. Once both have been zero continuously for
// DrainGrace, it asks the VRAM Planner to reallocate headroom to the
// remaining running pipelines in priority order (spec §4.3's dynamic
// reallocation, triggered by §4.8's on_drain hook) and applies the result
// via the Model Pool. Exits when ctx is cancelled (pipeline Stop) or the
// pipeline is no longer Running (Pause).
func (o *Orchestrator) runDrainDetector(ctx context.Context, pipeline model.PipelineKind) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	o.mu.Lock()
	rt := o.runtimes[pipeline]
	o.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		o.mu.Lock()
		state := rt.state
		o.mu.Unlock()
		if state != model.WorkerStateRunning {
			return
		}

		depth, err := o.store.QueueDepth(ctx, pipeline)
		if err != nil {
			slog.Warn("drain detector: queue depth query failed", "pipeline", pipeline, "error", err)
			continue
		}
		claims, err := o.store.ActiveClaims(ctx, pipeline)
		if err != nil {
			slog.Warn("drain detector: active claims query failed", "pipeline", pipeline, "error", err)
			continue
		}
		needsWork := true
		if depth == 0 && claims == 0 {
			pending, err := o.store.ListImagesNeeding(ctx, pipeline, 1)
			if err != nil {
				slog.Warn("drain detector: fallback needs-work query failed", "pipeline", pipeline, "error", err)
				continue
			}
			needsWork = len(pending) > 0
		}

		now := time.Now()
		o.mu.Lock()
		if depth == 0 && claims == 0 && !needsWork {
			if rt.quietSince == nil {
				rt.quietSince = &now
			}
		} else {
			rt.quietSince = nil
		}
		quietSince := rt.quietSince
		o.mu.Unlock()

		if quietSince == nil || now.Sub(*quietSince) < o.cfg.Queue.DrainGrace {
			continue
		}

		o.fireDrain(ctx, pipeline)

		o.mu.Lock()
		rt.quietSince = nil
		o.mu.Unlock()
	}
}

// fireDrain hands the VRAM Planner pipeline's drain and applies whatever
// reallocation it computes to each affected pipeline's Model Pool slots.
// It does not resize any pipeline's Worker Pool: existing idle workers
// simply acquire the newly available instances on their next Acquire call
// (spec §4.5), so growth needs no new goroutines — only Start allocates
// fresh workers.
func (o *Orchestrator) fireDrain(ctx context.Context, pipeline model.PipelineKind) {
	running := o.runningPipelines(pipeline)
	if len(running) == 0 {
		return
	}
	changes, err := o.planner.OnDrain(pipeline, running)
	if err != nil {
		slog.Warn("drain reallocation failed", "pipeline", pipeline, "error", err)
		return
	}
	for p, alloc := range changes {
		if err := o.modelPool.ApplyPlan(ctx, p, alloc); err != nil {
			slog.Error("failed to apply drain reallocation", "pipeline", p, "error", err)
		}
	}
}

// runHeartbeat publishes a ProgressEvent for every non-Stopped pipeline
// once per second (spec §4.8), carrying queue depth and VRAM usage so
// Subscribe callers can render progress without polling the catalog
// themselves.
func (o *Orchestrator) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, p := range model.AllPipelines {
			o.mu.Lock()
			state := o.runtimes[p].state
			o.mu.Unlock()
			if state == model.WorkerStateStopped {
				continue
			}
			o.publish(p)
		}
	}
}

// publish assembles and broadcasts the current ProgressEvent for pipeline.
// Query failures are not logged; they leave the affected counters at zero
// rather than skip the publish — subscribers still see the state
// transition even if the catalog hiccups.
func (o *Orchestrator) publish(pipeline model.PipelineKind) {
	ctx := context.Background()
	ev := ProgressEvent{Pipeline: pipeline, At: time.Now()}

	o.mu.Lock()
	ev.State = o.runtimes[pipeline].state
	pool := o.runtimes[pipeline].workerPool
	o.mu.Unlock()

	if depth, err := o.store.QueueDepth(ctx, pipeline); err == nil {
		ev.QueueDepth = depth
	}
	if snap, err := o.store.GetSnapshot(ctx, pipeline); err == nil && snap != nil {
		ev.ProcessedTotal = snap.Processed
		ev.FailedTotal = snap.Failed
	}
	ev.VRAMUsedGB = o.planner.UsedGB(pipeline)

	o.events.Publish(ev)

	if o.metrics != nil {
		var activeClaims int64
		if n, err := o.store.ActiveClaims(ctx, pipeline); err == nil {
			activeClaims = n
		}
		workersActive, workersTotal := 0, 0
		if pool != nil {
			h := pool.Health()
			workersActive, workersTotal = h.ActiveWorkers, h.TotalWorkers
		}
		o.metrics.ObserveSnapshot(string(pipeline), ev.QueueDepth, activeClaims, ev.VRAMUsedGB, workersActive, workersTotal)
	}
}
