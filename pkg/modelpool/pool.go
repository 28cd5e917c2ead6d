// Package modelpool implements the Model Pool (spec component C4): bounded
// per-(pipeline, device) instance slots, acquire/release under contention,
// differential plan application, and idle-TTL eviction for captioning.
package modelpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codeready-toolchain/procorch/pkg/engine"
	"github.com/codeready-toolchain/procorch/pkg/model"
	"github.com/codeready-toolchain/procorch/pkg/vram"
)

// slotKey identifies one (pipeline, device) slot group.
type slotKey struct {
	pipeline model.PipelineKind
	device   int
}

// loadedInstance tracks one Instance plus its in-use state for LRU
// tie-break device selection and release-triggered unload.
type loadedInstance struct {
	inst                engine.Instance
	device              int
	inUse               bool
	consecutiveFailures int
}

// ReleaseHandle returns a held Instance to the pool.
type ReleaseHandle struct {
	pool     *Pool
	pipeline model.PipelineKind
	device   int
	inst     engine.Instance
}

// Close returns the instance to the pool, updating last_used_at and waking
// any waiter blocked on acquire.
func (h *ReleaseHandle) Close() {
	h.pool.release(h.pipeline, h.device, h.inst)
}

// Device identifies which GPU slot this handle's instance was acquired
// from, so a caller that needs to report a per-instance failure (spec
// §7's BackendError eviction policy) can name the exact (pipeline,
// device, instance) triple.
func (h *ReleaseHandle) Device() int {
	return h.device
}

// Pool is the Model Pool. One Pool instance serves every pipeline; the
// caller (Orchestrator) supplies per-pipeline Engine implementations.
type Pool struct {
	mu sync.Mutex
	cv *sync.Cond

	engines map[model.PipelineKind]engine.Engine
	modelID map[model.PipelineKind]string

	// capacity[slotKey] is the plan-directed instance count; loaded tracks
	// the instances actually materialized (<= capacity, built eagerly,
	// torn down lazily once users release them).
	capacity map[slotKey]int
	loaded   map[slotKey][]*loadedInstance

	captioningTTL time.Duration // -1 disables, 0 unloads immediately

	acquireTimeout time.Duration
}

// New constructs an empty Model Pool. engines must have an entry for every
// pipeline the caller intends to acquire; modelID names the model file per
// pipeline passed to Engine.Load.
func New(engines map[model.PipelineKind]engine.Engine, modelID map[model.PipelineKind]string, captioningTTL, acquireTimeout time.Duration) *Pool {
	p := &Pool{
		engines:        engines,
		modelID:        modelID,
		capacity:       make(map[slotKey]int),
		loaded:         make(map[slotKey][]*loadedInstance),
		captioningTTL:  captioningTTL,
		acquireTimeout: acquireTimeout,
	}
	p.cv = sync.NewCond(&p.mu)
	return p
}

// Engine returns the Engine registered for pipeline, so a caller (the
// Worker Pool) can type-assert capability interfaces such as
// engine.CaptioningEngine without the Model Pool needing to know about
// them itself. Returns nil if no engine is registered for pipeline.
func (p *Pool) Engine(pipeline model.PipelineKind) engine.Engine {
	return p.engines[pipeline]
}

// ApplyPlan differentially reconciles loaded instances against plan:
// new capacity is loaded eagerly; removed capacity is torn down once its
// current holder (if any) releases it (spec §4.4).
func (p *Pool) ApplyPlan(ctx context.Context, pipeline model.PipelineKind, plan vram.DeviceAllocation) error {
	eng, ok := p.engines[pipeline]
	if !ok {
		return model.NewError(model.KindFatal, "modelpool.apply_plan", fmt.Errorf("no engine registered for pipeline %q", pipeline))
	}
	modelID := p.modelID[pipeline]

	for device, want := range plan {
		key := slotKey{pipeline: pipeline, device: device}

		p.mu.Lock()
		p.capacity[key] = want
		have := len(p.loaded[key])
		p.mu.Unlock()

		for have < want {
			inst, err := eng.Load(ctx, modelID, device)
			if err != nil {
				return err
			}
			p.mu.Lock()
			p.loaded[key] = append(p.loaded[key], &loadedInstance{inst: inst, device: device})
			have = len(p.loaded[key])
			p.mu.Unlock()
			p.cv.Broadcast()
		}

		if have > want {
			p.shrinkSlot(ctx, key, want)
		}
	}

	return nil
}

// shrinkSlot unloads idle (not-in-use) instances from key until its loaded
// count reaches target or none remain idle — in-use instances are left for
// release() to unload once freed.
func (p *Pool) shrinkSlot(ctx context.Context, key slotKey, target int) {
	p.mu.Lock()
	instances := p.loaded[key]
	kept := instances[:0]
	var toUnload []*loadedInstance
	for _, li := range instances {
		if len(kept) < target || li.inUse {
			kept = append(kept, li)
		} else {
			toUnload = append(toUnload, li)
		}
	}
	p.loaded[key] = kept
	p.mu.Unlock()

	for _, li := range toUnload {
		_ = li.inst.Unload(ctx)
	}
}

// Acquire selects a device where pipeline has a free (not in-use) loaded
// instance, tie-breaking by least-recently-used device, and blocks
// (bounded by the pool's acquireTimeout) if none is free.
func (p *Pool) Acquire(ctx context.Context, pipeline model.PipelineKind) (engine.Instance, *ReleaseHandle, error) {
	deadline := time.Now().Add(p.acquireTimeout)

	p.mu.Lock()
	for {
		if li, device, ok := p.pickFreeLocked(pipeline); ok {
			li.inUse = true
			p.mu.Unlock()
			return li.inst, &ReleaseHandle{pool: p, pipeline: pipeline, device: device, inst: li.inst}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Unlock()
			return nil, nil, model.NewError(model.KindTransient, "modelpool.acquire", fmt.Errorf("timed out waiting for a free %q instance", pipeline))
		}

		waitCh := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(remaining):
			}
			p.mu.Lock()
			close(waitCh)
			p.cv.Broadcast()
			p.mu.Unlock()
		}()
		p.cv.Wait()
		select {
		case <-waitCh:
		default:
		}
		if ctx.Err() != nil {
			p.mu.Unlock()
			return nil, nil, model.NewError(model.KindCancelled, "modelpool.acquire", ctx.Err())
		}
	}
}

// pickFreeLocked finds the least-recently-used device with a free instance
// for pipeline. Must be called with p.mu held.
func (p *Pool) pickFreeLocked(pipeline model.PipelineKind) (*loadedInstance, int, bool) {
	var best *loadedInstance
	bestDevice := -1
	var bestLastUsed time.Time

	for key, instances := range p.loaded {
		if key.pipeline != pipeline {
			continue
		}
		for _, li := range instances {
			if li.inUse {
				continue
			}
			lu := li.inst.LastUsedAt()
			if best == nil || lu.Before(bestLastUsed) {
				best = li
				bestDevice = key.device
				bestLastUsed = lu
			}
		}
	}
	return best, bestDevice, best != nil
}

// release returns an instance to the pool. Captioning instances are subject
// to idle-TTL eviction; other pipelines stay loaded as directed by the plan.
func (p *Pool) release(pipeline model.PipelineKind, device int, inst engine.Instance) {
	inst.Touch()

	p.mu.Lock()
	key := slotKey{pipeline: pipeline, device: device}
	for _, li := range p.loaded[key] {
		if li.inst == inst {
			li.inUse = false
			break
		}
	}
	overCapacity := len(p.loaded[key]) > p.capacity[key]
	p.mu.Unlock()
	p.cv.Broadcast()

	if overCapacity {
		p.shrinkSlot(context.Background(), key, p.capacity[key])
		return
	}

	if pipeline == model.PipelineCaptioning && p.captioningTTL == 0 {
		p.evictOne(key, inst)
	}
}

// ReportBackendFailure records a BackendError against the specific
// instance identified by (pipeline, device, inst) — not against the
// calling Worker, since a pool with more than one loaded instance per
// slot can hand different Workers different instances on each Acquire.
// Once that instance has failed twice consecutively it is evicted and a
// fresh replacement is loaded in its place (spec §7's "same instance
// fails twice consecutively, evict and reload it"), and the counter
// resets. Returns evicted=true when this call triggered that reload.
func (p *Pool) ReportBackendFailure(ctx context.Context, pipeline model.PipelineKind, device int, inst engine.Instance) (evicted bool, err error) {
	key := slotKey{pipeline: pipeline, device: device}

	p.mu.Lock()
	var li *loadedInstance
	for _, cand := range p.loaded[key] {
		if cand.inst == inst {
			li = cand
			break
		}
	}
	if li == nil {
		p.mu.Unlock()
		return false, nil
	}
	li.consecutiveFailures++
	trip := li.consecutiveFailures >= 2
	p.mu.Unlock()

	if !trip {
		return false, nil
	}
	if err := p.evictAndReload(ctx, key, inst); err != nil {
		return false, err
	}
	return true, nil
}

// ClearBackendFailure resets an instance's consecutive-failure counter
// after a successful InferBatch call on it.
func (p *Pool) ClearBackendFailure(pipeline model.PipelineKind, device int, inst engine.Instance) {
	key := slotKey{pipeline: pipeline, device: device}
	p.mu.Lock()
	for _, li := range p.loaded[key] {
		if li.inst == inst {
			li.consecutiveFailures = 0
			break
		}
	}
	p.mu.Unlock()
}

// evictAndReload removes inst from key's loaded set, unloads it, and — if
// the slot still has capacity — loads a fresh instance in its place.
func (p *Pool) evictAndReload(ctx context.Context, key slotKey, inst engine.Instance) error {
	p.mu.Lock()
	var remaining []*loadedInstance
	found := false
	for _, li := range p.loaded[key] {
		if !found && li.inst == inst {
			found = true
			continue
		}
		remaining = append(remaining, li)
	}
	if found {
		p.loaded[key] = remaining
	}
	capacity := p.capacity[key]
	p.mu.Unlock()
	p.cv.Broadcast()

	if !found {
		return nil
	}
	_ = inst.Unload(ctx)

	if capacity <= len(remaining) {
		return nil
	}

	eng, ok := p.engines[key.pipeline]
	if !ok {
		return model.NewError(model.KindFatal, "modelpool.evict_and_reload", fmt.Errorf("no engine registered for pipeline %q", key.pipeline))
	}
	newInst, err := eng.Load(ctx, p.modelID[key.pipeline], key.device)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.loaded[key] = append(p.loaded[key], &loadedInstance{inst: newInst, device: key.device})
	p.mu.Unlock()
	p.cv.Broadcast()
	return nil
}

func (p *Pool) evictOne(key slotKey, inst engine.Instance) {
	p.mu.Lock()
	var remaining []*loadedInstance
	var target *loadedInstance
	for _, li := range p.loaded[key] {
		if target == nil && li.inst == inst && !li.inUse {
			target = li
			continue
		}
		remaining = append(remaining, li)
	}
	if target != nil {
		p.loaded[key] = remaining
	}
	p.mu.Unlock()

	if target != nil {
		_ = target.inst.Unload(context.Background())
	}
}

// SweepIdleCaptioning unloads captioning instances idle longer than
// captioningTTL. A no-op when captioningTTL < 0 (keep hot). Intended to
// run on a periodic ticker alongside the orchestrator's claim-expiry sweep.
func (p *Pool) SweepIdleCaptioning(ctx context.Context) {
	if p.captioningTTL < 0 {
		return
	}

	p.mu.Lock()
	var toUnload []*loadedInstance
	for key, instances := range p.loaded {
		if key.pipeline != model.PipelineCaptioning {
			continue
		}
		var kept []*loadedInstance
		for _, li := range instances {
			if !li.inUse && time.Since(li.inst.LastUsedAt()) >= p.captioningTTL {
				toUnload = append(toUnload, li)
				continue
			}
			kept = append(kept, li)
		}
		p.loaded[key] = kept
	}
	p.mu.Unlock()

	for _, li := range toUnload {
		_ = li.inst.Unload(ctx)
	}
}

// ReleaseAll forcibly unloads every instance across every pipeline and
// clears recorded capacity — used by Stop (spec §4.4).
func (p *Pool) ReleaseAll(ctx context.Context) {
	p.mu.Lock()
	all := p.loaded
	p.loaded = make(map[slotKey][]*loadedInstance)
	p.capacity = make(map[slotKey]int)
	p.mu.Unlock()

	for _, instances := range all {
		for _, li := range instances {
			_ = li.inst.Unload(ctx)
		}
	}
}

// ReleaseAllForPipeline forcibly unloads every instance for one pipeline
// (used by Stop(pipeline), leaving other pipelines untouched).
func (p *Pool) ReleaseAllForPipeline(ctx context.Context, pipeline model.PipelineKind) {
	p.mu.Lock()
	var toUnload []*loadedInstance
	for key, instances := range p.loaded {
		if key.pipeline != pipeline {
			continue
		}
		toUnload = append(toUnload, instances...)
		delete(p.loaded, key)
		delete(p.capacity, key)
	}
	p.mu.Unlock()

	for _, li := range toUnload {
		_ = li.inst.Unload(ctx)
	}
}
