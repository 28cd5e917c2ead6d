// Package vram implements the VRAM Planner (spec component C3): computing
// PlacementPlans that pack model instances onto devices without exceeding a
// configurable VRAM ceiling, and the priority-ordered dynamic reallocation
// policy that follows pipeline drain/start events.
package vram

import (
	"fmt"
	"sort"
	"sync"

	"github.com/codeready-toolchain/procorch/pkg/config"
	"github.com/codeready-toolchain/procorch/pkg/model"
)

// DeviceAllocation maps a device index to the number of model instances
// placed on it.
type DeviceAllocation map[int]int

// Sum returns the total instance count across all devices.
func (d DeviceAllocation) Sum() int {
	total := 0
	for _, n := range d {
		total += n
	}
	return total
}

func (d DeviceAllocation) clone() DeviceAllocation {
	out := make(DeviceAllocation, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Planner holds device capacities and per-pipeline VRAM inputs, and tracks
// the currently-committed allocation for every pipeline so it can compute
// deltas on drain/start without re-deriving state from the Model Pool.
type Planner struct {
	mu sync.Mutex

	devices        []int
	capacityGB     map[int]float64
	maxUsagePct    int
	vram           map[model.PipelineKind]*config.PipelineVRAMConfig
	dynamicRealloc bool

	current map[model.PipelineKind]DeviceAllocation
}

// NewPlanner constructs a Planner. devices must be the same ordered list
// validated by pkg/config; vram must have an entry for every model.PipelineKind.
func NewPlanner(devices []int, capacityGB map[int]float64, maxUsagePct int, vram map[model.PipelineKind]*config.PipelineVRAMConfig, dynamicRealloc bool) *Planner {
	return &Planner{
		devices:        devices,
		capacityGB:     capacityGB,
		maxUsagePct:    maxUsagePct,
		vram:           vram,
		dynamicRealloc: dynamicRealloc,
		current:        make(map[model.PipelineKind]DeviceAllocation),
	}
}

// ceilingGB returns the usable VRAM ceiling for a device.
func (p *Planner) ceilingGB(device int) float64 {
	return p.capacityGB[device] * float64(p.maxUsagePct) / 100
}

// usedGB returns the VRAM currently committed on device by every pipeline
// except excluding.
func (p *Planner) usedGB(device int, excluding model.PipelineKind) float64 {
	total := 0.0
	for pipeline, alloc := range p.current {
		if pipeline == excluding {
			continue
		}
		cost := p.vram[pipeline].ModelVRAMCostGB
		total += float64(alloc[device]) * cost
	}
	return total
}

// StartPipeline computes and commits a PlacementPlan for pipeline
// transitioning Stopped→Running. running lists the pipelines presently
// Running (excluding pipeline itself). If dynamic reallocation is enabled
// and the selected vector doesn't fit, lower-priority running pipelines are
// shrunk back toward their concurrent_allocation first (spec §4.3's
// "reverse" case); if it still doesn't fit, pipeline's own vector is
// proportionally reduced. Returns the committed allocation for pipeline,
// plus any other pipelines that were shrunk as a side effect (so the caller
// can tell the Model Pool to release those instances).
func (p *Planner) StartPipeline(pipeline model.PipelineKind, running []model.PipelineKind) (DeviceAllocation, map[model.PipelineKind]DeviceAllocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pv, ok := p.vram[pipeline]
	if !ok {
		return nil, nil, model.NewError(model.KindFatal, "vram.start_pipeline", fmt.Errorf("no VRAM configuration for pipeline %q", pipeline))
	}

	vector := pv.ConcurrentAllocation
	if len(running) == 0 {
		vector = pv.SoloAllocation
	}
	candidate := vectorToAllocation(p.devices, vector)

	if p.fits(pipeline, candidate) {
		p.current[pipeline] = candidate
		return candidate, nil, nil
	}

	shrunk := make(map[model.PipelineKind]DeviceAllocation)
	if p.dynamicRealloc {
		for _, lower := range lowestPriorityFirst(running) {
			if lower.ReallocationPriority() >= pipeline.ReallocationPriority() {
				continue
			}
			concurrentVec := p.vram[lower].ConcurrentAllocation
			target := vectorToAllocation(p.devices, concurrentVec)
			if allocationsEqual(p.current[lower], target) {
				continue
			}
			p.current[lower] = target
			shrunk[lower] = target
			if p.fits(pipeline, candidate) {
				p.current[pipeline] = candidate
				return candidate, shrunk, nil
			}
		}
	}

	reduced, ok := p.proportionalFit(pipeline, candidate)
	if !ok {
		return nil, shrunk, model.NewError(model.KindInsufficientVram, "vram.start_pipeline",
			fmt.Errorf("pipeline %q cannot fit within VRAM ceiling even after shrinking lower-priority pipelines", pipeline))
	}
	p.current[pipeline] = reduced
	return reduced, shrunk, nil
}

// StopPipeline removes pipeline's allocation entirely, freeing its VRAM for
// future plans. Used on Stop (not Pause — Pause keeps the allocation, per
// spec §4.5's HoldsVRAM distinction).
func (p *Planner) StopPipeline(pipeline model.PipelineKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.current, pipeline)
}

// OnDrain implements spec §4.3's dynamic reallocation: deducts the drained
// pipeline's VRAM, then grows still-running pipelines toward their
// solo_allocation in priority order (Captioning, Embedding, Tagging/
// FaceDetection), clamped to what's available. Returns the set of pipelines
// whose allocation grew, for the caller to apply via the Model Pool. A
// no-op (returns nil, nil) when dynamic reallocation is disabled.
func (p *Planner) OnDrain(drained model.PipelineKind, runningOrdered []model.PipelineKind) (map[model.PipelineKind]DeviceAllocation, error) {
	if !p.dynamicRealloc {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.current, drained)

	grown := make(map[model.PipelineKind]DeviceAllocation)
	for _, pipeline := range highestPriorityFirst(runningOrdered) {
		pv, ok := p.vram[pipeline]
		if !ok {
			continue
		}
		target := vectorToAllocation(p.devices, pv.SoloAllocation)
		current := p.current[pipeline]
		delta := subtractClampPositive(target, current)
		if delta.Sum() == 0 {
			continue
		}

		applied := p.growWithinCeiling(pipeline, current, delta)
		if applied.Sum() == 0 {
			continue
		}
		merged := mergeAllocations(current, applied)
		p.current[pipeline] = merged
		grown[pipeline] = merged
	}

	if len(grown) == 0 {
		return nil, nil
	}
	return grown, nil
}

// growWithinCeiling returns the subset of delta (per device, in any order)
// that fits under the ceiling given what's already used, clamped to
// available VRAM.
func (p *Planner) growWithinCeiling(pipeline model.PipelineKind, current, delta DeviceAllocation) DeviceAllocation {
	cost := p.vram[pipeline].ModelVRAMCostGB
	applied := make(DeviceAllocation)
	for _, device := range p.devices {
		want := delta[device]
		if want == 0 {
			continue
		}
		used := p.usedGB(device, pipeline) + float64(current[device])*cost
		ceiling := p.ceilingGB(device)
		available := ceiling - used
		if available <= 0 || cost <= 0 {
			continue
		}
		can := int(available / cost)
		if can > want {
			can = want
		}
		if can > 0 {
			applied[device] = can
		}
	}
	return applied
}

// fits reports whether candidate, combined with every other pipeline's
// current allocation, stays within every device's ceiling.
func (p *Planner) fits(pipeline model.PipelineKind, candidate DeviceAllocation) bool {
	cost := p.vram[pipeline].ModelVRAMCostGB
	for _, device := range p.devices {
		used := p.usedGB(device, pipeline) + float64(candidate[device])*cost
		if used > p.ceilingGB(device)+1e-9 {
			return false
		}
	}
	return true
}

// proportionalFit reduces candidate one instance at a time until it fits.
// Each step removes an instance from the highest-capacity device that holds
// one and is over its ceiling; when no such device exists, it removes one
// from the highest-capacity device. Counts are not scaled by a common
// factor. A plan reduced to zero instances does not count as fitting.
func (p *Planner) proportionalFit(pipeline model.PipelineKind, candidate DeviceAllocation) (DeviceAllocation, bool) {
	cost := p.vram[pipeline].ModelVRAMCostGB
	if cost <= 0 {
		return candidate, true
	}

	devicesByCapacityDesc := append([]int(nil), p.devices...)
	sort.Slice(devicesByCapacityDesc, func(i, j int) bool {
		return p.capacityGB[devicesByCapacityDesc[i]] > p.capacityGB[devicesByCapacityDesc[j]]
	})

	result := candidate.clone()
	for {
		if result.Sum() > 0 && p.fits(pipeline, result) {
			return result, true
		}
		if result.Sum() == 0 {
			return result, false
		}

		reducedAny := false
		for _, device := range devicesByCapacityDesc {
			if result[device] <= 0 {
				continue
			}
			used := p.usedGB(device, pipeline) + float64(result[device])*cost
			if used > p.ceilingGB(device)+1e-9 {
				result[device]--
				reducedAny = true
				break
			}
		}
		if !reducedAny {
			// No single device is over; reduce the largest device's count
			// by one to make progress toward feasibility.
			result[devicesByCapacityDesc[0]]--
		}
	}
}

// vectorToAllocation zips an ordered device list with an AllocationVector.
func vectorToAllocation(devices []int, vector config.AllocationVector) DeviceAllocation {
	out := make(DeviceAllocation, len(devices))
	for i, device := range devices {
		if i < len(vector) {
			out[device] = vector[i]
		}
	}
	return out
}

func allocationsEqual(a, b DeviceAllocation) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func subtractClampPositive(target, current DeviceAllocation) DeviceAllocation {
	out := make(DeviceAllocation, len(target))
	for device, want := range target {
		delta := want - current[device]
		if delta > 0 {
			out[device] = delta
		}
	}
	return out
}

func mergeAllocations(base, delta DeviceAllocation) DeviceAllocation {
	out := base.clone()
	for device, n := range delta {
		out[device] += n
	}
	return out
}

// lowestPriorityFirst sorts pipelines ascending by ReallocationPriority so
// the least-important running pipeline is shrunk first.
func lowestPriorityFirst(pipelines []model.PipelineKind) []model.PipelineKind {
	out := append([]model.PipelineKind(nil), pipelines...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReallocationPriority() < out[j].ReallocationPriority()
	})
	return out
}

// highestPriorityFirst sorts pipelines descending by ReallocationPriority so
// freed VRAM is offered to the most important running pipeline first.
func highestPriorityFirst(pipelines []model.PipelineKind) []model.PipelineKind {
	out := append([]model.PipelineKind(nil), pipelines...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReallocationPriority() > out[j].ReallocationPriority()
	})
	return out
}

// Current returns a snapshot of the committed allocation for pipeline, or
// nil if it has none.
func (p *Planner) Current(pipeline model.PipelineKind) DeviceAllocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if alloc, ok := p.current[pipeline]; ok {
		return alloc.clone()
	}
	return nil
}

// UsedGB returns the VRAM currently committed to pipeline across every
// device, in gigabytes.
func (p *Planner) UsedGB(pipeline model.PipelineKind) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	alloc, ok := p.current[pipeline]
	if !ok {
		return 0
	}
	cost := p.vram[pipeline].ModelVRAMCostGB
	total := 0.0
	for _, n := range alloc {
		total += float64(n) * cost
	}
	return total
}
