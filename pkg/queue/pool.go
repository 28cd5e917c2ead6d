package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// WorkerPool manages the set of Workers running one pipeline concurrently.
// The Orchestrator (C8) creates one WorkerPool per pipeline on Start and
// tears it down (Stop) or suspends it (Pause, via the shared Gate) per the
// lifecycle state machine (spec §4.8). Grounded on the teacher's
// pkg/queue/pool.go worker-fan-out shape, generalized from a single fixed
// WorkerCount to "N workers, where N is driven by the VRAM Planner's
// instance count for this pipeline" (spec §4.5).
type WorkerPool struct {
	pipeline model.PipelineKind
	store    Store
	pool     ModelPool
	dedup    Dedup
	gate     Gate
	fatal    FatalHandler
	prompts  PromptBuilder
	metrics  Metrics
	cfg      WorkerConfig

	mu      sync.Mutex
	workers []*Worker
	started bool
}

// NewWorkerPool constructs an unstarted WorkerPool for one pipeline.
// metrics may be nil to skip Prometheus instrumentation entirely.
func NewWorkerPool(pipeline model.PipelineKind, cfg WorkerConfig, store Store, pool ModelPool, dedup Dedup, gate Gate, fatal FatalHandler, prompts PromptBuilder, metrics Metrics) *WorkerPool {
	cfg.Pipeline = pipeline
	return &WorkerPool{
		pipeline: pipeline,
		store:    store,
		pool:     pool,
		dedup:    dedup,
		gate:     gate,
		fatal:    fatal,
		prompts:  prompts,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// Start spawns workerCount Worker goroutines (workerCount should equal the
// total planned instance count across devices, per spec §4.5, so every
// loaded instance stays saturated). Safe to call once; subsequent calls
// are no-ops.
func (p *WorkerPool) Start(ctx context.Context, workerCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		slog.Warn("worker pool already started, ignoring duplicate start", "pipeline", p.pipeline)
		return
	}
	p.started = true

	if workerCount < 1 {
		workerCount = 1
	}
	slog.Info("starting worker pool", "pipeline", p.pipeline, "worker_count", workerCount)
	for i := 0; i < workerCount; i++ {
		id := fmt.Sprintf("%s-worker-%d", p.pipeline, i)
		w := NewWorker(id, p.cfg, p.store, p.pool, p.dedup, p.gate, p.fatal, p.prompts, p.metrics)
		p.workers = append(p.workers, w)
		w.Start(ctx)
	}
}

// Stop signals every worker to stop after its current batch and waits for
// them all to exit.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.started = false
	p.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	slog.Info("worker pool stopped", "pipeline", p.pipeline)
}

// Health aggregates every worker's snapshot.
func (p *WorkerPool) Health() PoolHealth {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]WorkerHealth, len(p.workers))
	active := 0
	for i, w := range p.workers {
		h := w.Health()
		stats[i] = h
		if h.Status == WorkerStatusWorking {
			active++
		}
	}
	return PoolHealth{
		Pipeline:      p.pipeline,
		TotalWorkers:  len(p.workers),
		ActiveWorkers: active,
		Workers:       stats,
	}
}
