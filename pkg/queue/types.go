// Package queue implements the Worker Pool (spec component C5) and Queue
// Manager (spec component C6): per-pipeline bounded-concurrency worker
// loops running the pipeline's inference cycle, and the enqueue/claim/ack
// surface those loops and the control API share.
//
// Control-flow shape (ticker-driven sweep, stopCh+sync.Once+WaitGroup
// shutdown, per-worker health snapshot) is grounded on the teacher's own
// pkg/queue/worker.go and pkg/queue/pool.go, with every domain type and
// query rewritten against (image_id, pipeline) queue entries instead of
// alert sessions.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// Sentinel errors a worker's poll loop distinguishes from hard failures.
var (
	ErrNoWorkAvailable = errors.New("queue: no work available")
)

// WorkerStatus is a single worker's observable activity state.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is one worker's point-in-time health snapshot.
type WorkerHealth struct {
	ID               string
	Status           WorkerStatus
	BatchSize        int
	BatchesProcessed int
	LastActivity     time.Time
}

// PoolHealth aggregates every worker's health for one pipeline.
type PoolHealth struct {
	Pipeline      model.PipelineKind
	TotalWorkers  int
	ActiveWorkers int
	Workers       []WorkerHealth
}

// Gate is the per-pipeline pause barrier the Orchestrator (C8) implements
// and every worker consults at each cancellation point (spec §4.5, §9's
// "cyclic ownership" note: Worker Pool holds only this narrow interface,
// never a reference back into the Orchestrator itself).
type Gate interface {
	// Wait blocks while the pipeline is Pausing/Paused and returns nil
	// immediately when Running. It returns a non-nil error
	// (context.Canceled or similar) once the pipeline is Stopping or
	// Stopped, or ctx is done, and the worker should exit.
	Wait(ctx context.Context) error
}

// FatalHandler receives notice of a per-pipeline Fatal error so the
// Orchestrator can transition that pipeline to Stopped (spec §7) — again a
// narrow callback interface rather than a direct Orchestrator reference.
type FatalHandler interface {
	OnFatal(pipeline model.PipelineKind, err error)
}

// Metrics is the narrow subset of pkg/metrics.Registry a Worker updates
// inline as it acks, fails, or skips batch entries (spec §6's /metrics
// surface). Nil-safe: a WorkerPool constructed without one simply skips
// these updates.
type Metrics interface {
	IncProcessed(pipeline string, n int64)
	IncFailed(pipeline string, n int64)
	IncSkipped(pipeline string, n int64)
	ObserveBatchDuration(pipeline string, seconds float64)
}
