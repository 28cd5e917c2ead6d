package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// Store is the subset of pkg/catalog.Store the Queue Manager and worker
// loops need. catalog.Store satisfies this; tests substitute a fake.
type Store interface {
	Enqueue(ctx context.Context, pipeline model.PipelineKind, imageIDs []int64, priority int) (int, error)
	EnqueueFolder(ctx context.Context, pipeline model.PipelineKind, folder string, recursive bool, priority int, skipAlreadyProcessed bool) (int, error)
	ClaimBatch(ctx context.Context, pipeline model.PipelineKind, workerID string, max int, claimTTL time.Duration) ([]model.QueueEntry, error)
	EnqueueAndClaim(ctx context.Context, pipeline model.PipelineKind, workerID string, imageIDs []int64, priority int, claimTTL time.Duration) ([]model.QueueEntry, error)
	ListImagesNeeding(ctx context.Context, pipeline model.PipelineKind, limit int) ([]int64, error)
	Ack(ctx context.Context, ids []int64) error
	Fail(ctx context.Context, ids []int64, retriable bool, maxAttempts int) error
	ReleaseClaim(ctx context.Context, ids []int64) error
	Requeue(ctx context.Context, ids []int64) error
	ListFailed(ctx context.Context, pipeline model.PipelineKind, limit int) ([]model.QueueEntry, error)
	Clear(ctx context.Context, pipeline model.PipelineKind) error
	ClearAll(ctx context.Context) error
	QueueDepth(ctx context.Context, pipeline model.PipelineKind) (int64, error)
	ActiveClaims(ctx context.Context, pipeline model.PipelineKind) (int64, error)
	ReleaseExpiredClaimsAll(ctx context.Context) (int, error)
	GetImage(ctx context.Context, id int64) (*model.Image, error)
	WriteResult(ctx context.Context, pipeline model.PipelineKind, r model.ResultWrite) error
	IncrementCounters(ctx context.Context, pipeline model.PipelineKind, processed, failed, skipped int64) error
}

// Dedup is the subset of pkg/dedup.Engine the Queue Manager routes
// Embedding-pipeline enqueues through. Every other pipeline bypasses it
// entirely (spec §4.7: "only applied to the Embedding pipeline").
type Dedup interface {
	OnEnqueueEmbedding(ctx context.Context, imageID int64, priority int) (bool, error)
	OnEmbeddingResult(ctx context.Context, imageID int64, fingerprint model.ContentFingerprint) error
}

// priorityNow is the fixed elevated priority "Embed now"/"Caption now"
// requests use (spec §4.6).
const priorityNow = 100

// StartRequester lets the Queue Manager ask the Orchestrator to transition
// a pipeline to Running on a priority-now enqueue, without holding a
// reference back into it.
type StartRequester interface {
	RequestStart(pipeline model.PipelineKind)
}

// Manager is the Queue Manager (C6): the enqueue/claim/ack surface shared
// by the control API and every pipeline's Worker Pool, backed by Store and
// routing Embedding enqueues through Dedup.
type Manager struct {
	store   Store
	dedup   Dedup
	starter StartRequester
}

// NewManager constructs a Queue Manager. starter may be nil if priority-now
// auto-start is not wired (e.g. in tests).
func NewManager(store Store, dedup Dedup, starter StartRequester) *Manager {
	return &Manager{store: store, dedup: dedup, starter: starter}
}

// Enqueue queues imageIDs for pipeline at priority, routing Embedding
// pipeline images through the Deduplication Engine.
func (m *Manager) Enqueue(ctx context.Context, pipeline model.PipelineKind, imageIDs []int64, priority int) (int, error) {
	if pipeline != model.PipelineEmbedding || m.dedup == nil {
		return m.store.Enqueue(ctx, pipeline, imageIDs, priority)
	}

	queued := 0
	for _, id := range imageIDs {
		did, err := m.dedup.OnEnqueueEmbedding(ctx, id, priority)
		if err != nil {
			return queued, err
		}
		if did {
			queued++
		}
	}
	return queued, nil
}

// EnqueueFolder expands folder to image ids and enqueues them at priority,
// honoring skipAlreadyProcessed against the needs_<pipeline> flag. Folder
// expansion is delegated to Store directly even for Embedding: the catalog
// applies its idempotent-enqueue semantics, but Dedup is not consulted, so
// every image in the folder is queued for its own inference and no
// fingerprint grouping happens for it at enqueue time.
func (m *Manager) EnqueueFolder(ctx context.Context, pipeline model.PipelineKind, folder string, recursive bool, priority int, skipAlreadyProcessed bool) (int, error) {
	return m.store.EnqueueFolder(ctx, pipeline, folder, recursive, priority, skipAlreadyProcessed)
}

// EnqueueNow implements the "Embed now"/"Caption now" priority-now
// semantics (spec §4.6): enqueue at priority 100 and request the owning
// pipeline transition to Running if it was Stopped/Paused.
func (m *Manager) EnqueueNow(ctx context.Context, pipeline model.PipelineKind, imageIDs []int64) (int, error) {
	n, err := m.Enqueue(ctx, pipeline, imageIDs, priorityNow)
	if err != nil {
		return n, err
	}
	if m.starter != nil {
		m.starter.RequestStart(pipeline)
	}
	return n, nil
}

// Ack marks ids as successfully processed.
func (m *Manager) Ack(ctx context.Context, ids []int64) error {
	return m.store.Ack(ctx, ids)
}

// Fail fails ids as retriable or not, per maxAttempts.
func (m *Manager) Fail(ctx context.Context, ids []int64, retriable bool, maxAttempts int) error {
	return m.store.Fail(ctx, ids, retriable, maxAttempts)
}

// ListFailed returns Failed entries for pipeline for the user-facing
// failure-reason surface (spec §7).
func (m *Manager) ListFailed(ctx context.Context, pipeline model.PipelineKind, limit int) ([]model.QueueEntry, error) {
	return m.store.ListFailed(ctx, pipeline, limit)
}

// Requeue resets Failed entries back to Pending with attempt_count reset
// to 0 — the user-initiated manual re-queue (spec §7).
func (m *Manager) Requeue(ctx context.Context, ids []int64) error {
	return m.store.Requeue(ctx, ids)
}

// Clear deletes all non-Failed entries for pipeline.
func (m *Manager) Clear(ctx context.Context, pipeline model.PipelineKind) error {
	return m.store.Clear(ctx, pipeline)
}

// ClearAll deletes all non-Failed entries across every pipeline.
func (m *Manager) ClearAll(ctx context.Context) error {
	return m.store.ClearAll(ctx)
}

// QueueDepth returns pipeline's Pending count.
func (m *Manager) QueueDepth(ctx context.Context, pipeline model.PipelineKind) (int64, error) {
	return m.store.QueueDepth(ctx, pipeline)
}

// ActiveClaims returns pipeline's Claimed count.
func (m *Manager) ActiveClaims(ctx context.Context, pipeline model.PipelineKind) (int64, error) {
	return m.store.ActiveClaims(ctx, pipeline)
}

// RunClaimSweep runs release_expired_claims on a ticker until ctx is
// cancelled — the periodic sweep the Orchestrator starts at startup (spec
// §4.6's "every 30 seconds" cadence), grounded on the teacher's own
// runOrphanDetection ticker loop (pkg/queue/orphan.go).
func (m *Manager) RunClaimSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.store.ReleaseExpiredClaimsAll(ctx); err != nil {
				slog.Error("claim sweep failed", "error", err)
			}
		}
	}
}
