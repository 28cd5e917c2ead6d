package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/codeready-toolchain/procorch/pkg/engine"
	"github.com/codeready-toolchain/procorch/pkg/model"
	"github.com/codeready-toolchain/procorch/pkg/modelpool"
)

// ModelPool is the subset of pkg/modelpool.Pool a Worker needs.
type ModelPool interface {
	Acquire(ctx context.Context, pipeline model.PipelineKind) (engine.Instance, *modelpool.ReleaseHandle, error)

	// ReportBackendFailure and ClearBackendFailure let a Worker drive
	// spec §7's BackendError eviction policy against the specific
	// instance it was handed, rather than against itself: the Model
	// Pool tracks consecutive failures per instance since concurrent
	// Workers can be handed different instances for the same pipeline.
	ReportBackendFailure(ctx context.Context, pipeline model.PipelineKind, device int, inst engine.Instance) (evicted bool, err error)
	ClearBackendFailure(pipeline model.PipelineKind, device int, inst engine.Instance)

	// Engine exposes the registered Engine for pipeline so the Captioning
	// worker can type-assert engine.CaptioningEngine and use the
	// encode-once/caption-with path (spec §4.2) when the backend supports
	// it.
	Engine(pipeline model.PipelineKind) engine.Engine
}

// PromptBuilder supplies the per-image prompt text for the Captioning
// pipeline, applying caption_handling_mode (Overwrite/Append/Refine —
// spec §9's Open Question, Refine resolved as "concatenate prior caption
// into the prompt context"). Only consulted for PipelineCaptioning.
type PromptBuilder interface {
	BuildPrompt(ctx context.Context, imageID int64) (string, error)
}

// WorkerConfig bundles the per-pipeline tunables a Worker reads once at
// construction (spec §6's batch_size/claim_ttl/max_attempts knobs).
type WorkerConfig struct {
	Pipeline      model.PipelineKind
	BatchSize     int
	ClaimTTL      time.Duration
	MaxAttempts   int
	PollInterval  time.Duration
	PollJitter    time.Duration
	FallbackLimit int
}

// Worker runs the spec §4.5 pseudocode loop for one (pipeline) slot: gate,
// claim, acquire a model instance, infer, write results, ack/fail. Several
// Workers for the same pipeline share one ModelPool and Store; the plan's
// instance count determines how many Workers actually run concurrently
// without blocking on Acquire.
type Worker struct {
	id      string
	cfg     WorkerConfig
	store   Store
	pool    ModelPool
	dedup   Dedup
	gate    Gate
	fatal   FatalHandler
	prompts PromptBuilder

	metrics Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu               sync.RWMutex
	status           WorkerStatus
	batchesProcessed int
	lastActivity     time.Time
}

// NewWorker constructs a Worker for one pipeline slot. dedup may be nil for
// non-Embedding pipelines. prompts may be nil for non-Captioning pipelines.
// metrics may be nil to skip Prometheus instrumentation entirely.
func NewWorker(id string, cfg WorkerConfig, store Store, pool ModelPool, dedup Dedup, gate Gate, fatal FatalHandler, prompts PromptBuilder, metrics Metrics) *Worker {
	return &Worker{
		id:           id,
		cfg:          cfg,
		store:        store,
		pool:         pool,
		dedup:        dedup,
		gate:         gate,
		fatal:        fatal,
		prompts:      prompts,
		metrics:      metrics,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker's poll loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop after its current batch and waits for
// it to exit. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the worker's current snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:               w.id,
		Status:           w.status,
		BatchSize:        w.cfg.BatchSize,
		BatchesProcessed: w.batchesProcessed,
		LastActivity:     w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	log := slog.With("worker_id", w.id, "pipeline", w.cfg.Pipeline)
	log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("worker stopping")
			return
		case <-ctx.Done():
			log.Info("worker context cancelled")
			return
		default:
		}

		if err := w.gate.Wait(ctx); err != nil {
			log.Info("worker exiting on closed gate", "error", err)
			return
		}

		empty, err := w.pollAndProcess(ctx)
		if err != nil {
			log.Error("batch processing error", "error", err)
			w.sleep(time.Second)
			continue
		}
		if empty {
			w.sleep(w.pollInterval())
		}
	}
}

// pollAndProcess claims a batch (falling back to needs-flagged background
// work when the queue is empty), runs inference, and writes results.
// Returns empty=true when there was nothing to do this cycle.
func (w *Worker) pollAndProcess(ctx context.Context) (empty bool, err error) {
	batch, err := w.store.ClaimBatch(ctx, w.cfg.Pipeline, w.id, w.cfg.BatchSize, w.cfg.ClaimTTL)
	if err != nil {
		return false, err
	}

	if len(batch) == 0 {
		limit := w.cfg.FallbackLimit
		if limit <= 0 {
			limit = w.cfg.BatchSize
		}
		fallback, err := w.store.ListImagesNeeding(ctx, w.cfg.Pipeline, limit)
		if err != nil {
			return false, err
		}
		if len(fallback) == 0 {
			return true, nil
		}
		batch, err = w.store.EnqueueAndClaim(ctx, w.cfg.Pipeline, w.id, fallback, 0, w.cfg.ClaimTTL)
		if err != nil {
			return false, err
		}
		if len(batch) == 0 {
			return true, nil
		}
	}

	w.setStatus(WorkerStatusWorking)
	defer w.setStatus(WorkerStatusIdle)

	w.processBatch(ctx, batch)
	w.mu.Lock()
	w.batchesProcessed++
	w.mu.Unlock()
	return false, nil
}

// processBatch acquires a model instance, runs inference, and dispatches
// each entry to ack/fail per spec §4.5's catch clauses. Never returns an
// error: every failure mode is resolved into an ack/fail/stop side effect,
// matching the teacher's "report and continue" worker-loop shape.
func (w *Worker) processBatch(ctx context.Context, batch []model.QueueEntry) {
	inst, release, err := w.pool.Acquire(ctx, w.cfg.Pipeline)
	if err != nil {
		w.failBatch(ctx, batch, err)
		w.backoff()
		return
	}
	defer release.Close()

	inputs, skipIDs, err := w.buildInputs(ctx, batch)
	if err != nil {
		w.failBatch(ctx, batch, err)
		return
	}
	if len(skipIDs) > 0 {
		_ = w.store.Fail(ctx, skipIDs, false, w.cfg.MaxAttempts)
		_ = w.store.IncrementCounters(ctx, w.cfg.Pipeline, 0, 0, int64(len(skipIDs)))
		if w.metrics != nil {
			w.metrics.IncSkipped(string(w.cfg.Pipeline), int64(len(skipIDs)))
		}
	}
	if len(inputs) == 0 {
		return
	}

	inferStart := time.Now()
	outputs, err := w.runInference(ctx, inst, inputs)
	if w.metrics != nil {
		w.metrics.ObserveBatchDuration(string(w.cfg.Pipeline), time.Since(inferStart).Seconds())
	}
	if err != nil {
		w.handleInferError(ctx, batch, inst, release.Device(), err)
		return
	}

	ids := make([]int64, 0, len(batch))
	processed := int64(0)
	for _, out := range outputs {
		entry := matchingEntry(batch, out.ImageID)
		if entry == nil {
			continue
		}
		if err := w.writeResult(ctx, entry.ImageID, out); err != nil {
			_ = w.store.Fail(ctx, []int64{entry.ID}, true, w.cfg.MaxAttempts)
			continue
		}
		ids = append(ids, entry.ID)
		processed++
	}
	if err := w.store.Ack(ctx, ids); err != nil {
		slog.Error("ack failed", "pipeline", w.cfg.Pipeline, "error", err)
	}
	_ = w.store.IncrementCounters(ctx, w.cfg.Pipeline, processed, 0, 0)
	if w.metrics != nil {
		w.metrics.IncProcessed(string(w.cfg.Pipeline), processed)
	}
	w.pool.ClearBackendFailure(w.cfg.Pipeline, release.Device(), inst)
}

// runInference executes inputs against inst. For Captioning, when the
// pipeline's Engine implements engine.CaptioningEngine, it uses the
// encode-once/caption-with path (spec §4.2: compute each image's
// embedding once, run its prompt against that cached context) instead of
// a plain InferBatch call; the HTTP captioning adapter has no reusable
// context and falls through to InferBatch like every other pipeline.
func (w *Worker) runInference(ctx context.Context, inst engine.Instance, inputs []engine.Input) ([]engine.Output, error) {
	if w.cfg.Pipeline == model.PipelineCaptioning {
		if capEng, ok := w.pool.Engine(w.cfg.Pipeline).(engine.CaptioningEngine); ok {
			return runCaptioningInference(ctx, capEng, inst, inputs)
		}
	}
	return inst.InferBatch(ctx, inputs)
}

// runCaptioningInference encodes each input's image once and runs its one
// configured prompt against that context, releasing the context
// immediately after. A batch with multiple images each still encodes
// exactly once per image, matching spec §4.2's "create embedding once,
// fork N conversations" contract at N=1 prompt per image.
func runCaptioningInference(ctx context.Context, capEng engine.CaptioningEngine, inst engine.Instance, inputs []engine.Input) ([]engine.Output, error) {
	outputs := make([]engine.Output, 0, len(inputs))
	for _, in := range inputs {
		imgCtx, err := capEng.EncodeImage(ctx, inst, in.Path)
		if err != nil {
			return nil, err
		}
		caption, err := capEng.CaptionWith(ctx, inst, imgCtx, in.Prompt)
		imgCtx.Release()
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, engine.Output{ImageID: in.ImageID, Caption: caption})
	}
	return outputs, nil
}

// handleInferError dispatches an InferBatch failure per spec §7's Kind
// policy: Cancelled releases the claim without penalty; Fatal fails the
// batch non-retriably and notifies the Orchestrator to stop the pipeline;
// BadInput fails the batch non-retriably; everything else
// (Transient/InsufficientVram/BackendError) fails retriably under the
// normal attempt-count ladder. inst/device identify
// which Model Pool slot produced err, needed for the BackendError
// eviction policy below.
func (w *Worker) handleInferError(ctx context.Context, batch []model.QueueEntry, inst engine.Instance, device int, err error) {
	ids := entryIDs(batch)
	kind := model.KindOf(err)

	switch kind {
	case model.KindCancelled:
		if rerr := w.store.ReleaseClaim(ctx, ids); rerr != nil {
			slog.Error("release claim failed", "pipeline", w.cfg.Pipeline, "error", rerr)
		}
	case model.KindFatal:
		_ = w.store.Fail(ctx, ids, false, w.cfg.MaxAttempts)
		_ = w.store.IncrementCounters(ctx, w.cfg.Pipeline, 0, int64(len(ids)), 0)
		if w.metrics != nil {
			w.metrics.IncFailed(string(w.cfg.Pipeline), int64(len(ids)))
		}
		if w.fatal != nil {
			w.fatal.OnFatal(w.cfg.Pipeline, err)
		}
	default:
		_ = w.store.Fail(ctx, ids, kind.Retriable(), w.cfg.MaxAttempts)
		if kind == model.KindBackendError {
			evicted, everr := w.pool.ReportBackendFailure(ctx, w.cfg.Pipeline, device, inst)
			if everr != nil {
				slog.Error("instance eviction failed", "pipeline", w.cfg.Pipeline, "device", device, "error", everr)
			} else if evicted {
				slog.Warn("instance failed twice consecutively, evicted and reloaded", "pipeline", w.cfg.Pipeline, "device", device)
			}
		}
		w.backoff()
	}
}

// failBatch fails an entire batch, retriably or not according to err's
// Kind (a Cancelled error releases the claims instead) — used when acquire
// or input preparation fails before inference even starts.
func (w *Worker) failBatch(ctx context.Context, batch []model.QueueEntry, err error) {
	ids := entryIDs(batch)
	kind := model.KindOf(err)
	retriable := kind.Retriable() && kind != model.KindCancelled
	if kind == model.KindCancelled {
		if rerr := w.store.ReleaseClaim(ctx, ids); rerr != nil {
			slog.Error("release claim failed", "pipeline", w.cfg.Pipeline, "error", rerr)
		}
		return
	}
	if ferr := w.store.Fail(ctx, ids, retriable, w.cfg.MaxAttempts); ferr != nil {
		slog.Error("fail batch failed", "pipeline", w.cfg.Pipeline, "error", ferr)
	}
}

// buildInputs converts QueueEntries into engine.Input, looking up each
// image's path (and, for Captioning, its prompt). Entries whose image is
// missing or unreadable are returned as skipIDs (BadInput, non-retriable)
// rather than included in inputs.
func (w *Worker) buildInputs(ctx context.Context, batch []model.QueueEntry) ([]engine.Input, []int64, error) {
	inputs := make([]engine.Input, 0, len(batch))
	var skip []int64
	for _, e := range batch {
		img, err := w.store.GetImage(ctx, e.ImageID)
		if err != nil {
			if model.KindOf(err) == model.KindBadInput {
				skip = append(skip, e.ID)
				continue
			}
			return nil, nil, err
		}

		in := engine.Input{ImageID: img.ID, Path: img.Path}
		if w.cfg.Pipeline == model.PipelineCaptioning && w.prompts != nil {
			prompt, perr := w.prompts.BuildPrompt(ctx, img.ID)
			if perr != nil {
				return nil, nil, perr
			}
			in.Prompt = prompt
		}
		inputs = append(inputs, in)
	}
	return inputs, skip, nil
}

// writeResult persists one inference output and, for Embedding, runs the
// Deduplication Engine's propagate-to-group-members hook.
func (w *Worker) writeResult(ctx context.Context, imageID int64, out engine.Output) error {
	var rw model.ResultWrite
	switch w.cfg.Pipeline {
	case model.PipelineTagging:
		rw = model.NewTagListResult(imageID, out.Tags)
	case model.PipelineCaptioning:
		if out.Caption == nil {
			return model.NewError(model.KindBadInput, "worker.write_result", fmt.Errorf("captioning output missing caption"))
		}
		rw = model.NewCaptionResult(imageID, out.Caption.Text, out.Caption.Source, out.Caption.Prompt)
	case model.PipelineEmbedding:
		rw = model.NewEmbeddingsResult(imageID, out.Vectors, 0)
	case model.PipelineFaceDetection:
		rw = model.NewFacesResult(imageID, out.Faces)
	default:
		return model.NewError(model.KindFatal, "worker.write_result", fmt.Errorf("unknown pipeline %q", w.cfg.Pipeline))
	}

	if err := w.store.WriteResult(ctx, w.cfg.Pipeline, rw); err != nil {
		return err
	}

	if w.cfg.Pipeline == model.PipelineEmbedding && w.dedup != nil {
		img, err := w.store.GetImage(ctx, imageID)
		if err == nil && img.Fingerprint.Valid() {
			if derr := w.dedup.OnEmbeddingResult(ctx, imageID, img.Fingerprint); derr != nil {
				slog.Error("dedup propagation failed", "image_id", imageID, "error", derr)
			}
		}
	}
	return nil
}

func matchingEntry(batch []model.QueueEntry, imageID int64) *model.QueueEntry {
	for i := range batch {
		if batch[i].ImageID == imageID {
			return &batch[i]
		}
	}
	return nil
}

func entryIDs(batch []model.QueueEntry) []int64 {
	ids := make([]int64, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}
	return ids
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

func (w *Worker) backoff() {
	w.sleep(w.pollInterval())
}

// pollInterval returns the configured poll duration with jitter — the same
// jittered-backoff idiom as the teacher's Worker.pollInterval.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(s WorkerStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = s
	w.lastActivity = time.Now()
}
