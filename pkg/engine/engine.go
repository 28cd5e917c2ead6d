// Package engine implements the InferenceEngine adapters (spec component
// C2): a uniform load/infer_batch/unload contract over the four inference
// backends (ONNX tagger, ONNX embedder, ONNX face detector, multimodal LLM
// captioner), plus an HTTP-backed external captioning adapter.
package engine

import (
	"context"
	"time"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// Input is one unit of work handed to Instance.InferBatch: an image path
// plus whatever pipeline-specific parameters the backend needs (e.g. a
// caption prompt).
type Input struct {
	ImageID int64
	Path    string
	Prompt  string // captioning only
}

// Output is the per-input inference result, in the same order as Input.
type Output struct {
	ImageID int64
	Tags    []model.TagResult
	Caption *model.CaptionResult
	Vectors map[string][]float32
	Faces   []model.FaceRecord
}

// Instance is a loaded model occupying VRAM on one device. Callers hold it
// exclusively for the duration of InferBatch — the engine may use internal
// threads, but no concurrent InferBatch calls are made on the same
// Instance (spec §4.2's scheduling model).
type Instance interface {
	// InferBatch runs inference over inputs, preserving order. Errors are
	// wrapped in *model.Error whose Kind classifies the failure (for
	// example BackendError, BadInput, or Transient from the HTTP adapter).
	InferBatch(ctx context.Context, inputs []Input) ([]Output, error)
	// Unload returns the VRAM to the device. Idempotent.
	Unload(ctx context.Context) error
	// LastUsedAt is updated by the Model Pool on every release, observed
	// here for idle-TTL eviction decisions.
	LastUsedAt() time.Time
	Touch()
}

// Engine is the uniform adapter contract every backend implements.
type Engine interface {
	// EstimateVRAM returns the pre-load VRAM estimate in GB for modelID on
	// device, from a configured cost table — never requires loading.
	EstimateVRAM(modelID string, device int) (float64, error)
	// Load instantiates modelID on device. Fails with *model.Error of Kind
	// InsufficientVram, BadInput (model missing), or BackendError.
	Load(ctx context.Context, modelID string, device int) (Instance, error)
}

// ImageContext is a reusable per-image encoding handle the captioning
// engine produces once and forks N prompts against, per spec §4.2's
// "create embedding once, fork N conversations" design. Release must be
// called when the context is no longer needed.
type ImageContext interface {
	Release()
}

// CaptioningEngine extends Engine with the encode-once/caption-with-N-
// prompts capability. Only the local multimodal engine implements this;
// the HTTP adapter has an identical outward contract but no reusable
// context (every call re-encodes), so it does not implement this
// interface — callers type-assert and fall back to a single-prompt
// InferBatch when absent.
type CaptioningEngine interface {
	Engine
	EncodeImage(ctx context.Context, inst Instance, path string) (ImageContext, error)
	CaptionWith(ctx context.Context, inst Instance, imgCtx ImageContext, prompt string) (*model.CaptionResult, error)
}
