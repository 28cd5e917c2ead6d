package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// localCaptionEngine is the multimodal-LLM captioning adapter, implemented
// over the same subprocess wire protocol as the ONNX backends (it is just
// another process-boundary Engine), but additionally implements
// CaptioningEngine so callers can encode an image once and fork N prompts
// against it without re-encoding.
type localCaptionEngine struct {
	inner *onnxEngine
}

// NewLocalCaptionEngine wraps cfg's subprocess backend as a CaptioningEngine.
// metrics may be nil to skip circuit-breaker instrumentation.
func NewLocalCaptionEngine(cfg ONNXConfig, metrics CircuitBreakerObserver) CaptioningEngine {
	return &localCaptionEngine{inner: &onnxEngine{cfg: cfg, metrics: metrics}}
}

func (e *localCaptionEngine) EstimateVRAM(modelID string, device int) (float64, error) {
	return e.inner.EstimateVRAM(modelID, device)
}

func (e *localCaptionEngine) Load(ctx context.Context, modelID string, device int) (Instance, error) {
	return e.inner.Load(ctx, modelID, device)
}

// localImageContext holds a handle id the backend process uses to locate
// its cached encoding; released by telling the backend to drop it.
type localImageContext struct {
	mu       sync.Mutex
	inst     *onnxInstance
	handleID string
	released bool
}

func (c *localImageContext) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	// Best-effort release request; the backend also garbage-collects
	// handles on an internal TTL if this is lost to a crash.
	_, _ = c.inst.doInfer([]Input{{Prompt: "__release__:" + c.handleID}})
}

// EncodeImage asks the backend to compute and cache path's image
// embedding once, returning a handle good for repeated CaptionWith calls.
func (e *localCaptionEngine) EncodeImage(ctx context.Context, rawInst Instance, path string) (ImageContext, error) {
	inst, ok := rawInst.(*onnxInstance)
	if !ok {
		return nil, model.NewError(model.KindFatal, "engine.encode_image", fmt.Errorf("instance is not a local captioning instance"))
	}

	outputs, err := inst.InferBatch(ctx, []Input{{Path: path, Prompt: "__encode__"}})
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 || outputs[0].Caption == nil {
		return nil, model.NewError(model.KindBackendError, "engine.encode_image", fmt.Errorf("backend returned no handle for %q", path))
	}

	return &localImageContext{inst: inst, handleID: outputs[0].Caption.Text}, nil
}

// CaptionWith runs one prompt against an already-encoded image.
func (e *localCaptionEngine) CaptionWith(ctx context.Context, rawInst Instance, imgCtx ImageContext, prompt string) (*model.CaptionResult, error) {
	inst, ok := rawInst.(*onnxInstance)
	if !ok {
		return nil, model.NewError(model.KindFatal, "engine.caption_with", fmt.Errorf("instance is not a local captioning instance"))
	}
	lic, ok := imgCtx.(*localImageContext)
	if !ok {
		return nil, model.NewError(model.KindFatal, "engine.caption_with", fmt.Errorf("image context is not a local handle"))
	}

	outputs, err := inst.InferBatch(ctx, []Input{{Prompt: lic.handleID + ":" + prompt}})
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 || outputs[0].Caption == nil {
		return nil, model.NewError(model.KindBackendError, "engine.caption_with", fmt.Errorf("backend returned no caption"))
	}
	return outputs[0].Caption, nil
}
