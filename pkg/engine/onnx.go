package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// ONNXConfig describes how to launch and size the ONNX backend subprocess
// for one pipeline (tagger, embedder, or face detector+recognizer). Actual
// ONNX Runtime sessions have no pure-Go binding in this stack, so the
// engine shells out to a long-running worker process and exchanges
// newline-delimited JSON over stdin/stdout — grounded on the teacher's own
// subprocess pattern (pkg/mcp/transport.go's createStdioTransport, which
// wraps exec.Command and inherits the parent environment plus config
// overrides).
type ONNXConfig struct {
	BinaryPath    string
	ModelsDir     string
	Env           map[string]string
	VRAMCostTable map[string]float64 // model_id -> per-instance GB, independent of device
}

// CircuitBreakerObserver receives a breaker's open/closed transitions for
// Prometheus export (pkg/metrics.Registry.SetCircuitBreaker satisfies
// this). Labeled by model_id rather than pipeline name since Load has no
// pipeline in scope — each pipeline is configured with its own model_id,
// so the two coincide in practice.
type CircuitBreakerObserver interface {
	SetCircuitBreaker(pipeline, device string, open bool)
}

// onnxEngine implements Engine over ONNXConfig-launched subprocesses.
type onnxEngine struct {
	cfg     ONNXConfig
	metrics CircuitBreakerObserver
}

// NewONNXEngine constructs the process-boundary ONNX adapter shared by the
// tagging, embedding, and face-detection pipelines (they differ only in
// model_id and ModelsDir layout, not in wire protocol). metrics may be nil
// to skip circuit-breaker instrumentation.
func NewONNXEngine(cfg ONNXConfig, metrics CircuitBreakerObserver) Engine {
	return &onnxEngine{cfg: cfg, metrics: metrics}
}

func (e *onnxEngine) EstimateVRAM(modelID string, _ int) (float64, error) {
	cost, ok := e.cfg.VRAMCostTable[modelID]
	if !ok {
		return 0, model.NewError(model.KindBadInput, "engine.estimate_vram", fmt.Errorf("no VRAM cost entry for model %q", modelID))
	}
	return cost, nil
}

func (e *onnxEngine) Load(ctx context.Context, modelID string, device int) (Instance, error) {
	modelPath := e.cfg.ModelsDir + "/" + modelID
	if _, err := os.Stat(modelPath); err != nil {
		return nil, model.NewError(model.KindBadInput, "engine.load", fmt.Errorf("model %q not found: %w", modelID, err))
	}

	cmd := exec.CommandContext(context.Background(), e.cfg.BinaryPath,
		"--model", modelPath, "--device", fmt.Sprintf("%d", device))

	env := os.Environ()
	for k, v := range e.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, model.NewError(model.KindBackendError, "engine.load", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, model.NewError(model.KindBackendError, "engine.load", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, model.NewError(model.KindBackendError, "engine.load", fmt.Errorf("starting backend process: %w", err))
	}

	inst := &onnxInstance{
		cmd:        cmd,
		stdin:      stdin,
		reader:     bufio.NewReader(stdout),
		lastUsedAt: time.Now(),
	}
	deviceLabel := fmt.Sprintf("%d", device)
	inst.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "onnx-instance-" + modelID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Two consecutive failures trips the breaker; the Model Pool
			// (driven by the BackendError kind this surfaces as) performs
			// the actual evict-and-reload per spec §7.
			return counts.ConsecutiveFailures >= 2
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if e.metrics != nil {
				e.metrics.SetCircuitBreaker(modelID, deviceLabel, to == gobreaker.StateOpen)
			}
		},
	})
	return inst, nil
}

type onnxRequest struct {
	Inputs []Input `json:"inputs"`
}

type onnxResponse struct {
	Outputs []Output `json:"outputs"`
	Error   string   `json:"error,omitempty"`
}

// onnxInstance wraps one long-running backend subprocess. One request at a
// time; callers hold the instance exclusively for InferBatch (spec §4.2's
// scheduling model).
type onnxInstance struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	reader     *bufio.Reader
	lastUsedAt time.Time
	breaker    *gobreaker.CircuitBreaker
}

func (inst *onnxInstance) InferBatch(ctx context.Context, inputs []Input) ([]Output, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	result, err := inst.breaker.Execute(func() (any, error) {
		return inst.doInfer(inputs)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, model.NewError(model.KindBackendError, "engine.infer_batch",
				fmt.Errorf("breaker open after repeated failures: %w", err))
		}
		return nil, model.NewError(model.KindBackendError, "engine.infer_batch", err)
	}
	return result.([]Output), nil
}

func (inst *onnxInstance) doInfer(inputs []Input) ([]Output, error) {
	req, err := json.Marshal(onnxRequest{Inputs: inputs})
	if err != nil {
		return nil, err
	}
	req = append(req, '\n')
	if _, err := inst.stdin.Write(req); err != nil {
		return nil, fmt.Errorf("writing request to backend: %w", err)
	}

	line, err := inst.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading response from backend: %w", err)
	}

	var resp onnxResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decoding backend response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("backend error: %s", resp.Error)
	}

	inst.lastUsedAt = time.Now()
	return resp.Outputs, nil
}

func (inst *onnxInstance) Unload(_ context.Context) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	_ = inst.stdin.Close()
	if inst.cmd.Process == nil {
		return nil
	}
	_ = inst.cmd.Process.Kill()
	_ = inst.cmd.Wait()
	return nil
}

func (inst *onnxInstance) LastUsedAt() time.Time {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.lastUsedAt
}

func (inst *onnxInstance) Touch() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.lastUsedAt = time.Now()
}
