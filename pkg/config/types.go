package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AllocationVector is a per-device model-instance count, e.g. "2,1" means 2
// instances on device 0 and 1 on device 1. It unmarshals from the
// comma-separated string form used in YAML.
type AllocationVector []int

// UnmarshalYAML parses a comma-separated string such as "2,1" into
// per-device instance counts.
func (v *AllocationVector) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return v.parse(raw)
}

func (v *AllocationVector) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*v = nil
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make(AllocationVector, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fmt.Errorf("invalid allocation vector %q: %w", raw, err)
		}
		if n < 0 {
			return fmt.Errorf("invalid allocation vector %q: negative count", raw)
		}
		out[i] = n
	}
	*v = out
	return nil
}

// Sum returns the total instance count across all devices.
func (v AllocationVector) Sum() int {
	total := 0
	for _, n := range v {
		total += n
	}
	return total
}

// HTTPCaptionConfig wires the HTTP-based external captioning adapter
// (spec §4.2, "identical outward contract" as the local multimodal engine,
// but load/unload are no-ops). base_url/model/api_key/timeout map directly
// onto an OpenAI-compatible chat completion client.
type HTTPCaptionConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env,omitempty"`
	Timeout   time.Duration `yaml:"timeout"`
}

// PipelineVRAMConfig groups the VRAM Planner's per-pipeline inputs: the two
// allocation vectors and the per-instance VRAM cost estimate (spec §4.3).
type PipelineVRAMConfig struct {
	ConcurrentAllocation AllocationVector `yaml:"concurrent_allocation"`
	SoloAllocation       AllocationVector `yaml:"solo_allocation"`
	ModelVRAMCostGB      float64          `yaml:"model_vram_cost_gb"`

	// ModelID identifies the on-disk model file this pipeline's engine
	// should load (ONNXConfig.ModelsDir-relative for local pipelines;
	// ignored by the HTTP captioning adapter, which names its model via
	// HTTPCaptionConfig.Model instead).
	ModelID string `yaml:"model_id"`
}

// EngineConfig points at the ONNX subprocess binary and model directory
// shared by the local tagging/embedding/face-detection/captioning engines
// (spec §4.2's "process-boundary adapter").
type EngineConfig struct {
	BinaryPath string            `yaml:"binary_path"`
	ModelsDir  string            `yaml:"models_dir"`
	Env        map[string]string `yaml:"env,omitempty"`
}

// PipelineQueueConfig groups per-pipeline queue/worker knobs.
type PipelineQueueConfig struct {
	BatchSize            int  `yaml:"batch_size"`
	SkipAlreadyProcessed bool `yaml:"skip_already_processed"`
	AutoOnScan           bool `yaml:"auto_on_scan"`
}
