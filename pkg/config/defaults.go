package config

import "github.com/codeready-toolchain/procorch/pkg/model"

// defaultBatchSize is the built-in per-pipeline batch size (spec §4.5):
// default 1 for captioning, 8-32 for tagging/embedding, 4 for face
// detection. These are the fallback used when a pipeline's batch_size is
// left unset in YAML.
var defaultBatchSize = map[model.PipelineKind]int{
	model.PipelineTagging:       16,
	model.PipelineCaptioning:    1,
	model.PipelineEmbedding:     16,
	model.PipelineFaceDetection: 4,
}

// Defaults holds system-wide fallback values applied when a specific
// pipeline doesn't override them — mirrors the teacher's Defaults struct,
// scoped to our domain.
type Defaults struct {
	MaxVRAMUsagePct           int                       `yaml:"max_vram_usage_pct,omitempty"`
	EnableDynamicVRAM         *bool                     `yaml:"enable_dynamic_vram,omitempty"`
	MaxAttempts               int                       `yaml:"max_attempts,omitempty"`
	ClaimTTLSeconds           int                       `yaml:"claim_ttl_seconds,omitempty"`
	CaptioningModelTTLMinutes int                       `yaml:"captioning_model_ttl_minutes,omitempty"`
	CaptionHandlingMode       model.CaptionHandlingMode `yaml:"caption_handling_mode,omitempty"`
	CaptionProvider           model.CaptionProvider     `yaml:"caption_provider,omitempty"`
	DrainGraceSeconds         int                       `yaml:"drain_grace_seconds,omitempty"`
}

const (
	defaultMaxVRAMUsagePct           = 85
	defaultMaxAttempts               = 3
	defaultClaimTTLSeconds           = 300
	defaultCaptioningModelTTLMinutes = -1
	defaultDrainGraceSeconds         = 10
)
