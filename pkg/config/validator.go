package config

import (
	"fmt"
	"os"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// Validator validates configuration comprehensively with clear error
// messages, mirroring the teacher's fail-fast, dependency-ordered Validator.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast — stops at the
// first error). Order: devices → queue → defaults → per-pipeline VRAM →
// caption provider, since later sections reference the device list
// validated first.
func (v *Validator) ValidateAll() error {
	if err := v.validateDevices(); err != nil {
		return fmt.Errorf("device validation failed: %w", err)
	}
	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}
	if err := v.validateDefaults(); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}
	if err := v.validateVRAM(); err != nil {
		return fmt.Errorf("VRAM validation failed: %w", err)
	}
	if err := v.validateCaptionProvider(); err != nil {
		return fmt.Errorf("caption provider validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateDevices() error {
	if len(v.cfg.Devices) == 0 {
		return fmt.Errorf("devices must list at least one GPU index")
	}
	seen := make(map[int]bool, len(v.cfg.Devices))
	for _, d := range v.cfg.Devices {
		if seen[d] {
			return fmt.Errorf("duplicate device index %d", d)
		}
		seen[d] = true
		if _, ok := v.cfg.VRAMCapacityGB[d]; !ok {
			return fmt.Errorf("vram_capacity_gb missing entry for device %d", d)
		}
	}
	for d, gb := range v.cfg.VRAMCapacityGB {
		if gb <= 0 {
			return fmt.Errorf("vram_capacity_gb[%d] must be positive, got %v", d, gb)
		}
	}
	return nil
}

func (v *Validator) validateQueue() error {
	q := v.cfg.Queue
	if q == nil {
		return fmt.Errorf("queue configuration is nil")
	}
	if q.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", q.PollInterval)
	}
	if q.PollIntervalJitter < 0 {
		return fmt.Errorf("poll_interval_jitter must be non-negative, got %v", q.PollIntervalJitter)
	}
	if q.PollIntervalJitter >= q.PollInterval {
		return fmt.Errorf("poll_interval_jitter must be less than poll_interval, got jitter=%v interval=%v", q.PollIntervalJitter, q.PollInterval)
	}
	if q.ClaimTTL <= 0 {
		return fmt.Errorf("claim_ttl must be positive, got %v", q.ClaimTTL)
	}
	if q.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %v", q.SweepInterval)
	}
	if q.SweepInterval >= q.ClaimTTL {
		return fmt.Errorf("sweep_interval should be less than claim_ttl to reclaim stale claims promptly, got sweep=%v ttl=%v", q.SweepInterval, q.ClaimTTL)
	}
	if q.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be positive, got %v", q.GracefulShutdownTimeout)
	}
	if q.DrainGrace <= 0 {
		return fmt.Errorf("drain_grace must be positive, got %v", q.DrainGrace)
	}
	return nil
}

func (v *Validator) validateDefaults() error {
	d := v.cfg.Defaults
	if d == nil {
		return nil
	}
	if pct := v.cfg.MaxVRAMUsagePct(); pct < 50 || pct > 95 {
		return NewValidationError("defaults", "", "max_vram_usage_pct",
			fmt.Errorf("must be between 50 and 95, got %d", pct))
	}
	if v.cfg.MaxAttempts() < 1 {
		return NewValidationError("defaults", "", "max_attempts",
			fmt.Errorf("must be at least 1, got %d", v.cfg.MaxAttempts()))
	}
	ttl := v.cfg.CaptioningModelTTLMinutes()
	if ttl < -1 || ttl > 60 {
		return NewValidationError("defaults", "", "captioning_model_ttl_minutes",
			fmt.Errorf("must be -1 (keep hot), 0 (unload immediately), or 1-60, got %d", ttl))
	}
	if d.CaptionHandlingMode != "" && !d.CaptionHandlingMode.IsValid() {
		return NewValidationError("defaults", "", "caption_handling_mode",
			fmt.Errorf("invalid caption handling mode: %s", d.CaptionHandlingMode))
	}
	if d.CaptionProvider != "" && !d.CaptionProvider.IsValid() {
		return NewValidationError("defaults", "", "caption_provider",
			fmt.Errorf("invalid caption provider: %s", d.CaptionProvider))
	}
	return nil
}

// validateVRAM checks every pipeline's allocation vectors are present and
// match the device count, and that the model VRAM cost is positive — the
// invariants the VRAM Planner assumes hold without re-checking at runtime.
func (v *Validator) validateVRAM() error {
	numDevices := len(v.cfg.Devices)
	for _, p := range model.AllPipelines {
		pv, ok := v.cfg.VRAM[p]
		if !ok || pv == nil {
			return NewValidationError("vram", string(p), "", fmt.Errorf("missing pipeline VRAM configuration"))
		}
		if len(pv.ConcurrentAllocation) != numDevices {
			return NewValidationError("vram", string(p), "concurrent_allocation",
				fmt.Errorf("expected %d device entries, got %d", numDevices, len(pv.ConcurrentAllocation)))
		}
		if len(pv.SoloAllocation) != numDevices {
			return NewValidationError("vram", string(p), "solo_allocation",
				fmt.Errorf("expected %d device entries, got %d", numDevices, len(pv.SoloAllocation)))
		}
		if pv.ModelVRAMCostGB <= 0 {
			return NewValidationError("vram", string(p), "model_vram_cost_gb",
				fmt.Errorf("must be positive, got %v", pv.ModelVRAMCostGB))
		}
	}
	return nil
}

func (v *Validator) validateCaptionProvider() error {
	provider := model.CaptionProviderLocal
	if v.cfg.Defaults != nil && v.cfg.Defaults.CaptionProvider != "" {
		provider = v.cfg.Defaults.CaptionProvider
	}
	if provider != model.CaptionProviderHTTP {
		return nil
	}
	hc := v.cfg.HTTPCaption
	if hc == nil {
		return NewValidationError("caption_provider", "http", "", fmt.Errorf("http_caption block is required when caption_provider=http"))
	}
	if hc.BaseURL == "" {
		return NewValidationError("caption_provider", "http", "base_url", fmt.Errorf("required"))
	}
	if hc.Model == "" {
		return NewValidationError("caption_provider", "http", "model", fmt.Errorf("required"))
	}
	if hc.Timeout <= 0 {
		return NewValidationError("caption_provider", "http", "timeout", fmt.Errorf("must be positive"))
	}
	if hc.APIKeyEnv != "" {
		if val := os.Getenv(hc.APIKeyEnv); val == "" {
			return NewValidationError("caption_provider", "http", "api_key_env",
				fmt.Errorf("environment variable %s is not set", hc.APIKeyEnv))
		}
	}
	return nil
}
