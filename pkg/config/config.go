package config

import "github.com/codeready-toolchain/procorch/pkg/model"

// Config is the umbrella configuration object returned by Initialize() and
// threaded through every component: VRAM Planner, Model Pool, Queue
// Manager, and the control-plane HTTP server.
type Config struct {
	configDir string

	// Devices is the ordered list of GPU indices the orchestrator may use.
	Devices []int

	// VRAMCapacityGB maps device index to its total VRAM in GB.
	VRAMCapacityGB map[int]float64

	Defaults *Defaults
	Queue    *QueueConfig

	// VRAM is per-pipeline allocation vectors + per-instance model cost.
	VRAM map[model.PipelineKind]*PipelineVRAMConfig

	// PipelineQueue is per-pipeline batch size / skip / watch behavior.
	PipelineQueue map[model.PipelineKind]*PipelineQueueConfig

	HTTPCaption *HTTPCaptionConfig

	// Engine configures the local ONNX subprocess adapter shared by every
	// pipeline not using the HTTP captioning provider.
	Engine *EngineConfig

	// HTTPAddr is the control-plane/watcher-hook HTTP listen address.
	HTTPAddr string
}

// ConfigStats summarizes loaded configuration for startup logging.
type ConfigStats struct {
	Devices   int
	Pipelines int
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() ConfigStats {
	return ConfigStats{
		Devices:   len(c.Devices),
		Pipelines: len(c.VRAM),
	}
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// MaxVRAMUsagePct returns the configured VRAM ceiling percentage (50-95).
func (c *Config) MaxVRAMUsagePct() int {
	if c.Defaults != nil && c.Defaults.MaxVRAMUsagePct != 0 {
		return c.Defaults.MaxVRAMUsagePct
	}
	return defaultMaxVRAMUsagePct
}

// EnableDynamicVRAM reports whether the dynamic-reallocation feature flag
// is on (default true — see spec §4.3).
func (c *Config) EnableDynamicVRAM() bool {
	if c.Defaults != nil && c.Defaults.EnableDynamicVRAM != nil {
		return *c.Defaults.EnableDynamicVRAM
	}
	return true
}

// MaxAttempts returns the configured retry ceiling per queue entry.
func (c *Config) MaxAttempts() int {
	if c.Defaults != nil && c.Defaults.MaxAttempts != 0 {
		return c.Defaults.MaxAttempts
	}
	return defaultMaxAttempts
}

// CaptioningModelTTLMinutes returns the idle-unload TTL for the captioning
// instance: -1 keeps hot, 0 unloads immediately after each release, 1-60
// is an idle timeout.
func (c *Config) CaptioningModelTTLMinutes() int {
	if c.Defaults != nil && c.Defaults.CaptioningModelTTLMinutes != 0 {
		return c.Defaults.CaptioningModelTTLMinutes
	}
	return defaultCaptioningModelTTLMinutes
}

// BatchSize returns the configured worker batch size for pipeline p,
// falling back to the built-in default.
func (c *Config) BatchSize(p model.PipelineKind) int {
	if pq, ok := c.PipelineQueue[p]; ok && pq.BatchSize > 0 {
		return pq.BatchSize
	}
	return defaultBatchSize[p]
}

// SkipAlreadyProcessed reports whether pipeline p honors the needs_<p> flag
// when enqueueing via folder scan / watcher.
func (c *Config) SkipAlreadyProcessed(p model.PipelineKind) bool {
	pq, ok := c.PipelineQueue[p]
	return ok && pq.SkipAlreadyProcessed
}

// AutoOnScan reports whether the watcher should auto-enqueue pipeline p
// at priority 0 when it observes a new image.
func (c *Config) AutoOnScan(p model.PipelineKind) bool {
	pq, ok := c.PipelineQueue[p]
	return ok && pq.AutoOnScan
}
