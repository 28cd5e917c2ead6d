package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
devices: [0, 1]
vram_capacity_gb:
  0: 24
  1: 24
max_vram_usage_pct: 85
defaults:
  max_attempts: 3
  claim_ttl_seconds: 300
  captioning_model_ttl_minutes: -1
  caption_provider: local
queue:
  poll_interval: 1s
  poll_interval_jitter: 250ms
  claim_ttl: 5m
  sweep_interval: 30s
  graceful_shutdown_timeout: 1m
  drain_grace: 10s
pipelines:
  tagging:
    concurrent_allocation: "1,0"
    solo_allocation: "2,0"
    model_vram_cost_gb: 2.0
    batch_size: 16
  captioning:
    concurrent_allocation: "1,0"
    solo_allocation: "1,0"
    model_vram_cost_gb: 8.0
    batch_size: 1
  embedding:
    concurrent_allocation: "1,0"
    solo_allocation: "2,0"
    model_vram_cost_gb: 1.5
    batch_size: 16
  face_detection:
    concurrent_allocation: "1,0"
    solo_allocation: "1,0"
    model_vram_cost_gb: 1.0
    batch_size: 4
`

func setupTestConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "procorch.yaml"), []byte(testYAML), 0o644))
	return dir
}

func TestInitialize(t *testing.T) {
	configDir := setupTestConfigDir(t)

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, []int{0, 1}, cfg.Devices)
	assert.Equal(t, 85, cfg.MaxVRAMUsagePct())
	assert.Equal(t, 16, cfg.BatchSize("tagging"))
	assert.Equal(t, 1, cfg.BatchSize("captioning"))

	stats := cfg.Stats()
	assert.Equal(t, 2, stats.Devices)
	assert.Equal(t, 4, stats.Pipelines)
}

func TestInitializeConfigNotFound(t *testing.T) {
	ctx := context.Background()
	_, err := Initialize(ctx, "/nonexistent/directory")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestInitializeMissingDeviceVRAMCapacity(t *testing.T) {
	dir := t.TempDir()
	bad := `
devices: [0, 1]
vram_capacity_gb:
  0: 24
pipelines:
  tagging:
    concurrent_allocation: "1,0"
    solo_allocation: "2,0"
    model_vram_cost_gb: 2.0
  captioning:
    concurrent_allocation: "1,0"
    solo_allocation: "1,0"
    model_vram_cost_gb: 8.0
  embedding:
    concurrent_allocation: "1,0"
    solo_allocation: "2,0"
    model_vram_cost_gb: 1.5
  face_detection:
    concurrent_allocation: "1,0"
    solo_allocation: "1,0"
    model_vram_cost_gb: 1.0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "procorch.yaml"), []byte(bad), 0o644))

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vram_capacity_gb missing entry for device 1")
}

func TestInitializeMismatchedAllocationVector(t *testing.T) {
	dir := t.TempDir()
	bad := `
devices: [0, 1]
vram_capacity_gb:
  0: 24
  1: 24
pipelines:
  tagging:
    concurrent_allocation: "1"
    solo_allocation: "2,0"
    model_vram_cost_gb: 2.0
  captioning:
    concurrent_allocation: "1,0"
    solo_allocation: "1,0"
    model_vram_cost_gb: 8.0
  embedding:
    concurrent_allocation: "1,0"
    solo_allocation: "2,0"
    model_vram_cost_gb: 1.5
  face_detection:
    concurrent_allocation: "1,0"
    solo_allocation: "1,0"
    model_vram_cost_gb: 1.0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "procorch.yaml"), []byte(bad), 0o644))

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrent_allocation")
}
