package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// ProcorchYAMLConfig represents the complete procorch.yaml file structure.
type ProcorchYAMLConfig struct {
	Devices        []int                                     `yaml:"devices"`
	VRAMCapacityGB map[int]float64                           `yaml:"vram_capacity_gb"`
	HTTPAddr       string                                    `yaml:"http_addr"`
	Defaults       *Defaults                                 `yaml:"defaults"`
	Queue          *QueueConfig                              `yaml:"queue"`
	HTTPCaption    *HTTPCaptionConfig                         `yaml:"http_caption"`
	Engine         *EngineConfig                              `yaml:"engine"`
	Pipelines      map[model.PipelineKind]*pipelineYAMLConfig `yaml:"pipelines"`
}

// pipelineYAMLConfig merges the VRAM-planner and queue-behavior knobs for
// one pipeline into a single YAML block, split back into PipelineVRAMConfig
// and PipelineQueueConfig during load().
type pipelineYAMLConfig struct {
	ConcurrentAllocation AllocationVector `yaml:"concurrent_allocation"`
	SoloAllocation       AllocationVector `yaml:"solo_allocation"`
	ModelVRAMCostGB      float64          `yaml:"model_vram_cost_gb"`
	ModelID              string           `yaml:"model_id"`
	BatchSize            int              `yaml:"batch_size"`
	SkipAlreadyProcessed bool             `yaml:"skip_already_processed"`
	AutoOnScan           bool             `yaml:"auto_on_scan"`
}

// Initialize loads, validates, and returns ready-to-use configuration. This
// is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load procorch.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge queue/defaults with built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("configuration initialized successfully",
		"devices", stats.Devices,
		"pipelines", stats.Pipelines)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	yamlCfg, err := loader.loadProcorchYAML()
	if err != nil {
		return nil, NewLoadError("procorch.yaml", err)
	}

	defaults := yamlCfg.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}

	queueConfig := DefaultQueueConfig()
	if yamlCfg.Queue != nil {
		if err := mergo.Merge(queueConfig, yamlCfg.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	vram := make(map[model.PipelineKind]*PipelineVRAMConfig, len(model.AllPipelines))
	pipelineQueue := make(map[model.PipelineKind]*PipelineQueueConfig, len(model.AllPipelines))
	for _, p := range model.AllPipelines {
		py := yamlCfg.Pipelines[p]
		if py == nil {
			py = &pipelineYAMLConfig{}
		}
		vram[p] = &PipelineVRAMConfig{
			ConcurrentAllocation: py.ConcurrentAllocation,
			SoloAllocation:       py.SoloAllocation,
			ModelVRAMCostGB:      py.ModelVRAMCostGB,
			ModelID:              py.ModelID,
		}
		pipelineQueue[p] = &PipelineQueueConfig{
			BatchSize:            py.BatchSize,
			SkipAlreadyProcessed: py.SkipAlreadyProcessed,
			AutoOnScan:           py.AutoOnScan,
		}
	}

	httpAddr := yamlCfg.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	return &Config{
		configDir:      configDir,
		Devices:        yamlCfg.Devices,
		VRAMCapacityGB: yamlCfg.VRAMCapacityGB,
		Defaults:       defaults,
		Queue:          queueConfig,
		VRAM:           vram,
		PipelineQueue:  pipelineQueue,
		HTTPCaption:    yamlCfg.HTTPCaption,
		Engine:         yamlCfg.Engine,
		HTTPAddr:       httpAddr,
	}, nil
}

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand ${VAR}/$VAR environment references before parsing. Missing
	// variables expand to empty string; validation catches required fields
	// left empty.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadProcorchYAML() (*ProcorchYAMLConfig, error) {
	var cfg ProcorchYAMLConfig
	cfg.Pipelines = make(map[model.PipelineKind]*pipelineYAMLConfig)

	if err := l.loadYAML("procorch.yaml", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
