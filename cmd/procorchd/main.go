// procorchd is the Processing Orchestrator daemon: it loads configuration,
// connects to Postgres, wires the VRAM Planner, Model Pool, Queue Manager,
// Deduplication Engine, and Orchestrator together, restores pipeline state
// from the last run, and serves the HTTP control plane.
//
// Exit codes (spec §6): 0 clean shutdown, 1 configuration error, 2 fatal
// backend error at startup, 3 persistent store unavailable.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codeready-toolchain/procorch/pkg/api"
	"github.com/codeready-toolchain/procorch/pkg/caption"
	"github.com/codeready-toolchain/procorch/pkg/catalog"
	"github.com/codeready-toolchain/procorch/pkg/config"
	"github.com/codeready-toolchain/procorch/pkg/database"
	"github.com/codeready-toolchain/procorch/pkg/dedup"
	"github.com/codeready-toolchain/procorch/pkg/engine"
	"github.com/codeready-toolchain/procorch/pkg/metrics"
	"github.com/codeready-toolchain/procorch/pkg/model"
	"github.com/codeready-toolchain/procorch/pkg/modelpool"
	"github.com/codeready-toolchain/procorch/pkg/orchestrator"
	"github.com/codeready-toolchain/procorch/pkg/queue"
	"github.com/codeready-toolchain/procorch/pkg/version"
	"github.com/codeready-toolchain/procorch/pkg/vram"
	"github.com/codeready-toolchain/procorch/pkg/watcher"

	"golang.org/x/time/rate"
)

const exitConfig = 1
const exitFatalBackend = 2
const exitStoreUnavailable = 3

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	slog.Info("starting procorchd", "version", version.Full())

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(exitConfig)
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("database configuration error", "error", err)
		os.Exit(exitConfig)
	}

	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(exitStoreUnavailable)
	}
	defer dbClient.Close()
	slog.Info("connected to postgresql")

	store := catalog.New(dbClient.Pool())
	metricsRegistry := metrics.New(prometheus.DefaultRegisterer)

	engines, modelIDs, err := buildEngines(cfg, metricsRegistry)
	if err != nil {
		slog.Error("failed to build inference engines", "error", err)
		os.Exit(exitFatalBackend)
	}

	pool := modelpool.New(engines, modelIDs, time.Duration(cfg.CaptioningModelTTLMinutes())*time.Minute, 30*time.Second)

	vramCfg := cfg.VRAM
	planner := vram.NewPlanner(cfg.Devices, cfg.VRAMCapacityGB, cfg.MaxVRAMUsagePct(), vramCfg, cfg.EnableDynamicVRAM())

	dedupEngine := dedup.New(store)

	var orch *orchestrator.Orchestrator
	qmanager := queue.NewManager(store, dedupEngine, requesterFunc(func(p model.PipelineKind) { orch.RequestStart(p) }))

	promptBuilder := caption.New(store, resolveCaptionMode(cfg))

	workerFactory := func(pipeline model.PipelineKind, gate queue.Gate) *queue.WorkerPool {
		wcfg := queue.WorkerConfig{
			Pipeline:      pipeline,
			BatchSize:     cfg.BatchSize(pipeline),
			ClaimTTL:      cfg.Queue.ClaimTTL,
			MaxAttempts:   cfg.MaxAttempts(),
			PollInterval:  cfg.Queue.PollInterval,
			PollJitter:    cfg.Queue.PollIntervalJitter,
			FallbackLimit: cfg.BatchSize(pipeline),
		}
		var pb queue.PromptBuilder
		if pipeline == model.PipelineCaptioning {
			pb = promptBuilder
		}
		return queue.NewWorkerPool(pipeline, wcfg, store, pool, dedupEngine, gate, orch, pb, metricsRegistry)
	}

	orch = orchestrator.New(store, qmanager, planner, pool, cfg, workerFactory)
	orch.SetMetrics(metricsRegistry)

	if err := orch.RestoreOnStartup(ctx); err != nil {
		slog.Error("failed to restore pipeline state", "error", err)
	}
	orch.StartBackgroundSweeps(ctx)

	var pipelines []model.PipelineKind
	for _, p := range model.AllPipelines {
		if cfg.AutoOnScan(p) {
			pipelines = append(pipelines, p)
		}
	}
	if len(pipelines) > 0 {
		w, err := watcher.New(*configDir, pipelines, store, orch)
		if err != nil {
			slog.Warn("failed to start filesystem watcher", "error", err)
		} else if err := w.Start(); err != nil {
			slog.Warn("failed to start filesystem watcher", "error", err)
		} else {
			defer w.Stop()
		}
	}

	server := api.NewServer(orch, store)
	go func() {
		if err := server.Run(cfg.HTTPAddr); err != nil {
			slog.Error("http server exited", "error", err)
		}
	}()

	slog.Info("procorchd ready", "http_addr", cfg.HTTPAddr)
	<-ctx.Done()
	slog.Info("shutting down")

	if err := orch.StopAll(context.Background()); err != nil {
		slog.Error("error stopping pipelines on shutdown", "error", err)
	}
	orch.Shutdown()
}

// requesterFunc adapts a plain function to queue.StartRequester.
type requesterFunc func(model.PipelineKind)

func (f requesterFunc) RequestStart(pipeline model.PipelineKind) { f(pipeline) }

func resolveCaptionMode(cfg *config.Config) model.CaptionHandlingMode {
	if cfg.Defaults != nil && cfg.Defaults.CaptionHandlingMode.IsValid() {
		return cfg.Defaults.CaptionHandlingMode
	}
	return model.CaptionOverwrite
}

// buildEngines constructs one engine.Engine per pipeline: the HTTP
// captioning adapter for Captioning when configured, the local multimodal
// subprocess adapter (encode-once/caption-with, spec §4.2) for Captioning
// otherwise, and the plain ONNX subprocess adapter for every other
// pipeline.
func buildEngines(cfg *config.Config, breakerMetrics engine.CircuitBreakerObserver) (map[model.PipelineKind]engine.Engine, map[model.PipelineKind]string, error) {
	engines := make(map[model.PipelineKind]engine.Engine, len(model.AllPipelines))
	modelIDs := make(map[model.PipelineKind]string, len(model.AllPipelines))

	onnxCfg := engine.ONNXConfig{VRAMCostTable: make(map[string]float64)}
	if cfg.Engine != nil {
		onnxCfg.BinaryPath = cfg.Engine.BinaryPath
		onnxCfg.ModelsDir = cfg.Engine.ModelsDir
		onnxCfg.Env = cfg.Engine.Env
	}
	for _, p := range model.AllPipelines {
		if vc := cfg.VRAM[p]; vc != nil {
			onnxCfg.VRAMCostTable[vc.ModelID] = vc.ModelVRAMCostGB
		}
	}
	onnxEngine := engine.NewONNXEngine(onnxCfg, breakerMetrics)
	localCaptionEngine := engine.NewLocalCaptionEngine(onnxCfg, breakerMetrics)

	useHTTPCaption := cfg.Defaults != nil && cfg.Defaults.CaptionProvider == model.CaptionProviderHTTP && cfg.HTTPCaption != nil

	for _, p := range model.AllPipelines {
		modelIDs[p] = cfg.VRAM[p].ModelID
		if p == model.PipelineCaptioning {
			if useHTTPCaption {
				limiter := rate.NewLimiter(rate.Limit(5), 5)
				engines[p] = engine.NewHTTPCaptionEngine(*cfg.HTTPCaption, limiter)
			} else {
				engines[p] = localCaptionEngine
			}
			continue
		}
		engines[p] = onnxEngine
	}
	return engines, modelIDs, nil
}
