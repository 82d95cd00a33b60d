package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mlxrd/internal/config"
	"mlxrd/internal/daemon"
	"mlxrd/internal/engine"
	"mlxrd/internal/httpapi"
	"mlxrd/internal/registry"
	"mlxrd/internal/scheduler"
	"mlxrd/internal/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mlxrd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath   string
		flagCfg      config.Config
		corsEnabled  bool
		corsOrigins  []string
		maxBodyBytes int64
	)

	cmd := &cobra.Command{
		Use:           "mlxrd",
		Short:         "Local LLM inference daemon with continuous batching",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, configPath, flagCfg)
			if err != nil {
				return err
			}
			httpapi.SetCORSOptions(corsEnabled, corsOrigins, nil, nil)
			httpapi.SetMaxBodyBytes(maxBodyBytes)
			return serve(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "Path to config file (.yaml, .json or .toml)")
	f.StringVar(&flagCfg.Addr, "addr", ":8080", "HTTP listen address, e.g. :8080")
	f.StringVar(&flagCfg.ModelsDir, "models-dir", "~/models/llm", "Directory to scan for *.gguf model files")
	f.StringVar(&flagCfg.DefaultModel, "default-model", "", "Default model id when request omits model")
	f.IntVar(&flagCfg.MaxBatchTokens, "max-batch-tokens", 0, "Token budget per scheduler batch")
	f.IntVar(&flagCfg.MaxBatchSize, "max-batch-size", 0, "Max requests per scheduler batch")
	f.IntVar(&flagCfg.KVBlockSize, "kv-block-size", 0, "Tokens per KV cache block")
	f.IntVar(&flagCfg.TotalKVBlocks, "total-kv-blocks", 0, "Total KV cache blocks in the pool")
	f.IntVar(&flagCfg.MaxQueueDepth, "max-queue-depth", 0, "Waiting queue capacity before 429s")
	f.BoolVar(&flagCfg.RetainKV, "retain-kv", false, "Keep finished sequences' KV blocks for reuse (LRU evicted)")
	f.IntVar(&flagCfg.LlamaCtx, "llama-ctx", 0, "Model context size")
	f.IntVar(&flagCfg.LlamaThreads, "llama-threads", 0, "Inference threads")
	f.StringVar(&flagCfg.LogLevel, "log-level", "", "Log level: debug|info|warn|error")
	f.BoolVar(&corsEnabled, "cors-enabled", false, "Enable CORS middleware")
	f.StringSliceVar(&corsOrigins, "cors-origins", nil, "Allowed CORS origins")
	f.Int64Var(&maxBodyBytes, "max-body-bytes", 0, "Max request body size in bytes (0 = 1MiB default)")

	return cmd
}

// resolveConfig loads the optional config file and overlays any flag the
// user set explicitly. Flags win over the file; Normalize fills the rest.
func resolveConfig(cmd *cobra.Command, path string, flagCfg config.Config) (config.Config, error) {
	cfg := flagCfg
	if path != "" {
		fileCfg, err := config.Load(path)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = fileCfg
		overlay := map[string]func(){
			"addr":             func() { cfg.Addr = flagCfg.Addr },
			"models-dir":       func() { cfg.ModelsDir = flagCfg.ModelsDir },
			"default-model":    func() { cfg.DefaultModel = flagCfg.DefaultModel },
			"max-batch-tokens": func() { cfg.MaxBatchTokens = flagCfg.MaxBatchTokens },
			"max-batch-size":   func() { cfg.MaxBatchSize = flagCfg.MaxBatchSize },
			"kv-block-size":    func() { cfg.KVBlockSize = flagCfg.KVBlockSize },
			"total-kv-blocks":  func() { cfg.TotalKVBlocks = flagCfg.TotalKVBlocks },
			"max-queue-depth":  func() { cfg.MaxQueueDepth = flagCfg.MaxQueueDepth },
			"retain-kv":        func() { cfg.RetainKV = flagCfg.RetainKV },
			"llama-ctx":        func() { cfg.LlamaCtx = flagCfg.LlamaCtx },
			"llama-threads":    func() { cfg.LlamaThreads = flagCfg.LlamaThreads },
			"log-level":        func() { cfg.LogLevel = flagCfg.LogLevel },
		}
		for name, apply := range overlay {
			if cmd.Flags().Changed(name) {
				apply()
			}
		}
	}
	cfg.Normalize()
	return cfg, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func serve(cfg config.Config) error {
	logger := newLogger(cfg.LogLevel)
	met := telemetry.New("mlxrd")

	models, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}

	modelID := cfg.DefaultModel
	modelPath := ""
	if modelID == "" && len(models) > 0 {
		modelID = models[0].ID
	}
	if modelID != "" {
		m, ok := registry.Find(models, modelID)
		if !ok {
			return fmt.Errorf("default model %q not found in %s", modelID, cfg.ModelsDir)
		}
		modelID = m.ID
		modelPath = m.Path
	}

	eng, err := engine.New(modelPath, cfg.LlamaCtx, cfg.LlamaThreads, logger)
	if err != nil {
		return fmt.Errorf("load engine: %w", err)
	}
	defer eng.Close()
	engineReady := engine.Built() && modelPath != ""

	sched, err := scheduler.New(scheduler.Config{
		MaxBatchTokens: cfg.MaxBatchTokens,
		MaxBatchSize:   cfg.MaxBatchSize,
		KVBlockSize:    cfg.KVBlockSize,
		TotalKVBlocks:  cfg.TotalKVBlocks,
		MaxQueueDepth:  cfg.MaxQueueDepth,
		RetainKV:       cfg.RetainKV,
	}, scheduler.Options{Logger: logger, Metrics: met})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	worker := scheduler.NewWorker(sched, eng, logger)
	worker.Start()
	defer worker.Stop()

	d := daemon.New(sched, eng, daemon.Options{
		Logger:      logger,
		Metrics:     met,
		ModelID:     modelID,
		Models:      models,
		EngineReady: engineReady,
	})

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetLogger(logger)
	httpapi.SetMetrics(met)
	httpapi.SetBaseContext(baseCtx)

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(d)}
	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("models_dir", cfg.ModelsDir).
			Str("model", modelID).
			Bool("engine_ready", engineReady).
			Msg("mlxrd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down")
	d.Shutdown()
	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
