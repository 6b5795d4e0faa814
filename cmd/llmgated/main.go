package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"llmgated/internal/auth"
	"llmgated/internal/common/fsutil"
	"llmgated/internal/config"
	"llmgated/internal/convo"
	"llmgated/internal/dispatch"
	"llmgated/internal/engine"
	"llmgated/internal/gateway"
	"llmgated/internal/httpapi"
	"llmgated/internal/registry"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	cfg := config.Config{}
	var configPath string

	root := &cobra.Command{
		Use:           "llmgated",
		Short:         "On-device LLM inference gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				fileCfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				// Flags set on the command line win over the file.
				merged := fileCfg
				overlayChanged(cmd, &merged, cfg)
				cfg = merged
			}
			applyDefaults(&cfg)
			return run(cfg)
		},
	}

	f := root.Flags()
	f.StringVar(&configPath, "config", os.Getenv("LLMGATED_CONFIG"), "Config file (.yaml/.json/.toml)")
	f.StringVar(&cfg.Addr, "addr", envOr("LLMGATED_ADDR", ""), "HTTP listen address, e.g. :8090")
	f.StringVar(&cfg.DataDir, "data-dir", envOr("LLMGATED_DATA_DIR", ""), "Directory for tokens and conversation records")
	f.StringVar(&cfg.ModelPath, "model", envOr("LLMGATED_MODEL", ""), "Model blob to mount at startup (optional)")
	f.StringVar(&cfg.Backend, "backend", envOr("LLMGATED_BACKEND", ""), "Engine backend: cpu|gpu|npu")
	f.IntVar(&cfg.ContextSize, "context-size", 0, "Engine context window in tokens")
	f.IntVar(&cfg.Threads, "threads", 0, "Engine CPU threads (0=auto)")
	f.IntVar(&cfg.GPULayers, "gpu-layers", 0, "Layers to offload on gpu backend (0=all)")
	f.Int64Var(&cfg.DefaultTTLMs, "ttl-ms", 0, "Default conversation TTL in ms (not applied: conversations created without a ttl get a fixed 30 minutes)")
	f.Int64Var(&cfg.SweepIntervalMs, "sweep-interval-ms", 0, "Expiry sweeper interval in ms")
	f.IntVar(&cfg.MaxQueue, "max-queue", 0, "Generation queue depth")
	f.Int64Var(&cfg.MaxWaitMs, "max-wait-ms", 0, "Max wait for a generation slot in ms")
	f.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", 0, "Max request body size in bytes")
	f.StringVar(&cfg.LogLevel, "log-level", envOr("LLMGATED_LOG_LEVEL", ""), "Log level: debug|info|warn|error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "llmgated:", err)
		os.Exit(1)
	}
}

// overlayChanged copies explicitly-set flag values from src over dst.
func overlayChanged(cmd *cobra.Command, dst *config.Config, src config.Config) {
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("addr", func() { dst.Addr = src.Addr })
	set("data-dir", func() { dst.DataDir = src.DataDir })
	set("model", func() { dst.ModelPath = src.ModelPath })
	set("backend", func() { dst.Backend = src.Backend })
	set("context-size", func() { dst.ContextSize = src.ContextSize })
	set("threads", func() { dst.Threads = src.Threads })
	set("gpu-layers", func() { dst.GPULayers = src.GPULayers })
	set("ttl-ms", func() { dst.DefaultTTLMs = src.DefaultTTLMs })
	set("sweep-interval-ms", func() { dst.SweepIntervalMs = src.SweepIntervalMs })
	set("max-queue", func() { dst.MaxQueue = src.MaxQueue })
	set("max-wait-ms", func() { dst.MaxWaitMs = src.MaxWaitMs })
	set("max-body-bytes", func() { dst.MaxBodyBytes = src.MaxBodyBytes })
	set("log-level", func() { dst.LogLevel = src.LogLevel })
}

func applyDefaults(cfg *config.Config) {
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Backend == "" {
		cfg.Backend = "cpu"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func run(cfg config.Config) error {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()

	dataDir, err := fsutil.ExpandHome(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	cfg.DataDir = dataDir

	persister, err := auth.OpenSQLite(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	tokens := auth.New(persister, log)

	convStore, err := convo.NewStore(filepath.Join(cfg.DataDir, "conversations"), log)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	reg := convo.NewRegistry(convStore, log)
	reg.Reload()

	gw := gateway.New(engine.Config{
		ContextSize: cfg.ContextSize,
		Threads:     cfg.Threads,
		GPULayers:   cfg.GPULayers,
	}, gateway.Options{
		MaxQueue: cfg.MaxQueue,
		MaxWait:  time.Duration(cfg.MaxWaitMs) * time.Millisecond,
	}, log)
	reg.SetInvalidator(gw)
	reg.StartSweeper(time.Duration(cfg.SweepIntervalMs) * time.Millisecond)

	if cfg.ModelPath != "" {
		blob, err := registry.Resolve(cfg.ModelPath)
		if err != nil {
			return fmt.Errorf("resolve model: %w", err)
		}
		if err := gw.Load(blob, engine.ParseBackend(cfg.Backend)); err != nil {
			if gateway.IsDependencyUnavailable(err) {
				log.Warn().Err(err).Msg("engine runtime not built in; serving management API only")
			} else {
				return fmt.Errorf("initial model load: %w", err)
			}
		}
	}

	disp := dispatch.New(tokens, reg, gw, log)

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetLogger(log)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders)

	mux := httpapi.NewMux(disp, tokens)
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("data_dir", cfg.DataDir).Msg("llmgated listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-stop:
	}

	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	reg.StopSweeper()
	if err := gw.Close(); err != nil {
		log.Warn().Err(err).Msg("engine close error")
	}
	convStore.Flush()
	if err := tokens.Close(); err != nil {
		log.Warn().Err(err).Msg("token store close error")
	}
	return nil
}
