package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cunode/cunode/internal/model"
	"github.com/cunode/cunode/pkg/cache"
	"github.com/cunode/cunode/pkg/config"
	"github.com/cunode/cunode/pkg/gateway"
	"github.com/cunode/cunode/pkg/pipeline"
	"github.com/cunode/cunode/pkg/server"
	"github.com/cunode/cunode/pkg/store"
	"github.com/cunode/cunode/pkg/telemetry"
	"github.com/cunode/cunode/pkg/wasm"
	"github.com/cunode/cunode/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the compute unit",
	Long: `Start the compute unit HTTP server.

Endpoints:
  GET  /result/{messageId}?process-id=  evaluation result for one message
  GET  /results/{processId}             paged evaluation log
  POST /dryrun?process-id=              evaluate a message without persisting
  GET  /healthcheck                     node health and time`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(configPath)
	if err != nil {
		// A node with a broken config must not serve.
		return fmt.Errorf("configuration rejected: %w", err)
	}
	mgr := config.NewManager(cfg, configPath)
	log.Info("starting compute unit",
		slog.String("version", version),
		slog.String("config", cfg.String()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	db, err := store.OpenDB(cfg.Storage.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	checkpoints, err := store.NewCheckpointStore(ctx, cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer checkpoints.Close()
	log.Info("checkpoint store ready", slog.String("backend", checkpoints.Name()))

	gw := gateway.NewClient(cfg.Gateway, log)
	loader, err := wasm.NewLoader(cfg.Wasm.ModuleDir, gw, log)
	if err != nil {
		return err
	}
	modules, err := cache.NewModuleCache(cfg.Wasm.ModuleCacheMaxSize, loader.Load)
	if err != nil {
		return err
	}

	instances, err := cache.NewInstanceCache[pipeline.SandboxEvaluator](
		cfg.Wasm.InstanceCacheMaxSize,
		func(ctx context.Context, moduleID string, limits model.Limits) (pipeline.SandboxEvaluator, error) {
			binary, err := modules.Get(ctx, moduleID)
			if err != nil {
				return nil, err
			}
			return wasm.NewEvaluator(ctx, moduleID, binary, limits)
		},
		func(key cache.InstanceKey, v pipeline.SandboxEvaluator) {
			if evaluator, ok := v.(*wasm.Evaluator); ok {
				evaluator.Close(context.Background())
			}
		},
	)
	if err != nil {
		return err
	}
	defer instances.Purge()

	memory := cache.NewMemoryCache(cfg.Memory.CacheMaxSize, cfg.Memory.CacheTTL)
	pool := worker.New(cfg.Wasm.MaxWorkers, cfg.Wasm.MaxWorkers*4, cfg.Server.BusyThreshold, log)
	defer pool.Close()

	pipe := pipeline.New(pipeline.Deps{
		Locator:      gw,
		ProcessFetch: gw,
		Messages:     gw,
		Processes:    db,
		Evaluations:  db,
		Checkpoints:  checkpoints,
		MemoryCache:  memory,
		Evaluators:   instances,
		Pool:         pool,
		Limits: model.Limits{
			MemoryMaxBytes:     cfg.Wasm.MemoryMaxLimit,
			ComputeMaxDuration: cfg.Wasm.ComputeMaxLimit,
		},
		Policy: func() config.CheckpointConfig { return mgr.Get().Checkpoint },
		Log:    log,
	})
	defer pipe.Close()

	if configPath != "" {
		watcher, err := config.NewWatcher(mgr, log)
		if err != nil {
			log.Warn("config watcher unavailable", slog.String("error", err.Error()))
		} else {
			go watcher.Run(ctx)
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.New(pipe, version, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // cold replays can be slow
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
