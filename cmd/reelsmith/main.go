package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/jo-hoe/reelsmith/internal/common"
	appcfg "github.com/jo-hoe/reelsmith/internal/config"
	"github.com/jo-hoe/reelsmith/internal/ideas"
	"github.com/jo-hoe/reelsmith/internal/jobs"
	"github.com/jo-hoe/reelsmith/internal/pipeline"
	"github.com/jo-hoe/reelsmith/internal/processor"
	"github.com/jo-hoe/reelsmith/internal/server"
	"github.com/jo-hoe/reelsmith/internal/storage"
)

func main() {
	// Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// Optional .env for provider secrets referenced from the config
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("load .env", "err", err)
	}

	// Load config
	cfgPath := ""
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := appcfg.Load(cfgPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	}

	// Store (SQLite)
	store, err := jobs.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		logger.Error("sqlite open", "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Artifact storage
	files := storage.NewFileStore(filepath.Join(cfg.Server.StorageDir, common.ArtifactsDirName), logger)
	go files.RunPruner(rootCtx, cfg.Pipeline.PruneInterval, cfg.Pipeline.ArtifactRetention)

	// Generators, assembler and publish targets
	prov, err := buildProviders(rootCtx, cfg, files, logger)
	if err != nil {
		logger.Error("init providers", "err", err)
		os.Exit(1)
	}
	runner := prov.runner(cfg, store, files, logger)
	orchestrator := pipeline.NewOrchestrator(logger, runner)

	// Worker and queue
	worker := processor.New(logger, cfg, store, orchestrator)
	queue := jobs.NewQueue(logger, cfg.Queue.Capacity, cfg.Server.WorkerCount, jobs.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Delay:       cfg.Queue.RetryDelay,
		Retryable:   processor.Retryable,
	})
	if err := queue.Start(rootCtx, worker); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}

	// Resume jobs left unfinished by a previous process
	if ids, err := store.ListUnfinished(rootCtx); err != nil {
		logger.Warn("list unfinished jobs", "err", err)
	} else {
		for _, id := range ids {
			if err := queue.Submit(id); err != nil {
				logger.Warn("requeue unfinished job", "job_id", id, "err", err)
			}
		}
		if len(ids) > 0 {
			logger.Info("requeued unfinished jobs", "count", len(ids))
		}
	}

	videos := &pipeline.Service{
		Log:           logger,
		Store:         store,
		Queue:         queue,
		Script:        prov.script,
		Image:         prov.image,
		Policy:        runner.Policy,
		PreviewScenes: cfg.Pipeline.PreviewScenes,
		Providers:     prov.names(),
	}

	// HTTP server
	svc := &server.Service{
		Log:    logger,
		Cfg:    cfg,
		Videos: videos,
	}
	if cfg.Ideas.Enabled {
		src, err := ideas.NewRedditSource(cfg.Ideas, logger)
		if err != nil {
			logger.Error("init ideas", "err", err)
			os.Exit(1)
		}
		svc.Ideas = src
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	// Stop workers; interrupted jobs resume on next start
	queue.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
}
