package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/yomitori/yomitori/internal/batches"
	"github.com/yomitori/yomitori/internal/catalog"
	appcfg "github.com/yomitori/yomitori/internal/config"
	"github.com/yomitori/yomitori/internal/llm"
	"github.com/yomitori/yomitori/internal/llm/gemini"
	"github.com/yomitori/yomitori/internal/llm/mock"
	"github.com/yomitori/yomitori/internal/metrics"
	"github.com/yomitori/yomitori/internal/normalize"
	"github.com/yomitori/yomitori/internal/pipeline"
	"github.com/yomitori/yomitori/internal/results"
	"github.com/yomitori/yomitori/internal/secrets"
	"github.com/yomitori/yomitori/internal/server"
	"github.com/yomitori/yomitori/internal/storage"
)

func main() {
	// Optional .env for local development; ignore absence.
	_ = godotenv.Load()

	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	// Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	// Stores (in-memory SQLite, session-scoped)
	resultStore, err := results.NewSQLiteStore()
	if err != nil {
		logger.Error("results store", "err", err)
		os.Exit(1)
	}
	defer func() { _ = resultStore.Close() }()

	batchStore, err := batches.NewSQLiteStore()
	if err != nil {
		logger.Error("batch store", "err", err)
		os.Exit(1)
	}
	defer func() { _ = batchStore.Close() }()

	// Uploader
	uploader := storage.NewUploader(cfg.Server.StorageDir)

	// Prompt catalog
	modes := catalog.Default()
	if len(cfg.Pipeline.ExtraModes) > 0 {
		extra := make([]catalog.Mode, 0, len(cfg.Pipeline.ExtraModes))
		for _, m := range cfg.Pipeline.ExtraModes {
			extra = append(extra, catalog.Mode{Label: m.Label, Instruction: m.Instruction})
		}
		if err := modes.Extend(extra); err != nil {
			logger.Error("extend prompt catalog", "err", err)
			os.Exit(1)
		}
	}

	// LLM client
	var llmClient llm.Client
	switch cfg.LLM.Provider {
	case "gemini":
		chain := secrets.APIKeyChain(cfg.LLM.Gemini.SecretsFile)
		llmClient = gemini.New(cfg.LLM.Gemini, chain, cfg.Pipeline.ExtractTimeout, logger)
	case "mock":
		llmClient = mock.New(cfg.LLM.Mock)
	default:
		logger.Error("unsupported llm provider", "provider", cfg.LLM.Provider)
		os.Exit(1)
	}

	// Metrics
	m := metrics.New()

	// Worker and queue
	worker := pipeline.New(logger, modes, llmClient, resultStore, batchStore, m,
		normalize.Options{
			MaxBytes:     int64(cfg.Pipeline.MaxFileSize),
			MaxDimension: cfg.Pipeline.MaxDimension,
		},
		cfg.Pipeline.ExtractTimeout)
	queue := batches.NewQueue(logger, cfg.Server.QueueCapacity, cfg.Server.WorkerCount)
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := queue.Start(rootCtx, worker); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}

	// HTTP server
	svc := &server.Service{
		Log:       logger,
		Cfg:       cfg,
		Modes:     modes,
		Results:   resultStore,
		Batches:   batchStore,
		Queue:     queue,
		Uploader:  uploader,
		Processor: worker,
		Metrics:   m,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
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
	// Stop workers
	queue.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
