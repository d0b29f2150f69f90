package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	appcfg "github.com/jo-hoe/pdfconvert/internal/config"
	"github.com/jo-hoe/pdfconvert/internal/converter"
	"github.com/jo-hoe/pdfconvert/internal/jobs"
	"github.com/jo-hoe/pdfconvert/internal/orchestrator"
	"github.com/jo-hoe/pdfconvert/internal/reaper"
	"github.com/jo-hoe/pdfconvert/internal/server"
	"github.com/jo-hoe/pdfconvert/internal/storage"
)

func main() {
	// Optional local .env; missing file is fine.
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

	// Store: in-memory by default, sqlite when a database path is configured.
	var store jobs.Store
	if cfg.Server.DatabasePath != "" {
		sqlStore, err := jobs.NewSQLiteStore(cfg.Server.DatabasePath)
		if err != nil {
			logger.Error("sqlite open", "err", err)
			os.Exit(1)
		}
		store = sqlStore
		logger.Info("using sqlite job store", "path", cfg.Server.DatabasePath)
	} else {
		store = jobs.NewMemoryStore()
	}
	defer func() { _ = store.Close() }()

	stager := storage.NewStager(logger, cfg.Jobs.StagingDir, cfg.Jobs.OutputDir)
	runner := converter.NewRunner(logger, cfg.Converter.Command, cfg.Converter.Script)
	if err := runner.Check(); err != nil {
		// Not fatal: jobs fail fast with a configuration error until fixed.
		logger.Warn("converter not reachable at startup", "err", err)
	}

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Websocket hub for live progress
	hub := server.NewHub(logger, server.OriginChecker(cfg.Server.AllowedOrigins))
	go hub.Run(rootCtx)

	// Worker pool and orchestrator
	queue := jobs.NewQueue(logger, 0, cfg.Server.WorkerCount)
	orch := orchestrator.New(logger, cfg, store, stager, runner, queue, hub)
	if err := queue.Start(rootCtx, orch); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}

	// Reaper
	sweeper := reaper.New(logger, store, stager, cfg.Jobs.Retention, cfg.Jobs.SweepInterval)
	go sweeper.Run(rootCtx)

	// HTTP server
	svc := &server.Service{
		Log:       logger,
		Cfg:       cfg,
		Store:     store,
		Submitter: orch,
		Hub:       hub,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr,
			"stagingDir", cfg.Jobs.StagingDir, "outputDir", cfg.Jobs.OutputDir)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
	switch strings.ToLower(s) {
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
