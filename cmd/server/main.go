// Package main provides the entry point for the parameter-search server.
// It exposes search and walk-forward jobs over HTTP, streams their progress
// over WebSocket and serves Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/atlas-desktop/paramsearch/internal/api"
	"github.com/atlas-desktop/paramsearch/internal/config"
	"github.com/atlas-desktop/paramsearch/internal/data"
	"github.com/atlas-desktop/paramsearch/internal/orchestrator"
	"github.com/atlas-desktop/paramsearch/internal/store"
	"github.com/atlas-desktop/paramsearch/internal/telemetry"
	"github.com/atlas-desktop/paramsearch/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Config file (default: paramsearch.yaml)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, err := utils.NewLogger(cfg.Log.Level, "stdout")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting parameter-search server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("source", cfg.Data.Source),
		zap.String("mode", string(cfg.Search.Mode)),
		zap.String("objective", string(cfg.Search.Objective)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source, err := data.OpenSource(ctx, logger.Named("data"), &cfg.Data)
	if err != nil {
		logger.Fatal("Failed to open data source", zap.Error(err))
	}
	if c, ok := source.(io.Closer); ok {
		defer c.Close()
	}
	loader := data.NewLoader(logger.Named("loader"), source, nil, cfg.Data.Clean)

	var results *store.SQLiteStore
	if cfg.Storage.SQLitePath != "" {
		results, err = store.NewSQLiteStore(logger.Named("store"), cfg.Storage.SQLitePath)
		if err != nil {
			logger.Fatal("Failed to open result store", zap.Error(err))
		}
		defer results.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := telemetry.NewCollector(reg)

	orch, err := orchestrator.New(logger, cfg, loader, results, collector)
	if err != nil {
		logger.Fatal("Failed to initialize orchestrator", zap.Error(err))
	}
	collector.WatchPool(orch.Pool())
	orch.Start()

	server := api.NewServer(logger.Named("api"), &cfg.Server, orch, results, reg)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
			sigChan <- syscall.SIGTERM
		}
	}()

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.Bool("metrics", cfg.Server.EnableMetrics),
	)

	<-sigChan
	logger.Info("Shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}
	if err := orch.Stop(); err != nil {
		logger.Error("Error stopping orchestrator", zap.Error(err))
	}

	logger.Info("Server stopped")
}
