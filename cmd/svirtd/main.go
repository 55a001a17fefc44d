// cmd/svirtd/main.go
// Package main implements the entry point for the service virtualization
// daemon. It wires the record store, capture client, refresh engine, and
// admin HTTP server, and handles graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/commandcenter/servicevirt-go/internal/archive"
	"github.com/commandcenter/servicevirt-go/internal/capture"
	"github.com/commandcenter/servicevirt-go/internal/config"
	"github.com/commandcenter/servicevirt-go/internal/event"
	"github.com/commandcenter/servicevirt-go/internal/refresh"
	"github.com/commandcenter/servicevirt-go/internal/server"
	"github.com/commandcenter/servicevirt-go/internal/storage"
	"github.com/commandcenter/servicevirt-go/internal/telemetry"
	"github.com/commandcenter/servicevirt-go/internal/workflow"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("svirt-service")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
		logger.Warn("no SV_DB_DSN set, using in-memory storage")
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisherFromEnv()
	defer pub.Close()

	// Optional S3 snapshot archive for refreshed responses
	var arc *archive.S3Archive
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
		arc, err = archive.NewS3Archive(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize snapshot archive", "error", err)
			os.Exit(1)
		}
	}

	// Capture client shared by the validate path and the refresh engine.
	// The interactive path has no client-level deadline; the refresh engine
	// bounds each capture through its context instead.
	captureClient := capture.New(0)

	svc := workflow.New(store, captureClient, pub)
	mux := server.NewMux(svc, store)

	// Start the refresh engine; it runs its first cycle immediately
	engineCtx, engineCancel := context.WithCancel(context.Background())
	engine := refresh.New(store, captureClient, pub, arc, cfg.RefreshInterval, cfg.CaptureTimeout, cfg.RefreshConcurrency)

	var engineDone sync.WaitGroup
	engineDone.Add(1)
	go func() {
		defer engineDone.Done()
		engine.Run(engineCtx)
	}()

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second, // Live validate captures can be slow
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "refresh_interval", cfg.RefreshInterval.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown: stop scheduling new refresh cycles, let an
	// in-flight cycle finish, then drain the HTTP server.
	logger.Info("shutting down server")
	engineCancel()
	engineDone.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	// Close PostgreSQL storage if used
	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("server exited")
}
