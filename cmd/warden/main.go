// Warden control plane server. Runs the HTTP API, the queue worker
// pool, and the agent execution machinery in one process.
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

	"github.com/codeready-toolchain/warden/pkg/api"
	"github.com/codeready-toolchain/warden/pkg/approval"
	"github.com/codeready-toolchain/warden/pkg/backend"
	"github.com/codeready-toolchain/warden/pkg/backend/anthropic"
	"github.com/codeready-toolchain/warden/pkg/backend/openaicompat"
	"github.com/codeready-toolchain/warden/pkg/cleanup"
	"github.com/codeready-toolchain/warden/pkg/config"
	"github.com/codeready-toolchain/warden/pkg/database"
	"github.com/codeready-toolchain/warden/pkg/events"
	"github.com/codeready-toolchain/warden/pkg/lifecycle"
	"github.com/codeready-toolchain/warden/pkg/masking"
	"github.com/codeready-toolchain/warden/pkg/queue"
	"github.com/codeready-toolchain/warden/pkg/services"
	"github.com/codeready-toolchain/warden/pkg/store"
	"github.com/codeready-toolchain/warden/pkg/telemetry"
	"github.com/codeready-toolchain/warden/pkg/tools"
	"github.com/codeready-toolchain/warden/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()

	slog.Info("Starting warden",
		"version", version.Full(),
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize tracing
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Error("Error shutting down telemetry", "error", err)
		}
	}()

	// 3. Initialize database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.New(dbClient.Pool())

	// 4. One-time startup recovery of jobs this pod abandoned on its
	// previous run
	if err := queue.RecoverStartupJobs(ctx, st, podID); err != nil {
		slog.Error("Failed to recover startup jobs", "error", err)
		// Non-fatal, the orphan monitor re-checks in the background
	}

	// 5. Initialize masking and streaming infrastructure
	masker := masking.NewMasker(cfg.Masking)
	connManager := events.NewConnectionManager(cfg.SSE)

	// 6. Domain services
	agentService := services.NewAgentService(st)
	jobService := services.NewJobService(st, cfg.Defaults)
	slog.Info("Services initialized")

	// 7. Lifecycle manager; transitions fan out to SSE subscribers
	manager := lifecycle.NewManager(services.NewLifecycleStore(st), nil, func(ev lifecycle.TransitionEvent) {
		connManager.Broadcast(ev.AgentID, events.EventLifecycleTransition, ev)
	})
	manager.StartMonitoring()

	// 8. Approval service
	approvalService := approval.NewService(st, cfg.Approval, connManager, masker)

	// 9. Register execution backends
	toolRegistry := tools.NewBuiltinRegistry(os.Getenv("WORKSPACE_ROOT"))
	registry := backend.NewRegistry(cfg.Backends.Default)
	for id, pcfg := range cfg.Backends.Providers {
		var b backend.Backend
		switch pcfg.Type {
		case config.ProviderTypeAnthropic:
			b = anthropic.New(id, toolRegistry)
		case config.ProviderTypeOpenAICompat:
			b = openaicompat.New(id, toolRegistry)
		default:
			slog.Error("Unknown provider type", "provider", id, "type", pcfg.Type)
			os.Exit(1)
		}
		if err := registry.Register(ctx, b, &pcfg); err != nil {
			slog.Error("Failed to register backend", "provider", id, "error", err)
			os.Exit(1)
		}
	}
	if len(cfg.Backends.Providers) == 0 {
		slog.Warn("No execution backends configured, jobs will fail to route")
	} else {
		slog.Info("Execution backends registered", "count", len(cfg.Backends.Providers))
	}

	// 10. Start worker pool (before HTTP server)
	executor := queue.NewTaskExecutor(st, manager, registry, approvalService, connManager, masker, cfg.Defaults)
	workerPool := queue.NewWorkerPool(podID, st, cfg.Queue, executor)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 11. Retention cleanup loop
	cleanupService := cleanup.NewService(cfg.Retention, cfg.Approval, approvalService, st)
	cleanupService.Start(ctx)

	// 12. Create HTTP server
	httpServer := api.NewServer(cfg, dbClient, agentService, jobService, approvalService,
		manager, registry, connManager, workerPool)

	// 13. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Warden started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount,
		"providers", len(cfg.Backends.Providers))

	// 14. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 15. Graceful shutdown
	cleanupService.Stop()

	// Stop worker pool (wait for active jobs to finish or park)
	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer workerCancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, incomplete jobs will be orphan-recovered")
	}

	manager.Shutdown()

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := registry.StopAll(ctx); err != nil {
		slog.Error("Error stopping execution backends", "error", err)
	}
	connManager.Shutdown()

	slog.Info("Shutdown complete")
}
