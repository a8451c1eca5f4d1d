// Scorepipe server runs the Smart Upload ingestion pipeline: the HTTP API,
// the queue workers, and the housekeeping scheduler.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/scorepipe/scorepipe/pkg/api"
	"github.com/scorepipe/scorepipe/pkg/catalog"
	"github.com/scorepipe/scorepipe/pkg/config"
	"github.com/scorepipe/scorepipe/pkg/database"
	"github.com/scorepipe/scorepipe/pkg/llm"
	"github.com/scorepipe/scorepipe/pkg/metrics"
	"github.com/scorepipe/scorepipe/pkg/pdf"
	"github.com/scorepipe/scorepipe/pkg/pipeline"
	"github.com/scorepipe/scorepipe/pkg/scheduler"
	"github.com/scorepipe/scorepipe/pkg/services"
	"github.com/scorepipe/scorepipe/pkg/smartupload"
	"github.com/scorepipe/scorepipe/pkg/storage"
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

func loadQueueConfig() *config.QueueConfig {
	qcfg := config.DefaultQueueConfig()
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			qcfg.WorkerCount = n
		}
	}
	if v := os.Getenv("CLEANUP_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			qcfg.CleanupWorkerCount = n
		}
	}
	return qcfg
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting scorepipe",
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Database
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
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// 2. Services and runtime configuration
	pool := dbClient.Pool()
	settingsService := services.NewSettingsService(pool)
	itemService := services.NewItemService(pool)
	batchService := services.NewBatchService(pool)
	assignmentService := services.NewAssignmentService(pool)
	catalogService := catalog.NewService(pool)
	loader := config.NewLoader(settingsService)

	runtimeCfg, err := loader.Current(ctx)
	if err != nil {
		slog.Error("Failed to resolve runtime configuration", "error", err)
		os.Exit(1)
	}
	qcfg := loadQueueConfig()
	if err := qcfg.Validate(); err != nil {
		slog.Error("Invalid queue configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Configuration resolved",
		"provider", runtimeCfg.Provider,
		"two_pass", runtimeCfg.TwoPassEnabled,
		"rate_limit_rpm", runtimeCfg.RateLimitRPM)

	// 3. Metrics
	recorder := metrics.NewRecorder()

	// 4. Blob store
	blobStore, err := storage.NewAzureStore(
		os.Getenv("AZURE_STORAGE_CONNECTION_STRING"),
		getEnv("AZURE_STORAGE_CONTAINER", "smart-upload"))
	if err != nil {
		slog.Error("Failed to initialize blob store", "error", err)
		os.Exit(1)
	}
	slog.Info("Blob store initialized")

	// 5. LLM client with shared rate limiter
	limiter := llm.NewRateLimiter(runtimeCfg.RateLimitRPM)
	llmClient := llm.NewClient(limiter, llm.WithRecorder(recorder))

	// 6. Queue, stage handlers, worker pool
	queueStore := pipeline.NewPGStore(pool, qcfg.MaxAttempts)
	registry := pipeline.NewRegistry()

	pipe := smartupload.New(smartupload.Deps{
		DB:          pool,
		Items:       itemService,
		Batches:     batchService,
		Assignments: assignmentService,
		Catalog:     catalogService,
		Blobs:       blobStore,
		PDF:         pdf.NewCommandEngine(),
		Vision:      llmClient,
		Limiter:     limiter,
		Config:      loader,
		Queue:       queueStore,
	})
	pipe.Register(registry)

	workerPool := pipeline.NewPool(podID, queueStore, registry, qcfg, recorder)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 7. Housekeeping scheduler
	sched := scheduler.NewService(nil, queueStore, itemService, batchService, pipe, qcfg, recorder)
	sched.Start(ctx)

	// 8. HTTP server
	httpServer := api.NewServer(api.Deps{
		DB:          dbClient,
		Items:       itemService,
		Batches:     batchService,
		Assignments: assignmentService,
		Queue:       queueStore,
		Pool:        workerPool,
		Resumer:     pipe,
		Metrics:     recorder.Handler(),
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Scorepipe started successfully",
		"pod_id", podID,
		"workers", qcfg.WorkerCount)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Ordered shutdown: scheduler, HTTP, then workers.
	sched.Stop()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, qcfg.GracefulShutdownTimeout)
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

	slog.Info("Shutdown complete")
}
