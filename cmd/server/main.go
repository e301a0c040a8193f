package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inventory-ops-engine/internal/approval"
	"inventory-ops-engine/internal/audit"
	"inventory-ops-engine/internal/config"
	"inventory-ops-engine/internal/distlock"
	"inventory-ops-engine/internal/engine"
	"inventory-ops-engine/internal/handlers"
	"inventory-ops-engine/internal/middleware"
	"inventory-ops-engine/internal/storage"
	"inventory-ops-engine/internal/telemetry"

	"github.com/gorilla/mux"
)

func main() {
	// Load configuration from .env file and environment variables
	cfg := config.LoadConfig()

	slog.Info("Starting Inventory Operations Engine", "version", "1.0.0")

	// Initialize OpenTelemetry telemetry system
	ctx := context.Background()
	otelTelemetry := &telemetry.Telemetry{}
	otelTelemetry.InitMetrics("inventory-ops-engine", &ctx)
	slog.Info("OpenTelemetry telemetry initialized")

	engineTelemetry := telemetry.NewEngineTelemetry()
	if err := engineTelemetry.InitializeTelemetry(ctx); err != nil {
		slog.Error("Failed to initialize engine telemetry", "error", err)
		return
	}

	apiTelemetry := telemetry.NewApiTelemetry()
	if err := apiTelemetry.InitializeTelemetry(); err != nil {
		slog.Error("Failed to initialize API telemetry", "error", err)
		return
	}

	// Select the storage backend
	var accessor storage.VersionedRecordAccessor
	switch cfg.StorageBackend {
	case "postgres":
		pg, err := storage.NewPostgresStorage(cfg.PostgresDSN, 5*time.Second)
		if err != nil {
			slog.Error("Failed to connect to postgres", "error", err)
			return
		}
		defer pg.Close()
		accessor = pg
	default:
		accessor = storage.NewMemoryStorage()
	}
	slog.Info("Storage backend initialized", "backend", cfg.StorageBackend)

	// The distributed lock service backs the fallback locking modes; the
	// in-process manager keeps single-node deployments dependency-free
	var lockService distlock.Manager
	if cfg.LockingMode == string(engine.ModeDistributed) || cfg.LockingMode == string(engine.ModeOptimisticThenDistributed) {
		redisManager, err := distlock.NewRedisManager(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to redis lock service", "error", err)
			return
		}
		defer redisManager.Close()
		lockService = redisManager
	} else {
		lockService = distlock.NewMemoryManager()
	}

	// Audit sink
	auditRecorder, err := audit.NewFileRecorder(audit.FileRecorderConfig{
		FilePath:   cfg.AuditFilePath,
		SigningKey: cfg.AuditSigningKey,
	})
	if err != nil {
		slog.Error("Failed to initialize audit recorder", "error", err)
		return
	}

	// Approval gate for high-risk operations
	gate := approval.NewManualGate()

	orchestrator := engine.NewOrchestrator(engine.Dependencies{
		Storage:            accessor,
		DistLock:           lockService,
		Approvals:          gate,
		Audit:              auditRecorder,
		Telemetry:          engineTelemetry,
		SigningKey:         []byte(cfg.AuditSigningKey),
		OperationRetention: cfg.CompletedOperationRetention,
		SweepInterval:      cfg.LockSweepInterval,
		IdempotencyTTL:     cfg.IdempotencyCacheTTL,
	}, engine.LockConfig{
		LockingMode:                engine.LockingMode(cfg.LockingMode),
		MaxRetryAttempts:           cfg.MaxRetryAttempts,
		RetryDelay:                 cfg.RetryDelay,
		RetryBackoffFactor:         cfg.RetryBackoffFactor,
		RetryDelayMax:              cfg.RetryDelayMax,
		LockTimeout:                cfg.LockTimeout,
		DistributedLockTTL:         cfg.DistributedLockTTL,
		ConflictResolution:         engine.ResolutionAction(cfg.ConflictResolution),
		MergeStrategy:              engine.MergeStrategy(cfg.MergeStrategy),
		AllowNegativeStock:         cfg.AllowNegativeStock,
		RequireApproval:            cfg.RequireApproval,
		ApprovalRiskThreshold:      cfg.ApprovalRiskThreshold,
		ApprovalTimeout:            cfg.ApprovalTimeout,
		MaxPriceChangePercent:      cfg.MaxPriceChangePercent,
		ConflictRateAlertThreshold: cfg.ConflictRateAlertThreshold,
	})

	// Initialize handlers
	operationsHandler := handlers.NewOperationsHandler(orchestrator)
	inventoryHandler := handlers.NewInventoryHandler(accessor)
	adminHandler := handlers.NewAdminHandler(orchestrator, gate)
	healthHandler := handlers.NewHealthHandler(orchestrator, accessor)
	slog.Debug("HTTP handlers initialized")

	r := mux.NewRouter()
	r.Use(apiTelemetry.Middleware)

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		Enabled:           os.Getenv("RATE_LIMIT_ENABLED") != "false",
		RequestsPerMinute: 300,
		WindowMinutes:     1,
	})
	r.Use(middleware.RateLimitMiddleware(rateLimiter))

	// Operation and inventory routes require an API key
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(middleware.AuthMiddleware)

	v1.HandleFunc("/operations/batch", operationsHandler.SubmitBatch).Methods("POST")
	v1.HandleFunc("/operations/{operationId}", operationsHandler.GetOperation).Methods("GET")
	v1.HandleFunc("/operations", operationsHandler.SubmitOperation).Methods("POST")
	v1.HandleFunc("/inventory/{storeId}/{productId}", inventoryHandler.GetRecord).Methods("GET")

	// Admin routes require the admin key
	adminV1 := r.PathPrefix("/v1/admin").Subrouter()
	adminV1.Use(middleware.AdminAuthMiddleware)
	adminV1.HandleFunc("/conflicts", adminHandler.ListConflicts).Methods("GET")
	adminV1.HandleFunc("/approvals", adminHandler.ListPendingApprovals).Methods("GET")
	adminV1.HandleFunc("/approvals/{approvalId}/decision", adminHandler.DecideApproval).Methods("POST")

	// Health check endpoint (no auth required)
	r.HandleFunc("/health", healthHandler.Health).Methods("GET")

	slog.Info("Starting HTTP server",
		"port", cfg.Port,
		"environment", cfg.Environment)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		slog.Info("Server ready to accept connections", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting requests before draining the engine
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		slog.Error("Engine shutdown incomplete", "error", err)
	}

	rateLimiter.Stop()

	if err := auditRecorder.Close(); err != nil {
		slog.Error("Error closing audit recorder", "error", err)
	}

	otelTelemetry.Close()
	slog.Info("Telemetry shutdown completed")

	slog.Info("Server exited")
}
