// Package main is the entry point for the claudelet runtime.
// The single binary hosts the agent pool, the orchestrator, and the HTTP +
// WebSocket operational surface on one shared event coordinator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jasonkneen/claudelet/internal/api"
	"github.com/jasonkneen/claudelet/internal/common/config"
	"github.com/jasonkneen/claudelet/internal/common/logger"
	"github.com/jasonkneen/claudelet/internal/common/tracing"
	"github.com/jasonkneen/claudelet/internal/credentials"
	"github.com/jasonkneen/claudelet/internal/events/bus"
	"github.com/jasonkneen/claudelet/internal/model"
	"github.com/jasonkneen/claudelet/internal/model/anthropic"
	"github.com/jasonkneen/claudelet/internal/runtime"
	"github.com/jasonkneen/claudelet/internal/task/repository"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting claudelet...")

	// 3. Initialize tracing
	if cfg.Tracing.Enabled {
		tracing.Init(cfg.Tracing.Endpoint, cfg.Tracing.Service)
		log.Info("Tracing enabled", zap.String("endpoint", cfg.Tracing.Endpoint))
	}

	// 4. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Initialize event bus (in-memory unless NATS is configured)
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}
	eventBus, closeBus, err := bus.Provide(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 6. Initialize task store
	dsn := ""
	switch cfg.Database.Driver {
	case "sqlite3":
		dsn = cfg.Database.Path
	case "pgx":
		dsn = cfg.Database.DSN()
	}
	repo, err := repository.Provide(cfg.Database.Driver, dsn)
	if err != nil {
		log.Fatal("Failed to initialize task store",
			zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	defer repo.Close()
	log.Info("Task store initialized", zap.String("driver", cfg.Database.Driver))

	// 7. Resolve credentials
	creds := credentials.NewManager(log)
	creds.AddProvider(credentials.NewEnvProvider())
	cred, err := creds.GetCredential(ctx, credentials.DefaultAPIKeyEnv)
	if err != nil {
		log.Fatal("No API credentials available",
			zap.String("env", credentials.DefaultAPIKeyEnv))
	}

	// 8. Build the runtime. Every tier shares one transport client; the pool
	// selects the concrete model per agent from the catalog.
	modelClient := anthropic.NewClient(cred.Value, log)
	factory := func(tier model.Tier) model.Client { return modelClient }

	rt := runtime.New(factory, model.DefaultCatalog(), creds, repo, eventBus, cfg.Runtime, log)
	if err := rt.Start(ctx); err != nil {
		log.Fatal("Failed to start runtime", zap.Error(err))
	}
	log.Info("Runtime started",
		zap.String("default_tier", cfg.Runtime.DefaultTier),
		zap.Int("max_concurrent_agents", cfg.Runtime.MaxConcurrentAgents))

	// 9. HTTP + WebSocket surface
	if !strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, rt, repo, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/ws/events"),
		zap.String("health", "/health"),
	)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down claudelet...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Error("Runtime shutdown error", zap.Error(err))
	}

	if cfg.Tracing.Enabled {
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("Tracing shutdown error", zap.Error(err))
		}
	}

	log.Info("claudelet stopped")
}
