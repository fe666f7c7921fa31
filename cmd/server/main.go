/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock ledger HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment configuration, apply flag overrides
  2. Initialize SQLite store (transactions, products, audit runs)
  3. Choose lock + checkpoint backends (Redis when REDIS_ADDR is set)
  4. Build stock.Engine and the API handler
  5. Start the audit scheduler (in-process, only without Redis)
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -addr    HTTP listen address (overrides APP_ADDR)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the audit scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database and Redis connections

EXAMPLES:
  # Run with file database
  ./server -db="./data/stock.db"

  # Run with in-memory database on another port
  ./server -db=":memory:" -addr=":3000"

  # Share locks and checkpoints across instances; audits run in cmd/worker
  REDIS_ADDR=localhost:6379 ./server

ENVIRONMENT:
  See config/config.go for every variable and its default.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
  - cmd/worker: Background audit and repair worker
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/cache"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/jobs"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Flags
	addr := flag.String("addr", cfg.Addr, "HTTP listen address")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	logger := config.NewLogger(cfg)

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Error("initialize database", slog.String("path", *dbPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	deps := stock.Dependencies{
		Store:    store,
		Catalog:  store,
		AuditLog: store,
	}

	var queue *jobs.Client
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis ping", slog.Any("error", err))
		}

		checkpoints := cache.NewCheckpoints(redisClient, "stock")
		checkpoints.TTL = cfg.CheckpointTTL
		deps.Checkpoints = checkpoints
		deps.Locker = cache.NewLocker(redisClient, "stock", cfg.LockTimeout)

		queue = jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer queue.Close()
		logger.Info("using redis for locks, checkpoints and jobs", slog.String("addr", cfg.RedisAddr))
	} else {
		deps.Checkpoints = stock.NewMemoryCheckpoints()
	}

	engine := stock.NewEngine(deps, cfg.Engine())

	// Initialize handler
	metrics := api.NewMetrics()
	handler := api.NewHandler(engine, store, logger, metrics)
	if queue != nil {
		handler.Queue = queue
	}

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins:     cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})
	if cfg.RedisAddr != "" {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer inspector.Close()
		router.Route("/api/jobs", jobs.NewHandler(inspector, logger).MountRoutes)
	}

	// With Redis the worker owns the audit cron; one scheduler per fleet.
	var scheduler *api.AuditScheduler
	if cfg.RedisAddr == "" && cfg.AuditInterval > 0 {
		scheduler = api.NewAuditScheduler(engine, logger, metrics)
		scheduler.CheckInterval = cfg.AuditInterval
		scheduler.Start()
	}

	// Create server
	server := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting", slog.String("addr", *addr), slog.String("db", *dbPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	if scheduler != nil {
		scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", slog.Any("error", err))
		return
	}

	logger.Info("server stopped")
}
