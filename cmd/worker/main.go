// Command worker runs the background stock jobs: the scheduled consistency
// audit (AUDIT_CRON) and queued product repairs. It needs REDIS_ADDR and the
// same DB_PATH as the server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/warp/stock-ledger/cache"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/jobs"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/store/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := config.NewLogger(cfg)

	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required for the worker")
		os.Exit(1)
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Error("initialize database", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	checkpoints := cache.NewCheckpoints(redisClient, "stock")
	checkpoints.TTL = cfg.CheckpointTTL
	engine := stock.NewEngine(stock.Dependencies{
		Store:       store,
		Catalog:     store,
		AuditLog:    store,
		Checkpoints: checkpoints,
		Locker:      cache.NewLocker(redisClient, "stock", cfg.LockTimeout),
	}, cfg.Engine())

	auditJob := jobs.NewAuditJob(engine, logger)
	repairJob := jobs.NewRepairJob(engine, logger)

	var cron []jobs.CronRegistration
	if cfg.AuditCron != "" {
		auditTask, err := jobs.NewAuditTask(time.Now().UTC())
		if err != nil {
			logger.Error("build audit task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{
			Spec:    cfg.AuditCron,
			Task:    auditTask,
			Options: []asynq.Option{asynq.MaxRetry(3)},
		})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Location:  cfg.Calendar().Location(),
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditVerify, Handler: auditJob.Handle},
			{Type: jobs.TaskProductRepair, Handler: repairJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker running", slog.String("audit_cron", cfg.AuditCron))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
