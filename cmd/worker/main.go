package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/meridian-cogs/meridian/internal/app"
	"github.com/meridian-cogs/meridian/internal/cogs"
	"github.com/meridian-cogs/meridian/internal/platform/cache"
	"github.com/meridian-cogs/meridian/internal/platform/db"
	"github.com/meridian-cogs/meridian/internal/platform/lock"
	"github.com/meridian-cogs/meridian/internal/shared"
	"github.com/meridian-cogs/meridian/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	locker := lock.NewRedisLocker(redisClient, cfg.TenantLockTTL)
	store := cogs.NewSQLStore(dbpool)
	audit := shared.NewAuditLogger(dbpool)
	service := cogs.NewService(store, locker, audit, logger, cfg.AllocatorConfig())

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeRunExecute, Handler: jobs.NewRunExecuteHandler(logger, service)},
			{Type: jobs.TaskTypeRunReap, Handler: jobs.NewRunReapHandler(logger, dbpool, cfg.RunLease)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReapCronSpec, Task: jobs.NewRunReapTask()},
		},
	})
	if err != nil {
		logger.Error("create worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
