package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-directory/internal/app"
	"github.com/odyssey-erp/odyssey-directory/internal/auth"
	"github.com/odyssey-erp/odyssey-directory/internal/departments"
	"github.com/odyssey-erp/odyssey-directory/internal/directory"
	jobmetrics "github.com/odyssey-erp/odyssey-directory/internal/jobs"
	"github.com/odyssey-erp/odyssey-directory/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-directory/internal/platform/db"
	"github.com/odyssey-erp/odyssey-directory/internal/roles"
	"github.com/odyssey-erp/odyssey-directory/jobs"
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

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	hasher := auth.NewHasher(cfg.HashCost())
	directoryService := directory.NewService(directory.NewRepository(pool, hasher), hasher, logger, cfg.DirectoryOptions())
	directoryService.SetCatalogs(
		roles.NewService(roles.NewRepository(pool), logger),
		departments.NewService(departments.NewRepository(pool), logger),
	)

	// Writes from the worker must evict what the API server cached.
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	directoryService.SetCache(directory.NewCache(redisClient, cfg.CacheTTL, logger))

	metrics := jobmetrics.NewMetrics(nil)
	directoryService.SetMetrics(directory.NewMetrics(nil))

	bulkImport := jobs.NewBulkImportJob(directoryService, logger, metrics)
	resyncRole := jobs.NewResyncRoleJob(directoryService, logger, metrics)

	schedule, err := jobs.ResyncSchedule(cfg.ResyncSchedule, cfg.ResyncRoles)
	if err != nil {
		logger.Error("build resync schedule", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskDirectoryBulkImport, Handler: bulkImport.Handle},
			{Type: jobs.TaskDirectoryResyncRole, Handler: resyncRole.Handle},
		},
		Cron: schedule,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
