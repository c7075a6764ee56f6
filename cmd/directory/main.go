package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-directory/internal/app"
	"github.com/odyssey-erp/odyssey-directory/internal/auth"
	"github.com/odyssey-erp/odyssey-directory/internal/departments"
	"github.com/odyssey-erp/odyssey-directory/internal/directory"
	"github.com/odyssey-erp/odyssey-directory/internal/observability"
	"github.com/odyssey-erp/odyssey-directory/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-directory/internal/platform/db"
	"github.com/odyssey-erp/odyssey-directory/internal/rbac"
	"github.com/odyssey-erp/odyssey-directory/internal/roles"
	"github.com/odyssey-erp/odyssey-directory/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Error("migrate schema", slog.Any("error", err))
			os.Exit(1)
		}
	}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable, principal cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	hasher := auth.NewHasher(cfg.HashCost())

	rolesService := roles.NewService(roles.NewRepository(pool), logger)
	departmentsService := departments.NewService(departments.NewRepository(pool), logger)

	directoryService := directory.NewService(directory.NewRepository(pool, hasher), hasher, logger, cfg.DirectoryOptions())
	directoryService.SetCatalogs(rolesService, departmentsService)
	directoryService.SetMetrics(directory.NewMetrics(metrics.Registerer()))
	if redisClient != nil {
		directoryService.SetCache(directory.NewCache(redisClient, cfg.CacheTTL, logger))
	}

	rbacMiddleware := rbac.Middleware{Source: directoryService, Logger: logger}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		DirectoryHandler:   directory.NewHandler(logger, directoryService, rbacMiddleware),
		RolesHandler:       roles.NewHandler(logger, rolesService, directoryService, rbacMiddleware),
		PermissionsHandler: rbac.NewPermissionsHandler(rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, jobClient, logger, rbacMiddleware),
		Metrics:            metrics,
		Ready:              readiness(pool, redisClient),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func readiness(pool *pgxpool.Pool, client *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		if client != nil {
			return client.Ping(ctx).Err()
		}
		return nil
	}
}
