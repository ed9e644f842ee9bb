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

	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/jobs"
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

	logger := app.NewLogger(cfg, os.Stdout)

	access, err := app.NewAccess(ctx, cfg, logger)
	if err != nil {
		logger.Error("init access engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := access.Close(); err != nil {
			logger.Warn("close access engine", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	redisOpts, err := jobs.RedisOpt(cfg.RedisAddr)
	if err != nil {
		logger.Error("redis options", slog.Any("error", err))
		os.Exit(1)
	}

	var batchLocker jobs.BatchLocker
	if access.Locker != nil {
		batchLocker = access.Locker
	}
	migrationJob := jobs.NewAccessMigrationJob(access.Engine, batchLocker, logger, metrics.Jobs())

	var cron []jobs.CronRegistration
	if cfg.MigrationStatusCron != "" {
		cron = append(cron, jobs.CronRegistration{Spec: cfg.MigrationStatusCron, Task: jobs.NewMigrationStatusTask()})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    migrationJob.Handlers(),
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	checks := map[string]app.Pinger{"postgres": access.Pool}
	if access.Redis != nil {
		checks["redis"] = app.PingFunc(func(ctx context.Context) error {
			return access.Redis.Ping(ctx).Err()
		})
	}
	server := app.NewServer(cfg, app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
		Checks:     checks,
	}))
	go func() {
		logger.Info("ops server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server", slog.Any("error", err))
			stop()
		}
	}()

	runErr := worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown", slog.Any("error", err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("worker run", slog.Any("error", runErr))
		os.Exit(1)
	}
}
