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

	"github.com/baltic-freight/tms/internal/app"
	jobmetrics "github.com/baltic-freight/tms/internal/jobs"
	"github.com/baltic-freight/tms/internal/platform/cache"
	"github.com/baltic-freight/tms/internal/platform/db"
	"github.com/baltic-freight/tms/internal/platform/filelock"
	"github.com/baltic-freight/tms/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	metrics := jobmetrics.NewMetrics(nil)
	core, err := app.NewCore(app.CoreDeps{Config: cfg, Pool: pool, Redis: redisClient, Logger: logger, JobMetrics: metrics})
	if err != nil {
		logger.Error("wire core", slog.Any("error", err))
		os.Exit(1)
	}

	sweepJob := jobs.NewOverdueSweepJob(core.Sweeper, logger, metrics)
	importJob := jobs.NewBankImportJob(core.Importer, logger, metrics)
	projectJob := jobs.NewCarrierProjectJob(core.Projector, logger, metrics)

	// Only one process per deployment runs the scheduler; the rest serve tasks.
	var cron []jobs.CronRegistration
	lock, err := filelock.TryAcquire(cfg.MailSyncLockFile)
	switch {
	case err == nil:
		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warn("release scheduler lock", slog.Any("error", err))
			}
		}()
		sweepTask, err := jobs.NewOverdueSweepTask(time.Time{})
		if err != nil {
			logger.Error("build overdue sweep task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{Spec: cfg.OverdueSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}})
		logger.Info("scheduler lock acquired", slog.String("path", lock.Path()))
	case errors.Is(err, filelock.ErrAlreadyLocked):
		logger.Info("scheduler owned by another process", slog.String("path", cfg.MailSyncLockFile))
	default:
		logger.Warn("scheduler lock unavailable", slog.String("path", cfg.MailSyncLockFile), slog.Any("error", err))
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskOverdueSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskBankImport, Handler: importJob.Handle},
			{Type: jobs.TaskCarrierProject, Handler: projectJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
