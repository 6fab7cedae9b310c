package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ledgerkeep/ledgerkeep/internal/ap"
	"github.com/ledgerkeep/ledgerkeep/internal/app"
	"github.com/ledgerkeep/ledgerkeep/internal/ar"
	"github.com/ledgerkeep/ledgerkeep/internal/fiscal"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/platform/cache"
	"github.com/ledgerkeep/ledgerkeep/internal/platform/db"
	"github.com/ledgerkeep/ledgerkeep/internal/reports"
	"github.com/ledgerkeep/ledgerkeep/internal/sysaccount"
	"github.com/ledgerkeep/ledgerkeep/jobs"
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

	fiscalService := fiscal.NewService(fiscal.NewRepository(pool))
	ledgerService := ledger.NewService(ledger.NewRepository(pool), fiscalService)
	sysAccountRepo := sysaccount.NewRepository(pool)

	arService := ar.NewService(ar.NewRepository(pool), ledgerService, sysAccountRepo)
	apService := ap.NewService(ap.NewRepository(pool), ledgerService, sysAccountRepo)

	reportsCache := reports.NewCache(redisClient, cfg.ReportCacheTTL)
	reportsService := reports.NewService(reports.NewRepository(pool), reportsCache)

	overdueTask, err := jobs.NewOverdueScanTask(time.Time{})
	if err != nil {
		logger.Error("build overdue task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskOverdueScan, Handler: jobs.NewOverdueScanHandler(arService, apService, logger)},
			{Type: jobs.TaskGLIntegrity, Handler: jobs.NewGLIntegrityHandler(pool, logger)},
			{Type: jobs.TaskReportWarmup, Handler: jobs.NewReportWarmupHandler(reportsService, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 1 * * *", Task: overdueTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 1 * * *", Task: jobs.NewGLIntegrityTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 2 * * *", Task: jobs.NewReportWarmupTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
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
