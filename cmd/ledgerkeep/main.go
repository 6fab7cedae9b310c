package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ledgerkeep/ledgerkeep/internal/ap"
	"github.com/ledgerkeep/ledgerkeep/internal/app"
	"github.com/ledgerkeep/ledgerkeep/internal/ar"
	"github.com/ledgerkeep/ledgerkeep/internal/audit"
	"github.com/ledgerkeep/ledgerkeep/internal/auth"
	"github.com/ledgerkeep/ledgerkeep/internal/fiscal"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/observability"
	"github.com/ledgerkeep/ledgerkeep/internal/platform/cache"
	"github.com/ledgerkeep/ledgerkeep/internal/platform/db"
	"github.com/ledgerkeep/ledgerkeep/internal/recon"
	"github.com/ledgerkeep/ledgerkeep/internal/reports"
	"github.com/ledgerkeep/ledgerkeep/internal/sysaccount"
	"github.com/ledgerkeep/ledgerkeep/jobs"
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

	authService := auth.NewService(redisClient, cfg.PassphraseHash, cfg.SessionTTL)
	authHandler := auth.NewHandler(logger, authService)

	metrics := observability.NewMetrics()

	fiscalRepo := fiscal.NewRepository(pool)
	fiscalService := fiscal.NewService(fiscalRepo)
	fiscalHandler := fiscal.NewHandler(logger, fiscalService)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, fiscalService)
	ledgerHandler := ledger.NewHandler(logger, ledgerService, metrics)

	sysAccountRepo := sysaccount.NewRepository(pool)
	sysAccountHandler := sysaccount.NewHandler(logger, sysAccountRepo)

	arRepo := ar.NewRepository(pool)
	arService := ar.NewService(arRepo, ledgerService, sysAccountRepo)
	arHandler := ar.NewHandler(logger, arService, metrics)

	apRepo := ap.NewRepository(pool)
	apService := ap.NewService(apRepo, ledgerService, sysAccountRepo)
	apHandler := ap.NewHandler(logger, apService, metrics)

	reconRepo := recon.NewRepository(pool)
	reconService := recon.NewService(reconRepo)
	reconHandler := recon.NewHandler(logger, reconService, metrics)

	reportsRepo := reports.NewRepository(pool)
	reportsCache := reports.NewCache(redisClient, cfg.ReportCacheTTL)
	reportsService := reports.NewService(reportsRepo, reportsCache)
	reportsHandler := reports.NewHandler(logger, reportsService)
	ledgerService.WithInvalidator(reportsService)

	auditRepo := audit.NewRepository(pool)
	auditService := audit.NewService(auditRepo)
	auditHandler := audit.NewHandler(logger, auditService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		AuthHandler:       authHandler,
		LedgerHandler:     ledgerHandler,
		FiscalHandler:     fiscalHandler,
		ARHandler:         arHandler,
		APHandler:         apHandler,
		ReconHandler:      reconHandler,
		ReportsHandler:    reportsHandler,
		AuditHandler:      auditHandler,
		SysAccountHandler: sysAccountHandler,
		JobsHandler:       jobsHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
