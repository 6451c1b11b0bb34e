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

	"github.com/posledger/posledger/internal/aggregates"
	"github.com/posledger/posledger/internal/aggregation"
	"github.com/posledger/posledger/internal/app"
	"github.com/posledger/posledger/internal/journalgen"
	"github.com/posledger/posledger/internal/ledger"
	"github.com/posledger/posledger/internal/observability"
	"github.com/posledger/posledger/internal/platform/cache"
	"github.com/posledger/posledger/internal/platform/db"
	"github.com/posledger/posledger/internal/posimport"
	"github.com/posledger/posledger/internal/refdata"
	"github.com/posledger/posledger/jobs"
)

func main() {
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

	metrics := observability.NewMetrics()

	var refdataCache cache.Store
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, using in-memory cache", slog.Any("error", err))
		memory := cache.NewMemoryStore()
		memory.StartSweeper(ctx, time.Minute)
		refdataCache = memory
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		refdataCache = cache.NewRedisStore(redisClient, "posledger")
	}

	resolver := refdata.NewResolver(refdata.NewRepository(pool), refdataCache, refdata.Config{
		DefaultMethodID:  cfg.DefaultPaymentMethodID,
		FallbackDisabled: cfg.PaymentFallbackDisabled,
		CacheTTL:         cfg.RefdataCacheTTL,
	}, logger, metrics)

	lineRepo := posimport.NewRepository(pool)
	txRepo := aggregates.NewRepository(pool)
	journalRepo := ledger.NewRepository(pool)

	aggregationService := aggregation.NewService(lineRepo, txRepo, resolver,
		aggregation.Config{ChunkSize: cfg.AggregationChunkSize}, logger, metrics)
	journalService := journalgen.NewService(txRepo, journalRepo, resolver,
		journalgen.Config{Parallelism: cfg.JournalParallelism}, logger, metrics)

	jobsClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Pool:               pool,
		AggregationHandler: aggregation.NewHandler(logger, aggregationService, jobsClient),
		JournalHandler:     journalgen.NewHandler(logger, journalService, jobsClient),
		AggregatesHandler:  aggregates.NewHandler(logger, txRepo),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
}
