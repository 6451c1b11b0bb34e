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

	txRepo := aggregates.NewRepository(pool)
	aggregationService := aggregation.NewService(posimport.NewRepository(pool), txRepo, resolver,
		aggregation.Config{ChunkSize: cfg.AggregationChunkSize}, logger, metrics)
	journalService := journalgen.NewService(txRepo, ledger.NewRepository(pool), resolver,
		journalgen.Config{Parallelism: cfg.JournalParallelism}, logger, metrics)

	aggregateJob := jobs.NewAggregateJob(aggregationService, logger)
	journalsJob := jobs.NewJournalsJob(journalService, logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypePOSAggregate, Handler: aggregateJob.Handle},
			{Type: jobs.TaskTypePOSJournals, Handler: journalsJob.Handle},
		},
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
