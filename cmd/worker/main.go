package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portalauth/internal/cache"
	"portalauth/internal/config"
	"portalauth/internal/database"
	"portalauth/internal/jobs"
	"portalauth/internal/log"
	"portalauth/internal/notify"
	"portalauth/internal/queue"
	"portalauth/internal/repository"
	"portalauth/internal/storage"
	"portalauth/internal/tasks"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		panic(err)
	}

	logger := log.NewWithLevel(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer client.Close()

	// The archive task needs both Postgres and object storage; without them
	// the worker still delivers notifications.
	var (
		auditSource tasks.AuditSource
		archive     tasks.ArchiveWriter
	)
	if cfg.Postgres.DSN != "" && cfg.Storage.Endpoint != "" {
		pool, err := database.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect postgres")
		}
		defer pool.Close()
		auditSource = repository.NewAuditRepository(database.OpenDB(pool))

		store, err := storage.NewObjectStore(cfg.Storage)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init object store")
		}
		if err := store.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Msg("ensure bucket failed")
		}
		archive = store
	} else {
		logger.Warn().Msg("postgres or storage not configured, audit archive disabled")
	}

	deliverer := notify.NewWebhookDeliverer(notify.WebhookOptions{
		URL:            cfg.Webhook.URL,
		Secret:         cfg.Webhook.Secret,
		Timeout:        cfg.Webhook.Timeout,
		MaxElapsedTime: cfg.Webhook.MaxElapsedTime,
	}, logger)

	processor := tasks.NewProcessor(deliverer, auditSource, archive, logger)
	consumer := queue.NewConsumer(
		client,
		cfg.Queue.Stream,
		cfg.Queue.Group,
		cfg.Queue.Consumer,
		cfg.Queue.ClaimInterval,
		logger,
		processor,
	)

	var scheduler *jobs.Scheduler
	if archive != nil {
		scheduler = jobs.NewScheduler(queue.NewPublisher(client, cfg.Queue.Stream), logger)
		if err := scheduler.Start(); err != nil {
			logger.Error().Err(err).Msg("scheduler start failed")
		}
	}

	go func() {
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal().Err(err).Msg("consumer stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
	if scheduler != nil {
		scheduler.Stop()
	}
	time.Sleep(500 * time.Millisecond)
}
