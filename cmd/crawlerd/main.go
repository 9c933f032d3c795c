// Package main wires together the crawl engine service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsubv2 "cloud.google.com/go/pubsub/v2"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/fortai/legalcrawl/internal/api"
	"github.com/fortai/legalcrawl/internal/clock/system"
	"github.com/fortai/legalcrawl/internal/config"
	"github.com/fortai/legalcrawl/internal/crawler"
	"github.com/fortai/legalcrawl/internal/dispatcher"
	"github.com/fortai/legalcrawl/internal/hash/sha256"
	"github.com/fortai/legalcrawl/internal/id/uuid"
	"github.com/fortai/legalcrawl/internal/logging"
	"github.com/fortai/legalcrawl/internal/markdown"
	"github.com/fortai/legalcrawl/internal/metrics"
	"github.com/fortai/legalcrawl/internal/publisher"
	pubsubpublisher "github.com/fortai/legalcrawl/internal/publisher/pubsub"
	queueredis "github.com/fortai/legalcrawl/internal/queue/redis"
	"github.com/fortai/legalcrawl/internal/scheduler"
	"github.com/fortai/legalcrawl/internal/storage/gcs"
	"github.com/fortai/legalcrawl/internal/storage/postgres"
	"github.com/fortai/legalcrawl/internal/webhook"
	"github.com/fortai/legalcrawl/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	metrics.Init()
	clock := system.New()
	hasher := sha256.New()
	idGen := uuid.NewGenerator()

	pool, err := postgres.NewPool(ctx, cfg.DB.DSN, cfg.DB.PoolSize)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	pageRepo := postgres.NewPageRepo(pool)
	configRepo := postgres.NewConfigRepo(pool)
	webhookRepo := postgres.NewWebhookRepo(pool)

	queue, err := queueredis.New(ctx, cfg.Queue.URL, cfg.Queue.PoolSize, cfg.LeaseTTL(), logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		_ = queue.Close()
	}()

	storageClient, err := gstorage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("create storage client: %w", err)
	}
	defer func() {
		_ = storageClient.Close()
	}()
	blobs, err := gcs.New(storageClient, gcs.Config{
		Bucket: cfg.Storage.Bucket,
		Prefix: cfg.Storage.Prefix,
	})
	if err != nil {
		return fmt.Errorf("create blob store: %w", err)
	}

	var converter crawler.MarkdownConverter
	if cfg.Markdown.URL != "" {
		converter = markdown.New(cfg.Markdown.URL, time.Duration(cfg.Markdown.TimeoutSeconds)*time.Second)
	}

	events := buildEventSink(ctx, cfg, webhookRepo, clock, logger)
	robots := crawler.NewRobotsCache(clock, logger)

	workers := make([]*worker.Worker, 0, cfg.Crawler.Workers)
	for i := 0; i < cfg.Crawler.Workers; i++ {
		workerID, err := idGen.NewWorkerID()
		if err != nil {
			return fmt.Errorf("generate worker id: %w", err)
		}
		workers = append(workers, worker.New(worker.Deps{
			Queue:    queue,
			Jobs:     jobRepo,
			Pages:    pageRepo,
			Configs:  configRepo,
			Blobs:    blobs,
			Markdown: converter,
			Robots:   robots,
			Events:   events,
			Hasher:   hasher,
			Clock:    clock,
		}, worker.Config{
			WorkerID:         workerID,
			LeaseTTL:         cfg.LeaseTTL(),
			MaxReclaims:      cfg.Queue.ClaimAttempts,
			DefaultUserAgent: cfg.Crawler.DefaultUserAgent,
			DefaultDelayMs:   cfg.Crawler.DefaultDelayMs,
			MaxRetries:       cfg.Crawler.MaxRetries,
			ConnectTimeout:   time.Duration(cfg.Crawler.ConnectTimeoutSecond) * time.Second,
			TotalTimeout:     time.Duration(cfg.Crawler.FetchTimeoutSeconds) * time.Second,
		}, logger))
	}

	go queue.RunReaper(ctx, cfg.LeaseTTL())

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(configRepo, jobRepo, queue, events, clock,
			time.Duration(cfg.Scheduler.CheckIntervalSeconds)*time.Second, logger)
		go sched.Run(ctx)
	}

	server := api.NewServer(jobRepo, pageRepo, queue, events, clock, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	logger.Info("crawl engine started", zap.Int("workers", len(workers)))
	dispatcher.New(workers).Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}

func buildEventSink(
	ctx context.Context,
	cfg config.Config,
	webhookRepo crawler.WebhookRepository,
	clock crawler.Clock,
	logger *zap.Logger,
) crawler.EventSink {
	sinks := publisher.MultiSink{
		webhook.NewDispatcher(webhookRepo, clock, logger),
	}

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		client, err := pubsubv2.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Warn("pubsub client init failed; event mirror disabled", zap.Error(err))
		} else {
			mirror := publisher.NewMirror(
				pubsubpublisher.New(client.Publisher(cfg.PubSub.TopicName)),
				cfg.PubSub.TopicName,
				logger,
			)
			sinks = append(sinks, mirror)
		}
	}
	return sinks
}
