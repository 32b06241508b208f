package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/aether-platform/eventing/internal/orders"
	"github.com/aether-platform/eventing/internal/platform"
	"github.com/aether-platform/eventing/pkg/config"
	"github.com/aether-platform/eventing/pkg/inbox"
	"github.com/aether-platform/eventing/pkg/inbox/idempotency"
	"github.com/aether-platform/eventing/pkg/instance"
	"github.com/aether-platform/eventing/pkg/logger"
	"github.com/aether-platform/eventing/pkg/metrics"
)

const serviceKind = "inbox-worker"

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceKind})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceKind

	logg = logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	p, err := platform.New(context.Background(), cfg, logg, platform.Options{RequirePublisher: true})
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap platform", err)
		os.Exit(1)
	}
	defer func() {
		if err := p.Close(); err != nil {
			logg.Error(context.Background(), "error closing platform", err)
		}
	}()

	handlers := inbox.NewHandlerRegistry()
	if err := orders.RegisterHandlers(handlers, p.Orders); err != nil {
		logg.Error(context.Background(), "failed to register inbox handlers", err)
		os.Exit(1)
	}

	workerID := instance.GetID()
	params := inbox.ProcessorParams{
		Config:   cfg.Inbox,
		Logger:   logg,
		Store:    p.Inbox,
		Runner:   p.Manager,
		Handlers: handlers,
		WorkerID: workerID,
		Metrics:  metrics.NewProcessorMetrics(prometheus.DefaultRegisterer),
	}
	if cfg.FeatureFlags.InboxCache && p.Redis != nil {
		cache, err := idempotency.NewCache(p.Redis, cfg.Service.Name, cfg.Inbox.IdempotencyTTL)
		if err != nil {
			logg.Error(context.Background(), "failed to build inbox cache", err)
			os.Exit(1)
		}
		params.Cache = cache
	}
	processor, err := inbox.NewProcessor(params)
	if err != nil {
		logg.Error(context.Background(), "failed to create inbox processor", err)
		os.Exit(1)
	}

	consumer, err := NewConsumer(p.PubSub.InboxSubscription(), processor, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create inbox consumer", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":          cfg.App.Env,
		"serviceKind":  serviceKind,
		"subscription": cfg.PubSub.InboxSubscription,
	})
	ctx = logg.WithWorker(ctx, workerID)
	logg.Info(ctx, "starting inbox worker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		return processor.Run(gctx)
	})
	g.Go(func() error {
		return metrics.Serve(gctx, cfg.App.MetricsAddr, prometheus.DefaultGatherer, logg)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "inbox worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "inbox worker shutting down gracefully")
}
