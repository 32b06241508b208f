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

	"github.com/aether-platform/eventing/internal/cron"
	"github.com/aether-platform/eventing/internal/platform"
	"github.com/aether-platform/eventing/pkg/config"
	"github.com/aether-platform/eventing/pkg/logger"
	"github.com/aether-platform/eventing/pkg/metrics"
)

const serviceKind = "cron-worker"

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

	p, err := platform.New(context.Background(), cfg, logg, platform.Options{})
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap platform", err)
		os.Exit(1)
	}
	defer func() {
		if err := p.Close(); err != nil {
			logg.Error(context.Background(), "error closing platform", err)
		}
	}()

	registry, err := buildRegistry(cfg, logg, p)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}

	var lock cron.Lock = &cron.LocalLock{}
	if p.Redis != nil {
		redisLock, err := cron.NewRedisLock(p.Redis, p.Redis.LockKey(serviceKind+":"+lockEnv(cfg.App.Env)), cfg.Cron.LockTTL)
		if err != nil {
			logg.Error(context.Background(), "failed to create cron lock", err)
			os.Exit(1)
		}
		lock = redisLock
	} else {
		logg.Warn(context.Background(), "redis not configured, cron lock is local to this instance")
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return service.Run(gctx)
	})
	g.Go(func() error {
		return metrics.Serve(gctx, cfg.App.MetricsAddr, prometheus.DefaultGatherer, logg)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, p *platform.Platform) (*cron.Registry, error) {
	outboxCleanup, err := cron.NewOutboxCleanupJob(cron.CleanupJobParams{
		Logger:    logg,
		Retention: cfg.Outbox.RetentionPeriod,
		BatchSize: cfg.Outbox.CleanupBatchSize,
		Every:     cfg.Outbox.CleanupInterval,
	}, p.Outbox)
	if err != nil {
		return nil, err
	}
	inboxCleanup, err := cron.NewInboxCleanupJob(cron.CleanupJobParams{
		Logger:    logg,
		Retention: cfg.Inbox.RetentionPeriod,
		BatchSize: cfg.Inbox.CleanupBatchSize,
		Every:     cfg.Inbox.CleanupInterval,
	}, p.Inbox)
	if err != nil {
		return nil, err
	}
	exhausted, err := cron.NewExhaustedMonitorJob(cron.ExhaustedMonitorParams{
		Logger:        logg,
		Repository:    p.Outbox,
		Metrics:       metrics.NewProcessorMetrics(prometheus.DefaultRegisterer),
		MaxRetryCount: cfg.Outbox.MaxRetryCount,
		Every:         cfg.Cron.Interval,
	})
	if err != nil {
		return nil, err
	}
	return cron.NewRegistry(outboxCleanup, inboxCleanup, exhausted)
}

func lockEnv(env string) string {
	if env == "" {
		return "local"
	}
	return env
}
