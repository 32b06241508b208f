package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/aether-platform/eventing/internal/platform"
	"github.com/aether-platform/eventing/pkg/config"
	"github.com/aether-platform/eventing/pkg/instance"
	"github.com/aether-platform/eventing/pkg/logger"
	"github.com/aether-platform/eventing/pkg/metrics"
	"github.com/aether-platform/eventing/pkg/outbox"
)

const serviceKind = "outbox-processor"

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

	workerID := instance.GetID()
	processor, err := outbox.NewProcessor(outbox.ProcessorParams{
		Config:         cfg.Outbox,
		Logger:         logg,
		Store:          p.Outbox,
		Publisher:      p.Publisher,
		WorkerID:       workerID,
		PublishTimeout: cfg.Dispatch.PublishTimeout,
		Metrics:        metrics.NewProcessorMetrics(prometheus.DefaultRegisterer),
		Dependencies:   dependencies(p.Pingers()),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox processor", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
	})
	ctx = logg.WithWorker(ctx, workerID)
	logg.Info(ctx, "starting outbox processor")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return processor.Run(gctx)
	})
	g.Go(func() error {
		return metrics.Serve(gctx, cfg.App.MetricsAddr, prometheus.DefaultGatherer, logg)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox processor stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "outbox processor shutting down gracefully")
}

func dependencies(pingers map[string]func(context.Context) error) []outbox.Dependency {
	names := make([]string, 0, len(pingers))
	for name := range pingers {
		names = append(names, name)
	}
	sort.Strings(names)
	deps := make([]outbox.Dependency, 0, len(names))
	for _, name := range names {
		deps = append(deps, outbox.Dependency{Name: name, Ping: pingers[name]})
	}
	return deps
}
