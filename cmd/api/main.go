package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aether-platform/eventing/api/controllers"
	"github.com/aether-platform/eventing/api/routes"
	"github.com/aether-platform/eventing/internal/platform"
	"github.com/aether-platform/eventing/pkg/config"
	"github.com/aether-platform/eventing/pkg/instance"
	"github.com/aether-platform/eventing/pkg/logger"
	"github.com/aether-platform/eventing/pkg/redis"
)

const shutdownTimeout = 20 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	var idempotency redis.IdempotencyStore
	if p.Redis != nil {
		idempotency = p.Redis
	}

	pingers := p.Pingers()
	names := make([]string, 0, len(pingers))
	for name := range pingers {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]controllers.ReadinessCheck, 0, len(names))
	for _, name := range names {
		checks = append(checks, controllers.ReadinessCheck{Name: name, Ping: pingers[name]})
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
		"policy":   cfg.Dispatch.Policy,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.Params{
			Config:      cfg,
			Logger:      logg,
			Manager:     p.Manager,
			Idempotency: idempotency,
			Orders:      p.Orders,
			Outbox:      p.Outbox,
			Readiness:   checks,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-sigCtx.Done():
		logg.Info(ctx, "api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
	}
}
