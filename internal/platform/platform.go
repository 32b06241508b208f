// Package platform assembles the eventing core from configuration. Every
// binary builds one Platform and takes the pieces it runs.
package platform

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/aether-platform/eventing/internal/orders"
	"github.com/aether-platform/eventing/pkg/broker"
	"github.com/aether-platform/eventing/pkg/config"
	"github.com/aether-platform/eventing/pkg/db"
	"github.com/aether-platform/eventing/pkg/dispatch"
	"github.com/aether-platform/eventing/pkg/events"
	"github.com/aether-platform/eventing/pkg/inbox"
	"github.com/aether-platform/eventing/pkg/logger"
	"github.com/aether-platform/eventing/pkg/migrate"
	"github.com/aether-platform/eventing/pkg/outbox"
	"github.com/aether-platform/eventing/pkg/pubsub"
	"github.com/aether-platform/eventing/pkg/redis"
	"github.com/aether-platform/eventing/pkg/uow"
	"github.com/aether-platform/eventing/pkg/uow/gormtx"
)

// PubSubName is the logical broker name of the Google Pub/Sub publisher.
const PubSubName = "gcp"

const sourceName = "main"

// Models lists every table the core and the sample module own, for sqlite
// auto-migration.
var Models = []any{&outbox.Message{}, &inbox.Message{}, &orders.Order{}}

type Options struct {
	// RequirePublisher fails New when no broker can be built.
	RequirePublisher bool
	// RequireRedis fails New when redis is not configured.
	RequireRedis bool
	// Publisher overrides the Pub/Sub publisher, mostly for tests.
	Publisher broker.Publisher
}

type Platform struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Source     *gormtx.Source
	Manager    *uow.Manager
	Events     *events.Registry
	Outbox     *outbox.Repository
	Inbox      *inbox.Repository
	Dispatcher *dispatch.Dispatcher
	Orders     orders.Service
	// PubSub and Redis are nil when not configured.
	PubSub    *pubsub.Client
	Redis     *redis.Client
	Publisher broker.Publisher

	closers []func() error
}

// New connects to the configured backends and wires the unit of work, the
// dispatcher and the sample orders module.
func New(ctx context.Context, cfg *config.Config, logg *logger.Logger, opts Options) (p *Platform, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	p = &Platform{Config: cfg, Logger: logg}
	defer func() {
		if err != nil {
			err = multierr.Append(err, p.Close())
			p = nil
		}
	}()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return p, fmt.Errorf("bootstrap database: %w", err)
	}
	p.DB = dbClient
	p.closers = append(p.closers, dbClient.Close)

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient, Models...); err != nil {
		return p, fmt.Errorf("dev migrations: %w", err)
	}

	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return p, fmt.Errorf("bootstrap redis: %w", err)
		}
		p.Redis = redisClient
		p.closers = append(p.closers, redisClient.Close)
	} else if opts.RequireRedis {
		return p, errors.New("redis is required but not configured")
	}

	if err := p.buildPublisher(ctx, opts); err != nil {
		return p, err
	}

	if err := p.buildCore(); err != nil {
		return p, err
	}
	return p, nil
}

func (p *Platform) buildPublisher(ctx context.Context, opts Options) error {
	if opts.Publisher != nil {
		p.Publisher = opts.Publisher
		return nil
	}
	if p.Config.GCP.ProjectID == "" {
		if opts.RequirePublisher {
			return errors.New("a gcp project is required to publish events")
		}
		return nil
	}
	client, err := pubsub.NewClient(ctx, p.Config.GCP, p.Config.PubSub, p.Logger)
	if err != nil {
		return fmt.Errorf("bootstrap pubsub: %w", err)
	}
	p.PubSub = client
	p.closers = append(p.closers, client.Close)

	mux := broker.NewMux(client)
	mux.Handle(PubSubName, client)
	p.Publisher = mux
	return nil
}

func (p *Platform) buildCore() error {
	cfg := p.Config

	src, err := gormtx.NewSource(sourceName, p.DB.DB())
	if err != nil {
		return fmt.Errorf("unit of work source: %w", err)
	}
	p.Source = src

	iso, err := cfg.UnitOfWork.Isolation()
	if err != nil {
		return err
	}
	p.Manager = uow.NewManager(uow.ManagerParams{Logger: p.Logger, DefaultIsolation: iso})

	p.Events = events.NewRegistry(cfg.PubSub.DefaultTopic, PubSubName)
	if err := orders.RegisterEvents(p.Events, cfg.PubSub.OrdersTopic); err != nil {
		return fmt.Errorf("register order events: %w", err)
	}

	p.Outbox = outbox.NewRepository(src)
	p.Inbox = inbox.NewRepository(src)

	policy, err := dispatch.ParsePolicy(cfg.Dispatch.Policy)
	if err != nil {
		return err
	}
	dispatcher, err := dispatch.New(dispatch.Params{
		Policy:         policy,
		Runner:         p.Manager,
		Outbox:         p.Outbox,
		Publisher:      p.Publisher,
		Registry:       p.Events,
		Source:         cfg.Service.Name,
		PublishTimeout: cfg.Dispatch.PublishTimeout,
		Logger:         p.Logger,
	})
	if err != nil {
		return fmt.Errorf("event dispatcher: %w", err)
	}
	p.Dispatcher = dispatcher
	p.Manager.SetDispatcher(dispatcher)

	svc, err := orders.NewService(orders.ServiceParams{
		Repository: orders.NewRepository(src),
		Runner:     p.Manager,
	})
	if err != nil {
		return fmt.Errorf("orders service: %w", err)
	}
	p.Orders = svc
	return nil
}

// Pingers returns the health probes of every connected backend.
func (p *Platform) Pingers() map[string]func(context.Context) error {
	out := map[string]func(context.Context) error{}
	if p.DB != nil {
		out["database"] = p.DB.Ping
	}
	if p.Redis != nil {
		out["redis"] = p.Redis.Ping
	}
	if p.PubSub != nil {
		out["pubsub"] = p.PubSub.Ping
	}
	return out
}

// Close releases backends in reverse order of acquisition.
func (p *Platform) Close() error {
	if p == nil {
		return nil
	}
	var err error
	for i := len(p.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, p.closers[i]())
	}
	p.closers = nil
	return err
}
