// Package dispatch turns committed domain events into envelopes and makes
// sure each one is either published or durably queued in the outbox.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aether-platform/eventing/pkg/broker"
	"github.com/aether-platform/eventing/pkg/config"
	"github.com/aether-platform/eventing/pkg/events"
	"github.com/aether-platform/eventing/pkg/logger"
	"github.com/aether-platform/eventing/pkg/outbox"
	"github.com/aether-platform/eventing/pkg/tenant"
	"github.com/aether-platform/eventing/pkg/uow"
	"go.uber.org/multierr"
)

// Policy selects how committed events leave the process.
type Policy string

const (
	// AlwaysUseOutbox queues every event in the outbox.
	AlwaysUseOutbox Policy = config.DispatchPolicyAlwaysOutbox
	// PublishWithFallback publishes directly and queues only what failed.
	PublishWithFallback Policy = config.DispatchPolicyPublishWithFallback
)

const (
	outboxScopeName       = "aether.dispatch.outbox"
	defaultPublishTimeout = 15 * time.Second
)

func ParsePolicy(value string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(value))); p {
	case AlwaysUseOutbox, PublishWithFallback:
		return p, nil
	default:
		return "", fmt.Errorf("unknown dispatch policy %q", value)
	}
}

type outboxStore interface {
	Store(ctx context.Context, msg *outbox.Message) error
}

type scopeRunner interface {
	Run(ctx context.Context, opts uow.Options, fn func(ctx context.Context) error) error
}

type Params struct {
	Policy         Policy
	Runner         scopeRunner
	Outbox         outboxStore
	Publisher      broker.Publisher
	Registry       *events.Registry
	Schema         tenant.SchemaProvider
	Source         string
	PublishTimeout time.Duration
	Logger         *logger.Logger
}

// Dispatcher is the post-commit uow.EventDispatcher.
type Dispatcher struct {
	policy         Policy
	runner         scopeRunner
	outbox         outboxStore
	publisher      broker.Publisher
	registry       *events.Registry
	schema         tenant.SchemaProvider
	source         string
	publishTimeout time.Duration
	logg           *logger.Logger
}

func New(params Params) (*Dispatcher, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Runner == nil {
		return nil, errors.New("unit of work runner is required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox store is required")
	}
	if params.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	if params.Source == "" {
		return nil, errors.New("event source is required")
	}
	switch params.Policy {
	case AlwaysUseOutbox:
	case PublishWithFallback:
		if params.Publisher == nil {
			return nil, errors.New("publisher is required for publish_with_fallback")
		}
	default:
		return nil, fmt.Errorf("unknown dispatch policy %q", params.Policy)
	}

	schema := params.Schema
	if schema == nil {
		schema = tenant.ContextProvider
	}
	timeout := params.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Dispatcher{
		policy:         params.Policy,
		runner:         params.Runner,
		outbox:         params.Outbox,
		publisher:      params.Publisher,
		registry:       params.Registry,
		schema:         schema,
		source:         params.Source,
		publishTimeout: timeout,
		logg:           params.Logger,
	}, nil
}

func (d *Dispatcher) Policy() Policy { return d.policy }

// Message converts evt into an outbox message routed by the registry.
func (d *Dispatcher) Message(ctx context.Context, evt events.DomainEvent) (*outbox.Message, error) {
	env, err := events.NewEnvelope(evt, d.source, d.schema.CurrentSchema(ctx))
	if err != nil {
		return nil, err
	}
	return outbox.NewMessage(env, d.registry.Resolve(evt.Name))
}

// Dispatch never drops an event silently: each one ends up published,
// queued, or in the returned error.
func (d *Dispatcher) Dispatch(ctx context.Context, evts []events.DomainEvent) error {
	if len(evts) == 0 {
		return nil
	}

	var convErr error
	msgs := make([]*outbox.Message, 0, len(evts))
	for _, evt := range evts {
		msg, err := d.Message(ctx, evt)
		if err != nil {
			d.logg.Error(d.logg.WithEventID(ctx, evt.ID), "event could not be encoded", err)
			convErr = multierr.Append(convErr, fmt.Errorf("encode event %s: %w", evt.ID, err))
			continue
		}
		msgs = append(msgs, msg)
	}

	var err error
	switch d.policy {
	case PublishWithFallback:
		err = d.publishWithFallback(ctx, msgs)
	default:
		err = d.storeAll(ctx, msgs)
	}
	return multierr.Combine(convErr, err)
}

func (d *Dispatcher) publishWithFallback(ctx context.Context, msgs []*outbox.Message) error {
	var (
		failed     []*outbox.Message
		publishErr error
	)
	for _, msg := range msgs {
		if err := d.publish(ctx, msg); err != nil {
			logCtx := d.logg.WithFields(ctx, map[string]any{
				"event_id":   msg.ID,
				"event_name": msg.EventName,
				"topic":      msg.Topic(),
				"error":      err.Error(),
			})
			d.logg.Warn(logCtx, "direct publish failed, falling back to outbox")
			failed = append(failed, msg)
			publishErr = multierr.Append(publishErr, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if err := d.storeAll(ctx, failed); err != nil {
		return fmt.Errorf("publish failed (%v) and outbox fallback failed: %w", publishErr, err)
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, msg *outbox.Message) error {
	publishCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	return d.publisher.Publish(publishCtx, msg.Topic(), msg.PubSubName(), msg.EventData)
}

// storeAll writes msgs in a fresh scope, isolated from whatever unit of
// work produced the events.
func (d *Dispatcher) storeAll(ctx context.Context, msgs []*outbox.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	opts := uow.Options{Name: outboxScopeName, Scope: uow.RequiresNew, IsTransactional: true}
	err := d.runner.Run(ctx, opts, func(ctx context.Context) error {
		for _, msg := range msgs {
			if err := d.outbox.Store(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store %d events in outbox: %w", len(msgs), err)
	}
	d.logg.Debug(d.logg.WithField(ctx, "events", len(msgs)), "events queued in outbox")
	return nil
}
