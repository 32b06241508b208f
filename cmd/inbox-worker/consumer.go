package main

import (
	"context"
	"errors"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/aether-platform/eventing/pkg/events"
	"github.com/aether-platform/eventing/pkg/inbox"
	"github.com/aether-platform/eventing/pkg/logger"
)

type receiver interface {
	Receive(ctx context.Context, env events.Envelope) (inbox.Outcome, error)
}

// Consumer feeds the inbox subscription into the inbox processor.
type Consumer struct {
	subscription *pubsub.Subscriber
	receiver     receiver
	logg         *logger.Logger
}

func NewConsumer(subscription *pubsub.Subscriber, recv receiver, logg *logger.Logger) (*Consumer, error) {
	if subscription == nil {
		return nil, errors.New("inbox subscription required")
	}
	if recv == nil {
		return nil, errors.New("inbox processor required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	return &Consumer{subscription: subscription, receiver: recv, logg: logg}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg.ID, msg.Data)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack     bool
	nack    bool
	outcome inbox.Outcome
}

func (c *Consumer) process(ctx context.Context, messageID string, data []byte) processResult {
	logCtx := c.logg.WithField(ctx, "message_id", messageID)

	env, err := events.DecodeEnvelope(data)
	if err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithFields(c.logg.WithEventID(logCtx, env.ID), map[string]any{
		"event_type": env.Type,
	})

	outcome, err := c.receiver.Receive(ctx, env)
	if err != nil {
		if events.IsNonRetryable(err) {
			c.logg.Error(logCtx, "inbox rejected message", err)
			return processResult{ack: true}
		}
		c.logg.Error(logCtx, "inbox receive failed", err)
		return processResult{nack: true}
	}

	c.logg.Debug(c.logg.WithField(logCtx, "outcome", string(outcome)), "inbox message received")
	return processResult{ack: true, outcome: outcome}
}
