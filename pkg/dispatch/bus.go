package dispatch

import (
	"context"
	"errors"

	"github.com/aether-platform/eventing/pkg/events"
	"github.com/aether-platform/eventing/pkg/uow"
)

// Bus is the entry point application code emits events through.
type Bus struct {
	dispatcher *Dispatcher
	outbox     outboxStore
}

func NewBus(dispatcher *Dispatcher) (*Bus, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	return &Bus{dispatcher: dispatcher, outbox: dispatcher.outbox}, nil
}

// Publish hands evt to the ambient unit of work, which dispatches it after
// a successful commit. Without one, evt is dispatched right away.
func (b *Bus) Publish(ctx context.Context, evt events.DomainEvent) error {
	if u := uow.Current(ctx); u != nil {
		return u.AddEvent(evt)
	}
	return b.dispatcher.Dispatch(ctx, []events.DomainEvent{evt})
}

// Enqueue writes evt to the outbox in the ambient unit of work's
// transaction, so it commits or rolls back with the business data.
func (b *Bus) Enqueue(ctx context.Context, evt events.DomainEvent) error {
	msg, err := b.dispatcher.Message(ctx, evt)
	if err != nil {
		return err
	}
	return b.outbox.Store(ctx, msg)
}
