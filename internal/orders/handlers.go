package orders

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aether-platform/eventing/pkg/events"
	pkgerrors "github.com/aether-platform/eventing/pkg/errors"
	"github.com/aether-platform/eventing/pkg/inbox"
)

// RegisterHandlers binds the order consumers to reg. OrderCreated confirms
// the order, which raises OrderConfirmed through the handler's own unit of
// work.
func RegisterHandlers(reg *inbox.HandlerRegistry, svc Service) error {
	return reg.Register(EventOrderCreated, inbox.HandlerFunc(func(ctx context.Context, env events.Envelope) error {
		var payload OrderCreated
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return events.NewNonRetryableError(fmt.Errorf("decode %s: %w", env.Type, err))
		}
		_, err := svc.Confirm(ctx, payload.OrderID)
		switch pkgerrors.CodeOf(err) {
		case pkgerrors.CodeNotFound, pkgerrors.CodeConflict, pkgerrors.CodeValidation:
			return events.NewNonRetryableError(err)
		}
		return err
	}))
}
