package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aether-platform/eventing/pkg/events"
	pkgerrors "github.com/aether-platform/eventing/pkg/errors"
	"github.com/aether-platform/eventing/pkg/uow"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

type scopeRunner interface {
	Run(ctx context.Context, opts uow.Options, fn func(ctx context.Context) error) error
}

// Service defines the order operations exposed over HTTP and to event
// handlers.
type Service interface {
	Place(ctx context.Context, input PlaceInput) (*Order, error)
	Confirm(ctx context.Context, orderID string) (*Order, error)
	Cancel(ctx context.Context, orderID, reason string) (*Order, error)
	Get(ctx context.Context, orderID string) (*Order, error)
}

// PlaceInput captures the data required to place an order.
type PlaceInput struct {
	CustomerID string          `validate:"required,max=64"`
	Total      decimal.Decimal `validate:"-"`
}

type ServiceParams struct {
	Repository Repository
	Runner     scopeRunner
	// NewID generates order and event ids; uuid by default.
	NewID func() string
	Now   func() time.Time
}

type service struct {
	repo   Repository
	runner scopeRunner
	newID  func() string
	now    func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Runner == nil {
		return nil, fmt.Errorf("unit of work runner required")
	}
	s := &service{repo: params.Repository, runner: params.Runner, newID: params.NewID, now: params.Now}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *service) event(name, subject string, data any) events.DomainEvent {
	evt := events.New(name, subject, data)
	evt.ID = s.newID()
	evt.OccurredAt = s.now().UTC()
	return evt
}

func (s *service) write(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	// Required joins the request's unit of work when the HTTP pipeline
	// prepared one.
	return s.runner.Run(ctx, uow.Options{Name: name, Scope: uow.Required, IsTransactional: true}, fn)
}

func (s *service) Place(ctx context.Context, input PlaceInput) (*Order, error) {
	if err := validate.Struct(input); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order")
	}
	if !input.Total.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "total must be positive")
	}

	now := s.now().UTC()
	order := &Order{
		ID:         s.newID(),
		CustomerID: input.CustomerID,
		Total:      input.Total.Round(2),
		Status:     StatusPlaced,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	order.Record(s.event(EventOrderCreated, order.ID, OrderCreated{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Total:      order.Total,
	}))

	err := s.write(ctx, "orders.place", func(ctx context.Context) error {
		if err := s.repo.Create(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *service) Confirm(ctx context.Context, orderID string) (*Order, error) {
	return s.transition(ctx, "orders.confirm", orderID, StatusConfirmed, func(order *Order) events.DomainEvent {
		return s.event(EventOrderConfirmed, order.ID, OrderConfirmed{OrderID: order.ID})
	})
}

func (s *service) Cancel(ctx context.Context, orderID, reason string) (*Order, error) {
	return s.transition(ctx, "orders.cancel", orderID, StatusCancelled, func(order *Order) events.DomainEvent {
		return s.event(EventOrderCancelled, order.ID, OrderCancelled{OrderID: order.ID, Reason: reason})
	})
}

// transition moves a placed order to target. Repeating a transition that
// already happened is a no-op.
func (s *service) transition(ctx context.Context, name, orderID string, target Status, raise func(*Order) events.DomainEvent) (*Order, error) {
	if orderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	var order *Order
	err := s.write(ctx, name, func(ctx context.Context) error {
		found, err := s.find(ctx, orderID)
		if err != nil {
			return err
		}
		order = found
		if order.Status == target {
			return nil
		}
		if order.Status != StatusPlaced {
			return pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("order is %s", order.Status))
		}
		order.Status = target
		order.UpdatedAt = s.now().UTC()
		order.Record(raise(order))
		if err := s.repo.UpdateStatus(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.find(ctx, orderID)
}

func (s *service) find(ctx context.Context, orderID string) (*Order, error) {
	order, err := s.repo.Find(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}
