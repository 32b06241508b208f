package orders

import (
	"github.com/aether-platform/eventing/pkg/events"
	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderConfirmed = "OrderConfirmed"
	EventOrderCancelled = "OrderCancelled"
)

type OrderCreated struct {
	OrderID    string          `json:"order_id"`
	CustomerID string          `json:"customer_id"`
	Total      decimal.Decimal `json:"total"`
}

type OrderConfirmed struct {
	OrderID string `json:"order_id"`
}

type OrderCancelled struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// RegisterEvents routes every order event to topic.
func RegisterEvents(reg *events.Registry, topic string) error {
	for _, name := range []string{EventOrderCreated, EventOrderConfirmed, EventOrderCancelled} {
		if err := reg.Register(events.Descriptor{Name: name, Version: 1, Topic: topic}); err != nil {
			return err
		}
	}
	return nil
}
