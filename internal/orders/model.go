// Package orders is the sample bounded context wired through the unit of
// work: placing an order raises events that leave through the outbox, and
// the confirmation handler consumes them back through the inbox.
package orders

import (
	"time"

	"github.com/aether-platform/eventing/pkg/events"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPlaced    Status = "placed"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

type Order struct {
	ID         string          `gorm:"primaryKey;size:64" json:"id"`
	CustomerID string          `gorm:"size:64;not null;index" json:"customer_id"`
	Total      decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total"`
	Status     Status          `gorm:"size:32;not null" json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`

	events.Recorder `gorm:"-" json:"-"`
}

func (Order) TableName() string { return "orders" }
