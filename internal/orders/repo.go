package orders

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("order not found")

// Sessions resolves the gorm session for a context.
type Sessions interface {
	DB(ctx context.Context) (*gorm.DB, error)
	WriteDB(ctx context.Context) (*gorm.DB, error)
}

// Repository defines persistence operations for the orders table.
type Repository interface {
	Create(ctx context.Context, order *Order) error
	Find(ctx context.Context, id string) (*Order, error)
	UpdateStatus(ctx context.Context, order *Order) error
}

type repository struct {
	sessions Sessions
}

// NewRepository builds an orders repository. Writes join the ambient unit
// of work, and events recorded on the order travel with it.
func NewRepository(sessions Sessions) Repository {
	return &repository{sessions: sessions}
}

func (r *repository) Create(ctx context.Context, order *Order) error {
	tx, err := r.sessions.WriteDB(ctx)
	if err != nil {
		return err
	}
	return tx.Create(order).Error
}

func (r *repository) Find(ctx context.Context, id string) (*Order, error) {
	tx, err := r.sessions.DB(ctx)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := tx.Where("id = ?", id).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *repository) UpdateStatus(ctx context.Context, order *Order) error {
	tx, err := r.sessions.WriteDB(ctx)
	if err != nil {
		return err
	}
	res := tx.Model(order).Select("Status", "UpdatedAt").Updates(order)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
