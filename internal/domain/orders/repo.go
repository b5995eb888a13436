package orders

import (
	"context"

	"github.com/google/uuid"
)

type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByNumber(ctx context.Context, orderNumber string) (*Order, error)
	// UpdateStatus advances the stored status only when the current value
	// still matches from; a concurrent writer that got there first makes
	// this return ErrStatusChanged.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error
	List(ctx context.Context, limit, offset int) ([]*Order, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error)
}

type StatusHistoryRepository interface {
	Create(ctx context.Context, change *StatusChange) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*StatusChange, error)
}
