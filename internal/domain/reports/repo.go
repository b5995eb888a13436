package reports

import (
	"context"

	"github.com/google/uuid"
)

type ReceiptRepository interface {
	// Get returns the receipt for the pair, or pgx.ErrNoRows when the
	// recipient has never been sent the artifact.
	Get(ctx context.Context, artifactID, recipientID uuid.UUID) (*DeliveryReceipt, error)
	// Upsert inserts the receipt or replaces the pair's stored action.
	Upsert(ctx context.Context, receipt *DeliveryReceipt) error
	// CountByAction returns how many recipients sit at each action for the
	// artifact.
	CountByAction(ctx context.Context, artifactID uuid.UUID) (map[Action]int, error)
}
