package reports

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/clinicore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type receiptRepoPG struct{ pool *pgxpool.Pool }

func NewReceiptRepoPG(pool *pgxpool.Pool) ReceiptRepository {
	return &receiptRepoPG{pool: pool}
}

func (r *receiptRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *receiptRepoPG) Get(ctx context.Context, artifactID, recipientID uuid.UUID) (*DeliveryReceipt, error) {
	var rec DeliveryReceipt
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, artifact_id, recipient_id, action, created_at, updated_at
		FROM delivery_receipts WHERE artifact_id = $1 AND recipient_id = $2`,
		artifactID, recipientID).
		Scan(&rec.ID, &rec.ArtifactID, &rec.RecipientID, &rec.Action, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *receiptRepoPG) Upsert(ctx context.Context, receipt *DeliveryReceipt) error {
	if receipt.ID == uuid.Nil {
		receipt.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO delivery_receipts (id, artifact_id, recipient_id, action)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (artifact_id, recipient_id)
		DO UPDATE SET action = EXCLUDED.action, updated_at = NOW()`,
		receipt.ID, receipt.ArtifactID, receipt.RecipientID, receipt.Action)
	return err
}

func (r *receiptRepoPG) CountByAction(ctx context.Context, artifactID uuid.UUID) (map[Action]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT action, COUNT(*) FROM delivery_receipts
		WHERE artifact_id = $1 GROUP BY action`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Action]int)
	for rows.Next() {
		var action Action
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		counts[action] = count
	}
	return counts, rows.Err()
}
