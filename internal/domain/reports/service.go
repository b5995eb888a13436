package reports

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/realtime"
)

// Tracker maintains delivery receipts. Recorded actions are monotone per
// (artifact, recipient) pair: a lower or repeated action is silently
// absorbed, an upgrade persists and notifies the artifact's channel.
type Tracker struct {
	receipts  ReceiptRepository
	publisher realtime.Publisher
	logger    zerolog.Logger

	mu    sync.Mutex
	locks map[receiptKey]*sync.Mutex
}

type receiptKey struct {
	artifactID  uuid.UUID
	recipientID uuid.UUID
}

func NewTracker(receipts ReceiptRepository, publisher realtime.Publisher, logger zerolog.Logger) *Tracker {
	return &Tracker{
		receipts:  receipts,
		publisher: publisher,
		logger:    logger,
		locks:     make(map[receiptKey]*sync.Mutex),
	}
}

func (t *Tracker) pairLock(artifactID, recipientID uuid.UUID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := receiptKey{artifactID, recipientID}
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

// Record advances the pair's receipt to action. Equal or lower actions are
// idempotent no-ops. An upgrade persists the new action and emits
// report_acknowledged to the artifact's report channel.
func (t *Tracker) Record(ctx context.Context, artifactID, recipientID uuid.UUID, action Action) error {
	lock := t.pairLock(artifactID, recipientID)
	lock.Lock()
	defer lock.Unlock()

	current := ActionUnsent
	receipt, err := t.receipts.Get(ctx, artifactID, recipientID)
	switch {
	case err == nil:
		current = receipt.Action
	case errors.Is(err, pgx.ErrNoRows):
		receipt = &DeliveryReceipt{
			ArtifactID:  artifactID,
			RecipientID: recipientID,
			CreatedAt:   time.Now().UTC(),
		}
	default:
		return err
	}

	if !action.Supersedes(current) {
		return nil
	}

	receipt.Action = action
	receipt.UpdatedAt = time.Now().UTC()
	if err := t.receipts.Upsert(ctx, receipt); err != nil {
		return err
	}

	if t.publisher != nil {
		n := realtime.NewReportAcknowledged(artifactID, recipientID, string(action))
		if err := t.publisher.Publish(ctx, realtime.ReportChannel(artifactID), n); err != nil {
			t.logger.Warn().Err(err).Str("artifact_id", artifactID.String()).Msg("publish acknowledgment")
		}
	}
	return nil
}

// StatusFor returns the pair's current action, unsent when no receipt
// exists.
func (t *Tracker) StatusFor(ctx context.Context, artifactID, recipientID uuid.UUID) (Action, error) {
	receipt, err := t.receipts.Get(ctx, artifactID, recipientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ActionUnsent, nil
	}
	if err != nil {
		return "", err
	}
	return receipt.Action, nil
}

// Summary returns per-action recipient counts for the artifact. Actions with
// no recipients are present with a zero count.
func (t *Tracker) Summary(ctx context.Context, artifactID uuid.UUID) (map[Action]int, error) {
	counts, err := t.receipts.CountByAction(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	for action := range actionRank {
		if action == ActionUnsent {
			continue
		}
		if _, ok := counts[action]; !ok {
			counts[action] = 0
		}
	}
	return counts, nil
}

// Acknowledge routes a session's acknowledge command into Record. It
// satisfies the realtime command interface.
func (t *Tracker) Acknowledge(ctx context.Context, artifactID, recipientID uuid.UUID, action string) error {
	parsed, err := ParseAction(action)
	if err != nil {
		return err
	}
	return t.Record(ctx, artifactID, recipientID, parsed)
}
