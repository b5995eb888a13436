// Package reports tracks how far each recipient has acknowledged a
// generated report artifact.
package reports

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is a recipient's furthest acknowledgment of a report artifact.
// Actions form a strict maturity order; a receipt only ever moves forward.
type Action string

const (
	ActionUnsent     Action = "unsent"
	ActionSent       Action = "sent"
	ActionDelivered  Action = "delivered"
	ActionViewed     Action = "viewed"
	ActionDownloaded Action = "downloaded"
)

var actionRank = map[Action]int{
	ActionUnsent:     0,
	ActionSent:       1,
	ActionDelivered:  2,
	ActionViewed:     3,
	ActionDownloaded: 4,
}

// ParseAction validates a wire action value.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := actionRank[a]; !ok {
		return "", fmt.Errorf("unknown acknowledgment action: %q", raw)
	}
	return a, nil
}

// Supersedes reports whether a is strictly more mature than other.
func (a Action) Supersedes(other Action) bool {
	return actionRank[a] > actionRank[other]
}

// DeliveryReceipt is the latest acknowledgment recorded for one
// (artifact, recipient) pair. Only the furthest action is retained;
// receipts are never deleted.
type DeliveryReceipt struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ArtifactID  uuid.UUID `db:"artifact_id" json:"artifact_id"`
	RecipientID uuid.UUID `db:"recipient_id" json:"recipient_id"`
	Action      Action    `db:"action" json:"action"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
