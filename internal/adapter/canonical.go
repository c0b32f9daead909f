package adapter

import (
	"context"
	"time"

	"github.com/kestrelmem/kestrel/internal/storage"
	"github.com/kestrelmem/kestrel/pkg/types"
)

// Canonical wraps the canonical store for the orchestrator's durable write.
// It is invoked synchronously before any fan-out and is never registered as
// a fan-out adapter: the insert is the durability boundary, not a delivery.
type Canonical struct {
	store storage.CanonicalStore
}

// NewCanonical creates the canonical writer.
func NewCanonical(store storage.CanonicalStore) *Canonical {
	return &Canonical{store: store}
}

// Insert writes the turn keyed on its fingerprint, seeding a pending fan-out
// row for each adapter the commit resolved. A duplicate fingerprint is a
// no-op reporting inserted=false: the earlier write already satisfied
// durability, so upstream at-least-once retries are absorbed here.
func (c *Canonical) Insert(ctx context.Context, turn types.RedactedTurn, pendingFor []string) (inserted bool, err error) {
	record := &types.CanonicalRecord{
		Fingerprint:    turn.Fingerprint,
		SessionID:      turn.SessionID,
		UserID:         turn.UserID,
		SequenceNumber: turn.SequenceNumber,
		Role:           turn.Role,
		Content:        turn.Content,
		RedactionTags:  turn.RedactionTags,
		CreatedAt:      time.Now().UTC(),
		FanoutStatus:   make(map[string]types.FanoutState, len(pendingFor)),
	}
	for _, name := range pendingFor {
		record.FanoutStatus[name] = types.FanoutPending
	}
	return c.store.Insert(ctx, record)
}
