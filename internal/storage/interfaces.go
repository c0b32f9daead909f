// Package storage provides the canonical store boundary for the orchestration
// pipeline.
//
// The canonical store is the durability boundary: a commit is acknowledged to
// the caller only once the record is written here. The interface is small and
// focused so backends (PostgreSQL for production, SQLite for local mode and
// tests) can be implemented independently.
package storage

import (
	"context"
	"time"

	"github.com/kestrelmem/kestrel/pkg/types"
)

// CanonicalStore persists canonical turn records and their fan-out status.
//
// Implementations must enforce a unique constraint on the fingerprint: Insert
// of an existing fingerprint is a no-op reporting inserted=false, which is the
// at-most-once boundary for the whole pipeline.
type CanonicalStore interface {
	// Insert writes a new canonical record together with one pending
	// fan-out row per entry in record.FanoutStatus. If a record with the
	// same fingerprint already exists nothing is changed and inserted is
	// false. This is the only way records are created.
	Insert(ctx context.Context, record *types.CanonicalRecord) (inserted bool, err error)

	// Get returns the record for a fingerprint, including its assembled
	// fan-out status and attempt counts. Returns ErrNotFound if absent.
	Get(ctx context.Context, fingerprint string) (*types.CanonicalRecord, error)

	// SessionHighWater returns the highest committed sequence number for a
	// session. ok is false when the session has no records yet.
	SessionHighWater(ctx context.Context, sessionID string) (seq int64, ok bool, err error)

	// UpdateFanoutState applies a compare-and-set transition on the
	// (fingerprint, adapter) fan-out entry. The write succeeds only when
	// the stored state admits the transition per the fan-out state
	// machine; in particular succeeded is sticky and retries_exhausted is
	// terminal. A repeated failed write is allowed and counts as another
	// attempt. Returns applied=false when the CAS lost (e.g. a concurrent
	// sweeper already recorded success).
	UpdateFanoutState(ctx context.Context, fingerprint, adapter string, next types.FanoutState, lastErr string) (applied bool, err error)

	// ListRetryable returns records with at least one fan-out entry the
	// sweeper should act on: failed with fewer than maxAttempts attempts,
	// or still pending with no status write since pendingBefore (the
	// recording write was lost, typically to a crash mid-fan-out).
	// Ordered oldest first, capped at limit.
	ListRetryable(ctx context.Context, maxAttempts int, pendingBefore time.Time, limit int) ([]*types.CanonicalRecord, error)

	// SetEmbedding records the embedding reference (and, where the backend
	// supports it, the vector itself) for a fingerprint.
	SetEmbedding(ctx context.Context, fingerprint, ref string, embedding []float32) error

	// Close releases any resources held by the store.
	Close() error
}
