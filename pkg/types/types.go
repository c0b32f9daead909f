// Package types defines the core data structures for the Kestrel memory
// orchestration pipeline: intents, redacted turns, canonical records, and the
// per-adapter fan-out status machinery.
package types

import "time"

// Role identifies who produced a conversational turn.
type Role string

// Turn role constants
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid reports whether r is one of the known turn roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// MemoryIntent is an event representing one committed conversational turn.
// It is created by the turn-emitting collaborator, is immutable, and is
// consumed exactly once by the orchestrator.
type MemoryIntent struct {
	// SessionID is the opaque conversation session identifier.
	SessionID string `json:"session_id"`

	// UserID identifies the user the session belongs to.
	UserID string `json:"user_id"`

	// SequenceNumber is monotonic per session. The orchestrator rejects
	// regressions rather than reordering.
	SequenceNumber int64 `json:"sequence_number"`

	// Role is the speaker of the turn (user, assistant, system).
	Role Role `json:"role"`

	// RawContent is the unredacted turn text. It never leaves the trust
	// boundary: only the redacted form is handed to non-canonical adapters.
	RawContent string `json:"raw_content"`

	// OccurredAt is when the turn was produced upstream.
	OccurredAt time.Time `json:"occurred_at"`
}

// RedactionTag names a category of content that was masked by the redactor.
type RedactionTag string

// Redaction category constants
const (
	RedactionEmail  RedactionTag = "email"
	RedactionPhone  RedactionTag = "phone"
	RedactionCard   RedactionTag = "card"
	RedactionSecret RedactionTag = "secret"
)

// RedactedTurn is the PII-scrubbed form of a MemoryIntent. It is produced by
// the redactor and is the only content representation adapters ever see.
type RedactedTurn struct {
	// SessionID carries the originating session.
	SessionID string `json:"session_id"`

	// UserID carries the originating user.
	UserID string `json:"user_id"`

	// SequenceNumber carries the per-session turn position.
	SequenceNumber int64 `json:"sequence_number"`

	// Role is the speaker of the turn.
	Role Role `json:"role"`

	// Content is the scrubbed turn text.
	Content string `json:"content"`

	// RedactionTags lists the categories that were masked, if any.
	RedactionTags []RedactionTag `json:"redaction_tags,omitempty"`

	// Fingerprint is the deterministic idempotency key for this turn,
	// derived from (session, sequence, content hash).
	Fingerprint string `json:"fingerprint"`

	// OccurredAt is when the turn was produced upstream.
	OccurredAt time.Time `json:"occurred_at"`
}

// FanoutState tracks the delivery state of one canonical record to one
// non-canonical adapter.
type FanoutState string

// Fan-out state constants. Legal transitions:
//
//	pending → succeeded            (adapter ack)
//	pending → failed               (timeout or retryable error)
//	failed  → succeeded            (sweeper retry)
//	failed  → retries_exhausted    (terminal, after max attempts)
//
// Success is sticky: once succeeded is recorded for a (fingerprint, adapter)
// pair, no later write may downgrade it.
const (
	FanoutPending          FanoutState = "pending"
	FanoutSucceeded        FanoutState = "succeeded"
	FanoutFailed           FanoutState = "failed"
	FanoutRetriesExhausted FanoutState = "retries_exhausted"
)

// Terminal reports whether the state admits no further transitions.
func (s FanoutState) Terminal() bool {
	return s == FanoutSucceeded || s == FanoutRetriesExhausted
}

// CanTransitionTo reports whether the fan-out state machine allows moving
// from s to next.
func (s FanoutState) CanTransitionTo(next FanoutState) bool {
	switch s {
	case FanoutPending:
		return next == FanoutSucceeded || next == FanoutFailed
	case FanoutFailed:
		return next == FanoutSucceeded || next == FanoutRetriesExhausted
	}
	return false
}

// CanonicalRecord is the durable row written to the canonical store. The
// fingerprint carries a unique constraint and is the at-most-once boundary.
// Records are never deleted by this subsystem; only FanoutStatus and
// EmbeddingRef are mutated after the initial write.
type CanonicalRecord struct {
	// Fingerprint is the unique idempotency key.
	Fingerprint string `json:"fingerprint"`

	// SessionID is the originating session.
	SessionID string `json:"session_id"`

	// UserID is the originating user.
	UserID string `json:"user_id"`

	// SequenceNumber is the per-session turn position.
	SequenceNumber int64 `json:"sequence_number"`

	// Role is the speaker of the turn.
	Role Role `json:"role"`

	// Content is the redacted turn text.
	Content string `json:"content"`

	// RedactionTags lists masked categories, persisted so the sweeper can
	// reconstruct a RedactedTurn without re-running the redactor.
	RedactionTags []RedactionTag `json:"redaction_tags,omitempty"`

	// EmbeddingRef points at the vector entry for this record. Nil until
	// enrichment completes.
	EmbeddingRef *string `json:"embedding_ref,omitempty"`

	// CreatedAt is when the canonical write was acknowledged.
	CreatedAt time.Time `json:"created_at"`

	// FanoutStatus maps adapter name to delivery state.
	FanoutStatus map[string]FanoutState `json:"fanout_status"`

	// FanoutAttempts maps adapter name to the number of delivery attempts
	// made so far. Maintained by the store for the sweeper's retry budget.
	FanoutAttempts map[string]int `json:"fanout_attempts,omitempty"`

	// FanoutUpdatedAt maps adapter name to the time of the last status
	// write. The sweeper uses it to spot pending entries whose first
	// attempt was never recorded.
	FanoutUpdatedAt map[string]time.Time `json:"fanout_updated_at,omitempty"`
}

// Turn reconstructs the RedactedTurn for this record. Used by the retry
// sweeper, which re-invokes adapters directly from stored state.
func (r *CanonicalRecord) Turn() RedactedTurn {
	return RedactedTurn{
		SessionID:      r.SessionID,
		UserID:         r.UserID,
		SequenceNumber: r.SequenceNumber,
		Role:           r.Role,
		Content:        r.Content,
		RedactionTags:  r.RedactionTags,
		Fingerprint:    r.Fingerprint,
		OccurredAt:     r.CreatedAt,
	}
}

// AdapterOutcome classifies the result of a single adapter write.
type AdapterOutcome string

// Adapter outcome constants
const (
	// OutcomeSuccess indicates the adapter acknowledged the write.
	OutcomeSuccess AdapterOutcome = "success"

	// OutcomeRetryableFailure indicates a transient failure (timeout,
	// 5xx-class, open circuit). Eligible for sweeper retry.
	OutcomeRetryableFailure AdapterOutcome = "retryable_failure"

	// OutcomePermanentFailure indicates a non-transient failure (malformed
	// payload, auth rejection). Never retried automatically.
	OutcomePermanentFailure AdapterOutcome = "permanent_failure"
)

// AdapterResult is the typed outcome of one adapter write attempt. Ephemeral:
// it is aggregated into telemetry and into CanonicalRecord.FanoutStatus.
type AdapterResult struct {
	// AdapterName identifies the backend that was written to.
	AdapterName string `json:"adapter_name"`

	// Fingerprint is the record the write was for.
	Fingerprint string `json:"fingerprint"`

	// Outcome classifies the attempt.
	Outcome AdapterOutcome `json:"outcome"`

	// Latency is how long the attempt took.
	Latency time.Duration `json:"latency_ms"`

	// Err holds failure detail. Nil on success.
	Err error `json:"-"`
}

// FanoutState maps the outcome onto the record's fan-out state machine.
func (r AdapterResult) FanoutState() FanoutState {
	if r.Outcome == OutcomeSuccess {
		return FanoutSucceeded
	}
	return FanoutFailed
}

// CommitStatus is the caller-visible disposition of a Commit call.
type CommitStatus string

// Commit status constants
const (
	// CommitSucceeded means the turn is durably recorded. Enrichment may lag.
	CommitSucceeded CommitStatus = "succeeded"

	// CommitRejected means the intent was refused before any write
	// (validation, ordering, or redaction failure).
	CommitRejected CommitStatus = "rejected"

	// CommitFailed means the canonical write itself failed. Nothing was
	// recorded and no fan-out was attempted.
	CommitFailed CommitStatus = "failed"
)

// CommitResult is returned to the turn emitter. From the caller's
// perspective a commit either succeeded (durably recorded) or did not;
// per-adapter results are included for observability only.
type CommitResult struct {
	// Status is the overall disposition.
	Status CommitStatus `json:"status"`

	// Fingerprint of the committed record. Empty when rejected or failed.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Duplicate is true when an identical intent had already been committed
	// and this call was absorbed as a no-op.
	Duplicate bool `json:"duplicate,omitempty"`

	// AdapterResults holds the fan-out outcomes observed within the call's
	// adapter timeout. Adapters still in flight are reported as retryable.
	AdapterResults []AdapterResult `json:"adapter_results,omitempty"`
}

// RolloutMode selects how the new write path participates in traffic.
type RolloutMode string

// Rollout mode constants
const (
	// ModeDisabled turns the orchestrator into a canonical-only writer:
	// no fan-out, no shadow traffic.
	ModeDisabled RolloutMode = "disabled"

	// ModeShadow runs the orchestrator alongside the legacy path for a
	// sampled fraction of traffic. Shadow outcomes feed metrics only and
	// never affect the caller's response.
	ModeShadow RolloutMode = "shadow"

	// ModeCutover makes the orchestrator authoritative; the legacy path is
	// not invoked.
	ModeCutover RolloutMode = "cutover"
)

// IsValid reports whether m is a known rollout mode.
func (m RolloutMode) IsValid() bool {
	switch m {
	case ModeDisabled, ModeShadow, ModeCutover:
		return true
	}
	return false
}
