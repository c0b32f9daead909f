package types

import (
	"errors"
	"fmt"
)

// RedactionError indicates the redaction ruleset failed on an intent. The
// pipeline fails closed: the turn is rejected before any write rather than
// passed through unredacted.
type RedactionError struct {
	Rule string // name of the rule that failed
	Err  error
}

func (e *RedactionError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("redaction rule %q failed: %v", e.Rule, e.Err)
	}
	return fmt.Sprintf("redaction failed: %v", e.Err)
}

func (e *RedactionError) Unwrap() error { return e.Err }

// OutOfOrderError indicates a sequence number regression within a session.
// The intent is rejected before any write; ordering responsibility stays with
// the emitter.
type OutOfOrderError struct {
	SessionID string
	Got       int64
	HighWater int64
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out-of-order intent for session %s: sequence %d regresses below high-water mark %d",
		e.SessionID, e.Got, e.HighWater)
}

// CanonicalWriteError indicates the synchronous canonical write failed. Fatal
// to the commit: nothing was recorded and no fan-out was attempted.
type CanonicalWriteError struct {
	Fingerprint string
	Err         error
}

func (e *CanonicalWriteError) Error() string {
	return fmt.Sprintf("canonical write failed for %s: %v", e.Fingerprint, e.Err)
}

func (e *CanonicalWriteError) Unwrap() error { return e.Err }

// AdapterFailure carries a classified adapter write failure. Non-fatal to the
// commit; retryable failures are deferred to the sweeper, permanent failures
// require operator intervention.
type AdapterFailure struct {
	AdapterName string
	Outcome     AdapterOutcome
	Err         error
}

func (e *AdapterFailure) Error() string {
	return fmt.Sprintf("adapter %s: %s: %v", e.AdapterName, e.Outcome, e.Err)
}

func (e *AdapterFailure) Unwrap() error { return e.Err }

// Retryable reports whether the failure should be re-attempted by the sweeper.
func (e *AdapterFailure) Retryable() bool {
	return e.Outcome == OutcomeRetryableFailure
}

// RolloutConfigError indicates a rollout configuration failed validation at
// load time. Non-fatal: the previous valid snapshot is retained.
type RolloutConfigError struct {
	Path string
	Err  error
}

func (e *RolloutConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("invalid rollout config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("invalid rollout config: %v", e.Err)
}

func (e *RolloutConfigError) Unwrap() error { return e.Err }

// ErrEmptyContent indicates an intent with no content was submitted.
var ErrEmptyContent = errors.New("intent content is empty")

// ErrUnknownRole indicates an intent with an unrecognized role.
var ErrUnknownRole = errors.New("intent role is not a known role")

// ErrMissingSession indicates an intent without a session identifier.
var ErrMissingSession = errors.New("intent session id is required")
