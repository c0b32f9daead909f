// Package rollout owns the feature-flagged rollout policy for the
// orchestration pipeline: which adapters are active, whether the pipeline
// runs in shadow or cutover mode, and per-user enrichment consent.
//
// RolloutState is an immutable snapshot swapped atomically. Concurrent
// commits read a consistent snapshot for their whole duration and observe
// updates only on subsequent calls, never mid-call.
package rollout

import (
	"fmt"
	"time"

	"github.com/kestrelmem/kestrel/pkg/types"
)

// State is one immutable rollout configuration snapshot. Never mutate a
// State after publishing it to a Controller; build a new one instead.
type State struct {
	// Mode selects disabled, shadow, or cutover operation.
	Mode types.RolloutMode

	// ActiveAdapters is the set of non-canonical adapters to fan out to.
	ActiveAdapters []string

	// PerUserConsent maps userID to enrichment consent. Users absent from
	// the map get DefaultConsent.
	PerUserConsent map[string]bool

	// DefaultConsent applies to users without an explicit consent entry.
	DefaultConsent bool

	// ShadowSampleRate is the fraction of traffic dual-written in shadow
	// mode, in [0, 1].
	ShadowSampleRate float64

	// CanonicalTimeout bounds the synchronous canonical write. Short and
	// fatal to the call.
	CanonicalTimeout time.Duration

	// AdapterTimeout bounds each fan-out write. Short and non-fatal:
	// non-responders are marked retryable and left to the sweeper.
	AdapterTimeout time.Duration

	// MaxFanoutRetries is the sweeper's per-(fingerprint, adapter) attempt
	// budget before marking retries_exhausted.
	MaxFanoutRetries int

	// RetryBaseBackoff is the sweeper's first retry delay.
	RetryBaseBackoff time.Duration

	// RetryMaxBackoff caps the exponential backoff curve.
	RetryMaxBackoff time.Duration

	// SweepInterval is how often the sweeper scans for failed fan-outs.
	SweepInterval time.Duration
}

// Validate checks the snapshot for schema violations. Invalid snapshots are
// rejected at load time and the previous valid snapshot is retained.
func (s *State) Validate() error {
	if !s.Mode.IsValid() {
		return fmt.Errorf("unknown mode %q", s.Mode)
	}
	if s.ShadowSampleRate < 0 || s.ShadowSampleRate > 1 {
		return fmt.Errorf("shadow_sample_rate %v outside [0, 1]", s.ShadowSampleRate)
	}
	if s.CanonicalTimeout <= 0 {
		return fmt.Errorf("canonical_timeout must be positive, got %v", s.CanonicalTimeout)
	}
	if s.AdapterTimeout <= 0 {
		return fmt.Errorf("adapter_timeout must be positive, got %v", s.AdapterTimeout)
	}
	if s.MaxFanoutRetries < 1 {
		return fmt.Errorf("max_fanout_retries must be at least 1, got %d", s.MaxFanoutRetries)
	}
	if s.RetryBaseBackoff <= 0 {
		return fmt.Errorf("retry_base_backoff must be positive, got %v", s.RetryBaseBackoff)
	}
	if s.RetryMaxBackoff < s.RetryBaseBackoff {
		return fmt.Errorf("retry_max_backoff %v below retry_base_backoff %v", s.RetryMaxBackoff, s.RetryBaseBackoff)
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %v", s.SweepInterval)
	}
	seen := make(map[string]bool, len(s.ActiveAdapters))
	for _, name := range s.ActiveAdapters {
		if name == "" {
			return fmt.Errorf("active_adapters contains an empty name")
		}
		if seen[name] {
			return fmt.Errorf("active_adapters lists %q twice", name)
		}
		seen[name] = true
	}
	return nil
}

// ConsentFor returns the enrichment consent for a user.
func (s *State) ConsentFor(userID string) bool {
	if v, ok := s.PerUserConsent[userID]; ok {
		return v
	}
	return s.DefaultConsent
}

// DefaultState returns a conservative snapshot: pipeline disabled, no
// fan-out, sane operational parameters. Used at startup before the first
// config load succeeds.
func DefaultState() *State {
	return &State{
		Mode:             types.ModeDisabled,
		ActiveAdapters:   nil,
		PerUserConsent:   map[string]bool{},
		DefaultConsent:   false,
		ShadowSampleRate: 0,
		CanonicalTimeout: 2 * time.Second,
		AdapterTimeout:   3 * time.Second,
		MaxFanoutRetries: 5,
		RetryBaseBackoff: 500 * time.Millisecond,
		RetryMaxBackoff:  time.Minute,
		SweepInterval:    30 * time.Second,
	}
}
