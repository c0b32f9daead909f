package rollout

import (
	"hash/fnv"
	"log"
	"math"
	"sync/atomic"

	"github.com/kestrelmem/kestrel/internal/adapter"
	"github.com/kestrelmem/kestrel/pkg/types"
)

// Decision is the rollout outcome for a single commit. It is computed once
// per commit from a single snapshot so a mid-flight config swap cannot split
// one commit across two policies.
type Decision struct {
	// Mode the commit runs under.
	Mode types.RolloutMode

	// ActiveAdapters are the non-canonical adapters this commit fans out
	// to, after consent filtering. Empty when Mode is disabled.
	ActiveAdapters []string

	// ShadowSampled reports whether a shadow-mode commit was selected for
	// dual-write comparison.
	ShadowSampled bool
}

// Controller serves rollout decisions from the current immutable snapshot
// and accepts validated snapshot swaps.
type Controller struct {
	snapshot atomic.Pointer[State]
	registry *adapter.Registry
}

// NewController returns a controller serving decisions from initial. The
// registry is consulted for adapter kinds when applying consent filtering.
func NewController(initial *State, registry *adapter.Registry) (*Controller, error) {
	if err := initial.Validate(); err != nil {
		return nil, &types.RolloutConfigError{Err: err}
	}
	c := &Controller{registry: registry}
	c.snapshot.Store(initial)
	return c, nil
}

// Current returns the active snapshot. Callers must treat it as read-only.
func (c *Controller) Current() *State {
	return c.snapshot.Load()
}

// Update validates next and makes it the active snapshot. On validation
// failure the previous snapshot stays active and the error is returned.
func (c *Controller) Update(next *State) error {
	if err := next.Validate(); err != nil {
		return &types.RolloutConfigError{Err: err}
	}
	prev := c.snapshot.Swap(next)
	if prev != nil && prev.Mode != next.Mode {
		log.Printf("rollout: mode changed %s -> %s", prev.Mode, next.Mode)
	}
	return nil
}

// Resolve computes the rollout decision for one commit by userID. The
// decision is final for that commit; later snapshot swaps do not affect it.
func (c *Controller) Resolve(userID string) Decision {
	s := c.snapshot.Load()

	d := Decision{Mode: s.Mode}
	if s.Mode == types.ModeDisabled {
		return d
	}

	d.ActiveAdapters = c.filterConsent(s, userID)
	if s.Mode == types.ModeShadow {
		d.ShadowSampled = sampled(userID, s.ShadowSampleRate)
	}
	return d
}

// filterConsent strips enrichment-kind adapters for users without consent.
// Consent overrides every mode: a consent=false user never reaches an
// enrichment adapter even in full cutover.
func (c *Controller) filterConsent(s *State, userID string) []string {
	if s.ConsentFor(userID) {
		out := make([]string, len(s.ActiveAdapters))
		copy(out, s.ActiveAdapters)
		return out
	}
	out := make([]string, 0, len(s.ActiveAdapters))
	for _, name := range s.ActiveAdapters {
		a := c.registry.Get(name)
		if a != nil && a.Kind() == adapter.KindEnrichment {
			continue
		}
		out = append(out, name)
	}
	return out
}

// sampled deterministically buckets a userID against rate so the same user
// is consistently in or out of the shadow sample across commits.
func sampled(userID string, rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(userID))
	return float64(h.Sum32())/float64(math.MaxUint32) < rate
}
