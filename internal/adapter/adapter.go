// Package adapter defines the polymorphic backend interface for fan-out
// writes and its implementations: the enrichment SDK adapter and the queue
// broker adapter, plus the canonical store writer the orchestrator invokes
// before any fan-out.
//
// The adapter set is closed and versioned: new backends are added by
// implementing Adapter and registering in the static registry read at
// startup. There is no runtime discovery.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kestrelmem/kestrel/pkg/types"
)

// Kind classifies an adapter for rollout and consent decisions.
type Kind string

// Adapter kind constants
const (
	// KindEnrichment covers backends that derive further signal from turn
	// content (embedding, memory SDK). Excluded when the user has not
	// consented to enrichment, regardless of rollout mode.
	KindEnrichment Kind = "enrichment"

	// KindQueue covers broker/cache publish backends.
	KindQueue Kind = "queue"
)

// Well-known adapter names.
const (
	NameEnrichment = "enrichment"
	NameQueue      = "queue"
)

// Adapter is implemented once per backend. Write must be idempotent under
// at-least-once re-invocation with the same fingerprint: implementations
// either use upstream dedup keys or tolerate duplicate writes as no-ops.
//
// Write never returns an error directly; failures are classified into the
// result's Outcome so the sweeper knows whether a re-attempt is worthwhile
// (retryable) or pointless (permanent).
type Adapter interface {
	// Name returns the stable adapter name used in fan-out status rows,
	// metrics labels, and telemetry spans.
	Name() string

	// Kind classifies the adapter for rollout/consent decisions.
	Kind() Kind

	// Write delivers one redacted turn. The turn's Fingerprint is the
	// dedup key. Implementations own their internal retry/backoff within
	// the caller's context deadline.
	Write(ctx context.Context, turn types.RedactedTurn) types.AdapterResult
}

// Registry is the static adapter table read at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Registering a duplicate name is a wiring bug and
// returns an error rather than silently replacing the earlier adapter.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; exists {
		return fmt.Errorf("adapter %q already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

// Get returns the adapter with the given name, or nil if unknown.
func (r *Registry) Get(name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// Names returns all registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
