// Package sweeper retries failed fan-out writes in the background. It scans
// the canonical store for records with failed adapter entries, re-invokes
// the adapters with exponential backoff, and marks entries that spend their
// retry budget as retries_exhausted.
package sweeper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kestrelmem/kestrel/internal/adapter"
	"github.com/kestrelmem/kestrel/internal/events"
	"github.com/kestrelmem/kestrel/internal/observability"
	"github.com/kestrelmem/kestrel/internal/rollout"
	"github.com/kestrelmem/kestrel/internal/storage"
	"github.com/kestrelmem/kestrel/pkg/types"
)

// scanLimit caps the records examined per sweep.
const scanLimit = 256

// stalePendingWindow is how long a pending entry may sit without a status
// write before the sweeper treats its first attempt as lost, typically to a
// crash between the canonical insert and the fan-out status writes.
const stalePendingWindow = 5 * time.Minute

// Sweeper is the background retry worker. Create with New, then Start;
// Stop blocks until the loop exits.
type Sweeper struct {
	store    storage.CanonicalStore
	registry *adapter.Registry
	rollout  *rollout.Controller
	metrics  *observability.Metrics
	hub      *events.Hub

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
	schedule map[string]time.Time // fp/adapter -> earliest next attempt
}

// New creates a sweeper. hub may be nil.
func New(store storage.CanonicalStore, registry *adapter.Registry, ctrl *rollout.Controller, metrics *observability.Metrics, hub *events.Hub) *Sweeper {
	return &Sweeper{
		store:    store,
		registry: registry,
		rollout:  ctrl,
		metrics:  metrics,
		hub:      hub,
		schedule: make(map[string]time.Time),
	}
}

// Start launches the sweep loop. An immediate first sweep recovers work
// left failed by a previous process before the first interval elapses.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("sweeper already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.loop(loopCtx)
	log.Println("sweeper: started")
	return nil
}

// Stop terminates the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	<-done
	log.Println("sweeper: stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)
	for {
		interval := s.rollout.Current().SweepInterval
		select {
		case <-time.After(interval):
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one scan-and-retry pass. Exported so recovery at startup and
// tests can trigger a pass without waiting out the interval.
func (s *Sweeper) Sweep(ctx context.Context) {
	state := s.rollout.Current()

	// Over-fetch past the budget so entries that already spent it still
	// surface here and get their terminal mark.
	records, err := s.store.ListRetryable(ctx, state.MaxFanoutRetries+1, time.Now().Add(-stalePendingWindow), scanLimit)
	if err != nil {
		log.Printf("sweeper: scan failed: %v", err)
		return
	}

	pending := 0
	for _, record := range records {
		for name, st := range record.FanoutStatus {
			switch st {
			case types.FanoutFailed:
			case types.FanoutPending:
				// Still pending after the window means the recording
				// write never landed; re-drive it like a failure. Fresh
				// pending rows belong to an in-flight commit.
				if time.Since(record.FanoutUpdatedAt[name]) < stalePendingWindow {
					continue
				}
			default:
				continue
			}
			pending++
			s.retry(ctx, record, name, state)
			if ctx.Err() != nil {
				return
			}
		}
	}
	s.metrics.PendingFanouts.Set(float64(pending))
}

func (s *Sweeper) retry(ctx context.Context, record *types.CanonicalRecord, name string, state *rollout.State) {
	attempts := record.FanoutAttempts[name]
	key := record.Fingerprint + "/" + name

	if attempts >= state.MaxFanoutRetries {
		s.exhaust(ctx, record, name, attempts)
		return
	}

	s.mu.Lock()
	next, scheduled := s.schedule[key]
	s.mu.Unlock()
	if scheduled && time.Now().Before(next) {
		return
	}

	a := s.registry.Get(name)
	if a == nil {
		log.Printf("sweeper: adapter %q not registered, skipping %s", name, shortFP(record.Fingerprint))
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, state.AdapterTimeout)
	res := a.Write(writeCtx, record.Turn())
	cancel()

	s.metrics.SweeperRetries.WithLabelValues(name, string(res.Outcome)).Inc()
	s.publish(events.TypeFanoutResult, record, name, string(res.Outcome), "sweep")

	switch res.Outcome {
	case types.OutcomeSuccess:
		s.recordState(ctx, record.Fingerprint, name, types.FanoutSucceeded, "")
		s.forget(key)

	case types.OutcomeRetryableFailure:
		s.recordState(ctx, record.Fingerprint, name, types.FanoutFailed, errString(res.Err))
		if attempts+1 >= state.MaxFanoutRetries {
			s.exhaust(ctx, record, name, attempts+1)
			return
		}
		delay := backoff(attempts, state.RetryBaseBackoff, state.RetryMaxBackoff)
		s.mu.Lock()
		s.schedule[key] = time.Now().Add(delay)
		s.mu.Unlock()

	case types.OutcomePermanentFailure:
		// No amount of retrying fixes a permanent failure; record it and
		// go terminal immediately.
		s.recordState(ctx, record.Fingerprint, name, types.FanoutFailed, errString(res.Err))
		s.exhaust(ctx, record, name, attempts+1)
	}
}

func (s *Sweeper) exhaust(ctx context.Context, record *types.CanonicalRecord, name string, attempts int) {
	applied, err := s.store.UpdateFanoutState(ctx, record.Fingerprint, name, types.FanoutRetriesExhausted, "")
	if err != nil {
		log.Printf("sweeper: exhaust mark failed for %s/%s: %v", shortFP(record.Fingerprint), name, err)
		return
	}
	if !applied {
		return
	}
	log.Printf("sweeper: retries exhausted for %s/%s after %d attempts", shortFP(record.Fingerprint), name, attempts)
	s.metrics.RetriesExhausted.WithLabelValues(name).Inc()
	s.publish(events.TypeRetriesExhausted, record, name, string(types.FanoutRetriesExhausted), "")
	s.forget(record.Fingerprint + "/" + name)
}

func (s *Sweeper) recordState(ctx context.Context, fp, name string, next types.FanoutState, lastErr string) {
	applied, err := s.store.UpdateFanoutState(ctx, fp, name, next, lastErr)
	if err != nil {
		log.Printf("sweeper: status write failed for %s/%s: %v", shortFP(fp), name, err)
	} else if !applied {
		log.Printf("sweeper: status write for %s/%s superseded", shortFP(fp), name)
	}
}

func (s *Sweeper) publish(t events.EventType, record *types.CanonicalRecord, name, outcome, detail string) {
	if s.hub == nil {
		return
	}
	ev := events.NewEvent(t)
	ev.SessionID = record.SessionID
	ev.Fingerprint = record.Fingerprint
	ev.Adapter = name
	ev.Outcome = outcome
	ev.Detail = detail
	s.hub.Publish(ev)
}

func (s *Sweeper) forget(key string) {
	s.mu.Lock()
	delete(s.schedule, key)
	s.mu.Unlock()
}

// backoff returns the delay before the next attempt: base doubled per prior
// attempt, capped at max.
func backoff(attempts int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
