// Package orchestrator implements the commit path for conversational turns:
// validate, order-check, redact, fingerprint, durable canonical write, then
// concurrent fan-out to the active non-canonical adapters.
//
// The canonical write is the durability boundary. Everything after it is
// best-effort within the commit: fan-out failures are recorded per adapter
// and left to the retry sweeper, never surfaced as commit failures.
package orchestrator

import (
	"context"
	"log"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kestrelmem/kestrel/internal/adapter"
	"github.com/kestrelmem/kestrel/internal/events"
	"github.com/kestrelmem/kestrel/internal/fingerprint"
	"github.com/kestrelmem/kestrel/internal/observability"
	"github.com/kestrelmem/kestrel/internal/redact"
	"github.com/kestrelmem/kestrel/internal/rollout"
	"github.com/kestrelmem/kestrel/internal/storage"
	"github.com/kestrelmem/kestrel/internal/telemetry"
	"github.com/kestrelmem/kestrel/pkg/types"
)

// LegacyCommitter is the pre-existing write path that shadow mode compares
// against. Implementations receive the raw intent; the legacy path has its
// own redaction story.
type LegacyCommitter interface {
	Commit(ctx context.Context, intent types.MemoryIntent) error
}

// statusCASTimeout bounds fan-out status writes, which use a background
// context so a caller hangup cannot lose a recorded outcome.
const statusCASTimeout = 5 * time.Second

// sessionCacheSize bounds the in-memory high-water mark cache. Evicted
// sessions are re-seeded from the store on next use.
const sessionCacheSize = 8192

// Orchestrator coordinates the commit pipeline.
type Orchestrator struct {
	store     storage.CanonicalStore
	canonical *adapter.Canonical
	registry  *adapter.Registry
	rollout   *rollout.Controller
	redactor  *redact.Redactor
	metrics   *observability.Metrics
	exporter  telemetry.Exporter
	hub       *events.Hub
	legacy    LegacyCommitter

	seq *sequenceGuard
}

// Options carries optional collaborators. Nil fields disable the concern.
type Options struct {
	// Exporter receives commit traces. Defaults to the log exporter.
	Exporter telemetry.Exporter

	// Hub, when set, receives fan-out lifecycle events.
	Hub *events.Hub

	// Legacy, when set, is invoked asynchronously for shadow-sampled
	// commits so outcomes can be compared.
	Legacy LegacyCommitter
}

// New creates an orchestrator.
func New(store storage.CanonicalStore, registry *adapter.Registry, ctrl *rollout.Controller, redactor *redact.Redactor, metrics *observability.Metrics, opts Options) (*Orchestrator, error) {
	guard, err := newSequenceGuard(store, sessionCacheSize)
	if err != nil {
		return nil, err
	}
	exporter := opts.Exporter
	if exporter == nil {
		exporter = telemetry.NewLogExporter()
	}
	return &Orchestrator{
		store:     store,
		canonical: adapter.NewCanonical(store),
		registry:  registry,
		rollout:   ctrl,
		redactor:  redactor,
		metrics:   metrics,
		exporter:  exporter,
		hub:       opts.Hub,
		legacy:    opts.Legacy,
		seq:       guard,
	}, nil
}

// Commit runs the full pipeline for one intent. The returned error is
// non-nil exactly when the result status is rejected or failed; a succeeded
// commit may still carry failed adapter results, which the sweeper owns.
func (o *Orchestrator) Commit(ctx context.Context, intent types.MemoryIntent) (types.CommitResult, error) {
	rec := telemetry.NewRecorder(intent.SessionID, intent.SequenceNumber)
	started := time.Now()

	finish := func(result types.CommitResult, err error) (types.CommitResult, error) {
		o.metrics.ObserveCommit(string(result.Status), time.Since(started))
		trace := rec.Finish(string(result.Status))
		exportCtx, cancel := context.WithTimeout(context.Background(), statusCASTimeout)
		defer cancel()
		if exportErr := o.exporter.Export(exportCtx, trace); exportErr != nil {
			log.Printf("orchestrator: trace export failed: %v", exportErr)
		}
		return result, err
	}

	if err := validate(intent); err != nil {
		return finish(types.CommitResult{Status: types.CommitRejected}, err)
	}

	if err := o.seq.check(ctx, intent.SessionID, intent.SequenceNumber); err != nil {
		return finish(types.CommitResult{Status: types.CommitRejected}, err)
	}

	turn, err := o.redactor.Redact(intent)
	if err != nil {
		// Fail closed: an intent that cannot be redacted is never written
		// anywhere, canonical store included.
		return finish(types.CommitResult{Status: types.CommitRejected}, err)
	}
	turn.Fingerprint = fingerprint.Key(turn.SessionID, turn.SequenceNumber, turn.Content)
	rec.SetFingerprint(turn.Fingerprint)
	rec.SetUser(intent.UserID)

	decision := o.rollout.Resolve(intent.UserID)
	rec.SetRollout(string(decision.Mode), decision.ActiveAdapters)

	state := o.rollout.Current()
	insertCtx, cancel := context.WithTimeout(ctx, state.CanonicalTimeout)
	inserted, err := o.canonical.Insert(insertCtx, turn, decision.ActiveAdapters)
	cancel()
	if err != nil {
		werr := &types.CanonicalWriteError{Fingerprint: turn.Fingerprint, Err: err}
		return finish(types.CommitResult{Status: types.CommitFailed}, werr)
	}
	o.seq.advance(intent.SessionID, intent.SequenceNumber)

	if o.hub != nil {
		ev := events.NewEvent(events.TypeCommitted)
		ev.SessionID = turn.SessionID
		ev.Fingerprint = turn.Fingerprint
		ev.Mode = string(decision.Mode)
		o.hub.Publish(ev)
	}

	result := types.CommitResult{
		Status:      types.CommitSucceeded,
		Fingerprint: turn.Fingerprint,
		Duplicate:   !inserted,
	}

	// A duplicate insert means an earlier commit already owns the fan-out
	// for this fingerprint; re-dispatching would double-write.
	if inserted && len(decision.ActiveAdapters) > 0 {
		result.AdapterResults = o.fanout(ctx, turn, decision.ActiveAdapters, state.AdapterTimeout, rec)
	}

	o.dispatchShadow(decision, intent, result)

	return finish(result, nil)
}

// fanout dispatches one goroutine per adapter and collects results until
// every adapter reports, the deadline passes, or the caller hangs up. A
// straggler is reported retryable; its goroutine still records the real
// outcome when it returns.
func (o *Orchestrator) fanout(ctx context.Context, turn types.RedactedTurn, names []string, timeout time.Duration, rec *telemetry.Recorder) []types.AdapterResult {
	resultCh := make(chan types.AdapterResult, len(names))
	dispatched := make([]string, 0, len(names))

	for _, name := range names {
		a := o.registry.Get(name)
		if a == nil {
			log.Printf("orchestrator: adapter %q not registered, leaving pending", name)
			continue
		}
		dispatched = append(dispatched, name)
		go func(a adapter.Adapter) {
			writeCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			res := a.Write(writeCtx, turn)
			o.recordFanout(turn, res, "commit")
			resultCh <- res
		}(a)
	}

	results := make([]types.AdapterResult, 0, len(dispatched))
	seen := make(map[string]bool, len(dispatched))
	deadline := time.NewTimer(timeout + 500*time.Millisecond)
	defer deadline.Stop()

	for len(results) < len(dispatched) {
		select {
		case res := <-resultCh:
			seen[res.AdapterName] = true
			results = append(results, res)
			rec.AddSpan(res.AdapterName, res.Latency, string(res.Outcome), errString(res.Err))
		case <-ctx.Done():
			// The caller hung up. The canonical write is already durable,
			// so stop waiting; in-flight goroutines still record outcomes.
			return stragglers(results, seen, dispatched, turn, timeout, rec, ctx.Err())
		case <-deadline.C:
			return stragglers(results, seen, dispatched, turn, timeout, rec, context.DeadlineExceeded)
		}
	}
	return results
}

// stragglers marks every dispatched adapter that has not reported yet as
// retryable. Their goroutines keep running on the background context and
// record the real outcome when they return.
func stragglers(results []types.AdapterResult, seen map[string]bool, dispatched []string, turn types.RedactedTurn, timeout time.Duration, rec *telemetry.Recorder, cause error) []types.AdapterResult {
	for _, name := range dispatched {
		if seen[name] {
			continue
		}
		res := types.AdapterResult{
			AdapterName: name,
			Fingerprint: turn.Fingerprint,
			Outcome:     types.OutcomeRetryableFailure,
			Latency:     timeout,
			Err:         cause,
		}
		results = append(results, res)
		rec.AddSpan(name, res.Latency, string(res.Outcome), cause.Error())
	}
	return results
}

// recordFanout applies the CAS status write and emits metrics and events
// for one adapter result. Uses a background context: once an outcome is
// known it must be recorded even if the caller is gone.
func (o *Orchestrator) recordFanout(turn types.RedactedTurn, res types.AdapterResult, phase string) {
	o.metrics.ObserveAdapterWrite(res.AdapterName, string(res.Outcome), res.Latency)

	ctx, cancel := context.WithTimeout(context.Background(), statusCASTimeout)
	defer cancel()
	applied, err := o.store.UpdateFanoutState(ctx, turn.Fingerprint, res.AdapterName, res.FanoutState(), errString(res.Err))
	if err != nil {
		log.Printf("orchestrator: fanout status write failed for %s/%s: %v", shortFP(turn.Fingerprint), res.AdapterName, err)
	} else if !applied {
		// CAS lost: a concurrent writer already advanced this entry, most
		// often a sweeper retry that succeeded first. Success is sticky.
		log.Printf("orchestrator: fanout status for %s/%s superseded", shortFP(turn.Fingerprint), res.AdapterName)
	} else if res.Outcome == types.OutcomePermanentFailure {
		// A permanent failure is not retryable. Mark it terminal now so
		// the sweeper never re-invokes this adapter for the record.
		if _, markErr := o.store.UpdateFanoutState(ctx, turn.Fingerprint, res.AdapterName, types.FanoutRetriesExhausted, ""); markErr != nil {
			log.Printf("orchestrator: terminal mark failed for %s/%s: %v", shortFP(turn.Fingerprint), res.AdapterName, markErr)
		} else {
			o.metrics.RetriesExhausted.WithLabelValues(res.AdapterName).Inc()
			if o.hub != nil {
				ev := events.NewEvent(events.TypeRetriesExhausted)
				ev.SessionID = turn.SessionID
				ev.Fingerprint = turn.Fingerprint
				ev.Adapter = res.AdapterName
				ev.Outcome = string(types.FanoutRetriesExhausted)
				o.hub.Publish(ev)
			}
		}
	}

	if o.hub != nil {
		ev := events.NewEvent(events.TypeFanoutResult)
		ev.SessionID = turn.SessionID
		ev.Fingerprint = turn.Fingerprint
		ev.Adapter = res.AdapterName
		ev.Outcome = string(res.Outcome)
		ev.Detail = phase
		o.hub.Publish(ev)
	}
}

// dispatchShadow asynchronously mirrors a sampled shadow-mode commit to the
// legacy path and compares outcomes. Metrics only; the caller's response is
// already determined.
func (o *Orchestrator) dispatchShadow(decision rollout.Decision, intent types.MemoryIntent, result types.CommitResult) {
	if decision.Mode != types.ModeShadow || !decision.ShadowSampled || o.legacy == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		legacyErr := o.legacy.Commit(ctx, intent)

		ourOK := result.Status == types.CommitSucceeded
		legacyOK := legacyErr == nil
		comparison := "agree"
		if ourOK != legacyOK {
			comparison = "disagree"
			log.Printf("orchestrator: shadow mismatch for session %s seq %d: pipeline=%s legacy_err=%v",
				intent.SessionID, intent.SequenceNumber, result.Status, legacyErr)
		}
		o.metrics.ShadowComparisons.WithLabelValues(comparison).Inc()
	}()
}

func validate(intent types.MemoryIntent) error {
	if strings.TrimSpace(intent.SessionID) == "" {
		return types.ErrMissingSession
	}
	if strings.TrimSpace(intent.RawContent) == "" {
		return types.ErrEmptyContent
	}
	if !intent.Role.IsValid() {
		return types.ErrUnknownRole
	}
	return nil
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

// sequenceGuard enforces per-session ordering with a bounded cache of
// high-water marks, lazily seeded from the store.
type sequenceGuard struct {
	store storage.CanonicalStore
	cache *lru.Cache[string, int64]
}

func newSequenceGuard(store storage.CanonicalStore, size int) (*sequenceGuard, error) {
	cache, err := lru.New[string, int64](size)
	if err != nil {
		return nil, err
	}
	return &sequenceGuard{store: store, cache: cache}, nil
}

// check rejects sequence regressions. An equal sequence number passes
// through: the duplicate is absorbed at the fingerprint instead, since an
// emitter retry legitimately resends the same turn.
func (g *sequenceGuard) check(ctx context.Context, sessionID string, seq int64) error {
	hw, ok := g.cache.Get(sessionID)
	if !ok {
		stored, found, err := g.store.SessionHighWater(ctx, sessionID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		hw = stored
		g.cache.Add(sessionID, hw)
	}
	if seq < hw {
		return &types.OutOfOrderError{SessionID: sessionID, Got: seq, HighWater: hw}
	}
	return nil
}

// advance raises the cached high-water mark after a durable write.
func (g *sequenceGuard) advance(sessionID string, seq int64) {
	if hw, ok := g.cache.Get(sessionID); ok && hw >= seq {
		return
	}
	g.cache.Add(sessionID, seq)
}
