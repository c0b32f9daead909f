package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrelmem/kestrel/internal/adapter"
	"github.com/kestrelmem/kestrel/internal/observability"
	"github.com/kestrelmem/kestrel/internal/redact"
	"github.com/kestrelmem/kestrel/internal/rollout"
	"github.com/kestrelmem/kestrel/internal/storage/sqlite"
	"github.com/kestrelmem/kestrel/pkg/types"
)

// recordingAdapter counts writes and returns a configurable outcome.
type recordingAdapter struct {
	name    string
	kind    adapter.Kind
	outcome types.AdapterOutcome
	err     error
	delay   time.Duration

	mu     sync.Mutex
	writes []types.RedactedTurn
}

func (r *recordingAdapter) Name() string       { return r.name }
func (r *recordingAdapter) Kind() adapter.Kind { return r.kind }

func (r *recordingAdapter) Write(ctx context.Context, turn types.RedactedTurn) types.AdapterResult {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return types.AdapterResult{
				AdapterName: r.name,
				Fingerprint: turn.Fingerprint,
				Outcome:     types.OutcomeRetryableFailure,
				Err:         ctx.Err(),
			}
		}
	}
	r.mu.Lock()
	r.writes = append(r.writes, turn)
	r.mu.Unlock()
	return types.AdapterResult{
		AdapterName: r.name,
		Fingerprint: turn.Fingerprint,
		Outcome:     r.outcome,
		Err:         r.err,
	}
}

func (r *recordingAdapter) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

type env struct {
	orch       *Orchestrator
	store      *sqlite.Store
	enrichment *recordingAdapter
	queue      *recordingAdapter
	controller *rollout.Controller
}

func newEnv(t *testing.T, mutate func(*rollout.State)) *env {
	t.Helper()

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "kestrel.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	enrichment := &recordingAdapter{name: adapter.NameEnrichment, kind: adapter.KindEnrichment, outcome: types.OutcomeSuccess}
	queue := &recordingAdapter{name: adapter.NameQueue, kind: adapter.KindQueue, outcome: types.OutcomeSuccess}
	registry := adapter.NewRegistry()
	for _, a := range []adapter.Adapter{enrichment, queue} {
		if err := registry.Register(a); err != nil {
			t.Fatal(err)
		}
	}

	state := rollout.DefaultState()
	state.Mode = types.ModeCutover
	state.ActiveAdapters = []string{adapter.NameEnrichment, adapter.NameQueue}
	state.DefaultConsent = true
	state.AdapterTimeout = 500 * time.Millisecond
	if mutate != nil {
		mutate(state)
	}
	controller, err := rollout.NewController(state, registry)
	if err != nil {
		t.Fatal(err)
	}

	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "kestrel_test")
	orch, err := New(store, registry, controller, redact.New(), metrics, Options{})
	if err != nil {
		t.Fatal(err)
	}
	return &env{orch: orch, store: store, enrichment: enrichment, queue: queue, controller: controller}
}

func intent(session string, seq int64, content string) types.MemoryIntent {
	return types.MemoryIntent{
		SessionID:      session,
		UserID:         "user-1",
		SequenceNumber: seq,
		Role:           types.RoleUser,
		RawContent:     content,
		OccurredAt:     time.Now(),
	}
}

func TestCommitHappyPath(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	result, err := e.orch.Commit(ctx, intent("sess-1", 1, "hello there"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if result.Status != types.CommitSucceeded {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Duplicate {
		t.Error("fresh commit flagged duplicate")
	}
	if len(result.AdapterResults) != 2 {
		t.Fatalf("adapter results = %d, want 2", len(result.AdapterResults))
	}

	record, err := e.store.Get(ctx, result.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if record.Content != "hello there" {
		t.Errorf("content = %q", record.Content)
	}
	for name, st := range record.FanoutStatus {
		if st != types.FanoutSucceeded {
			t.Errorf("fanout %s = %s, want succeeded", name, st)
		}
	}
}

func TestCommitValidationRejections(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	cases := []struct {
		name    string
		intent  types.MemoryIntent
		wantErr error
	}{
		{"empty content", intent("s", 1, "   "), types.ErrEmptyContent},
		{"missing session", intent("", 1, "hi"), types.ErrMissingSession},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := e.orch.Commit(ctx, tc.intent)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
			if result.Status != types.CommitRejected {
				t.Errorf("status = %s", result.Status)
			}
		})
	}

	bad := intent("s", 1, "hi")
	bad.Role = "moderator"
	if _, err := e.orch.Commit(ctx, bad); !errors.Is(err, types.ErrUnknownRole) {
		t.Errorf("err = %v, want ErrUnknownRole", err)
	}

	if e.enrichment.writeCount() != 0 {
		t.Error("rejected intents reached an adapter")
	}
}

func TestCommitIdempotentDuplicate(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	first, err := e.orch.Commit(ctx, intent("sess-1", 1, "same turn"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.orch.Commit(ctx, intent("sess-1", 1, "same turn"))
	if err != nil {
		t.Fatal(err)
	}

	if second.Fingerprint != first.Fingerprint {
		t.Error("fingerprints differ for identical turns")
	}
	if !second.Duplicate {
		t.Error("duplicate not flagged")
	}
	if second.Status != types.CommitSucceeded {
		t.Errorf("duplicate status = %s", second.Status)
	}
	if got := e.queue.writeCount(); got != 1 {
		t.Errorf("queue writes = %d, want 1 (no double fan-out)", got)
	}
}

func TestCommitConcurrentSameTurn(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make([]types.CommitResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := e.orch.Commit(ctx, intent("sess-c", 3, "raced turn"))
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		if !r.Duplicate {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("fresh commits = %d, want exactly 1", fresh)
	}
	if got := e.queue.writeCount(); got != 1 {
		t.Errorf("queue writes = %d, want 1", got)
	}
}

func TestCommitRejectsSequenceRegression(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	if _, err := e.orch.Commit(ctx, intent("sess-1", 5, "turn five")); err != nil {
		t.Fatal(err)
	}

	result, err := e.orch.Commit(ctx, intent("sess-1", 4, "stale turn"))
	var oooErr *types.OutOfOrderError
	if !errors.As(err, &oooErr) {
		t.Fatalf("err = %v, want OutOfOrderError", err)
	}
	if result.Status != types.CommitRejected {
		t.Errorf("status = %s", result.Status)
	}
	if oooErr.Got != 4 || oooErr.HighWater != 5 {
		t.Errorf("error detail = %+v", oooErr)
	}

	// Equal sequence passes through; dedup happens at the fingerprint.
	if _, err := e.orch.Commit(ctx, intent("sess-1", 5, "turn five")); err != nil {
		t.Errorf("equal sequence rejected: %v", err)
	}
}

func TestCommitSeedsHighWaterFromStore(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	if _, err := e.orch.Commit(ctx, intent("sess-persist", 9, "turn nine")); err != nil {
		t.Fatal(err)
	}

	// A fresh orchestrator over the same store must still see the mark.
	registry := adapter.NewRegistry()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "kestrel_test2")
	orch2, err := New(e.store, registry, e.controller, redact.New(), metrics, Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = orch2.Commit(ctx, intent("sess-persist", 2, "stale"))
	var oooErr *types.OutOfOrderError
	if !errors.As(err, &oooErr) {
		t.Fatalf("err = %v, want OutOfOrderError from store-seeded mark", err)
	}
}

func TestCommitRedactsBeforeFanout(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	result, err := e.orch.Commit(ctx, intent("sess-1", 1, "reach me at ada@example.com please"))
	if err != nil {
		t.Fatal(err)
	}

	record, err := e.store.Get(ctx, result.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(record.Content, "ada@example.com") {
		t.Error("raw email persisted to canonical store")
	}
	if !strings.Contains(record.Content, "[REDACTED_EMAIL]") {
		t.Errorf("content = %q, want email mask", record.Content)
	}

	for _, turn := range e.enrichment.writes {
		if strings.Contains(turn.Content, "ada@example.com") {
			t.Error("raw email reached enrichment adapter")
		}
	}
}

func TestCommitFailClosedOnRedactionError(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	// A rule with a nil pattern panics inside the redactor, which converts
	// it to a RedactionError.
	broken := redact.NewWithRules([]redact.Rule{{Tag: types.RedactionEmail, Mask: "[X]"}})
	registry := adapter.NewRegistry()
	if err := registry.Register(e.queue); err != nil {
		t.Fatal(err)
	}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "kestrel_test3")
	orch, err := New(e.store, registry, e.controller, broken, metrics, Options{})
	if err != nil {
		t.Fatal(err)
	}

	result, err := orch.Commit(ctx, intent("sess-r", 1, "sensitive text"))
	var redErr *types.RedactionError
	if !errors.As(err, &redErr) {
		t.Fatalf("err = %v, want RedactionError", err)
	}
	if result.Status != types.CommitRejected {
		t.Errorf("status = %s", result.Status)
	}
	if _, ok, _ := e.store.SessionHighWater(ctx, "sess-r"); ok {
		t.Error("rejected turn reached the canonical store")
	}
}

func TestCommitSucceedsDespiteAdapterFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.queue.outcome = types.OutcomeRetryableFailure
	e.queue.err = errors.New("broker unavailable")
	ctx := context.Background()

	result, err := e.orch.Commit(ctx, intent("sess-1", 1, "durable regardless"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if result.Status != types.CommitSucceeded {
		t.Fatalf("status = %s, want succeeded despite fan-out failure", result.Status)
	}

	record, err := e.store.Get(ctx, result.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if record.FanoutStatus[adapter.NameQueue] != types.FanoutFailed {
		t.Errorf("queue state = %s, want failed", record.FanoutStatus[adapter.NameQueue])
	}
	if record.FanoutStatus[adapter.NameEnrichment] != types.FanoutSucceeded {
		t.Errorf("enrichment state = %s, want succeeded", record.FanoutStatus[adapter.NameEnrichment])
	}
}

func TestCommitSlowAdapterReportedRetryable(t *testing.T) {
	e := newEnv(t, func(s *rollout.State) {
		s.AdapterTimeout = 100 * time.Millisecond
	})
	e.queue.delay = 2 * time.Second
	ctx := context.Background()

	result, err := e.orch.Commit(ctx, intent("sess-1", 1, "slow backend"))
	if err != nil {
		t.Fatal(err)
	}

	var queueOutcome types.AdapterOutcome
	for _, r := range result.AdapterResults {
		if r.AdapterName == adapter.NameQueue {
			queueOutcome = r.Outcome
		}
	}
	if queueOutcome != types.OutcomeRetryableFailure {
		t.Errorf("slow adapter outcome = %s, want retryable", queueOutcome)
	}
}

func TestCommitPermanentFailureGoesTerminal(t *testing.T) {
	e := newEnv(t, nil)
	e.queue.outcome = types.OutcomePermanentFailure
	e.queue.err = errors.New("payload rejected")
	ctx := context.Background()

	result, err := e.orch.Commit(ctx, intent("sess-1", 1, "unacceptable payload"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if result.Status != types.CommitSucceeded {
		t.Fatalf("status = %s", result.Status)
	}

	record, err := e.store.Get(ctx, result.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if record.FanoutStatus[adapter.NameQueue] != types.FanoutRetriesExhausted {
		t.Fatalf("queue state = %s, want retries_exhausted", record.FanoutStatus[adapter.NameQueue])
	}

	// The entry must never surface to the sweeper's scan.
	retryable, err := e.store.ListRetryable(ctx, 10, time.Now().Add(-time.Minute), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(retryable) != 0 {
		t.Errorf("permanently failed entry still retryable: %+v", retryable)
	}
	if got := e.queue.writeCount(); got != 1 {
		t.Errorf("queue writes = %d, want 1 (no automatic retry)", got)
	}
}

func TestCommitReturnsPromptlyOnCallerCancel(t *testing.T) {
	e := newEnv(t, func(s *rollout.State) {
		s.AdapterTimeout = 10 * time.Second
	})
	e.queue.delay = 600 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	started := time.Now()
	result, err := e.orch.Commit(ctx, intent("sess-1", 1, "caller gone"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("Commit blocked %v after caller cancel", elapsed)
	}
	if result.Status != types.CommitSucceeded {
		t.Fatalf("status = %s, want succeeded (write was durable)", result.Status)
	}

	var queueOutcome types.AdapterOutcome
	for _, r := range result.AdapterResults {
		if r.AdapterName == adapter.NameQueue {
			queueOutcome = r.Outcome
		}
	}
	if queueOutcome != types.OutcomeRetryableFailure {
		t.Errorf("in-flight adapter outcome = %s, want retryable", queueOutcome)
	}

	// The detached goroutine still records the real outcome.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		record, err := e.store.Get(context.Background(), result.Fingerprint)
		if err != nil {
			t.Fatal(err)
		}
		if record.FanoutStatus[adapter.NameQueue] == types.FanoutSucceeded {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("real queue outcome never recorded after early return")
}

func TestCommitDisabledModeSkipsFanout(t *testing.T) {
	e := newEnv(t, func(s *rollout.State) {
		s.Mode = types.ModeDisabled
		s.ActiveAdapters = nil
	})
	ctx := context.Background()

	result, err := e.orch.Commit(ctx, intent("sess-1", 1, "canonical only"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != types.CommitSucceeded {
		t.Errorf("status = %s", result.Status)
	}
	if len(result.AdapterResults) != 0 {
		t.Errorf("adapter results = %v, want none in disabled mode", result.AdapterResults)
	}
	if e.enrichment.writeCount()+e.queue.writeCount() != 0 {
		t.Error("adapters written in disabled mode")
	}
}

func TestCommitConsentSkipsEnrichment(t *testing.T) {
	e := newEnv(t, func(s *rollout.State) {
		s.PerUserConsent = map[string]bool{"user-1": false}
	})
	ctx := context.Background()

	result, err := e.orch.Commit(ctx, intent("sess-1", 1, "no enrichment please"))
	if err != nil {
		t.Fatal(err)
	}
	if e.enrichment.writeCount() != 0 {
		t.Error("enrichment written for a consent=false user")
	}
	if e.queue.writeCount() != 1 {
		t.Error("queue skipped for a consent=false user")
	}

	record, err := e.store.Get(ctx, result.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if _, present := record.FanoutStatus[adapter.NameEnrichment]; present {
		t.Error("enrichment fan-out row seeded despite consent=false")
	}
}

type fakeLegacy struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeLegacy) Commit(ctx context.Context, intent types.MemoryIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeLegacy) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCommitShadowDispatchesLegacy(t *testing.T) {
	legacy := &fakeLegacy{}

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "kestrel.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := adapter.NewRegistry()
	state := rollout.DefaultState()
	state.Mode = types.ModeShadow
	state.ShadowSampleRate = 1 // sample everyone
	state.DefaultConsent = true
	controller, err := rollout.NewController(state, registry)
	if err != nil {
		t.Fatal(err)
	}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "kestrel_shadow")
	orch, err := New(store, registry, controller, redact.New(), metrics, Options{Legacy: legacy})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := orch.Commit(context.Background(), intent("sess-1", 1, "shadowed turn")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if legacy.callCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("legacy path never invoked for a sampled shadow commit")
}
