package adapter

import (
	"context"
	"testing"

	"github.com/kestrelmem/kestrel/pkg/types"
)

// stubAdapter is a minimal Adapter for registry tests.
type stubAdapter struct {
	name string
	kind Kind
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) Kind() Kind   { return s.kind }
func (s *stubAdapter) Write(ctx context.Context, turn types.RedactedTurn) types.AdapterResult {
	return types.AdapterResult{AdapterName: s.name, Fingerprint: turn.Fingerprint, Outcome: types.OutcomeSuccess}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&stubAdapter{name: "queue", kind: KindQueue}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(&stubAdapter{name: "enrichment", kind: KindEnrichment}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if got := r.Get("queue"); got == nil || got.Name() != "queue" {
		t.Errorf("Get(queue) = %v", got)
	}
	if got := r.Get("unknown"); got != nil {
		t.Errorf("Get(unknown) should be nil, got %v", got)
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "enrichment" || names[1] != "queue" {
		t.Errorf("Names() = %v, want sorted [enrichment queue]", names)
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubAdapter{name: "queue", kind: KindQueue}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(&stubAdapter{name: "queue", kind: KindQueue}); err == nil {
		t.Fatal("duplicate registration should fail")
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want types.AdapterOutcome
	}{
		{200, types.OutcomeSuccess},
		{201, types.OutcomeSuccess},
		{204, types.OutcomeSuccess},
		{429, types.OutcomeRetryableFailure},
		{500, types.OutcomeRetryableFailure},
		{502, types.OutcomeRetryableFailure},
		{503, types.OutcomeRetryableFailure},
		{504, types.OutcomeRetryableFailure},
		{400, types.OutcomePermanentFailure},
		{401, types.OutcomePermanentFailure},
		{403, types.OutcomePermanentFailure},
		{404, types.OutcomePermanentFailure},
		{422, types.OutcomePermanentFailure},
	}

	for _, tc := range cases {
		if got := ClassifyHTTPStatus(tc.code); got != tc.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %s, want %s", tc.code, got, tc.want)
		}
	}
}

func TestClassifyErrorIsRetryable(t *testing.T) {
	if got := ClassifyError(context.DeadlineExceeded); got != types.OutcomeRetryableFailure {
		t.Errorf("deadline exceeded should be retryable, got %s", got)
	}
	if got := ClassifyError(context.Canceled); got != types.OutcomeRetryableFailure {
		t.Errorf("cancellation should be retryable, got %s", got)
	}
}
