package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/kestrelmem/kestrel/pkg/types"
)

// RetryableHTTPStatus classifies retryable HTTP status codes. Rate limiting
// and 5xx-class responses are worth re-attempting; everything else in the
// error range (auth, malformed payload) is permanent.
func RetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ClassifyHTTPStatus maps an HTTP response status to an adapter outcome.
func ClassifyHTTPStatus(code int) types.AdapterOutcome {
	if code >= 200 && code < 300 {
		return types.OutcomeSuccess
	}
	if RetryableHTTPStatus(code) {
		return types.OutcomeRetryableFailure
	}
	return types.OutcomePermanentFailure
}

// ClassifyError maps a transport-level error to an adapter outcome.
// Timeouts, cancellations, and connection failures are transient.
func ClassifyError(err error) types.AdapterOutcome {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.OutcomeRetryableFailure
	}
	// Anything else at the transport level (refused connection, reset, DNS)
	// is also transient from the pipeline's point of view.
	return types.OutcomeRetryableFailure
}

// result is a small helper shared by adapter implementations.
func result(name, fingerprint string, outcome types.AdapterOutcome, started time.Time, err error) types.AdapterResult {
	return types.AdapterResult{
		AdapterName: name,
		Fingerprint: fingerprint,
		Outcome:     outcome,
		Latency:     time.Since(started),
		Err:         err,
	}
}
