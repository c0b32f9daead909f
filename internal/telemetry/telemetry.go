// Package telemetry records per-commit trace spans. A commit produces one
// parent span plus one child span per adapter write, exported as a single
// record so the whole fan-out tree can be correlated downstream.
//
// Trace records carry identifiers and timings only, never turn content.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Exporter receives completed commit traces. Implementations must be safe
// for concurrent use.
type Exporter interface {
	// Export writes one trace record to the configured destination.
	Export(ctx context.Context, record *CommitTrace) error

	// Close flushes buffered records. Called during graceful shutdown.
	Close() error
}

// CommitTrace is the exported record for one commit.
type CommitTrace struct {
	// TraceID correlates this commit across log lines and events.
	TraceID string `json:"traceId"`

	// SessionID and SequenceNumber identify the turn without its content.
	SessionID      string `json:"sessionId"`
	SequenceNumber int64  `json:"sequenceNumber"`

	// UserHash is a hash of the user identifier; the raw ID stays out of
	// exported traces.
	UserHash string `json:"userHash,omitempty"`

	// Mode is the rollout mode the commit ran under.
	Mode string `json:"mode,omitempty"`

	// ActiveAdapters lists the adapters the commit fanned out to.
	ActiveAdapters []string `json:"activeAdapters,omitempty"`

	// Fingerprint is the turn's idempotency key.
	Fingerprint string `json:"fingerprint,omitempty"`

	// StartedAt is the commit start time.
	StartedAt time.Time `json:"startedAt"`

	// DurationMs is total commit duration in milliseconds.
	DurationMs int64 `json:"durationMs"`

	// Status mirrors the commit result status.
	Status string `json:"status"`

	// Spans holds one entry per adapter write within this commit.
	Spans []AdapterSpan `json:"spans,omitempty"`
}

// AdapterSpan records one adapter write inside a commit.
type AdapterSpan struct {
	SpanID      string `json:"spanId"`
	AdapterName string `json:"adapterName"`
	DurationMs  int64  `json:"durationMs"`
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
}

// Recorder accumulates spans for one in-flight commit. Not safe for
// concurrent use; the orchestrator collects adapter results before
// recording them.
type Recorder struct {
	trace CommitTrace
	start time.Time
}

// NewRecorder starts a trace for one commit.
func NewRecorder(sessionID string, sequenceNumber int64) *Recorder {
	now := time.Now()
	return &Recorder{
		trace: CommitTrace{
			TraceID:        uuid.NewString(),
			SessionID:      sessionID,
			SequenceNumber: sequenceNumber,
			StartedAt:      now,
		},
		start: now,
	}
}

// TraceID returns the commit's correlation ID.
func (r *Recorder) TraceID() string { return r.trace.TraceID }

// SetFingerprint attaches the idempotency key once redaction produced it.
func (r *Recorder) SetFingerprint(fp string) { r.trace.Fingerprint = fp }

// SetUser records a hash of the user identifier.
func (r *Recorder) SetUser(userID string) {
	sum := sha256.Sum256([]byte(userID))
	r.trace.UserHash = hex.EncodeToString(sum[:8])
}

// SetRollout records the rollout decision the commit ran under.
func (r *Recorder) SetRollout(mode string, activeAdapters []string) {
	r.trace.Mode = mode
	r.trace.ActiveAdapters = activeAdapters
}

// AddSpan records one adapter write.
func (r *Recorder) AddSpan(adapterName string, duration time.Duration, outcome string, errMsg string) {
	r.trace.Spans = append(r.trace.Spans, AdapterSpan{
		SpanID:      uuid.NewString(),
		AdapterName: adapterName,
		DurationMs:  duration.Milliseconds(),
		Outcome:     outcome,
		Error:       errMsg,
	})
}

// Finish closes the trace with the final commit status and returns the
// completed record.
func (r *Recorder) Finish(status string) *CommitTrace {
	r.trace.Status = status
	r.trace.DurationMs = time.Since(r.start).Milliseconds()
	return &r.trace
}
