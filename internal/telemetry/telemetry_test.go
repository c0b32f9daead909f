package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestRecorderBuildsTrace(t *testing.T) {
	r := NewRecorder("sess-1", 7)
	if r.TraceID() == "" {
		t.Fatal("empty trace id")
	}
	r.SetFingerprint("abc123")
	r.SetUser("user-9")
	r.SetRollout("cutover", []string{"enrichment", "queue"})
	r.AddSpan("enrichment", 40*time.Millisecond, "success", "")
	r.AddSpan("queue", 12*time.Millisecond, "retryable_failure", "broker timeout")

	trace := r.Finish("succeeded")
	if trace.SessionID != "sess-1" || trace.SequenceNumber != 7 {
		t.Errorf("identity = %s/%d", trace.SessionID, trace.SequenceNumber)
	}
	if trace.Fingerprint != "abc123" {
		t.Errorf("fingerprint = %s", trace.Fingerprint)
	}
	if trace.UserHash == "" || trace.UserHash == "user-9" {
		t.Errorf("user hash = %q, want hashed value", trace.UserHash)
	}
	if trace.Mode != "cutover" || len(trace.ActiveAdapters) != 2 {
		t.Errorf("rollout attrs = %s/%v", trace.Mode, trace.ActiveAdapters)
	}
	if trace.Status != "succeeded" {
		t.Errorf("status = %s", trace.Status)
	}
	if len(trace.Spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(trace.Spans))
	}
	if trace.Spans[0].SpanID == trace.Spans[1].SpanID {
		t.Error("span ids collide")
	}
	if trace.Spans[1].Error != "broker timeout" {
		t.Errorf("span error = %q", trace.Spans[1].Error)
	}
	if trace.DurationMs < 0 {
		t.Errorf("duration = %d", trace.DurationMs)
	}
}

func TestRecorderDistinctTraceIDs(t *testing.T) {
	a := NewRecorder("s", 1)
	b := NewRecorder("s", 1)
	if a.TraceID() == b.TraceID() {
		t.Error("trace ids collide across commits")
	}
}

func TestLogExporterAcceptsTrace(t *testing.T) {
	e := NewLogExporter()
	trace := NewRecorder("sess", 1).Finish("succeeded")
	if err := e.Export(context.Background(), trace); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
