package telemetry

import (
	"context"
	"encoding/json"
	"log"
)

// LogExporter writes traces as single-line JSON to the process log. It is
// the default exporter; heavier backends can replace it behind the same
// interface.
type LogExporter struct{}

// NewLogExporter returns a log-backed exporter.
func NewLogExporter() *LogExporter { return &LogExporter{} }

// Export writes the trace as one log line.
func (e *LogExporter) Export(_ context.Context, record *CommitTrace) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	log.Printf("trace: %s", data)
	return nil
}

// Close is a no-op for the log exporter.
func (e *LogExporter) Close() error { return nil }

// NoopExporter discards traces. Used when tracing is disabled.
type NoopExporter struct{}

// NewNoopExporter returns an exporter that drops every record.
func NewNoopExporter() *NoopExporter { return &NoopExporter{} }

// Export discards the record.
func (e *NoopExporter) Export(context.Context, *CommitTrace) error { return nil }

// Close is a no-op.
func (e *NoopExporter) Close() error { return nil }
