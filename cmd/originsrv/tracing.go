package main

import (
	"context"
	"log"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// logSpanExporter writes one log line per ended span. It is enough to see slow
// or failing oracle lookups without running a collector.
type logSpanExporter struct {
	log *log.Logger
}

func (e logSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		line := s.Name() + " " + s.EndTime().Sub(s.StartTime()).Round(time.Microsecond).String()
		for _, kv := range s.Attributes() {
			line += " " + string(kv.Key) + "=" + kv.Value.Emit()
		}
		if st := s.Status(); st.Description != "" {
			line += " status=" + st.Code.String() + ":" + st.Description
		}
		e.log.Printf("trace %s", line)
	}
	return nil
}

func (logSpanExporter) Shutdown(context.Context) error { return nil }

func newTracerProvider(logger *log.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSyncer(logSpanExporter{log: logger}))
}
