package scheduler

import "context"

// Tracer starts a span, narrowed to what Tick needs from
// go.opentelemetry.io/otel/trace.Tracer's Start method so this package
// does not need to import the SDK directly (§6 observability: tick-level
// tracing spans).
type Tracer interface {
	Start(ctx context.Context, spanName string) (context.Context, Span)
}

// Span is the narrow lifecycle a tick-level trace span needs.
type Span interface {
	End()
}

// SetTracer installs t, making every subsequent Tick emit one span. A nil
// tracer (the default) makes tracing a no-op.
func (s *Scheduler) SetTracer(t Tracer) { s.tracer = t }
