// Package telemetry integrates engine events with structured logging,
// metrics, and tracing. The interfaces are intentionally small so tests can
// supply lightweight stubs instead of a real OpenTelemetry pipeline.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the engine.
// Implementations typically delegate to Clue but the interface stays small so
// unit tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for engine instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// StageTelemetry captures observability metadata collected during one
// DeepThink/UltraThink stage call. Extra holds stage-specific data (cache key,
// fingerprint, response id) that does not warrant a dedicated field.
type StageTelemetry struct {
	// Stage names the engine stage this call belongs to (initial, verification,
	// correction, improvement, summary, planning, agent_config, synthesis).
	Stage string
	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64
	// Provider and Model identify which adapter and underlying model served
	// the call.
	Provider string
	Model    string
	// Extra holds stage-specific metadata.
	Extra map[string]any
}
