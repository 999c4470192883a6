package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NoopLogger discards every log call. It's the default a Meter falls back to
// when a deployment wires no Logger.
type NoopLogger struct{}

// NewNoopLogger constructs a Logger that discards all log messages.
func NewNoopLogger() Logger {
	return NoopLogger{}
}

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

// noopInstruments backs both NewNoopMetrics and NewNoopTracer. Meter.RecordStage
// always needs somewhere to write counters, timers, and spans even when no
// observability backend is configured, so one zero-cost type satisfies both
// interfaces instead of two empty structs kept in lockstep.
type noopInstruments struct{}

// NewNoopMetrics constructs a Metrics recorder that discards all metrics.
func NewNoopMetrics() Metrics {
	return noopInstruments{}
}

// NewNoopTracer constructs a Tracer that creates no-op spans.
func NewNoopTracer() Tracer {
	return noopInstruments{}
}

func (noopInstruments) IncCounter(string, float64, ...string)        {}
func (noopInstruments) RecordTimer(string, time.Duration, ...string) {}
func (noopInstruments) RecordGauge(string, float64, ...string)       {}

func (noopInstruments) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopInstruments{}
}

func (noopInstruments) Span(context.Context) Span {
	return noopInstruments{}
}

func (noopInstruments) End(...trace.SpanEndOption)              {}
func (noopInstruments) AddEvent(string, ...any)                 {}
func (noopInstruments) SetStatus(codes.Code, string)            {}
func (noopInstruments) RecordError(error, ...trace.EventOption) {}
