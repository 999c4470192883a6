package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// runtimeLogger delegates to goa.design/clue/log, reading formatting and
// debug settings from the context (set via log.Context and
// log.WithFormat/log.WithDebug).
type runtimeLogger struct{}

// otelInstruments backs both Metrics and Tracer off one instrumentation
// scope, so a deployment wires counters, timers, and spans from a single
// named meter/tracer pair instead of two independently-scoped ones.
type otelInstruments struct {
	meter  metric.Meter
	tracer trace.Tracer
}

// otelSpan wraps one in-flight OTEL span.
type otelSpan struct {
	span trace.Span
}

// NewRuntimeTelemetry builds the production Logger, Metrics, and Tracer for
// one instrumentation scope name (conventionally the module path, e.g.
// "thinkserver/engine"). Metrics and tracing read off the globally configured
// OTEL providers; configure those via clue.ConfigureOpenTelemetry (or
// otel.Set*Provider directly) before issuing engine calls.
func NewRuntimeTelemetry(scope string) (Logger, Metrics, Tracer) {
	instruments := &otelInstruments{meter: otel.Meter(scope), tracer: otel.Tracer(scope)}
	return runtimeLogger{}, instruments, instruments
}

func (runtimeLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToFielders(keyvals)...)...)
}

func (runtimeLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToFielders(keyvals)...)...)
}

func (runtimeLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	fielders := append([]log.Fielder{log.KV{K: "msg", V: msg}, log.KV{K: "severity", V: "warning"}}, kvToFielders(keyvals)...)
	log.Warn(ctx, fielders...)
}

func (runtimeLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToFielders(keyvals)...)...)
}

func (o *otelInstruments) IncCounter(name string, value float64, tags ...string) {
	counter, err := o.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (o *otelInstruments) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := o.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

func (o *otelInstruments) RecordGauge(name string, value float64, tags ...string) {
	// OTEL has no synchronous gauge instrument; a histogram under a
	// distinguishing suffix is the closest analog.
	histogram, err := o.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (o *otelInstruments) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := o.tracer.Start(ctx, name, opts...)
	return newCtx, &otelSpan{span: span}
}

func (o *otelInstruments) Span(ctx context.Context) Span {
	return &otelSpan{span: trace.SpanFromContext(ctx)}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvToAttrs(attrs)...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) { s.span.SetStatus(code, description) }

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) { s.span.RecordError(err, opts...) }

// kvToFielders converts variadic key-value pairs (k1, v1, k2, v2, ...) into
// Clue's log.Fielder slice. A non-string key is skipped; a trailing odd key
// is paired with nil.
func kvToFielders(keyvals []any) []log.Fielder {
	var fielders []log.Fielder
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var value any
		if i+1 < len(keyvals) {
			value = keyvals[i+1]
		}
		fielders = append(fielders, log.KV{K: key, V: value})
	}
	return fielders
}

// tagsToAttrs converts tag strings (k1, v1, k2, v2, ...) into OTEL attributes
// for metrics dimensions.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		value := ""
		if i+1 < len(tags) {
			value = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], value))
	}
	return attrs
}

// kvToAttrs converts variadic key-value pairs (k1, v1, k2, v2, ...) into OTEL
// attributes for span events, picking the attribute constructor from the
// value's dynamic type.
func kvToAttrs(keyvals []any) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(keyvals); i += 2 {
		key, _ := keyvals[i].(string)
		var value any
		if i+1 < len(keyvals) {
			value = keyvals[i+1]
		}
		switch v := value.(type) {
		case string:
			attrs = append(attrs, attribute.String(key, v))
		case int:
			attrs = append(attrs, attribute.Int(key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		default:
			attrs = append(attrs, attribute.String(key, ""))
		}
	}
	return attrs
}
