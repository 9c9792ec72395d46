package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type (
	// SlogLogger adapts the standard library's structured logger to Logger.
	// The teacher delegates to goa.design/clue/log, an internal Ant package we
	// do not carry; log/slog is the idiomatic stdlib equivalent and every field
	// passed through keyvals is preserved.
	SlogLogger struct {
		base *slog.Logger
	}

	// OtelMetrics delegates counter/timer/gauge recording to an OTEL meter.
	OtelMetrics struct {
		meter     metric.Meter
		counters  map[string]metric.Float64Counter
		timers    map[string]metric.Float64Histogram
		gauges    map[string]metric.Float64Gauge
	}

	// OtelTracer delegates span creation to an OTEL tracer.
	OtelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewSlogLogger constructs a Logger backed by log/slog.
func NewSlogLogger(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return SlogLogger{base: base}
}

func (l SlogLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	l.base.DebugContext(ctx, msg, keyvals...)
}
func (l SlogLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	l.base.InfoContext(ctx, msg, keyvals...)
}
func (l SlogLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	l.base.WarnContext(ctx, msg, keyvals...)
}
func (l SlogLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	l.base.ErrorContext(ctx, msg, keyvals...)
}

// NewOtelMetrics constructs a Metrics recorder bound to the given meter name.
// Configure the global MeterProvider (e.g. via the prometheus exporter) before
// recording; instruments are created lazily and cached by name.
func NewOtelMetrics(meterName string) Metrics {
	return &OtelMetrics{
		meter:    otel.Meter(meterName),
		counters: make(map[string]metric.Float64Counter),
		timers:   make(map[string]metric.Float64Histogram),
		gauges:   make(map[string]metric.Float64Gauge),
	}
}

func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Float64Counter(name)
		if err != nil {
			return
		}
		m.counters[name] = c
	}
	c.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (m *OtelMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	h, ok := m.timers[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name)
		if err != nil {
			return
		}
		m.timers[name] = h
	}
	h.Record(context.Background(), d.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

func (m *OtelMetrics) RecordGauge(name string, value float64, tags ...string) {
	g, ok := m.gauges[name]
	if !ok {
		var err error
		g, err = m.meter.Float64Gauge(name)
		if err != nil {
			return
		}
		m.gauges[name] = g
	}
	g.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// NewOtelTracer constructs a Tracer bound to the given tracer name.
func NewOtelTracer(tracerName string) Tracer {
	return &OtelTracer{tracer: otel.Tracer(tracerName)}
}

func (t *OtelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, otelSpan{span: span}
}

func (t *OtelTracer) Span(ctx context.Context) Span {
	return otelSpan{span: trace.SpanFromContext(ctx)}
}

func (s otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }
func (s otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, eventOptions(attrs)...)
}
func (s otelSpan) SetStatus(code codes.Code, description string) { s.span.SetStatus(code, description) }
func (s otelSpan) RecordError(err error, opts ...trace.EventOption) { s.span.RecordError(err, opts...) }
