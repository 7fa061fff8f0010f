// Package tracing wires OpenTelemetry spans around dispatches and
// actions, and feeds observed latencies into the adaptive timeout
// learner (component C6) so a span exporter and the timeout
// recommender share one source of truth for "how long did this
// actually take".
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/xstatenet/core/pkg/timeout"
)

// Config controls the tracer provider. With PrettyPrint the
// stdouttrace exporter writes human-readable spans, useful when
// running without a collector.
type Config struct {
	ServiceName string
	PrettyPrint bool
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "xstatenet"
	}
	return c
}

// Init installs a global TracerProvider backed by the stdout exporter
// and returns a shutdown func the host should defer-call.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	cfg = cfg.withDefaults()
	var opts []stdouttrace.Option
	if cfg.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer wraps an otel tracer and an optional adaptive learner so
// span duration doubles as a timeout-learning sample.
type Tracer struct {
	tracer  trace.Tracer
	learner *timeout.AdaptiveLearner
}

// New builds a Tracer over the global TracerProvider. learner may be
// nil if adaptive timeout learning isn't wired for this machine.
func New(name string, learner *timeout.AdaptiveLearner) *Tracer {
	return &Tracer{tracer: otel.Tracer(name), learner: learner}
}

// SpanKind names the operation category for a recorded span, used
// both as the span name and as the adaptive learner's operation key.
type SpanKind string

const (
	SpanDispatch   SpanKind = "dispatch"
	SpanTransition SpanKind = "transition"
	SpanAction     SpanKind = "action"
	SpanService    SpanKind = "service"
)

// Start begins a span for machineID performing kind, and returns a
// context carrying it plus an end func the caller must invoke exactly
// once (commonly deferred) with the error observed, if any.
func (t *Tracer) Start(ctx context.Context, machineID string, kind SpanKind, event string) (context.Context, func(err error)) {
	spanCtx, span := t.tracer.Start(ctx, string(kind),
		trace.WithAttributes(
			attribute.String("machine_id", machineID),
			attribute.String("event", event),
		))
	start := time.Now()
	operation := machineID + "." + string(kind)
	return spanCtx, func(err error) {
		elapsed := time.Since(start)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		if t.learner != nil {
			t.learner.Observe(operation, elapsed)
		}
	}
}
