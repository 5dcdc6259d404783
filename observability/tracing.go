package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool          `yaml:"enabled,omitempty"`
	Exporter     string        `yaml:"exporter,omitempty"` // "otlp" (default) | "stdout"
	Endpoint     string        `yaml:"endpoint,omitempty"`
	SamplingRate float64       `yaml:"sampling_rate,omitempty"`
	ServiceName  string        `yaml:"service_name,omitempty"`
	Insecure     bool          `yaml:"insecure,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

// SetDefaults fills in the sampling rate, service name and timeout a
// caller left zero-valued.
func (c *TracingConfig) SetDefaults() {
	if c.Exporter == "" {
		c.Exporter = "otlp"
	}
	if c.SamplingRate <= 0 {
		c.SamplingRate = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = "cortexd"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Span names, one per spec C1-C8 component that does meaningful work
// worth tracing.
const (
	SpanIteration       = "iteration.run"
	SpanAction          = "dispatch.action"
	SpanLLMStream       = "llm.stream_complete"
	SpanContextFeed     = "contextfeed.refresh"
	SpanWorkflowTrigger = "metadata.trigger"
)

// Attribute keys used across spans.
const (
	AttrActionKind   = "cortex.action.kind"
	AttrActionMode   = "cortex.action.mode"
	AttrActionName   = "cortex.action.name"
	AttrIterationNum = "cortex.iteration.n"
	AttrSessionID    = "cortex.session.id"
	AttrFeedID       = "cortex.feed.id"
)

// Tracer wraps an OpenTelemetry TracerProvider with the engine's span
// helpers, grounded on pkg/observability/tracer.go's InitGlobalTracer but
// generalized to support a stdout exporter alongside OTLP (the teacher's
// v2/observability/tracer.go's switch-on-exporter-type, folded into one
// file since this engine has no debug-exporter/web-UI counterpart).
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a Tracer from configuration, or a no-op tracer if
// tracing is disabled.
func NewTracer(ctx context.Context, cfg *TracingConfig) (*Tracer, error) {
	if cfg == nil || !cfg.Enabled {
		return &Tracer{tracer: trace.NewNoopTracerProvider().Tracer("noop")}, nil
	}
	cfg.SetDefaults()

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observability: creating trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("observability: creating trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

func newExporter(ctx context.Context, cfg *TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithTimeout(cfg.Timeout),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("observability: unsupported trace exporter %q", cfg.Exporter)
	}
}

// StartIteration opens a span for one full iteration pass (C8, spec §4.8).
func (t *Tracer) StartIteration(ctx context.Context, sessionID string, n int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanIteration, trace.WithAttributes(
		attribute.String(AttrSessionID, sessionID),
		attribute.Int(AttrIterationNum, n),
	))
}

// StartAction opens a child span for one dispatched action (C4, spec §4.4).
func (t *Tracer) StartAction(ctx context.Context, kind, mode, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanAction, trace.WithAttributes(
		attribute.String(AttrActionKind, kind),
		attribute.String(AttrActionMode, mode),
		attribute.String(AttrActionName, name),
	))
}

// StartFeedRefresh opens a span for one context-feed refresh (C6, spec §4.6).
func (t *Tracer) StartFeedRefresh(ctx context.Context, feedID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanContextFeed, trace.WithAttributes(
		attribute.String(AttrFeedID, feedID),
	))
}

// RecordError records err on span if non-nil.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

// Shutdown flushes and stops the tracer provider. Safe to call on a
// no-op tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
