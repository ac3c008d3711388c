// Package tracing sets up OpenTelemetry for the orchestrator and names the
// spans a workflow run produces: one "workflow.execute" span per run with a
// "task.invoke" child per agent invocation.
package tracing

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/doravidan/vibing2-sub003/internal/config"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// Config holds tracing configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is the gRPC collector address, e.g. "localhost:4317".
	OTLPEndpoint string

	// SampleRate is the fraction of root spans kept (0.0 to 1.0).
	SampleRate float64
}

// DefaultConfig returns a disabled configuration pointing at a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "orchestrator",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
	}
}

// ConfigFrom takes the OTEL_* settings of the service configuration.
func ConfigFrom(c *config.Config) *Config {
	cfg := DefaultConfig()
	cfg.Enabled = c.OTelEnabled
	if c.OTelEndpoint != "" {
		cfg.OTLPEndpoint = c.OTelEndpoint
	}
	if c.OTelServiceName != "" {
		cfg.ServiceName = c.OTelServiceName
	}
	cfg.SampleRate = c.OTelSampleRate
	return cfg
}

// Option customizes Init.
type Option func(*options)

type options struct {
	exporter sdktrace.SpanExporter
}

// WithExporter replaces the OTLP exporter. Spans are exported synchronously,
// which makes an in-memory exporter usable from tests.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// Provider owns the tracer provider of the process.
type Provider struct {
	tp     *sdktrace.TracerProvider
	logger *slog.Logger
}

// Init builds the tracer provider and installs it globally together with the
// W3C trace-context propagator. A disabled config yields a Provider whose
// tracers are no-ops.
func Init(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...Option) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if !cfg.Enabled {
		logger.Debug("tracing disabled")
		return &Provider{logger: logger}, nil
	}

	// Schemaless so the merge never conflicts with the schema of resource.Default.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, err
	}

	spanOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRate)),
	}
	if o.exporter != nil {
		spanOpts = append(spanOpts, sdktrace.WithSyncer(o.exporter))
	} else {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithTimeout(5*time.Second),
		)
		if err != nil {
			return nil, err
		}
		spanOpts = append(spanOpts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(spanOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sample_rate", cfg.SampleRate),
	)
	return &Provider{tp: tp, logger: logger}, nil
}

// Sampler keeps a parent's decision and samples new roots at rate.
func Sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Enabled reports whether spans are recorded.
func (p *Provider) Enabled() bool {
	return p.tp != nil
}

// Tracer returns a named tracer, a no-op one when tracing is disabled.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	p.logger.Debug("flushing spans")
	return p.tp.Shutdown(ctx)
}

// StartWorkflow opens the span covering a whole run.
func StartWorkflow(ctx context.Context, tracer trace.Tracer, workflowID string, tasks int, cfg types.ExecuteConfig) (context.Context, trace.Span) {
	return tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.Int("workflow.tasks", tasks),
		attribute.Int("workflow.max_parallel", cfg.MaxParallelAgents),
		attribute.String("workflow.strategy", string(cfg.ContextStrategy)),
		attribute.String("workflow.failure_policy", string(cfg.FailurePolicy)),
	))
}

// EndWorkflow records the final status and ends the span.
func EndWorkflow(span trace.Span, res *types.WorkflowResult) {
	span.SetAttributes(
		attribute.String("workflow.status", string(res.Status)),
		attribute.Int("workflow.tokens", res.TotalTokens),
	)
	if res.Status != types.WorkflowStatusCompleted {
		span.SetStatus(codes.Error, res.Error)
	}
	span.End()
}

// StartTask opens the span of one agent invocation.
func StartTask(ctx context.Context, tracer trace.Tracer, t types.Task, promptTokens int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "task.invoke", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.agent", t.AgentName),
		attribute.Int("task.priority", t.Priority),
		attribute.Int("task.prompt_tokens", promptTokens),
	))
}

// TaskSucceeded ends a task span with its token usage.
func TaskSucceeded(span trace.Span, tokens, attempts int) {
	span.SetAttributes(
		attribute.Int("task.tokens", tokens),
		attribute.Int("task.attempts", attempts),
	)
	span.End()
}

// TaskFailed ends a task span as an error.
func TaskFailed(span trace.Span, te *types.TaskError) {
	span.SetAttributes(attribute.String("task.error_kind", string(te.Kind)))
	span.SetStatus(codes.Error, te.Message)
	span.End()
}
