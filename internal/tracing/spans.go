package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartPipelineSpan creates a child span for one pass of the middleware chain.
func StartPipelineSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pipeline."+phase,
		trace.WithAttributes(attribute.String("pipeline.phase", phase)),
	)
}

// StartMiddlewareSpan creates a child span for a single hook invocation.
func StartMiddlewareSpan(ctx context.Context, name, phase string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "middleware."+name+"."+phase,
		trace.WithAttributes(
			attribute.String("middleware.name", name),
			attribute.String("middleware.phase", phase),
		),
	)
}

// StartUpstreamSpan creates a client span for the upstream dispatch.
func StartUpstreamSpan(ctx context.Context, method, url string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.method", method),
			attribute.String("upstream.url", url),
		),
	)
}

// InjectHeaders injects the current trace context (traceparent, tracestate)
// into req so the upstream service can continue the trace.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetRequestAttributes tags the current span with the pipeline request identity.
func SetRequestAttributes(ctx context.Context, requestID, remoteAddr string) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("request.remote_addr", remoteAddr),
	)
}

// SetOutcomeAttributes tags the current span with how the request ended.
// A status of 0 means no response was produced.
func SetOutcomeAttributes(ctx context.Context, outcome string, status int) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("request.outcome", outcome),
		attribute.Int("response.status_code", status),
	)
	if status == 0 {
		span.SetStatus(codes.Error, outcome)
	}
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
