package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer every expensebridge span comes from.
const TracerName = "github.com/teemow/expensebridge"

// Span attribute keys.
const (
	SpanAttrTool         = "mcp.tool"
	SpanAttrPrincipal    = "mcp.principal"
	SpanAttrProvider     = "provider.name"
	SpanAttrOperation    = "provider.operation"
	SpanAttrAttempt      = "provider.attempt"
	SpanAttrInvocationID = "dispatch.invocation_id"
	SpanAttrAttempts     = "dispatch.attempts"
	SpanAttrSent         = "dispatch.sent"
	SpanAttrConfirmed    = "dispatch.confirmed"
	SpanAttrErrorKind    = "error.kind"
)

func tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(TracerName)
}

// StartToolSpan starts the server span for one MCP tool call. The principal
// is recorded as its PrincipalLabel, never verbatim.
func StartToolSpan(ctx context.Context, toolName, principal string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String(SpanAttrTool, toolName)}
	if principal != "" {
		attrs = append(attrs, attribute.String(SpanAttrPrincipal, PrincipalLabel(principal)))
	}
	return tracer().Start(ctx, "tool."+toolName,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartProviderSpan starts a client span named provider.<provider>.<operation>.
// It covers every attempt of a dispatch, retries show up as span events.
func StartProviderSpan(ctx context.Context, provider, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{
		attribute.String(SpanAttrProvider, provider),
		attribute.String(SpanAttrOperation, operation),
	}, attrs...)
	return tracer().Start(ctx, "provider."+provider+"."+operation,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartRefreshSpan starts a client span for an OAuth refresh grant.
func StartRefreshSpan(ctx context.Context, provider string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "oauth.refresh",
		trace.WithAttributes(attribute.String(SpanAttrProvider, provider)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetDispatchOutcome records how far a dispatch got. sent and confirmed
// let a trace reader tell a failed call that never left the process from
// one whose outcome is unknown.
func SetDispatchOutcome(span trace.Span, invocationID string, attempts int, sent, confirmed bool) {
	span.SetAttributes(
		attribute.String(SpanAttrInvocationID, invocationID),
		attribute.Int(SpanAttrAttempts, attempts),
		attribute.Bool(SpanAttrSent, sent),
		attribute.Bool(SpanAttrConfirmed, confirmed),
	)
}

// SetSpanError marks the span failed. A nil error is ignored.
func SetSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

func AddSpanEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
