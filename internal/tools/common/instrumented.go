package common

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/expensebridge/internal/instrumentation"
	"github.com/teemow/expensebridge/internal/server"
)

// ToolHandler is the signature of an MCP tool handler.
type ToolHandler = func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// InstrumentedToolHandler wraps a tool handler with a span, metrics and
// audit logging. Handlers that report their dispatch through
// DispatchResult or RecordDispatch get the provider, operation, attempts
// and error kind attached to the audit record.
//
// Usage:
//
//	s.AddTool(myTool, common.InstrumentedToolHandler("my_tool", sc, handler))
func InstrumentedToolHandler(toolName string, sc *server.ServerContext, handler ToolHandler) ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principal, perr := ResolvePrincipal(ctx, sc, request.GetArguments())

		ctx, span := instrumentation.StartToolSpan(ctx, toolName, principal)
		defer span.End()

		if perr != nil {
			invocation := instrumentation.NewToolInvocation(toolName).
				WithSpanContext(ctx).
				CompleteWithError(perr)
			instrumentation.SetSpanError(span, perr)
			sc.Metrics().RecordToolInvocation(ctx, toolName, instrumentation.StatusError, invocation.Duration)
			sc.AuditLogger().LogToolInvocation(invocation)
			return ErrorResult(perr)
		}

		ctx, recorder := withDispatchRecorder(ctx)

		start := time.Now()
		invocation := instrumentation.NewToolInvocation(toolName).
			WithPrincipal(principal).
			WithSpanContext(ctx)

		result, err := handler(ctx, request)
		duration := time.Since(start)

		if res := recorder.res; res != nil {
			errorKind := ""
			if res.Error != nil {
				errorKind = string(res.Error.Kind)
			}
			invocation.WithTarget(string(res.Provider), res.Operation).
				WithDispatch(res.InvocationID, res.Attempts, errorKind).
				WithDelivery(res.Sent, res.Confirmed)
		}

		status := instrumentation.StatusSuccess
		switch {
		case err != nil:
			status = instrumentation.StatusError
			invocation.CompleteWithError(err)
			instrumentation.SetSpanError(span, err)
		case result != nil && result.IsError:
			status = instrumentation.StatusError
			invocation.Complete(false, nil)
		default:
			invocation.CompleteSuccess()
			instrumentation.SetSpanSuccess(span)
		}

		sc.Metrics().RecordToolInvocationWithPrincipal(ctx, toolName, status, principal, duration)
		sc.AuditLogger().LogToolInvocation(invocation)

		return result, err
	}
}
