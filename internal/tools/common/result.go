package common

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/expensebridge/internal/dispatch"
	"github.com/teemow/expensebridge/internal/failure"
)

type dispatchRecorderKey struct{}

// dispatchRecorder carries the last dispatch result of a tool call back to
// the instrumented wrapper.
type dispatchRecorder struct {
	res *dispatch.Result
}

func withDispatchRecorder(ctx context.Context) (context.Context, *dispatchRecorder) {
	rec := &dispatchRecorder{}
	return context.WithValue(ctx, dispatchRecorderKey{}, rec), rec
}

// RecordDispatch notes res as the dispatch that served the current tool
// call. It is a no-op outside InstrumentedToolHandler.
func RecordDispatch(ctx context.Context, res *dispatch.Result) {
	if rec, ok := ctx.Value(dispatchRecorderKey{}).(*dispatchRecorder); ok && res != nil {
		rec.res = res
	}
}

// JSONResult renders v as indented JSON text.
func JSONResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// DispatchResult renders a dispatch result. Failures become error results
// carrying the error kind, hint and, when consent is needed, the
// authorization URL.
func DispatchResult(ctx context.Context, res *dispatch.Result) (*mcp.CallToolResult, error) {
	RecordDispatch(ctx, res)
	out, err := JSONResult(res)
	if err != nil || out.IsError {
		return out, err
	}
	if !res.OK() {
		out.IsError = true
	}
	return out, nil
}

type errorBody struct {
	Error *dispatch.ErrorInfo `json:"error"`
}

// ErrorResult renders err as an error result. Classified failures keep
// their kind and hint; anything else is reported as ProviderFatal.
func ErrorResult(err error) (*mcp.CallToolResult, error) {
	out, encErr := JSONResult(errorBody{Error: dispatch.NewErrorInfo(err)})
	if encErr != nil {
		return out, encErr
	}
	out.IsError = true
	return out, nil
}

// InvalidArgument renders a caller mistake as an InvalidInvocation error.
// The formatted message is returned as the reason.
func InvalidArgument(format string, args ...any) (*mcp.CallToolResult, error) {
	fe := failure.New(failure.KindInvalidInvocation, "", nil)
	fe.Reason = fmt.Sprintf(format, args...)
	return ErrorResult(fe)
}
