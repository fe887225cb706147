package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/teemow/expensebridge/internal/logging"
)

// ToolInvocation captures one MCP tool call for audit logging.
//
// # Privacy Considerations
//
// Principal is an end-user identifier. Operational logs only carry its hash
// (see LogAttrs); the raw value is written by LogAuditAttrs, which should be
// routed to access-controlled storage.
type ToolInvocation struct {
	Tool         string
	InvocationID string

	Principal string

	// Target information
	Provider  string
	Operation string

	// Execution details
	StartTime time.Time
	Duration  time.Duration
	Success   bool
	Attempts  int
	ErrorKind string
	Error     string

	// Sent and Confirmed are only meaningful once a provider was targeted.
	Sent      bool
	Confirmed bool

	// Tracing context
	TraceID string
	SpanID  string
}

// Status returns "success" or "error" based on the Success field.
func (ti *ToolInvocation) Status() string {
	if ti.Success {
		return StatusSuccess
	}
	return StatusError
}

// LogAttrs returns slog attributes with the principal anonymized.
func (ti *ToolInvocation) LogAttrs() []slog.Attr {
	return ti.attrs(slog.String(logging.KeyPrincipalHash, logging.AnonymizePrincipal(ti.Principal)))
}

// LogAuditAttrs returns slog attributes including the raw principal.
func (ti *ToolInvocation) LogAuditAttrs() []slog.Attr {
	attrs := ti.attrs(slog.String(logging.KeyPrincipal, ti.Principal))
	if ti.SpanID != "" {
		attrs = append(attrs, slog.String("span_id", ti.SpanID))
	}
	return attrs
}

func (ti *ToolInvocation) attrs(principal slog.Attr) []slog.Attr {
	attrs := []slog.Attr{
		slog.String(logging.KeyTool, ti.Tool),
		principal,
		slog.Duration(logging.KeyDuration, ti.Duration),
		slog.Bool("success", ti.Success),
	}

	if ti.InvocationID != "" {
		attrs = append(attrs, slog.String(logging.KeyInvocationID, ti.InvocationID))
	}
	if ti.Provider != "" {
		attrs = append(attrs, slog.String(logging.KeyProvider, ti.Provider))
	}
	if ti.Operation != "" {
		attrs = append(attrs, slog.String(logging.KeyOperation, ti.Operation))
	}
	if ti.Attempts > 0 {
		attrs = append(attrs, slog.Int(logging.KeyAttempt, ti.Attempts))
	}
	if ti.Provider != "" {
		attrs = append(attrs, slog.Bool("sent", ti.Sent), slog.Bool("confirmed", ti.Confirmed))
	}
	if ti.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", ti.TraceID))
	}
	if ti.ErrorKind != "" {
		attrs = append(attrs, slog.String(logging.KeyErrorKind, ti.ErrorKind))
	}
	if ti.Error != "" {
		attrs = append(attrs, slog.String(logging.KeyError, ti.Error))
	}

	return attrs
}

// NewToolInvocation creates a new ToolInvocation with timing started.
// Call Complete() when the tool operation finishes.
func NewToolInvocation(tool string) *ToolInvocation {
	return &ToolInvocation{
		Tool:      tool,
		StartTime: time.Now(),
	}
}

// WithPrincipal sets the principal the tool acts for.
func (ti *ToolInvocation) WithPrincipal(principal string) *ToolInvocation {
	ti.Principal = principal
	return ti
}

// WithTarget sets the provider and operation.
func (ti *ToolInvocation) WithTarget(provider, operation string) *ToolInvocation {
	ti.Provider = provider
	ti.Operation = operation
	return ti
}

// WithDispatch copies dispatch details: invocation id, attempts and error kind.
func (ti *ToolInvocation) WithDispatch(invocationID string, attempts int, errorKind string) *ToolInvocation {
	ti.InvocationID = invocationID
	ti.Attempts = attempts
	ti.ErrorKind = errorKind
	return ti
}

// WithDelivery records whether the provider request left the process and
// whether its outcome was observed.
func (ti *ToolInvocation) WithDelivery(sent, confirmed bool) *ToolInvocation {
	ti.Sent = sent
	ti.Confirmed = confirmed
	return ti
}

// WithSpanContext extracts trace context from the current span.
func (ti *ToolInvocation) WithSpanContext(ctx context.Context) *ToolInvocation {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		ti.TraceID = span.SpanContext().TraceID().String()
		ti.SpanID = span.SpanContext().SpanID().String()
	}
	return ti
}

// Complete marks the invocation as completed and calculates duration.
func (ti *ToolInvocation) Complete(success bool, err error) *ToolInvocation {
	ti.Duration = time.Since(ti.StartTime)
	ti.Success = success
	if err != nil {
		ti.Error = err.Error()
	}
	return ti
}

// CompleteWithError marks the invocation as failed with the given error.
func (ti *ToolInvocation) CompleteWithError(err error) *ToolInvocation {
	return ti.Complete(false, err)
}

// CompleteSuccess marks the invocation as successful.
func (ti *ToolInvocation) CompleteSuccess() *ToolInvocation {
	return ti.Complete(true, nil)
}

// AuditLogger writes one structured record per finished tool invocation.
type AuditLogger struct {
	logger     *slog.Logger
	level      slog.Level
	includePII bool
	enabled    bool
}

// NewAuditLogger creates an enabled AuditLogger that hashes principals.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return NewAuditLoggerWithConfig(logger, AuditLoggingConfig{Enabled: true})
}

// NewAuditLoggerWithConfig creates an AuditLogger. An unknown LogLevel
// falls back to info.
func NewAuditLoggerWithConfig(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(config.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return &AuditLogger{
		logger:     logger,
		level:      level,
		includePII: config.IncludePII,
		enabled:    config.Enabled,
	}
}

// LogToolInvocation logs a finished invocation as tool_executed at the
// configured level, or as tool_failed at warn or above. A nil AuditLogger
// discards the event.
func (al *AuditLogger) LogToolInvocation(ti *ToolInvocation) {
	if al == nil || !al.enabled {
		return
	}

	var attrs []slog.Attr
	if al.includePII {
		attrs = ti.LogAuditAttrs()
	} else {
		attrs = ti.LogAttrs()
	}

	level, msg := al.level, "tool_executed"
	if !ti.Success {
		level, msg = max(al.level, slog.LevelWarn), "tool_failed"
	}
	al.logger.LogAttrs(context.Background(), level, msg, attrs...)
}
