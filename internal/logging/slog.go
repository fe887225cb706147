package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"
)

// Common log attribute keys for consistent naming across the codebase.
const (
	KeyOperation     = "operation"
	KeyProvider      = "provider"
	KeyPrincipal     = "principal"
	KeyPrincipalHash = "principal_hash"
	KeyDuration      = "duration"
	KeyStatus        = "status"
	KeyError         = "error"
	KeyErrorKind     = "error_kind"
	KeyTool          = "tool"
	KeyAttempt       = "attempt"
	KeyInvocationID  = "invocation_id"
)

// Status values for consistent logging.
// Note: These are intentionally duplicated from instrumentation package
// to avoid circular dependencies (instrumentation imports logging).
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// WithOperation returns a logger with the operation attribute set.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String(KeyOperation, operation))
}

// WithTool returns a logger with the tool attribute set.
func WithTool(logger *slog.Logger, tool string) *slog.Logger {
	return logger.With(slog.String(KeyTool, tool))
}

// WithProvider returns a logger with the provider attribute set.
func WithProvider(logger *slog.Logger, provider string) *slog.Logger {
	return logger.With(slog.String(KeyProvider, provider))
}

// WithPrincipal returns a logger carrying the anonymized principal.
func WithPrincipal(logger *slog.Logger, principal string) *slog.Logger {
	return logger.With(PrincipalHash(principal))
}

// Operation returns a slog attribute for the operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Provider returns a slog attribute for the provider name.
func Provider(p string) slog.Attr {
	return slog.String(KeyProvider, p)
}

// Tool returns a slog attribute for the tool name.
func Tool(tool string) slog.Attr {
	return slog.String(KeyTool, tool)
}

// Status returns a slog attribute for the status.
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// ErrorKind returns a slog attribute for a classified failure kind.
func ErrorKind(kind string) slog.Attr {
	return slog.String(KeyErrorKind, kind)
}

// Attempt returns a slog attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Duration returns a slog attribute for an elapsed time.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration(KeyDuration, d)
}

// InvocationID returns a slog attribute correlating all logs of one dispatch.
func InvocationID(id string) slog.Attr {
	return slog.String(KeyInvocationID, id)
}

// Err returns a slog attribute for an error.
// If err is nil, returns an empty Group attribute that will be omitted from output.
// This allows safely passing Err(maybeNilErr) without adding empty attributes.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// AnonymizePrincipal returns a hashed representation of a principal id.
// Principals are frequently email addresses, so they are never logged in clear
// text outside of the audit log.
func AnonymizePrincipal(principal string) string {
	if principal == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(principal))
	return "principal:" + hex.EncodeToString(hash[:8])
}

// PrincipalHash returns a slog attribute with the anonymized principal.
//
// Usage:
//
//	logger.Info("credential refreshed", logging.PrincipalHash(principal))
func PrincipalHash(principal string) slog.Attr {
	return slog.String(KeyPrincipalHash, AnonymizePrincipal(principal))
}

// SanitizeToken returns a masked version of a token for logging.
// It returns a length indicator without exposing any token content.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}
