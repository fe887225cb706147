// Package logging provides structured logging utilities for expensebridge.
//
// This package centralizes logging patterns to ensure consistent, structured logging
// throughout the codebase using the standard library's slog package.
//
// # Usage Patterns
//
// Create a logger with standard attributes:
//
//	logger := logging.WithProvider(slog.Default(), "gmail")
//	logger.Info("refreshing credential",
//	    logging.PrincipalHash(principal),
//	    logging.Operation("refresh"))
//
// # Security Considerations
//
//   - Principals are hashed so logs can be correlated without exposing identities
//   - Tokens are never logged directly, only their length via SanitizeToken
package logging
