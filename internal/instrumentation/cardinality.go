package instrumentation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Cardinality management helpers for metrics.
//
// Principals are unbounded. Only pass them through PrincipalLabel, and only
// when detailed labels are enabled.

// PrincipalLabel reduces a principal identifier to a bounded label value.
// Email-like principals collapse to their domain; anything else becomes a
// short hash bucket.
//
// Example:
//
//	PrincipalLabel("jane@example.com")  // "example.com"
//	PrincipalLabel("U024BE7LH")         // "p-" + two hex digits
//	PrincipalLabel("")                  // "unknown"
func PrincipalLabel(principal string) string {
	if principal == "" {
		return "unknown"
	}

	if i := strings.LastIndex(principal, "@"); i > 0 && i < len(principal)-1 {
		return strings.ToLower(principal[i+1:])
	}

	sum := sha256.Sum256([]byte(principal))
	return "p-" + hex.EncodeToString(sum[:1])
}
