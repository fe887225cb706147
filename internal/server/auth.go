package server

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type contextKey string

const principalContextKey contextKey = "authenticated_principal"

// WithAuthenticatedPrincipal returns ctx carrying the principal a client
// authenticated as.
func WithAuthenticatedPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}

// AuthenticatedPrincipal returns the principal stored by the API key
// middleware, if any.
func AuthenticatedPrincipal(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalContextKey).(string)
	return p, ok && p != ""
}

// APIKeys maps bearer API keys to the principal each one acts for. Keys
// are held as SHA-256 digests.
type APIKeys struct {
	byDigest map[[sha256.Size]byte]string
}

// ParseAPIKeys parses entries of the form principal=key. Empty entries are
// skipped. Every key must be unique.
func ParseAPIKeys(entries []string) (*APIKeys, error) {
	k := &APIKeys{byDigest: make(map[[sha256.Size]byte]string)}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		principal, key, ok := strings.Cut(entry, "=")
		principal, key = strings.TrimSpace(principal), strings.TrimSpace(key)
		if !ok || principal == "" || key == "" {
			return nil, fmt.Errorf("invalid API key entry %q, expected principal=key", redactEntry(entry))
		}
		digest := sha256.Sum256([]byte(key))
		if _, dup := k.byDigest[digest]; dup {
			return nil, fmt.Errorf("API key for %q is already assigned", principal)
		}
		k.byDigest[digest] = principal
	}
	return k, nil
}

func redactEntry(entry string) string {
	principal, _, _ := strings.Cut(entry, "=")
	return principal + "=***"
}

// Len returns the number of configured keys.
func (k *APIKeys) Len() int {
	if k == nil {
		return 0
	}
	return len(k.byDigest)
}

// Principal returns the principal bound to key.
func (k *APIKeys) Principal(key string) (string, bool) {
	if k.Len() == 0 || key == "" {
		return "", false
	}
	p, ok := k.byDigest[sha256.Sum256([]byte(key))]
	return p, ok
}

// Middleware rejects requests without a known bearer key and stores the
// key's principal in the request context.
func (k *APIKeys) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, key, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			writeUnauthorized(w, "missing_token", "missing bearer API key")
			return
		}
		principal, ok := k.Principal(strings.TrimSpace(key))
		if !ok {
			writeUnauthorized(w, "invalid_token", "unknown API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuthenticatedPrincipal(r.Context(), principal)))
	})
}

func writeUnauthorized(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="expensebridge", error=%q`, code))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
