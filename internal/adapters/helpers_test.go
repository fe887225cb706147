package adapters

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/provider"
)

func testCred(p provider.Provider) *credentials.Record {
	return &credentials.Record{
		Principal:   "alice@example.com",
		Provider:    p,
		AccessToken: "test-token",
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
		Scopes:      p.Info().RequiredScopes,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func googleError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": "upstream failure",
			"errors":  []map[string]string{{"reason": reason, "message": "upstream failure"}},
		},
	})
}

func newAPIServer(t *testing.T, p provider.Provider, handler http.Handler) Options {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return Options{
		BaseURLs: map[provider.Provider]string{p: srv.URL},
		Timeout:  5 * time.Second,
	}
}
