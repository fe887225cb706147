package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getJSON(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	return rec.Code
}

func TestLivenessHandler(t *testing.T) {
	h := NewHealthChecker(nil)
	h.SetReady(false)

	var resp HealthResponse
	code := getJSON(t, h.LivenessHandler(), "/healthz", &resp)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, healthStatusOK, resp.Status)
}

func TestReadinessHandler(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		env := newTestEnv(t)
		h := NewHealthChecker(env.sc)

		var resp HealthResponse
		code := getJSON(t, h.ReadinessHandler(), "/readyz", &resp)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, healthStatusOK, resp.Status)
		assert.Equal(t, healthStatusOK, resp.Checks["credential_store"])
	})

	t.Run("not ready", func(t *testing.T) {
		h := NewHealthChecker(nil)
		h.SetReady(false)

		var resp HealthResponse
		code := getJSON(t, h.ReadinessHandler(), "/readyz", &resp)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, healthStatusNotReady, resp.Checks["ready"])
	})

	t.Run("store unavailable", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.pingErr = errPing
		h := NewHealthChecker(env.sc)

		var resp HealthResponse
		code := getJSON(t, h.ReadinessHandler(), "/readyz", &resp)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, healthStatusUnavailable, resp.Checks["credential_store"])
		assert.Equal(t, healthStatusOK, resp.Checks["ready"])
	})

	t.Run("shutting down", func(t *testing.T) {
		env := newTestEnv(t)
		h := NewHealthChecker(env.sc)
		require.NoError(t, env.sc.Shutdown())

		var resp HealthResponse
		code := getJSON(t, h.ReadinessHandler(), "/readyz", &resp)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, healthStatusShuttingDown, resp.Checks["shutdown"])
	})
}

func TestDetailedHealthHandler(t *testing.T) {
	env := newTestEnv(t)
	env.sc.Sessions().Bind("session-1", "alice@example.com")
	h := NewHealthChecker(env.sc)

	var resp DetailedHealthResponse
	code := getJSON(t, h.DetailedHealthHandler(), "/healthz/detailed", &resp)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, healthStatusOK, resp.Status)
	assert.Equal(t, healthStatusOK, resp.Store)
	assert.Equal(t, 6, resp.Routes)
	assert.Equal(t, 1, resp.BoundSessions)

	configured := map[string]bool{}
	for _, p := range resp.Providers {
		configured[string(p.Provider)] = p.Configured
	}
	assert.True(t, configured["gmail"])
	assert.True(t, configured["sheets"])
	assert.False(t, configured["slack"])

	env.store.pingErr = errPing
	code = getJSON(t, h.DetailedHealthHandler(), "/healthz/detailed", &resp)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, healthStatusUnavailable, resp.Store)
}

func TestRegisterHealthEndpoints(t *testing.T) {
	r := chi.NewRouter()
	NewHealthChecker(nil).RegisterHealthEndpoints(r)

	for _, path := range []string{"/healthz", "/readyz", "/healthz/detailed"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
