package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/teemow/expensebridge/internal/adapters"
	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/dispatch"
	"github.com/teemow/expensebridge/internal/oauthflow"
	"github.com/teemow/expensebridge/internal/provider"
	"github.com/teemow/expensebridge/internal/ratelimit"
)

const testRedirectURL = "http://localhost:8080/oauth/callback"

// pingStore wraps a memory store with a switchable Ping failure.
type pingStore struct {
	*credentials.MemoryStore
	pingErr error
}

func (s *pingStore) Ping(context.Context) error { return s.pingErr }

type testEnv struct {
	sc         *ServerContext
	store      *pingStore
	controller *oauthflow.Controller
	tokenURL   string
}

// newTestEnv wires a server context against a fake token endpoint. The
// endpoint rejects the code "bad" with invalid_grant.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("code") == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-" + r.Form.Get("code"),
			"refresh_token": "refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(tokenSrv.Close)

	endpoint := oauth2.Endpoint{AuthURL: tokenSrv.URL + "/auth", TokenURL: tokenSrv.URL + "/token"}
	store := &pingStore{MemoryStore: credentials.NewMemoryStore()}
	controller, err := oauthflow.NewController(store, oauthflow.NewMemoryPendingStore(nil), oauthflow.Config{
		Google:      oauthflow.ClientConfig{ClientID: "google-id", ClientSecret: "google-secret"},
		RedirectURL: testRedirectURL,
		Endpoints: map[provider.Provider]oauth2.Endpoint{
			provider.Gmail:  endpoint,
			provider.Sheets: endpoint,
			provider.Slack:  endpoint,
		},
	})
	require.NoError(t, err)

	limiter := ratelimit.New(ratelimit.Config{})
	routes, err := dispatch.DefaultRoutes()
	require.NoError(t, err)
	d, err := dispatch.New(dispatch.Config{
		Routes:      routes,
		Adapters:    adapters.DefaultRegistry(adapters.Options{}),
		Credentials: controller,
		Limiter:     limiter,
	})
	require.NoError(t, err)

	sc, err := NewServerContext(context.Background(), Options{
		Store:      store,
		Controller: controller,
		Dispatcher: d,
		Limiter:    limiter,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Shutdown() })

	return &testEnv{sc: sc, store: store, controller: controller, tokenURL: tokenSrv.URL}
}

// beginState starts an authorization for principal and returns its state.
func (e *testEnv) beginState(t *testing.T, principal string, p provider.Provider) string {
	t.Helper()
	authURL, err := e.controller.BeginAuthorization(context.Background(), principal, p, nil)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

var errPing = errors.New("connection refused")
