package oauthflow

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/failure"
	"github.com/teemow/expensebridge/internal/provider"
)

// tokenServer is a fake token endpoint. Handlers for each grant type can be
// swapped per test.
type tokenServer struct {
	*httptest.Server

	refreshes atomic.Int32
	revokes   atomic.Int32

	mu           sync.Mutex
	onRefresh    func(w http.ResponseWriter, r *http.Request)
	onExchange   func(w http.ResponseWriter, r *http.Request)
	lastVerifier string
	lastRevoked  string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.onRefresh = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "refreshed-access",
			"token_type":   "Bearer",
			"expires_in":   7200,
		})
	}
	ts.onExchange = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "exchanged-access",
			"refresh_token": "exchanged-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		ts.mu.Lock()
		refresh, exchange := ts.onRefresh, ts.onExchange
		ts.mu.Unlock()

		switch r.Form.Get("grant_type") {
		case "refresh_token":
			ts.refreshes.Add(1)
			refresh(w, r)
		case "authorization_code":
			ts.mu.Lock()
			ts.lastVerifier = r.Form.Get("code_verifier")
			ts.mu.Unlock()
			exchange(w, r)
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		}
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		ts.revokes.Add(1)
		ts.mu.Lock()
		ts.lastRevoked = r.Form.Get("token")
		if ts.lastRevoked == "" {
			ts.lastRevoked = r.Header.Get("Authorization")
		}
		ts.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) setRefresh(h func(w http.ResponseWriter, r *http.Request)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.onRefresh = h
}

func (ts *tokenServer) setExchange(h func(w http.ResponseWriter, r *http.Request)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.onExchange = h
}

func (ts *tokenServer) config() Config {
	ep := oauth2.Endpoint{
		AuthURL:   ts.URL + "/auth",
		TokenURL:  ts.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	return Config{
		Google:      ClientConfig{ClientID: "google-client", ClientSecret: "google-secret"},
		Slack:       ClientConfig{ClientID: "slack-client", ClientSecret: "slack-secret"},
		RedirectURL: "http://localhost:8080/oauth/callback",
		Endpoints: map[provider.Provider]oauth2.Endpoint{
			provider.Gmail:  ep,
			provider.Sheets: ep,
			provider.Slack:  ep,
		},
		RevokeURLs: map[provider.Provider]string{
			provider.Gmail:  ts.URL + "/revoke",
			provider.Sheets: ts.URL + "/revoke",
			provider.Slack:  ts.URL + "/revoke",
		},
		HTTPClient: ts.Client(),
	}
}

func newTestController(t *testing.T, cfg Config) (*Controller, credentials.Store) {
	t.Helper()
	store := credentials.NewMemoryStore()
	pending := NewMemoryPendingStore(nil)
	c, err := NewController(store, pending, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, store
}

func putRecord(t *testing.T, store credentials.Store, principal string, p provider.Provider, expiresIn time.Duration, scopes ...string) *credentials.Record {
	t.Helper()
	if len(scopes) == 0 {
		scopes = p.Info().RequiredScopes
	}
	rec := &credentials.Record{
		Principal:    principal,
		Provider:     p,
		AccessToken:  "stale-access",
		RefreshToken: "stored-refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(expiresIn),
		Scopes:       scopes,
	}
	require.NoError(t, store.Put(context.Background(), rec))
	return rec
}

func TestEnsureFresh_ReturnsValidTokenWithoutRefresh(t *testing.T) {
	ts := newTokenServer(t)
	c, store := newTestController(t, ts.config())
	putRecord(t, store, "alice@example.com", provider.Gmail, time.Hour)

	rec, err := c.EnsureFresh(context.Background(), "alice@example.com", provider.Gmail, []string{provider.ScopeGmailReadonly})
	require.NoError(t, err)
	assert.Equal(t, "stale-access", rec.AccessToken)
	assert.Zero(t, ts.refreshes.Load())
	assert.Equal(t, StateActive, c.State(context.Background(), "alice@example.com", provider.Gmail))
}

func TestEnsureFresh_RefreshesInsideSkewWindow(t *testing.T) {
	ts := newTokenServer(t)
	c, store := newTestController(t, ts.config())
	putRecord(t, store, "alice@example.com", provider.Sheets, 10*time.Second)

	rec, err := c.EnsureFresh(context.Background(), "alice@example.com", provider.Sheets, []string{provider.ScopeSheets})
	require.NoError(t, err)

	assert.Equal(t, int32(1), ts.refreshes.Load())
	assert.Equal(t, "refreshed-access", rec.AccessToken)
	assert.Equal(t, "stored-refresh", rec.RefreshToken, "refresh token is kept when the response omits it")
	assert.True(t, rec.Expiry.After(time.Now().Add(time.Hour)))

	stored, err := store.Get(context.Background(), "alice@example.com", provider.Sheets)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", stored.AccessToken)
	assert.Equal(t, []string{provider.ScopeSheets}, stored.Scopes)
}

func TestEnsureFresh_ConcurrentCallersShareOneRefresh(t *testing.T) {
	ts := newTokenServer(t)
	ts.setRefresh(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "refreshed-access",
			"refresh_token": "rotated-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	c, store := newTestController(t, ts.config())
	putRecord(t, store, "bob@example.com", provider.Slack, -time.Minute)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]*credentials.Record, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.EnsureFresh(context.Background(), "bob@example.com", provider.Slack, nil)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ts.refreshes.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "refreshed-access", results[i].AccessToken)
		assert.Equal(t, "rotated-refresh", results[i].RefreshToken)
	}
}

func TestEnsureFresh_InvalidGrantRemovesCredential(t *testing.T) {
	ts := newTokenServer(t)
	ts.setRefresh(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "Token has been expired or revoked.",
		})
	})
	c, store := newTestController(t, ts.config())
	putRecord(t, store, "alice@example.com", provider.Gmail, -time.Minute)

	_, err := c.EnsureFresh(context.Background(), "alice@example.com", provider.Gmail, nil)
	require.Error(t, err)

	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.KindUnauthenticated, fe.Kind)
	assert.Equal(t, "invalid_grant", fe.Reason)
	assert.NotEmpty(t, fe.AuthURL)
	assert.True(t, failure.Is(err, failure.KindRefreshFailed))

	_, err = store.Get(context.Background(), "alice@example.com", provider.Gmail)
	assert.ErrorIs(t, err, credentials.ErrNotFound)
	assert.Equal(t, StateUnauthenticated, c.State(context.Background(), "alice@example.com", provider.Gmail))
}

func TestEnsureFresh_SlackRevokedRefreshToken(t *testing.T) {
	ts := newTokenServer(t)
	ts.setRefresh(func(w http.ResponseWriter, r *http.Request) {
		// Slack reports errors with a 200 status.
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "invalid_refresh_token"})
	})
	c, store := newTestController(t, ts.config())
	putRecord(t, store, "bob@example.com", provider.Slack, -time.Minute)

	_, err := c.EnsureFresh(context.Background(), "bob@example.com", provider.Slack, nil)
	assert.Equal(t, failure.KindUnauthenticated, failure.KindOf(err))

	_, err = store.Get(context.Background(), "bob@example.com", provider.Slack)
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestEnsureFresh_InvalidClientFails(t *testing.T) {
	ts := newTokenServer(t)
	ts.setRefresh(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
	})
	c, store := newTestController(t, ts.config())
	putRecord(t, store, "alice@example.com", provider.Sheets, -time.Minute)

	_, err := c.EnsureFresh(context.Background(), "alice@example.com", provider.Sheets, nil)
	assert.Equal(t, failure.KindRefreshFailed, failure.KindOf(err))
	assert.Equal(t, StateFailed, c.State(context.Background(), "alice@example.com", provider.Sheets))

	// The credential is kept; the client configuration is at fault.
	_, err = store.Get(context.Background(), "alice@example.com", provider.Sheets)
	assert.NoError(t, err)
}

func TestEnsureFresh_ServerErrorIsTransient(t *testing.T) {
	ts := newTokenServer(t)
	ts.setRefresh(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily_unavailable"})
	})
	c, store := newTestController(t, ts.config())
	putRecord(t, store, "alice@example.com", provider.Gmail, -time.Minute)

	_, err := c.EnsureFresh(context.Background(), "alice@example.com", provider.Gmail, nil)
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.KindProviderTransient, fe.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, fe.Status)
	assert.True(t, fe.Retryable())

	_, err = store.Get(context.Background(), "alice@example.com", provider.Gmail)
	assert.NoError(t, err)
}

func TestEnsureFresh_ShortLivedRefreshIsRejected(t *testing.T) {
	ts := newTokenServer(t)
	ts.setRefresh(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "short",
			"token_type":   "Bearer",
			"expires_in":   5,
		})
	})
	c, store := newTestController(t, ts.config())
	putRecord(t, store, "alice@example.com", provider.Gmail, time.Second)

	_, err := c.EnsureFresh(context.Background(), "alice@example.com", provider.Gmail, nil)
	assert.Equal(t, failure.KindRefreshFailed, failure.KindOf(err))
}

func TestEnsureFresh_MissingScope(t *testing.T) {
	ts := newTokenServer(t)
	c, store := newTestController(t, ts.config())
	putRecord(t, store, "alice@example.com", provider.Gmail, time.Hour, provider.ScopeGmailReadonly)

	_, err := c.EnsureFresh(context.Background(), "alice@example.com", provider.Gmail,
		[]string{provider.ScopeGmailReadonly, provider.ScopeGmailModify})

	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.KindInsufficientScope, fe.Kind)
	assert.Equal(t, []string{provider.ScopeGmailModify}, fe.Missing)
	require.NotEmpty(t, fe.AuthURL)

	u, err := url.Parse(fe.AuthURL)
	require.NoError(t, err)
	assert.Contains(t, u.Query().Get("scope"), provider.ScopeGmailModify)
	assert.Contains(t, u.Query().Get("scope"), provider.ScopeGmailReadonly)
	assert.Zero(t, ts.refreshes.Load())
}

func TestEnsureFresh_NoCredential(t *testing.T) {
	ts := newTokenServer(t)
	c, _ := newTestController(t, ts.config())

	_, err := c.EnsureFresh(context.Background(), "carol@example.com", provider.Slack, nil)
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.KindUnauthenticated, fe.Kind)
	assert.Contains(t, fe.AuthURL, ts.URL+"/auth")
}

func TestEnsureFresh_NoRefreshToken(t *testing.T) {
	ts := newTokenServer(t)
	c, store := newTestController(t, ts.config())
	rec := putRecord(t, store, "alice@example.com", provider.Gmail, -time.Minute)
	rec.RefreshToken = ""
	require.NoError(t, store.Put(context.Background(), rec))

	_, err := c.EnsureFresh(context.Background(), "alice@example.com", provider.Gmail, nil)
	assert.Equal(t, failure.KindUnauthenticated, failure.KindOf(err))
	assert.Zero(t, ts.refreshes.Load())
}

func TestEnsureFresh_DisabledProvider(t *testing.T) {
	ts := newTokenServer(t)
	cfg := ts.config()
	cfg.Slack = ClientConfig{}
	c, _ := newTestController(t, cfg)

	assert.False(t, c.Enabled(provider.Slack))
	_, err := c.EnsureFresh(context.Background(), "alice@example.com", provider.Slack, nil)
	assert.Equal(t, failure.KindProviderFatal, failure.KindOf(err))
}

func TestEnsureFresh_CancelledCallerDoesNotAbortRefresh(t *testing.T) {
	ts := newTokenServer(t)
	release := make(chan struct{})
	ts.setRefresh(func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "refreshed-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	c, store := newTestController(t, ts.config())
	putRecord(t, store, "alice@example.com", provider.Gmail, -time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.EnsureFresh(ctx, "alice@example.com", provider.Gmail, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	rec, err := c.EnsureFresh(context.Background(), "alice@example.com", provider.Gmail, nil)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", rec.AccessToken)
	assert.Equal(t, int32(1), ts.refreshes.Load())
}

func TestBeginAuthorization_GoogleURL(t *testing.T) {
	ts := newTokenServer(t)
	c, _ := newTestController(t, ts.config())

	authURL, err := c.BeginAuthorization(context.Background(), "alice@example.com", provider.Gmail, []string{provider.ScopeGmailModify})
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "google-client", q.Get("client_id"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, q.Get("state"))
	assert.Equal(t, provider.ScopeGmailModify+" "+provider.ScopeGmailReadonly, q.Get("scope"))
}

func TestBeginAuthorization_SlackScopesAreCommaSeparated(t *testing.T) {
	ts := newTokenServer(t)
	c, _ := newTestController(t, ts.config())

	authURL, err := c.BeginAuthorization(context.Background(), "bob@example.com", provider.Slack, []string{"channels:read"})
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "channels:read,chat:write", u.Query().Get("scope"))
	assert.Empty(t, u.Query().Get("access_type"))
}

func TestBeginAuthorization_RequiresPrincipal(t *testing.T) {
	ts := newTokenServer(t)
	c, _ := newTestController(t, ts.config())

	_, err := c.BeginAuthorization(context.Background(), "", provider.Gmail, nil)
	assert.Equal(t, failure.KindInvalidInvocation, failure.KindOf(err))
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestCompleteAuthorization(t *testing.T) {
	ts := newTokenServer(t)
	ts.setExchange(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "the-code", r.Form.Get("code"))
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "exchanged-access",
			"refresh_token": "exchanged-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         provider.ScopeGmailReadonly,
		})
	})
	c, store := newTestController(t, ts.config())

	authURL, err := c.BeginAuthorization(context.Background(), "alice@example.com", provider.Gmail, nil)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")

	rec, err := c.CompleteAuthorization(context.Background(), state, "the-code")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", rec.Principal)
	assert.Equal(t, provider.Gmail, rec.Provider)
	assert.Equal(t, "Gmail", rec.DisplayName)
	assert.Equal(t, []string{provider.ScopeGmailReadonly}, rec.Scopes)

	ts.mu.Lock()
	verifier := ts.lastVerifier
	ts.mu.Unlock()
	assert.Equal(t, u.Query().Get("code_challenge"), s256(verifier))

	stored, err := store.Get(context.Background(), "alice@example.com", provider.Gmail)
	require.NoError(t, err)
	assert.Equal(t, "exchanged-refresh", stored.RefreshToken)
	assert.Equal(t, StateActive, c.State(context.Background(), "alice@example.com", provider.Gmail))

	// A state is single use.
	_, err = c.CompleteAuthorization(context.Background(), state, "the-code")
	assert.Equal(t, failure.KindInvalidInvocation, failure.KindOf(err))
	assert.ErrorIs(t, err, ErrPendingNotFound)
}

func TestCompleteAuthorization_UnknownState(t *testing.T) {
	ts := newTokenServer(t)
	c, _ := newTestController(t, ts.config())

	_, err := c.CompleteAuthorization(context.Background(), "forged-state", "code")
	assert.ErrorIs(t, err, ErrPendingNotFound)
}

func TestCompleteAuthorization_KeepsExistingRefreshToken(t *testing.T) {
	ts := newTokenServer(t)
	ts.setExchange(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "exchanged-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	c, store := newTestController(t, ts.config())
	putRecord(t, store, "alice@example.com", provider.Sheets, time.Hour)

	authURL, err := c.BeginAuthorization(context.Background(), "alice@example.com", provider.Sheets, nil)
	require.NoError(t, err)
	u, _ := url.Parse(authURL)

	rec, err := c.CompleteAuthorization(context.Background(), u.Query().Get("state"), "code")
	require.NoError(t, err)
	assert.Equal(t, "stored-refresh", rec.RefreshToken)
}

func TestCompleteAuthorization_FewerScopesGranted(t *testing.T) {
	ts := newTokenServer(t)
	ts.setExchange(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "exchanged-access",
			"refresh_token": "exchanged-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         provider.ScopeGmailReadonly,
		})
	})
	c, store := newTestController(t, ts.config())

	authURL, err := c.BeginAuthorization(context.Background(), "alice@example.com", provider.Gmail, []string{provider.ScopeGmailModify})
	require.NoError(t, err)
	u, _ := url.Parse(authURL)

	_, err = c.CompleteAuthorization(context.Background(), u.Query().Get("state"), "code")
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.KindInsufficientScope, fe.Kind)
	assert.Equal(t, []string{provider.ScopeGmailModify}, fe.Missing)

	// What was granted is still stored.
	stored, err := store.Get(context.Background(), "alice@example.com", provider.Gmail)
	require.NoError(t, err)
	assert.Equal(t, []string{provider.ScopeGmailReadonly}, stored.Scopes)
}

func TestCompleteAuthorization_InvalidClient(t *testing.T) {
	ts := newTokenServer(t)
	ts.setExchange(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
	})
	c, _ := newTestController(t, ts.config())

	authURL, err := c.BeginAuthorization(context.Background(), "alice@example.com", provider.Slack, nil)
	require.NoError(t, err)
	u, _ := url.Parse(authURL)

	_, err = c.CompleteAuthorization(context.Background(), u.Query().Get("state"), "code")
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.KindProviderFatal, fe.Kind)
	assert.Equal(t, "invalid_client", fe.Reason)
	assert.Equal(t, StateFailed, c.State(context.Background(), "alice@example.com", provider.Slack))
}

func TestRevoke(t *testing.T) {
	ts := newTokenServer(t)
	c, store := newTestController(t, ts.config())
	putRecord(t, store, "alice@example.com", provider.Gmail, time.Hour)

	require.NoError(t, c.Revoke(context.Background(), "alice@example.com", provider.Gmail))

	_, err := store.Get(context.Background(), "alice@example.com", provider.Gmail)
	assert.ErrorIs(t, err, credentials.ErrNotFound)
	assert.Equal(t, int32(1), ts.revokes.Load())
	ts.mu.Lock()
	assert.Equal(t, "stored-refresh", ts.lastRevoked)
	ts.mu.Unlock()

	// Idempotent, and nothing is sent upstream for a missing credential.
	require.NoError(t, c.Revoke(context.Background(), "alice@example.com", provider.Gmail))
	assert.Equal(t, int32(1), ts.revokes.Load())
}

func TestRevoke_SlackUsesBearerToken(t *testing.T) {
	ts := newTokenServer(t)
	c, store := newTestController(t, ts.config())
	putRecord(t, store, "bob@example.com", provider.Slack, time.Hour)

	require.NoError(t, c.Revoke(context.Background(), "bob@example.com", provider.Slack))
	ts.mu.Lock()
	assert.Equal(t, "Bearer stale-access", ts.lastRevoked)
	ts.mu.Unlock()
}

func TestRevoke_UpstreamFailureStillRemovesCredential(t *testing.T) {
	ts := newTokenServer(t)
	cfg := ts.config()
	cfg.RevokeURLs[provider.Gmail] = "http://127.0.0.1:1/revoke"
	c, store := newTestController(t, cfg)
	putRecord(t, store, "alice@example.com", provider.Gmail, time.Hour)

	require.NoError(t, c.Revoke(context.Background(), "alice@example.com", provider.Gmail))
	_, err := store.Get(context.Background(), "alice@example.com", provider.Gmail)
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestStatus(t *testing.T) {
	ts := newTokenServer(t)
	cfg := ts.config()
	cfg.Slack = ClientConfig{}
	c, store := newTestController(t, cfg)
	putRecord(t, store, "alice@example.com", provider.Sheets, time.Hour)

	statuses, err := c.Status(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	byProvider := map[provider.Provider]ProviderStatus{}
	for _, s := range statuses {
		byProvider[s.Provider] = s
	}

	assert.Equal(t, StateUnauthenticated, byProvider[provider.Gmail].State)
	assert.True(t, byProvider[provider.Gmail].Configured)

	sheets := byProvider[provider.Sheets]
	assert.Equal(t, StateActive, sheets.State)
	assert.True(t, sheets.Refreshable)
	require.NotNil(t, sheets.Expiry)
	assert.Equal(t, []string{provider.ScopeSheets}, sheets.Scopes)

	assert.False(t, byProvider[provider.Slack].Configured)

	data, err := json.Marshal(sheets)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"active"`)
}

func TestNewController_RequiresStores(t *testing.T) {
	_, err := NewController(nil, NewMemoryPendingStore(nil), Config{})
	assert.Error(t, err)

	_, err = NewController(credentials.NewMemoryStore(), nil, Config{})
	assert.Error(t, err)
}

// unreadableStore fails every read the way a store opened with the wrong
// encryption key does.
type unreadableStore struct {
	credentials.Store
}

func (unreadableStore) Get(context.Context, string, provider.Provider) (*credentials.Record, error) {
	return nil, fmt.Errorf("%w: failed to open access token: cipher: message authentication failed", credentials.ErrUnreadable)
}

func TestEnsureFresh_UnreadableCredentialIsFatal(t *testing.T) {
	ts := newTokenServer(t)
	c, err := NewController(unreadableStore{credentials.NewMemoryStore()}, NewMemoryPendingStore(nil), ts.config())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.EnsureFresh(context.Background(), "alice@example.com", provider.Gmail, nil)
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.KindProviderFatal, fe.Kind)
	assert.Equal(t, "credential_unreadable", fe.Reason)
	assert.Contains(t, fe.Hint, "CREDENTIAL_ENCRYPTION_KEY")
	assert.False(t, fe.Retryable())
	assert.ErrorIs(t, err, credentials.ErrUnreadable)
}

type countingPendingStore struct {
	*MemoryPendingStore
	saves atomic.Int32
}

func (s *countingPendingStore) Save(ctx context.Context, p *PendingAuthorization) error {
	s.saves.Add(1)
	return s.MemoryPendingStore.Save(ctx, p)
}

func newCountingController(t *testing.T, cfg Config) (*Controller, *countingPendingStore) {
	t.Helper()
	pending := &countingPendingStore{MemoryPendingStore: NewMemoryPendingStore(nil)}
	c, err := NewController(credentials.NewMemoryStore(), pending, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, pending
}

func authURLOf(t *testing.T, err error) string {
	t.Helper()
	fe, ok := failure.As(err)
	require.True(t, ok)
	require.NotEmpty(t, fe.AuthURL)
	return fe.AuthURL
}

func TestEnsureFresh_ReusesPendingAuthorization(t *testing.T) {
	ts := newTokenServer(t)
	c, pending := newCountingController(t, ts.config())
	ctx := context.Background()

	_, err := c.EnsureFresh(ctx, "carol@example.com", provider.Slack, nil)
	first := authURLOf(t, err)
	for range 5 {
		_, err = c.EnsureFresh(ctx, "carol@example.com", provider.Slack, nil)
		assert.Equal(t, first, authURLOf(t, err))
	}
	assert.Equal(t, int32(1), pending.saves.Load())

	// Different scopes need their own consent.
	_, err = c.EnsureFresh(ctx, "carol@example.com", provider.Slack, []string{"users:read"})
	assert.NotEqual(t, first, authURLOf(t, err))
	assert.Equal(t, int32(2), pending.saves.Load())

	// Explicit authorization always starts a new flow.
	explicit, err := c.BeginAuthorization(ctx, "carol@example.com", provider.Slack, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, explicit)
	assert.Equal(t, int32(3), pending.saves.Load())
}

func TestEnsureFresh_ReissuesAgingAuthorization(t *testing.T) {
	ts := newTokenServer(t)
	c, pending := newCountingController(t, ts.config())
	ctx := context.Background()

	_, err := c.EnsureFresh(ctx, "carol@example.com", provider.Slack, nil)
	first := authURLOf(t, err)

	later := time.Now().Add(DefaultPendingTTL/2 + time.Second)
	c.now = func() time.Time { return later }

	_, err = c.EnsureFresh(ctx, "carol@example.com", provider.Slack, nil)
	assert.NotEqual(t, first, authURLOf(t, err))
	assert.Equal(t, int32(2), pending.saves.Load())
}

func TestEnsureFresh_CompletedAuthorizationIsNotReused(t *testing.T) {
	ts := newTokenServer(t)
	c, pending := newCountingController(t, ts.config())
	ctx := context.Background()

	_, err := c.EnsureFresh(ctx, "carol@example.com", provider.Slack, nil)
	first := authURLOf(t, err)
	u, err := url.Parse(first)
	require.NoError(t, err)

	require.NoError(t, c.CancelAuthorization(ctx, u.Query().Get("state")))

	_, err = c.EnsureFresh(ctx, "carol@example.com", provider.Slack, nil)
	assert.NotEqual(t, first, authURLOf(t, err))
	assert.Equal(t, int32(2), pending.saves.Load())
}

func TestCancelAuthorization(t *testing.T) {
	ts := newTokenServer(t)
	c, _ := newTestController(t, ts.config())
	ctx := context.Background()

	authURL, err := c.BeginAuthorization(ctx, "alice@example.com", provider.Gmail, nil)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")

	require.NoError(t, c.CancelAuthorization(ctx, state))

	_, err = c.CompleteAuthorization(ctx, state, "code")
	assert.Equal(t, failure.KindInvalidInvocation, failure.KindOf(err))

	// Unknown and already discarded states are ignored.
	assert.NoError(t, c.CancelAuthorization(ctx, state))
	assert.NoError(t, c.CancelAuthorization(ctx, "forged-state"))
}

func TestInvalidate_ForcesRefresh(t *testing.T) {
	ts := newTokenServer(t)
	c, store := newTestController(t, ts.config())
	ctx := context.Background()
	putRecord(t, store, "alice@example.com", provider.Gmail, time.Hour)

	require.NoError(t, c.Invalidate(ctx, "alice@example.com", provider.Gmail, "stale-access", nil, true))

	rec, err := c.EnsureFresh(ctx, "alice@example.com", provider.Gmail, nil)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", rec.AccessToken)
	assert.Equal(t, int32(1), ts.refreshes.Load())
}

func TestInvalidate_AlreadyRefreshedTokenIsKept(t *testing.T) {
	ts := newTokenServer(t)
	c, store := newTestController(t, ts.config())
	ctx := context.Background()
	putRecord(t, store, "alice@example.com", provider.Gmail, time.Hour)

	require.NoError(t, c.Invalidate(ctx, "alice@example.com", provider.Gmail, "older-access", nil, true))

	rec, err := c.EnsureFresh(ctx, "alice@example.com", provider.Gmail, nil)
	require.NoError(t, err)
	assert.Equal(t, "stale-access", rec.AccessToken)
	assert.Zero(t, ts.refreshes.Load())
}

func TestInvalidate_RemovesCredential(t *testing.T) {
	tests := []struct {
		name         string
		refreshToken string
		allowRefresh bool
	}{
		{name: "rejected again after refresh", refreshToken: "stored-refresh", allowRefresh: false},
		{name: "nothing to refresh with", refreshToken: "", allowRefresh: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t)
			c, store := newTestController(t, ts.config())
			ctx := context.Background()
			rec := putRecord(t, store, "alice@example.com", provider.Sheets, time.Hour)
			rec.RefreshToken = tt.refreshToken
			require.NoError(t, store.Put(ctx, rec))

			err := c.Invalidate(ctx, "alice@example.com", provider.Sheets, "stale-access", nil, tt.allowRefresh)
			fe, ok := failure.As(err)
			require.True(t, ok)
			assert.Equal(t, failure.KindUnauthenticated, fe.Kind)
			assert.Equal(t, "token_rejected", fe.Reason)
			assert.Contains(t, fe.AuthURL, ts.URL+"/auth")

			_, err = store.Get(ctx, "alice@example.com", provider.Sheets)
			assert.ErrorIs(t, err, credentials.ErrNotFound)
			assert.Zero(t, ts.refreshes.Load())
		})
	}
}
