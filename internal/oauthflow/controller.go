package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/failure"
	"github.com/teemow/expensebridge/internal/instrumentation"
	"github.com/teemow/expensebridge/internal/logging"
	"github.com/teemow/expensebridge/internal/provider"
)

// Token endpoint error codes that mean the refresh token is no longer valid.
// Slack reports revoked or rotated-away tokens with its own codes.
var revokedGrantCodes = map[string]bool{
	"invalid_grant":         true,
	"invalid_refresh_token": true,
	"token_revoked":         true,
	"token_expired":         true,
}

// Token endpoint error codes that mean the OAuth client itself is rejected.
var clientErrorCodes = map[string]bool{
	"invalid_client":      true,
	"unauthorized_client": true,
	"invalid_client_id":   true,
	"bad_client_secret":   true,
}

// Controller drives authorization, refresh and revocation of credentials.
// It is the only component that writes to the credential store.
type Controller struct {
	store   credentials.Store
	pending PendingStore
	cfg     Config
	oauth   map[provider.Provider]*oauth2.Config

	group singleflight.Group
	locks *keyedMutex

	// states tracks transient states (exchanging, refreshing, failed).
	// Active and unauthenticated are derived from the store.
	mu     sync.RWMutex
	states map[credentials.Key]State

	// issued remembers consent URLs handed out on failed dispatches so
	// repeated calls reuse one pending authorization.
	issuedMu sync.Mutex
	issued   map[string]issuedAuth

	logger  *slog.Logger
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewController creates a controller. Providers without client credentials
// in cfg are disabled.
func NewController(store credentials.Store, pending PendingStore, cfg Config) (*Controller, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if pending == nil {
		return nil, errors.New("pending authorization store is required")
	}
	cfg.applyDefaults()

	c := &Controller{
		store:   store,
		pending: pending,
		cfg:     cfg,
		oauth:   make(map[provider.Provider]*oauth2.Config),
		locks:   newKeyedMutex(),
		states:  make(map[credentials.Key]State),
		issued:  make(map[string]issuedAuth),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}

	for _, p := range provider.All() {
		client := cfg.client(p)
		if !client.Configured() {
			c.logger.Info("provider disabled, no OAuth client configured", logging.Provider(string(p)))
			continue
		}
		c.oauth[p] = &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			Endpoint:     cfg.endpoint(p),
			RedirectURL:  cfg.RedirectURL,
		}
	}
	return c, nil
}

// Enabled reports whether p has a configured OAuth client.
func (c *Controller) Enabled(p provider.Provider) bool {
	_, ok := c.oauth[p]
	return ok
}

// SkewWindow returns the configured refresh skew.
func (c *Controller) SkewWindow() time.Duration {
	return c.cfg.SkewWindow
}

func (c *Controller) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
}

func (c *Controller) oauthConfig(p provider.Provider) (*oauth2.Config, error) {
	conf, ok := c.oauth[p]
	if !ok {
		fe := failure.Newf(failure.KindProviderFatal, p, "no OAuth client configured for %s", p)
		fe.Reason = "provider_disabled"
		fe.Hint = fmt.Sprintf("%s is not configured on this server", p.DisplayName())
		return nil, fe
	}
	return conf, nil
}

// BeginAuthorization starts a consent flow and returns the URL the user must
// visit. The requested scopes are merged with the provider's required scopes.
// The returned URL carries a fresh state bound to principal and p.
func (c *Controller) BeginAuthorization(ctx context.Context, principal string, p provider.Provider, scopes []string) (string, error) {
	authURL, _, err := c.begin(ctx, principal, p, scopes)
	return authURL, err
}

func (c *Controller) begin(ctx context.Context, principal string, p provider.Provider, scopes []string) (string, *PendingAuthorization, error) {
	conf, err := c.oauthConfig(p)
	if err != nil {
		return "", nil, err
	}
	if principal == "" {
		return "", nil, failure.Newf(failure.KindInvalidInvocation, p, "principal is required")
	}

	now := c.now()
	pend := &PendingAuthorization{
		State:     uuid.NewString(),
		Principal: principal,
		Provider:  p,
		Scopes:    credentials.MergeScopes(p.Info().RequiredScopes, scopes),
		Verifier:  oauth2.GenerateVerifier(),
		CreatedAt: now,
		ExpiresAt: now.Add(c.cfg.PendingTTL),
	}
	if err := c.pending.Save(ctx, pend); err != nil {
		return "", nil, fmt.Errorf("failed to save pending authorization: %w", err)
	}

	c.logger.Debug("authorization started",
		logging.Provider(string(p)),
		logging.PrincipalHash(principal),
		"scopes", pend.Scopes,
	)
	return authCodeURL(conf, pend), pend, nil
}

type issuedAuth struct {
	url       string
	key       credentials.Key
	expiresAt time.Time
}

func issuedKey(principal string, p provider.Provider, scopes []string) string {
	return credentials.Key{Principal: principal, Provider: p}.String() + "|" + strings.Join(scopes, " ")
}

// reauthorizationURL returns a consent URL for a failed dispatch. A pending
// authorization for the same principal, provider and scopes is reused while
// more than half of its lifetime remains.
func (c *Controller) reauthorizationURL(ctx context.Context, principal string, p provider.Provider, scopes []string) (string, error) {
	scopes = credentials.MergeScopes(p.Info().RequiredScopes, scopes)
	k := issuedKey(principal, p, scopes)
	now := c.now()

	c.issuedMu.Lock()
	if ia, ok := c.issued[k]; ok && ia.expiresAt.Sub(now) > c.cfg.PendingTTL/2 {
		c.issuedMu.Unlock()
		return ia.url, nil
	}
	c.issuedMu.Unlock()

	authURL, pend, err := c.begin(ctx, principal, p, scopes)
	if err != nil {
		return "", err
	}

	c.issuedMu.Lock()
	defer c.issuedMu.Unlock()
	for ik, ia := range c.issued {
		if !ia.expiresAt.After(now) {
			delete(c.issued, ik)
		}
	}
	c.issued[k] = issuedAuth{url: authURL, key: pend.Key(), expiresAt: pend.ExpiresAt}
	return authURL, nil
}

// forgetIssued drops remembered consent URLs for key once their pending
// authorization has been used up.
func (c *Controller) forgetIssued(key credentials.Key) {
	c.issuedMu.Lock()
	defer c.issuedMu.Unlock()
	for ik, ia := range c.issued {
		if ia.key == key {
			delete(c.issued, ik)
		}
	}
}

func authCodeURL(conf *oauth2.Config, pend *PendingAuthorization) string {
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(pend.Verifier)}

	if pend.Provider.Info().UsesGoogleClient {
		scoped := *conf
		scoped.Scopes = pend.Scopes
		opts = append(opts,
			oauth2.AccessTypeOffline,
			oauth2.ApprovalForce,
			oauth2.SetAuthURLParam("include_granted_scopes", "true"),
		)
		return scoped.AuthCodeURL(pend.State, opts...)
	}

	// Slack expects a comma separated scope list.
	opts = append(opts, oauth2.SetAuthURLParam("scope", strings.Join(pend.Scopes, ",")))
	return conf.AuthCodeURL(pend.State, opts...)
}

// CompleteAuthorization exchanges the code received on the callback for
// tokens. The principal and provider are taken from the pending authorization
// bound to state. A state can be completed only once.
func (c *Controller) CompleteAuthorization(ctx context.Context, state, code string) (*credentials.Record, error) {
	pend, err := c.pending.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, ErrPendingNotFound) {
			fe := failure.New(failure.KindInvalidInvocation, "", err)
			fe.Hint = "the authorization link expired or was already used, start the authorization again"
			return nil, fe
		}
		return nil, err
	}

	p := pend.Provider
	key := pend.Key()
	c.forgetIssued(key)

	conf, err := c.oauthConfig(p)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(key)
	defer unlock()

	logger := logging.WithPrincipal(logging.WithProvider(c.logger, string(p)), pend.Principal)
	c.setState(key, StateExchanging)

	tok, err := conf.Exchange(c.clientContext(ctx), code, oauth2.VerifierOption(pend.Verifier))
	if err != nil {
		c.metrics.RecordOAuthAuth(ctx, string(p), instrumentation.OAuthResultFailure)
		logger.Warn("authorization code exchange failed", logging.Err(err))
		return nil, c.exchangeFailure(key, err)
	}

	rec := credentials.FromToken(pend.Principal, p, tok, pend.Scopes)
	rec.DisplayName = p.DisplayName()
	if rec.RefreshToken == "" {
		// Providers may omit the refresh token on re-consent.
		if prev, err := c.store.Get(ctx, pend.Principal, p); err == nil {
			rec.RefreshToken = prev.RefreshToken
		}
	}

	if err := c.store.Put(ctx, rec); err != nil {
		c.setState(key, StateUnauthenticated)
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	c.setState(key, StateActive)

	if missing := rec.Missing(pend.Scopes); len(missing) > 0 {
		c.metrics.RecordOAuthAuth(ctx, string(p), instrumentation.OAuthResultInsufficientScope)
		logger.Warn("authorization granted fewer scopes than requested", "missing", missing)
		return nil, c.insufficientScope(ctx, rec, pend.Scopes, missing)
	}

	c.metrics.RecordOAuthAuth(ctx, string(p), instrumentation.OAuthResultSuccess)
	logger.Info("authorization completed", "scopes", rec.Scopes)
	return rec.Clone(), nil
}

// CancelAuthorization discards the pending authorization bound to state,
// for example when the user denied consent. Unknown states are ignored.
func (c *Controller) CancelAuthorization(ctx context.Context, state string) error {
	pend, err := c.pending.Consume(ctx, state)
	if errors.Is(err, ErrPendingNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to discard pending authorization: %w", err)
	}
	c.forgetIssued(pend.Key())
	c.logger.Debug("authorization cancelled",
		logging.Provider(string(pend.Provider)),
		logging.PrincipalHash(pend.Principal),
	)
	return nil
}

func (c *Controller) exchangeFailure(key credentials.Key, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && clientErrorCodes[re.ErrorCode] {
		c.setState(key, StateFailed)
		fe := failure.New(failure.KindProviderFatal, key.Provider, err)
		fe.Reason = re.ErrorCode
		fe.Hint = fmt.Sprintf("the %s OAuth client was rejected, check the client id and secret", key.Provider.DisplayName())
		return fe
	}

	c.setState(key, StateUnauthenticated)
	fe := failure.Unauthenticated(key.Provider, "", err)
	fe.Reason = "code_exchange_failed"
	if re != nil && re.ErrorCode != "" {
		fe.Reason = re.ErrorCode
	}
	return fe
}

// EnsureFresh returns a credential for (principal, p) whose access token does
// not expire within the skew window and whose granted scopes cover required.
// It refreshes at most once per key at a time; concurrent callers share the
// result of the in-flight refresh.
func (c *Controller) EnsureFresh(ctx context.Context, principal string, p provider.Provider, required []string) (*credentials.Record, error) {
	if _, err := c.oauthConfig(p); err != nil {
		return nil, err
	}

	rec, err := c.store.Get(ctx, principal, p)
	if errors.Is(err, credentials.ErrNotFound) {
		return nil, c.unauthenticated(ctx, principal, p, required, err)
	}
	if err != nil {
		return nil, loadFailure(p, err)
	}

	if missing := rec.Missing(required); len(missing) > 0 {
		return nil, c.insufficientScope(ctx, rec, required, missing)
	}

	if rec.ExpiresWithin(c.now(), c.cfg.SkewWindow) {
		rec, err = c.refresh(ctx, rec.Key())
		if err != nil {
			return nil, err
		}
		if missing := rec.Missing(required); len(missing) > 0 {
			return nil, c.insufficientScope(ctx, rec, required, missing)
		}
	}
	return rec, nil
}

// loadFailure classifies a credential store error other than ErrNotFound.
// A record that cannot be decrypted will not read back on retry.
func loadFailure(p provider.Provider, err error) *failure.Error {
	if errors.Is(err, credentials.ErrUnreadable) {
		fe := failure.Newf(failure.KindProviderFatal, p, "failed to load credential: %w", err)
		fe.Reason = "credential_unreadable"
		fe.Hint = "the stored credential could not be decrypted, check CREDENTIAL_ENCRYPTION_KEY or authorize again"
		return fe
	}
	return failure.Newf(failure.KindProviderTransient, p, "failed to load credential: %w", err)
}

// Invalidate handles a provider rejecting accessToken for (principal, p).
// When allowRefresh is set and a refresh token is stored, the credential is
// marked expired so the next EnsureFresh refreshes it, and nil is returned.
// If the stored token already differs from accessToken another caller has
// refreshed it and nil is returned as well. Otherwise the credential is
// removed and an Unauthenticated failure carrying a consent URL is returned.
func (c *Controller) Invalidate(ctx context.Context, principal string, p provider.Provider, accessToken string, required []string, allowRefresh bool) error {
	key := credentials.Key{Principal: principal, Provider: p}
	unlock := c.locks.Lock(key)
	defer unlock()

	cause := errors.New("access token rejected by provider")
	rec, err := c.store.Get(ctx, principal, p)
	if errors.Is(err, credentials.ErrNotFound) {
		return c.unauthenticated(ctx, principal, p, required, cause)
	}
	if err != nil {
		return loadFailure(p, err)
	}

	logger := logging.WithPrincipal(logging.WithProvider(c.logger, string(p)), principal)
	if allowRefresh {
		if rec.AccessToken != accessToken {
			return nil
		}
		if rec.Refreshable() {
			rec.Expiry = c.now().Add(-time.Second)
			if err := c.store.Put(ctx, rec); err != nil {
				return fmt.Errorf("failed to store credential: %w", err)
			}
			c.group.Forget(key.String())
			logger.Info("access token rejected, forcing refresh")
			return nil
		}
	}

	logger.Warn("access token rejected, removing credential", "refreshable", rec.Refreshable())
	if err := c.store.Revoke(ctx, principal, p); err != nil {
		logger.Error("failed to remove rejected credential", logging.Err(err))
	}
	c.setState(key, StateUnauthenticated)
	c.group.Forget(key.String())

	fe := c.unauthenticated(ctx, principal, p, credentials.MergeScopes(rec.Scopes, required), cause)
	fe.Reason = "token_rejected"
	return fe
}

func (c *Controller) unauthenticated(ctx context.Context, principal string, p provider.Provider, scopes []string, cause error) *failure.Error {
	authURL, err := c.reauthorizationURL(ctx, principal, p, scopes)
	if err != nil {
		c.logger.Warn("failed to start re-authorization", logging.Provider(string(p)), logging.Err(err))
	}
	return failure.Unauthenticated(p, authURL, cause)
}

func (c *Controller) insufficientScope(ctx context.Context, rec *credentials.Record, required, missing []string) *failure.Error {
	authURL, err := c.reauthorizationURL(ctx, rec.Principal, rec.Provider, credentials.MergeScopes(rec.Scopes, required))
	if err != nil {
		c.logger.Warn("failed to start re-authorization", logging.Provider(string(rec.Provider)), logging.Err(err))
	}
	return failure.InsufficientScope(rec.Provider, missing, authURL)
}

// refresh runs a single-flight refresh for key. The shared refresh is detached
// from the caller's cancellation; a cancelled caller stops waiting but the
// refresh completes for the others.
func (c *Controller) refresh(ctx context.Context, key credentials.Key) (*credentials.Record, error) {
	ch := c.group.DoChan(key.String(), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RefreshTimeout)
		defer cancel()
		return c.doRefresh(rctx, key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*credentials.Record).Clone(), nil
	}
}

func (c *Controller) doRefresh(ctx context.Context, key credentials.Key) (*credentials.Record, error) {
	p := key.Provider
	unlock := c.locks.Lock(key)
	defer unlock()

	// Re-read under the lock: another refresh may have completed meanwhile.
	rec, err := c.store.Get(ctx, key.Principal, p)
	if errors.Is(err, credentials.ErrNotFound) {
		return nil, c.unauthenticated(ctx, key.Principal, p, nil, err)
	}
	if err != nil {
		return nil, loadFailure(p, err)
	}
	if !rec.ExpiresWithin(c.now(), c.cfg.SkewWindow) {
		return rec, nil
	}
	if !rec.Refreshable() {
		c.setState(key, StateUnauthenticated)
		return nil, c.unauthenticated(ctx, key.Principal, p, rec.Scopes, errors.New("access token expired and no refresh token is stored"))
	}

	conf, err := c.oauthConfig(p)
	if err != nil {
		return nil, err
	}

	logger := logging.WithPrincipal(logging.WithProvider(c.logger, string(p)), key.Principal)
	ctx, span := instrumentation.StartRefreshSpan(ctx, string(p))
	defer span.End()

	c.setState(key, StateRefreshing)
	start := time.Now()

	// An empty access token forces the token source to run the refresh grant.
	tok, err := conf.TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: rec.RefreshToken}).Token()
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, c.refreshFailure(ctx, logger, rec, err, time.Since(start))
	}

	fresh := credentials.FromToken(key.Principal, p, tok, rec.Scopes)
	fresh.DisplayName = rec.DisplayName
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = rec.RefreshToken
	}

	if fresh.ExpiresWithin(c.now(), c.cfg.SkewWindow) {
		c.setState(key, StateActive)
		c.metrics.RecordOAuthTokenRefresh(ctx, string(p), instrumentation.OAuthResultFailure, time.Since(start))
		fe := failure.Newf(failure.KindRefreshFailed, p, "refreshed token expires at %s, inside the %s skew window",
			fresh.Expiry.Format(time.RFC3339), c.cfg.SkewWindow)
		fe.Reason = "short_lived_token"
		return nil, fe
	}

	if err := c.store.Put(ctx, fresh); err != nil {
		// The new token is usable for this call even if it could not be saved.
		logger.Warn("failed to save refreshed credential", logging.Err(err))
	}
	c.setState(key, StateActive)
	c.metrics.RecordOAuthTokenRefresh(ctx, string(p), instrumentation.OAuthResultSuccess, time.Since(start))
	instrumentation.SetSpanSuccess(span)
	logger.Info("access token refreshed",
		logging.Duration(time.Since(start)),
		"expires_at", fresh.Expiry,
	)
	return fresh, nil
}

func (c *Controller) refreshFailure(ctx context.Context, logger *slog.Logger, rec *credentials.Record, err error, took time.Duration) error {
	key := rec.Key()
	p := key.Provider

	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		// Network failure talking to the token endpoint.
		c.setState(key, StateActive)
		c.metrics.RecordOAuthTokenRefresh(ctx, string(p), instrumentation.OAuthResultFailure, took)
		logger.Warn("token refresh request failed", logging.Err(err))
		fe := failure.New(failure.KindProviderTransient, p, err)
		fe.Reason = "refresh_unavailable"
		return fe
	}

	switch {
	case revokedGrantCodes[re.ErrorCode]:
		c.metrics.RecordOAuthTokenRefresh(ctx, string(p), instrumentation.OAuthResultInvalidGrant, took)
		logger.Warn("refresh token rejected, removing credential", "error_code", re.ErrorCode)
		if rerr := c.store.Revoke(ctx, key.Principal, p); rerr != nil {
			logger.Error("failed to remove rejected credential", logging.Err(rerr))
		}
		c.setState(key, StateUnauthenticated)

		refreshErr := failure.New(failure.KindRefreshFailed, p, err)
		refreshErr.Reason = re.ErrorCode
		fe := c.unauthenticated(ctx, key.Principal, p, rec.Scopes, refreshErr)
		fe.Reason = re.ErrorCode
		return fe

	case clientErrorCodes[re.ErrorCode]:
		c.metrics.RecordOAuthTokenRefresh(ctx, string(p), instrumentation.OAuthResultFailure, took)
		logger.Error("OAuth client rejected by token endpoint", "error_code", re.ErrorCode)
		c.setState(key, StateFailed)
		fe := failure.New(failure.KindRefreshFailed, p, err)
		fe.Reason = re.ErrorCode
		fe.Hint = fmt.Sprintf("the %s OAuth client was rejected, check the client id and secret", p.DisplayName())
		return fe
	}

	c.metrics.RecordOAuthTokenRefresh(ctx, string(p), instrumentation.OAuthResultFailure, took)
	c.setState(key, StateActive)
	if re.Response != nil && (re.Response.StatusCode >= 500 || re.Response.StatusCode == http.StatusTooManyRequests) {
		logger.Warn("token endpoint unavailable", "status", re.Response.StatusCode)
		fe := failure.New(failure.KindProviderTransient, p, err)
		fe.Status = re.Response.StatusCode
		fe.Reason = "refresh_unavailable"
		return fe
	}

	logger.Warn("token refresh failed", "error_code", re.ErrorCode, logging.Err(err))
	fe := failure.New(failure.KindRefreshFailed, p, err)
	fe.Reason = re.ErrorCode
	return fe
}

// Revoke deletes the stored credential and asks the provider to revoke it.
// Upstream revocation is best effort; the local record is always removed.
func (c *Controller) Revoke(ctx context.Context, principal string, p provider.Provider) error {
	key := credentials.Key{Principal: principal, Provider: p}
	unlock := c.locks.Lock(key)
	defer unlock()

	rec, err := c.store.Get(ctx, principal, p)
	if errors.Is(err, credentials.ErrNotFound) {
		c.setState(key, StateUnauthenticated)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}

	if err := c.store.Revoke(ctx, principal, p); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	c.setState(key, StateUnauthenticated)
	c.group.Forget(key.String())

	c.revokeUpstream(ctx, rec)
	c.logger.Info("credential revoked", logging.Provider(string(p)), logging.PrincipalHash(principal))
	return nil
}

func (c *Controller) revokeUpstream(ctx context.Context, rec *credentials.Record) {
	endpoint := c.cfg.revokeURL(rec.Provider)
	if endpoint == "" {
		return
	}

	var (
		req *http.Request
		err error
	)
	if rec.Provider.Info().UsesGoogleClient {
		token := rec.RefreshToken
		if token == "" {
			token = rec.AccessToken
		}
		form := url.Values{"token": {token}}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+rec.AccessToken)
		}
	}
	if err != nil {
		c.logger.Warn("failed to build revocation request", logging.Err(err))
		return
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		c.logger.Warn("upstream token revocation failed", logging.Provider(string(rec.Provider)), logging.Err(err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		c.logger.Warn("upstream token revocation rejected",
			logging.Provider(string(rec.Provider)),
			"status", resp.StatusCode,
		)
	}
}

func (c *Controller) setState(key credentials.Key, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch s {
	case StateActive, StateUnauthenticated:
		delete(c.states, key)
	default:
		c.states[key] = s
	}
}

// State returns the lifecycle state of (principal, p).
func (c *Controller) State(ctx context.Context, principal string, p provider.Provider) State {
	c.mu.RLock()
	s, ok := c.states[credentials.Key{Principal: principal, Provider: p}]
	c.mu.RUnlock()
	if ok {
		return s
	}
	if _, err := c.store.Get(ctx, principal, p); err == nil {
		return StateActive
	}
	return StateUnauthenticated
}

// ProviderStatus describes one provider's credential for a principal.
type ProviderStatus struct {
	Provider    provider.Provider `json:"provider"`
	DisplayName string            `json:"display_name"`
	Configured  bool              `json:"configured"`
	State       State             `json:"state"`
	Scopes      []string          `json:"scopes,omitempty"`
	Expiry      *time.Time        `json:"expiry,omitempty"`
	Refreshable bool              `json:"refreshable"`
}

// Status returns the credential status of every provider for principal.
func (c *Controller) Status(ctx context.Context, principal string) ([]ProviderStatus, error) {
	records, err := c.store.List(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	byProvider := make(map[provider.Provider]*credentials.Record, len(records))
	for _, r := range records {
		byProvider[r.Provider] = r
	}

	out := make([]ProviderStatus, 0, len(provider.All()))
	for _, p := range provider.All() {
		st := ProviderStatus{
			Provider:    p,
			DisplayName: p.DisplayName(),
			Configured:  c.Enabled(p),
			State:       StateUnauthenticated,
		}
		if r, ok := byProvider[p]; ok {
			st.State = StateActive
			st.Scopes = r.Scopes
			st.Refreshable = r.Refreshable()
			if !r.Expiry.IsZero() {
				exp := r.Expiry
				st.Expiry = &exp
			}
		}
		c.mu.RLock()
		if s, ok := c.states[credentials.Key{Principal: principal, Provider: p}]; ok {
			st.State = s
		}
		c.mu.RUnlock()
		out = append(out, st)
	}
	return out, nil
}

// Close releases the pending store.
func (c *Controller) Close() error {
	return c.pending.Close()
}
