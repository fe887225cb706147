package oauthflow

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/teemow/expensebridge/internal/instrumentation"
	"github.com/teemow/expensebridge/internal/provider"
)

const (
	// DefaultSkewWindow is how long before expiry an access token is refreshed.
	DefaultSkewWindow = 60 * time.Second

	// DefaultPendingTTL bounds how long a user has to complete consent.
	DefaultPendingTTL = 10 * time.Minute

	// DefaultRefreshTimeout bounds a single refresh grant.
	DefaultRefreshTimeout = 30 * time.Second
)

// ClientConfig holds OAuth client credentials registered with a provider.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
}

// Configured reports whether a client id is set.
func (c ClientConfig) Configured() bool {
	return c.ClientID != ""
}

// Config configures a Controller.
type Config struct {
	// Google is shared by Gmail and Sheets.
	Google ClientConfig
	Slack  ClientConfig

	// RedirectURL is the public URL of the /oauth/callback endpoint.
	RedirectURL string

	SkewWindow     time.Duration
	PendingTTL     time.Duration
	RefreshTimeout time.Duration

	// Endpoints overrides the OAuth2 endpoint per provider.
	Endpoints map[provider.Provider]oauth2.Endpoint
	// RevokeURLs overrides the upstream revocation endpoint per provider.
	RevokeURLs map[provider.Provider]string

	// HTTPClient is used for token and revocation requests.
	HTTPClient *http.Client

	Logger  *slog.Logger
	Metrics *instrumentation.Metrics
}

func (c *Config) applyDefaults() {
	if c.SkewWindow <= 0 {
		c.SkewWindow = DefaultSkewWindow
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = DefaultPendingTTL
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.RefreshTimeout}
	}
}

func (c *Config) client(p provider.Provider) ClientConfig {
	if p.Info().UsesGoogleClient {
		return c.Google
	}
	if p == provider.Slack {
		return c.Slack
	}
	return ClientConfig{}
}

func (c *Config) endpoint(p provider.Provider) oauth2.Endpoint {
	if ep, ok := c.Endpoints[p]; ok {
		return ep
	}
	return p.Info().Endpoint
}

func (c *Config) revokeURL(p provider.Provider) string {
	if u, ok := c.RevokeURLs[p]; ok {
		return u
	}
	return p.Info().RevokeURL
}
