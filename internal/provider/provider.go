package provider

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Provider identifies one external API integration.
type Provider string

const (
	Gmail  Provider = "gmail"
	Sheets Provider = "sheets"
	Slack  Provider = "slack"
)

// OAuth scopes used by the providers.
const (
	ScopeGmailReadonly = "https://www.googleapis.com/auth/gmail.readonly"
	ScopeGmailModify   = "https://www.googleapis.com/auth/gmail.modify"
	ScopeSheets        = "https://www.googleapis.com/auth/spreadsheets"
	ScopeSheetsRead    = "https://www.googleapis.com/auth/spreadsheets.readonly"
	ScopeSlackChatBot  = "chat:write"
)

// SlackEndpoint is Slack's OAuth v2 endpoint. The endpoint shipped in
// golang.org/x/oauth2/slack still points at the legacy v1 flow.
var SlackEndpoint = oauth2.Endpoint{
	AuthURL:   "https://slack.com/oauth/v2/authorize",
	TokenURL:  "https://slack.com/api/oauth.v2.access",
	AuthStyle: oauth2.AuthStyleInParams,
}

// RateClass describes the token bucket applied per (provider, principal).
type RateClass struct {
	Name      string
	PerSecond float64
	Burst     int
}

// Info carries the static description of a provider.
type Info struct {
	DisplayName    string
	RequiredScopes []string
	BaseURL        string
	RateClass      RateClass
	Endpoint       oauth2.Endpoint
	// RevokeURL is empty when the provider has no token revocation endpoint.
	RevokeURL string
	// UsesGoogleClient reports whether the provider shares the Google OAuth client.
	UsesGoogleClient bool
}

var registry = map[Provider]Info{
	Gmail: {
		DisplayName:    "Gmail",
		RequiredScopes: []string{ScopeGmailReadonly},
		BaseURL:        "https://gmail.googleapis.com/",
		// Gmail allows 250 quota units per user per second; a message get costs 5.
		RateClass:        RateClass{Name: "google-gmail", PerSecond: 40, Burst: 20},
		Endpoint:         google.Endpoint,
		RevokeURL:        "https://oauth2.googleapis.com/revoke",
		UsesGoogleClient: true,
	},
	Sheets: {
		DisplayName:    "Google Sheets",
		RequiredScopes: []string{ScopeSheets},
		BaseURL:        "https://sheets.googleapis.com/",
		// 60 requests per minute per user.
		RateClass:        RateClass{Name: "google-sheets", PerSecond: 1, Burst: 10},
		Endpoint:         google.Endpoint,
		RevokeURL:        "https://oauth2.googleapis.com/revoke",
		UsesGoogleClient: true,
	},
	Slack: {
		DisplayName:    "Slack",
		RequiredScopes: []string{ScopeSlackChatBot},
		BaseURL:        "https://slack.com/api/",
		// chat.postMessage is limited to about one message per second per channel.
		RateClass: RateClass{Name: "slack-tier-special", PerSecond: 1, Burst: 3},
		Endpoint:  SlackEndpoint,
		RevokeURL: "https://slack.com/api/auth.revoke",
	},
}

// All returns every provider in a stable order.
func All() []Provider {
	out := make([]Provider, 0, len(registry))
	for p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Parse converts a provider name into a Provider.
func Parse(name string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := registry[p]; !ok {
		return "", fmt.Errorf("unknown provider %q (supported: gmail, sheets, slack)", name)
	}
	return p, nil
}

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	_, ok := registry[p]
	return ok
}

// Info returns the static description of p. Unknown providers yield a zero Info.
func (p Provider) Info() Info {
	info := registry[p]
	info.RequiredScopes = slices.Clone(info.RequiredScopes)
	return info
}

// DisplayName returns a human readable provider name.
func (p Provider) DisplayName() string {
	if info, ok := registry[p]; ok {
		return info.DisplayName
	}
	return string(p)
}

func (p Provider) String() string {
	return string(p)
}
