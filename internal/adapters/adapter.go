package adapters

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/failure"
	"github.com/teemow/expensebridge/internal/provider"
)

// Operation names understood by the adapters.
const (
	OpListMessages = "list_messages"
	OpReadMessage  = "read_message"
	OpMarkRead     = "mark_read"
	OpReadRows     = "read_rows"
	OpAppendRows   = "append_rows"
	OpPostMessage  = "post_message"
)

// DefaultTimeout bounds a single provider HTTP request.
const DefaultTimeout = 30 * time.Second

// Adapter executes provider operations with a credential supplied by the
// caller. Adapters never load, refresh or store credentials.
//
// Execute returns classified errors (see Classify).
type Adapter interface {
	Provider() provider.Provider
	Operations() []string
	Execute(ctx context.Context, operation string, cred *credentials.Record, args Args) (any, error)
}

// Options configures the HTTP clients adapters use.
type Options struct {
	// BaseURLs overrides provider API base URLs.
	BaseURLs map[provider.Provider]string
	// Transport is the base round tripper. Nil uses http.DefaultTransport.
	Transport http.RoundTripper
	Timeout   time.Duration
	Logger    *slog.Logger

	// SpreadsheetID is used when a Sheets operation has no spreadsheet_id.
	SpreadsheetID string
	// SlackChannel is used when post_message has no channel argument.
	SlackChannel string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Transport == nil {
		o.Transport = http.DefaultTransport
	}
	return o
}

func (o Options) baseURL(p provider.Provider) string {
	u, ok := o.BaseURLs[p]
	if !ok {
		u = p.Info().BaseURL
	}
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	return u
}

// httpClient returns a client that authenticates with cred and records the
// call in the request context's CallTrace. A nil cred yields an
// unauthenticated client.
func (o Options) httpClient(cred *credentials.Record) *http.Client {
	var rt http.RoundTripper = o.Transport
	if cred != nil {
		rt = &oauth2.Transport{Source: oauth2.StaticTokenSource(cred.Token()), Base: rt}
	}
	return &http.Client{
		Timeout:   o.Timeout,
		Transport: &traceTransport{base: rt},
	}
}

func unsupported(p provider.Provider, op string) error {
	fe := failure.Newf(failure.KindInvalidInvocation, p, "%s does not support operation %q", p.DisplayName(), op)
	fe.Reason = "unsupported_operation"
	return fe
}

// Registry maps providers to their adapters.
type Registry struct {
	adapters map[provider.Provider]Adapter
}

// NewRegistry registers the given adapters. A later adapter for the same
// provider replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[provider.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// DefaultRegistry returns a registry with the Gmail, Sheets and Slack adapters.
func DefaultRegistry(opts Options) *Registry {
	return NewRegistry(NewGmailAdapter(opts), NewSheetsAdapter(opts), NewSlackAdapter(opts))
}

// Get returns the adapter for p.
func (r *Registry) Get(p provider.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Supports reports whether an adapter for p implements op.
func (r *Registry) Supports(p provider.Provider, op string) bool {
	a, ok := r.adapters[p]
	return ok && slices.Contains(a.Operations(), op)
}
