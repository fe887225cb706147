// Package tooltest builds a server context backed by fake provider adapters
// for testing MCP tool handlers.
package tooltest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/teemow/expensebridge/internal/adapters"
	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/dispatch"
	"github.com/teemow/expensebridge/internal/expense"
	"github.com/teemow/expensebridge/internal/oauthflow"
	"github.com/teemow/expensebridge/internal/provider"
	"github.com/teemow/expensebridge/internal/ratelimit"
	"github.com/teemow/expensebridge/internal/retry"
	"github.com/teemow/expensebridge/internal/server"
)

// RedirectURL is the callback URL the test controller is configured with.
const RedirectURL = "http://localhost:8080/oauth/callback"

// Call is one operation executed by a fake adapter.
type Call struct {
	Provider  provider.Provider
	Operation string
	Principal string
	Args      adapters.Args
}

// HandlerFunc answers one fake adapter operation.
type HandlerFunc func(op string, args adapters.Args) (any, error)

// FakeAdapter serves every operation of one provider through a HandlerFunc.
type FakeAdapter struct {
	env *Env
	p   provider.Provider
	ops []string
}

func (f *FakeAdapter) Provider() provider.Provider { return f.p }
func (f *FakeAdapter) Operations() []string        { return f.ops }

func (f *FakeAdapter) Execute(_ context.Context, op string, cred *credentials.Record, args adapters.Args) (any, error) {
	f.env.mu.Lock()
	f.env.calls = append(f.env.calls, Call{Provider: f.p, Operation: op, Principal: cred.Principal, Args: args})
	h := f.env.handlers[f.p]
	f.env.mu.Unlock()
	if h == nil {
		return map[string]any{"ok": true}, nil
	}
	return h(op, args)
}

// Env is a server context wired to fake adapters and an in-memory store.
type Env struct {
	SC         *server.ServerContext
	Store      *credentials.MemoryStore
	Controller *oauthflow.Controller

	mu       sync.Mutex
	handlers map[provider.Provider]HandlerFunc
	calls    []Call
}

// New creates an Env. Google and Slack clients are configured; no provider
// credentials are stored until Grant is called.
func New(t *testing.T) *Env {
	t.Helper()

	env := &Env{
		Store:    credentials.NewMemoryStore(),
		handlers: map[provider.Provider]HandlerFunc{},
	}

	endpoint := oauth2.Endpoint{AuthURL: "https://auth.example/authorize", TokenURL: "https://auth.example/token"}
	controller, err := oauthflow.NewController(env.Store, oauthflow.NewMemoryPendingStore(nil), oauthflow.Config{
		Google:      oauthflow.ClientConfig{ClientID: "google-id", ClientSecret: "google-secret"},
		Slack:       oauthflow.ClientConfig{ClientID: "slack-id", ClientSecret: "slack-secret"},
		RedirectURL: RedirectURL,
		Endpoints: map[provider.Provider]oauth2.Endpoint{
			provider.Gmail:  endpoint,
			provider.Sheets: endpoint,
			provider.Slack:  endpoint,
		},
		RevokeURLs: map[provider.Provider]string{
			provider.Gmail:  "",
			provider.Sheets: "",
			provider.Slack:  "",
		},
	})
	require.NoError(t, err)
	env.Controller = controller

	routes, err := dispatch.DefaultRoutes()
	require.NoError(t, err)

	registry := adapters.NewRegistry(
		&FakeAdapter{env: env, p: provider.Gmail, ops: []string{adapters.OpListMessages, adapters.OpReadMessage, adapters.OpMarkRead}},
		&FakeAdapter{env: env, p: provider.Sheets, ops: []string{adapters.OpReadRows, adapters.OpAppendRows}},
		&FakeAdapter{env: env, p: provider.Slack, ops: []string{adapters.OpPostMessage}},
	)

	limiter := ratelimit.New(ratelimit.Config{Timeout: time.Second})
	d, err := dispatch.New(dispatch.Config{
		Routes:      routes,
		Adapters:    registry,
		Credentials: controller,
		Limiter:     limiter,
		Retry: retry.Policy{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			Multiplier:      2,
			MaxInterval:     10 * time.Millisecond,
			MaxElapsed:      time.Second,
		},
	})
	require.NoError(t, err)

	wf, err := expense.NewWorkflow(expense.Config{
		Dispatcher:    d,
		SpreadsheetID: "sheet-1",
		Channel:       "#expenses",
		Concurrency:   2,
	})
	require.NoError(t, err)

	sc, err := server.NewServerContext(context.Background(), server.Options{
		Store:      env.Store,
		Controller: controller,
		Dispatcher: d,
		Limiter:    limiter,
		Workflow:   wf,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Shutdown() })
	env.SC = sc

	return env
}

// Handle installs the fake handler for provider p.
func (e *Env) Handle(p provider.Provider, h HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[p] = h
}

// Calls returns the operations executed so far.
func (e *Env) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Grant stores a valid credential for (principal, p) carrying every scope
// the routes need.
func (e *Env) Grant(t *testing.T, principal string, p provider.Provider) {
	t.Helper()
	require.NoError(t, e.Store.Put(context.Background(), &credentials.Record{
		Principal:    principal,
		Provider:     p,
		AccessToken:  "access-" + string(p),
		RefreshToken: "refresh-" + string(p),
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
		Scopes:       e.SC.Routes().Scopes(p),
	}))
}

// GrantAll grants every provider to principal.
func (e *Env) GrantAll(t *testing.T, principal string) {
	t.Helper()
	for _, p := range provider.All() {
		e.Grant(t, principal, p)
	}
}

// Request builds a tool call request.
func Request(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// Text returns the text content of a tool result.
func Text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

// Decode unmarshals the JSON text of a tool result into out.
func Decode(t *testing.T, res *mcp.CallToolResult, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(Text(t, res)), out))
}

// ToolNames lists the tools registered on s through a tools/list request.
func ToolNames(t *testing.T, s *mcpserver.MCPServer) []string {
	t.Helper()
	msg := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))

	names := make([]string, 0, len(resp.Result.Tools))
	for _, tool := range resp.Result.Tools {
		names = append(names, tool.Name)
	}
	return names
}
