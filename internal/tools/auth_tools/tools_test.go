package auth_tools

import (
	"context"
	"net/url"
	"strings"
	"testing"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/dispatch"
	"github.com/teemow/expensebridge/internal/failure"
	"github.com/teemow/expensebridge/internal/oauthflow"
	"github.com/teemow/expensebridge/internal/provider"
	"github.com/teemow/expensebridge/internal/tools/common"
	"github.com/teemow/expensebridge/internal/tools/tooltest"
)

const alice = "alice@example.com"

func TestRegisterAuthTools(t *testing.T) {
	env := tooltest.New(t)

	s := mcpserver.NewMCPServer("test", "0.0.0", mcpserver.WithToolCapabilities(true))
	require.NoError(t, RegisterAuthTools(s, env.SC, false))
	assert.ElementsMatch(t, []string{ToolAuthBegin, ToolAuthStatus, ToolAuthRevoke}, tooltest.ToolNames(t, s))

	s = mcpserver.NewMCPServer("test", "0.0.0", mcpserver.WithToolCapabilities(true))
	require.NoError(t, RegisterAuthTools(s, env.SC, true))
	assert.ElementsMatch(t, []string{ToolAuthBegin, ToolAuthStatus}, tooltest.ToolNames(t, s))
}

func TestHandleAuthBegin(t *testing.T) {
	env := tooltest.New(t)

	res, err := handleAuthBegin(context.Background(), tooltest.Request(ToolAuthBegin, map[string]any{
		common.ArgPrincipal: alice,
		"provider":          "Gmail",
		"scopes":            "openid",
	}), env.SC)
	require.NoError(t, err)
	require.False(t, res.IsError, tooltest.Text(t, res))

	var body beginResponse
	tooltest.Decode(t, res, &body)
	assert.Equal(t, provider.Gmail, body.Provider)
	assert.Equal(t, alice, body.Principal)
	assert.Contains(t, body.Scopes, "openid")
	assert.Contains(t, body.Scopes, "https://www.googleapis.com/auth/gmail.modify")

	u, err := url.Parse(body.AuthURL)
	require.NoError(t, err)
	assert.Equal(t, "auth.example", u.Host)
	assert.NotEmpty(t, u.Query().Get("state"))
	assert.Equal(t, tooltest.RedirectURL, u.Query().Get("redirect_uri"))
	requested := strings.Fields(u.Query().Get("scope"))
	assert.Contains(t, requested, "https://www.googleapis.com/auth/gmail.readonly")
	assert.Contains(t, requested, "openid")
}

func TestHandleAuthBegin_UnknownProvider(t *testing.T) {
	env := tooltest.New(t)

	res, err := handleAuthBegin(context.Background(), tooltest.Request(ToolAuthBegin, map[string]any{
		"provider": "dropbox",
	}), env.SC)
	require.NoError(t, err)
	assert.True(t, res.IsError)

	var body struct {
		Error dispatch.ErrorInfo `json:"error"`
	}
	tooltest.Decode(t, res, &body)
	assert.Equal(t, failure.KindInvalidInvocation, body.Error.Kind)
	assert.Contains(t, body.Error.Reason, "dropbox")
}

func TestHandleAuthStatus(t *testing.T) {
	env := tooltest.New(t)
	env.Grant(t, alice, provider.Gmail)

	res, err := handleAuthStatus(context.Background(), tooltest.Request(ToolAuthStatus, map[string]any{
		common.ArgPrincipal: alice,
	}), env.SC)
	require.NoError(t, err)
	require.False(t, res.IsError, tooltest.Text(t, res))

	var body struct {
		Principal string `json:"principal"`
		Providers []struct {
			Provider    provider.Provider `json:"provider"`
			Configured  bool              `json:"configured"`
			State       string            `json:"state"`
			Refreshable bool              `json:"refreshable"`
		} `json:"providers"`
	}
	tooltest.Decode(t, res, &body)
	assert.Equal(t, alice, body.Principal)

	states := map[provider.Provider]string{}
	for _, p := range body.Providers {
		assert.True(t, p.Configured)
		states[p.Provider] = p.State
	}
	assert.Equal(t, oauthflow.StateActive.String(), states[provider.Gmail])
	assert.Equal(t, oauthflow.StateUnauthenticated.String(), states[provider.Sheets])
	assert.Equal(t, oauthflow.StateUnauthenticated.String(), states[provider.Slack])
}

func TestHandleAuthRevoke(t *testing.T) {
	env := tooltest.New(t)
	env.Grant(t, alice, provider.Slack)

	res, err := handleAuthRevoke(context.Background(), tooltest.Request(ToolAuthRevoke, map[string]any{
		common.ArgPrincipal: alice,
		"provider":          "slack",
	}), env.SC)
	require.NoError(t, err)
	require.False(t, res.IsError, tooltest.Text(t, res))

	var body revokeResponse
	tooltest.Decode(t, res, &body)
	assert.True(t, body.Revoked)

	_, err = env.Store.Get(context.Background(), alice, provider.Slack)
	assert.ErrorIs(t, err, credentials.ErrNotFound)

	// Revoking again is not an error.
	res, err = handleAuthRevoke(context.Background(), tooltest.Request(ToolAuthRevoke, map[string]any{
		common.ArgPrincipal: alice,
		"provider":          "slack",
	}), env.SC)
	require.NoError(t, err)
	assert.False(t, res.IsError)
}
