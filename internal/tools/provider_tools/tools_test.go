package provider_tools

import (
	"context"
	"strings"
	"testing"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/expensebridge/internal/adapters"
	"github.com/teemow/expensebridge/internal/dispatch"
	"github.com/teemow/expensebridge/internal/failure"
	"github.com/teemow/expensebridge/internal/provider"
	"github.com/teemow/expensebridge/internal/tools/common"
	"github.com/teemow/expensebridge/internal/tools/tooltest"
)

func TestRegisterProviderTools(t *testing.T) {
	tests := []struct {
		name     string
		readOnly bool
		want     []string
	}{
		{
			name: "all routes",
			want: []string{
				dispatch.ToolGmailListMessages, dispatch.ToolGmailReadMessage, dispatch.ToolGmailMarkRead,
				dispatch.ToolSheetsReadRows, dispatch.ToolSheetsAppendRows, dispatch.ToolSlackPostMessage,
			},
		},
		{
			name:     "read-only hides write tools",
			readOnly: true,
			want: []string{
				dispatch.ToolGmailListMessages, dispatch.ToolGmailReadMessage, dispatch.ToolSheetsReadRows,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := tooltest.New(t)
			s := mcpserver.NewMCPServer("test", "0.0.0", mcpserver.WithToolCapabilities(true))
			require.NoError(t, RegisterProviderTools(s, env.SC, tt.readOnly))
			assert.ElementsMatch(t, tt.want, tooltest.ToolNames(t, s))
		})
	}
}

func TestNewTool(t *testing.T) {
	tool, err := NewTool(dispatch.Route{Tool: "ledger_append", Provider: provider.Sheets, Operation: adapters.OpAppendRows})
	require.NoError(t, err)
	assert.Equal(t, "ledger_append", tool.Name)
	assert.Contains(t, tool.Description, "Google Sheets")
	assert.Contains(t, tool.InputSchema.Required, "rows")
	assert.Contains(t, tool.InputSchema.Properties, common.ArgPrincipal)

	_, err = NewTool(dispatch.Route{Tool: "x", Provider: provider.Gmail, Operation: "delete_everything"})
	assert.Error(t, err)
}

func TestIsWrite(t *testing.T) {
	assert.True(t, IsWrite(dispatch.Route{Operation: adapters.OpPostMessage}))
	assert.True(t, IsWrite(dispatch.Route{Operation: adapters.OpMarkRead}))
	assert.False(t, IsWrite(dispatch.Route{Operation: adapters.OpReadMessage}))
}

func lookup(t *testing.T, env *tooltest.Env, tool string) dispatch.Route {
	t.Helper()
	route, ok := env.SC.Routes().Lookup(tool)
	require.True(t, ok)
	return route
}

func TestHandleRoute_Success(t *testing.T) {
	env := tooltest.New(t)
	env.Grant(t, "alice@example.com", provider.Gmail)
	env.Handle(provider.Gmail, func(op string, args adapters.Args) (any, error) {
		return &adapters.Message{ID: args.String("message_id"), Subject: "Your receipt"}, nil
	})

	route := lookup(t, env, dispatch.ToolGmailReadMessage)
	res, err := handleRoute(context.Background(), tooltest.Request(route.Tool, map[string]any{
		common.ArgPrincipal: "alice@example.com",
		"message_id":        "m-1",
	}), env.SC, route)
	require.NoError(t, err)
	assert.False(t, res.IsError, tooltest.Text(t, res))

	var body struct {
		Provider  string           `json:"provider"`
		Operation string           `json:"operation"`
		Payload   adapters.Message `json:"payload"`
	}
	tooltest.Decode(t, res, &body)
	assert.Equal(t, "gmail", body.Provider)
	assert.Equal(t, adapters.OpReadMessage, body.Operation)
	assert.Equal(t, "m-1", body.Payload.ID)

	calls := env.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "alice@example.com", calls[0].Principal)
	assert.NotContains(t, calls[0].Args, common.ArgPrincipal)
}

func TestHandleRoute_RequiresConsent(t *testing.T) {
	env := tooltest.New(t)
	route := lookup(t, env, dispatch.ToolSlackPostMessage)

	res, err := handleRoute(context.Background(), tooltest.Request(route.Tool, map[string]any{
		common.ArgPrincipal: "bob@example.com",
		"text":              "hello",
	}), env.SC, route)
	require.NoError(t, err)
	assert.True(t, res.IsError)

	var body struct {
		Error dispatch.ErrorInfo `json:"error"`
	}
	tooltest.Decode(t, res, &body)
	assert.Equal(t, failure.KindUnauthenticated, body.Error.Kind)
	assert.True(t, strings.HasPrefix(body.Error.AuthURL, "https://auth.example/authorize"), body.Error.AuthURL)
	assert.Empty(t, env.Calls(), "no provider call without a credential")
}

func TestHandleRoute_InvalidArgumentsAreNotRetried(t *testing.T) {
	env := tooltest.New(t)
	env.Grant(t, "default", provider.Sheets)
	env.Handle(provider.Sheets, func(op string, args adapters.Args) (any, error) {
		_, err := args.Rows(provider.Sheets, "rows")
		return nil, err
	})

	route := lookup(t, env, dispatch.ToolSheetsAppendRows)
	res, err := handleRoute(context.Background(), tooltest.Request(route.Tool, map[string]any{
		"rows": "not rows",
	}), env.SC, route)
	require.NoError(t, err)
	assert.True(t, res.IsError)

	var body struct {
		Error    dispatch.ErrorInfo `json:"error"`
		Attempts int                `json:"attempts"`
	}
	tooltest.Decode(t, res, &body)
	assert.Equal(t, failure.KindInvalidInvocation, body.Error.Kind)
	assert.Equal(t, 1, body.Attempts)
	assert.Len(t, env.Calls(), 1)
}

func TestHandleRoute_TransientFailureIsRetried(t *testing.T) {
	env := tooltest.New(t)
	env.Grant(t, "default", provider.Gmail)

	attempts := 0
	env.Handle(provider.Gmail, func(op string, args adapters.Args) (any, error) {
		attempts++
		if attempts == 1 {
			return nil, failure.New(failure.KindProviderTransient, provider.Gmail, nil)
		}
		return &adapters.MessageList{Messages: []adapters.MessageRef{{ID: "m-1"}}}, nil
	})

	route := lookup(t, env, dispatch.ToolGmailListMessages)
	res, err := handleRoute(context.Background(), tooltest.Request(route.Tool, map[string]any{"query": "receipt"}), env.SC, route)
	require.NoError(t, err)
	assert.False(t, res.IsError, tooltest.Text(t, res))

	var body struct {
		Attempts int `json:"attempts"`
	}
	tooltest.Decode(t, res, &body)
	assert.Equal(t, 2, body.Attempts)
}
