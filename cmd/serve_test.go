package cmd

import (
	"context"
	"io"
	"testing"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/expensebridge/internal/server"
)

func TestParseCommaSeparatedList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
		{
			name:     "single value",
			input:    "https://www.googleapis.com/auth/gmail.modify",
			expected: []string{"https://www.googleapis.com/auth/gmail.modify"},
		},
		{
			name:     "values with spaces around comma",
			input:    "chat:write, channels:read",
			expected: []string{"chat:write", "channels:read"},
		},
		{
			name:     "trailing and leading commas",
			input:    ",chat:write,channels:read,",
			expected: []string{"chat:write", "channels:read"},
		},
		{
			name:     "multiple consecutive commas",
			input:    "chat:write,,channels:read",
			expected: []string{"chat:write", "channels:read"},
		},
		{
			name:     "only commas and spaces",
			input:    ",  , , ",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseCommaSeparatedList(tt.input))
		})
	}
}

func TestLocalBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", localBaseURL(":8080", false))
	assert.Equal(t, "https://localhost:9443", localBaseURL("0.0.0.0:9443", true))
	assert.Equal(t, defaultBaseURL, localBaseURL("not-an-addr", false))
}

func TestResolveHTTPAddr(t *testing.T) {
	assert.Equal(t, ":8080", resolveHTTPAddr(":8080", "", 0))
	assert.Equal(t, ":9000", resolveHTTPAddr(":8080", "", 9000))
	assert.Equal(t, "127.0.0.1:8080", resolveHTTPAddr(":8080", "127.0.0.1", 0))
	assert.Equal(t, "0.0.0.0:3000", resolveHTTPAddr("localhost:8080", "0.0.0.0", 3000))
	assert.Equal(t, "[::1]:8080", resolveHTTPAddr("bogus", "::1", 0))
}

func newTestServerContext(t *testing.T) *server.ServerContext {
	t.Helper()
	cfg := &appConfig{
		storeType:      "memory",
		principal:      "alice@example.com",
		googleClientID: "google-id",
		slackClientID:  "slack-id",
	}
	sc, err := buildServerContext(context.Background(), cfg, newLogger(io.Discard, false), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Shutdown() })
	return sc
}

func TestRegisterAllTools(t *testing.T) {
	tests := []struct {
		name     string
		readOnly bool
		want     []string
		absent   []string
	}{
		{
			name:     "read-only",
			readOnly: true,
			want:     []string{"gmail_list_messages", "gmail_read_message", "sheets_read_rows", "fetch_receipts", "parse_expense", "auth_begin", "auth_status"},
			absent:   []string{"gmail_mark_read", "sheets_append_rows", "slack_post_message", "record_expense", "notify_slack", "run_expense_workflow", "auth_revoke"},
		},
		{
			name:     "write enabled",
			readOnly: false,
			want: []string{
				"gmail_list_messages", "gmail_read_message", "gmail_mark_read",
				"sheets_read_rows", "sheets_append_rows", "slack_post_message",
				"fetch_receipts", "parse_expense", "record_expense", "notify_slack", "run_expense_workflow",
				"auth_begin", "auth_status", "auth_revoke",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := newTestServerContext(t)
			mcpSrv := mcpserver.NewMCPServer("expensebridge", "test", mcpserver.WithToolCapabilities(true))
			require.NoError(t, registerAllTools(mcpSrv, sc, tt.readOnly))

			tools := mcpSrv.ListTools()
			assert.Len(t, tools, len(tt.want))
			for _, name := range tt.want {
				assert.Contains(t, tools, name)
			}
			for _, name := range tt.absent {
				assert.NotContains(t, tools, name)
			}
		})
	}
}

func TestProviderSummary(t *testing.T) {
	sc := newTestServerContext(t)
	got := providerSummary(sc)
	require.Len(t, got, 3)
	for _, st := range got {
		assert.True(t, st.configured, st.name)
	}
}

func TestApplyPrincipalPolicy(t *testing.T) {
	keys, err := server.ParseAPIKeys([]string{"alice@example.com=key-a"})
	require.NoError(t, err)
	logger := newLogger(io.Discard, false)

	tests := []struct {
		name           string
		keys           *server.APIKeys
		trustArg       bool
		wantRestricted bool
	}{
		{name: "api keys", keys: keys, wantRestricted: true},
		{name: "api keys ignore trust flag", keys: keys, trustArg: true, wantRestricted: true},
		{name: "no authentication", wantRestricted: true},
		{name: "trusted principal argument", trustArg: true, wantRestricted: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := newTestServerContext(t)
			applyPrincipalPolicy(sc, tt.keys, tt.trustArg, logger)
			assert.Equal(t, tt.wantRestricted, sc.PrincipalArgumentRestricted())
		})
	}
}
