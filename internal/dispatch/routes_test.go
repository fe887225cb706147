package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/expensebridge/internal/adapters"
	"github.com/teemow/expensebridge/internal/provider"
)

func TestDefaultRoutes(t *testing.T) {
	rt, err := DefaultRoutes()
	require.NoError(t, err)

	registry := adapters.DefaultRegistry(adapters.Options{})
	for _, r := range rt.Routes() {
		assert.True(t, registry.Supports(r.Provider, r.Operation), r.Tool)
		assert.NotEmpty(t, r.Scopes, r.Tool)
	}

	r, ok := rt.Lookup(ToolGmailMarkRead)
	require.True(t, ok)
	assert.Equal(t, provider.Gmail, r.Provider)
	assert.Equal(t, adapters.OpMarkRead, r.Operation)
	assert.Equal(t, []string{provider.ScopeGmailModify}, r.Scopes)

	assert.Equal(t,
		[]string{provider.ScopeGmailModify, provider.ScopeGmailReadonly},
		rt.Scopes(provider.Gmail))
}

func TestParseRoutes(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "default scopes",
			yaml: "routes:\n  - tool: post\n    provider: slack\n    operation: post_message\n",
		},
		{
			name:    "empty",
			yaml:    "routes: []\n",
			wantErr: "empty",
		},
		{
			name:    "unknown provider",
			yaml:    "routes:\n  - tool: x\n    provider: dropbox\n    operation: upload\n",
			wantErr: "unknown provider",
		},
		{
			name:    "missing operation",
			yaml:    "routes:\n  - tool: x\n    provider: gmail\n",
			wantErr: "operation is required",
		},
		{
			name:    "duplicate",
			yaml:    "routes:\n  - {tool: x, provider: gmail, operation: a}\n  - {tool: x, provider: gmail, operation: b}\n",
			wantErr: "duplicate",
		},
		{
			name:    "unknown field",
			yaml:    "routes:\n  - {tool: x, provider: gmail, operation: a, retries: 3}\n",
			wantErr: "retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, err := ParseRoutes([]byte(tt.yaml))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			r, ok := rt.Lookup("post")
			require.True(t, ok)
			assert.Equal(t, []string{provider.ScopeSlackChatBot}, r.Scopes)
		})
	}
}

func TestLoadRoutes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`routes:
  - tool: receipts
    provider: gmail
    operation: list_messages
`), 0o600))

	rt, err := LoadRoutes(path)
	require.NoError(t, err)
	_, ok := rt.Lookup("receipts")
	assert.True(t, ok)

	rt, err = LoadRoutes("")
	require.NoError(t, err)
	_, ok = rt.Lookup(ToolSlackPostMessage)
	assert.True(t, ok)

	_, err = LoadRoutes(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
