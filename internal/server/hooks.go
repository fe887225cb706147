package server

import (
	"context"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// SessionHooks returns MCP hooks that track active sessions and drop a
// session's principal binding when it ends.
func (sc *ServerContext) SessionHooks() *mcpserver.Hooks {
	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, _ mcpserver.ClientSession) {
		sc.Metrics().IncrementActiveSessions(ctx)
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session mcpserver.ClientSession) {
		sc.Metrics().DecrementActiveSessions(ctx)
		sc.sessions.Remove(session.SessionID())
	})
	return hooks
}
