package common

import (
	"context"
	"strings"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/expensebridge/internal/adapters"
	"github.com/teemow/expensebridge/internal/failure"
	"github.com/teemow/expensebridge/internal/server"
)

// ArgPrincipal is the optional tool argument naming the principal a call
// acts for.
const ArgPrincipal = "principal"

// PrincipalDescription is the shared description of the principal argument.
const PrincipalDescription = "Principal (end-user identity) to act for. Defaults to the principal bound to this MCP session, then to the server default."

// SessionID returns the MCP session id of ctx, or "" outside a session.
func SessionID(ctx context.Context) string {
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return ""
}

// ResolvePrincipal picks the principal for a tool call.
//
// A client that authenticated with an API key always acts as that key's
// principal; naming a different one is an error. Otherwise an explicit
// principal argument wins and binds the session to it, unless the server
// restricts principal arguments. Without an argument the session binding
// is used, then the server default.
func ResolvePrincipal(ctx context.Context, sc *server.ServerContext, args map[string]any) (string, error) {
	explicit := ""
	if v, ok := args[ArgPrincipal].(string); ok {
		explicit = strings.TrimSpace(v)
	}

	if authenticated, ok := server.AuthenticatedPrincipal(ctx); ok {
		if explicit != "" && explicit != authenticated {
			fe := failure.Newf(failure.KindInvalidInvocation, "", "API key does not grant access to principal %q", explicit)
			fe.Reason = "principal_mismatch"
			fe.Hint = "omit the principal argument or use the API key issued for that principal"
			return "", fe
		}
		return authenticated, nil
	}

	sessionID := SessionID(ctx)
	if explicit != "" {
		if sc.PrincipalArgumentRestricted() {
			fe := failure.Newf(failure.KindInvalidInvocation, "", "principal argument is not accepted from unauthenticated clients")
			fe.Reason = "principal_not_allowed"
			fe.Hint = "authenticate with an API key issued for the principal"
			return "", fe
		}
		sc.Sessions().Bind(sessionID, explicit)
		return explicit, nil
	}
	if principal, ok := sc.Sessions().Principal(sessionID); ok {
		return principal, nil
	}
	return sc.DefaultPrincipal(), nil
}

// ProviderArgs returns the tool arguments without the principal, ready to
// pass to an adapter.
func ProviderArgs(args map[string]any) adapters.Args {
	out := make(adapters.Args, len(args))
	for k, v := range args {
		if k == ArgPrincipal {
			continue
		}
		out[k] = v
	}
	return out
}
