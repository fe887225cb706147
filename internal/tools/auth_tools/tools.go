package auth_tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/expensebridge/internal/adapters"
	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/oauthflow"
	"github.com/teemow/expensebridge/internal/provider"
	"github.com/teemow/expensebridge/internal/server"
	"github.com/teemow/expensebridge/internal/tools/common"
)

// Tool names.
const (
	ToolAuthBegin  = "auth_begin"
	ToolAuthStatus = "auth_status"
	ToolAuthRevoke = "auth_revoke"
)

const providerDescription = "Provider: gmail, sheets or slack"

// RegisterAuthTools registers the credential management tools. auth_revoke
// is skipped when readOnly is set.
func RegisterAuthTools(s *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	beginTool := mcp.NewTool(ToolAuthBegin,
		mcp.WithDescription("Start OAuth consent for a provider. Returns the URL the user must open; the credential is stored when the provider redirects back."),
		mcp.WithString(common.ArgPrincipal,
			mcp.Description(common.PrincipalDescription),
		),
		mcp.WithString("provider",
			mcp.Required(),
			mcp.Description(providerDescription),
		),
		mcp.WithString("scopes",
			mcp.Description("Comma-separated extra scopes to request on top of those the tools need"),
		),
	)
	s.AddTool(beginTool, common.InstrumentedToolHandler(ToolAuthBegin, sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleAuthBegin(ctx, request, sc)
	}))

	statusTool := mcp.NewTool(ToolAuthStatus,
		mcp.WithDescription("Show the credential state, scopes and expiry of every provider"),
		mcp.WithString(common.ArgPrincipal,
			mcp.Description(common.PrincipalDescription),
		),
	)
	s.AddTool(statusTool, common.InstrumentedToolHandler(ToolAuthStatus, sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleAuthStatus(ctx, request, sc)
	}))

	if readOnly {
		return nil
	}

	revokeTool := mcp.NewTool(ToolAuthRevoke,
		mcp.WithDescription("Delete the stored credential for a provider and revoke it upstream"),
		mcp.WithString(common.ArgPrincipal,
			mcp.Description(common.PrincipalDescription),
		),
		mcp.WithString("provider",
			mcp.Required(),
			mcp.Description(providerDescription),
		),
	)
	s.AddTool(revokeTool, common.InstrumentedToolHandler(ToolAuthRevoke, sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleAuthRevoke(ctx, request, sc)
	}))

	return nil
}

func providerArg(args adapters.Args) (provider.Provider, error) {
	return provider.Parse(args.String("provider"))
}

type beginResponse struct {
	Provider  provider.Provider `json:"provider"`
	Principal string            `json:"principal"`
	AuthURL   string            `json:"auth_url"`
	Scopes    []string          `json:"scopes"`
}

func handleAuthBegin(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := common.ProviderArgs(request.GetArguments())
	p, err := providerArg(args)
	if err != nil {
		return common.InvalidArgument("%v", err)
	}
	principal, err := common.ResolvePrincipal(ctx, sc, request.GetArguments())
	if err != nil {
		return common.ErrorResult(err)
	}

	scopes := credentials.MergeScopes(sc.Routes().Scopes(p), args.Strings("scopes"))
	authURL, err := sc.Controller().BeginAuthorization(ctx, principal, p, scopes)
	if err != nil {
		return common.ErrorResult(err)
	}
	return common.JSONResult(beginResponse{
		Provider:  p,
		Principal: principal,
		AuthURL:   authURL,
		Scopes:    scopes,
	})
}

type statusResponse struct {
	Principal string                     `json:"principal"`
	Providers []oauthflow.ProviderStatus `json:"providers"`
}

func handleAuthStatus(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	principal, err := common.ResolvePrincipal(ctx, sc, request.GetArguments())
	if err != nil {
		return common.ErrorResult(err)
	}

	status, err := sc.Controller().Status(ctx, principal)
	if err != nil {
		return common.ErrorResult(err)
	}
	return common.JSONResult(statusResponse{Principal: principal, Providers: status})
}

type revokeResponse struct {
	Provider  provider.Provider `json:"provider"`
	Principal string            `json:"principal"`
	Revoked   bool              `json:"revoked"`
}

func handleAuthRevoke(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := common.ProviderArgs(request.GetArguments())
	p, err := providerArg(args)
	if err != nil {
		return common.InvalidArgument("%v", err)
	}
	principal, err := common.ResolvePrincipal(ctx, sc, request.GetArguments())
	if err != nil {
		return common.ErrorResult(err)
	}

	if err := sc.Controller().Revoke(ctx, principal, p); err != nil {
		return common.ErrorResult(err)
	}
	return common.JSONResult(revokeResponse{Provider: p, Principal: principal, Revoked: true})
}
