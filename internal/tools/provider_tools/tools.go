package provider_tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/expensebridge/internal/adapters"
	"github.com/teemow/expensebridge/internal/dispatch"
	"github.com/teemow/expensebridge/internal/server"
	"github.com/teemow/expensebridge/internal/tools/common"
)

// operation describes the MCP surface of one adapter operation.
type operation struct {
	description string
	// write marks operations that change provider state.
	write   bool
	options []mcp.ToolOption
}

var operations = map[string]operation{
	adapters.OpListMessages: {
		description: "List %s messages matching a search query",
		options: []mcp.ToolOption{
			mcp.WithString("query",
				mcp.Description("Gmail search query (e.g., 'is:unread receipt')"),
			),
			mcp.WithNumber("max_results",
				mcp.Description("Maximum number of messages to return (default: 10, max: 500)"),
			),
			mcp.WithString("label_ids",
				mcp.Description("Comma-separated label IDs to filter by (e.g., 'INBOX,UNREAD')"),
			),
			mcp.WithString("page_token",
				mcp.Description("Page token from a previous call"),
			),
		},
	},
	adapters.OpReadMessage: {
		description: "Read one %s message with its headers and decoded text body",
		options: []mcp.ToolOption{
			mcp.WithString("message_id",
				mcp.Required(),
				mcp.Description("ID of the message to read"),
			),
		},
	},
	adapters.OpMarkRead: {
		description: "Mark a %s message as read",
		write:       true,
		options: []mcp.ToolOption{
			mcp.WithString("message_id",
				mcp.Required(),
				mcp.Description("ID of the message to mark read"),
			),
		},
	},
	adapters.OpReadRows: {
		description: "Read rows from a %s worksheet",
		options: []mcp.ToolOption{
			mcp.WithString("spreadsheet_id",
				mcp.Description("Spreadsheet ID (default: the server's configured ledger)"),
			),
			mcp.WithString("worksheet",
				mcp.Description("Worksheet title (default: 'Expenses')"),
			),
			mcp.WithString("range",
				mcp.Description("A1 range, e.g. 'Expenses!A1:E20' (default: the worksheet's expense columns)"),
			),
		},
	},
	adapters.OpAppendRows: {
		description: "Append rows to a %s worksheet",
		write:       true,
		options: []mcp.ToolOption{
			mcp.WithArray("rows",
				mcp.Required(),
				mcp.Description("Rows to append; each row is a list of cell values"),
			),
			mcp.WithString("spreadsheet_id",
				mcp.Description("Spreadsheet ID (default: the server's configured ledger)"),
			),
			mcp.WithString("worksheet",
				mcp.Description("Worksheet title (default: 'Expenses'). Created if it does not exist."),
			),
			mcp.WithString("range",
				mcp.Description("A1 range to append after (overrides worksheet)"),
			),
			mcp.WithString("value_input_option",
				mcp.Description("RAW or USER_ENTERED (default: USER_ENTERED)"),
			),
			mcp.WithBoolean("create_worksheet",
				mcp.Description("Create the worksheet if it is missing (default: true)"),
			),
		},
	},
	adapters.OpPostMessage: {
		description: "Post a message to a %s channel",
		write:       true,
		options: []mcp.ToolOption{
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("Message text"),
			),
			mcp.WithString("channel",
				mcp.Description("Channel ID or name (default: the server's configured channel)"),
			),
			mcp.WithBoolean("approval",
				mcp.Description("Attach Approve and Reject buttons (default: false)"),
			),
		},
	},
}

// IsWrite reports whether route changes provider state.
func IsWrite(route dispatch.Route) bool {
	return operations[route.Operation].write
}

// NewTool builds the MCP tool for route.
func NewTool(route dispatch.Route) (mcp.Tool, error) {
	op, ok := operations[route.Operation]
	if !ok {
		return mcp.Tool{}, fmt.Errorf("route %q: no tool definition for operation %q", route.Tool, route.Operation)
	}

	opts := []mcp.ToolOption{
		mcp.WithDescription(fmt.Sprintf(op.description, route.Provider.DisplayName())),
		mcp.WithString(common.ArgPrincipal,
			mcp.Description(common.PrincipalDescription),
		),
	}
	opts = append(opts, op.options...)
	return mcp.NewTool(route.Tool, opts...), nil
}

// RegisterProviderTools registers one tool per route. Write tools are
// skipped when readOnly is set.
func RegisterProviderTools(s *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	for _, route := range sc.Routes().Routes() {
		if readOnly && IsWrite(route) {
			continue
		}
		tool, err := NewTool(route)
		if err != nil {
			return err
		}
		s.AddTool(tool, common.InstrumentedToolHandler(route.Tool, sc, routeHandler(sc, route)))
	}
	return nil
}

func routeHandler(sc *server.ServerContext, route dispatch.Route) common.ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleRoute(ctx, request, sc, route)
	}
}

func handleRoute(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext, route dispatch.Route) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	principal, err := common.ResolvePrincipal(ctx, sc, args)
	if err != nil {
		return common.ErrorResult(err)
	}
	res := sc.Dispatcher().Dispatch(ctx, dispatch.Invocation{
		Tool:      route.Tool,
		Principal: principal,
		Args:      common.ProviderArgs(args),
	})
	return common.DispatchResult(ctx, res)
}
