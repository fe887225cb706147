package expense_tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/expensebridge/internal/expense"
	"github.com/teemow/expensebridge/internal/server"
	"github.com/teemow/expensebridge/internal/tools/common"
)

// Tool names.
const (
	ToolFetchReceipts = "fetch_receipts"
	ToolParseExpense  = "parse_expense"
	ToolRecordExpense = "record_expense"
	ToolNotifySlack   = "notify_slack"
	ToolRunWorkflow   = "run_expense_workflow"
)

func principalOption() mcp.ToolOption {
	return mcp.WithString(common.ArgPrincipal,
		mcp.Description(common.PrincipalDescription),
	)
}

func expenseOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("date",
			mcp.Required(),
			mcp.Description("Expense date, preferably ISO 8601 (YYYY-MM-DD)"),
		),
		mcp.WithString("vendor",
			mcp.Required(),
			mcp.Description("Vendor name"),
		),
		mcp.WithNumber("amount",
			mcp.Required(),
			mcp.Description("Amount, e.g. 42.50"),
		),
		mcp.WithString("currency",
			mcp.Description("ISO currency code (default: USD)"),
		),
		mcp.WithString("category",
			mcp.Description("Expense category"),
		),
		mcp.WithString("description",
			mcp.Description("Free text description"),
		),
	}
}

// RegisterExpenseTools registers the expense workflow tools. Tools that
// write to the ledger or post to Slack are skipped when readOnly is set.
func RegisterExpenseTools(s *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	fetchTool := mcp.NewTool(ToolFetchReceipts,
		mcp.WithDescription("Fetch unread receipt emails from Gmail"),
		principalOption(),
	)
	s.AddTool(fetchTool, common.InstrumentedToolHandler(ToolFetchReceipts, sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleFetchReceipts(ctx, request, sc)
	}))

	parseTool := mcp.NewTool(ToolParseExpense,
		mcp.WithDescription("Extract date, vendor, amount and currency from a receipt email. Pass subject and body, or a message_id to read the email from Gmail first."),
		principalOption(),
		mcp.WithString("subject",
			mcp.Description("Email subject"),
		),
		mcp.WithString("body",
			mcp.Description("Email body, plain text or base64url encoded"),
		),
		mcp.WithString("message_id",
			mcp.Description("Gmail message ID to read when subject and body are not given"),
		),
	)
	s.AddTool(parseTool, common.InstrumentedToolHandler(ToolParseExpense, sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleParseExpense(ctx, request, sc)
	}))

	if readOnly {
		return nil
	}

	recordTool := mcp.NewTool(ToolRecordExpense,
		append([]mcp.ToolOption{
			mcp.WithDescription("Append an expense to the ledger spreadsheet"),
			principalOption(),
		}, expenseOptions()...)...,
	)
	s.AddTool(recordTool, common.InstrumentedToolHandler(ToolRecordExpense, sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleRecordExpense(ctx, request, sc)
	}))

	notifyTool := mcp.NewTool(ToolNotifySlack,
		append([]mcp.ToolOption{
			mcp.WithDescription("Post an expense to Slack with Approve and Reject buttons"),
			principalOption(),
		}, expenseOptions()...)...,
	)
	s.AddTool(notifyTool, common.InstrumentedToolHandler(ToolNotifySlack, sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleNotifySlack(ctx, request, sc)
	}))

	runTool := mcp.NewTool(ToolRunWorkflow,
		mcp.WithDescription("Process every unread receipt: parse it, record it in the ledger, request approval in Slack and mark the email read. Failures on one email do not stop the others."),
		principalOption(),
	)
	s.AddTool(runTool, common.InstrumentedToolHandler(ToolRunWorkflow, sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleRunWorkflow(ctx, request, sc)
	}))

	return nil
}

type fetchResponse struct {
	Count    int                `json:"count"`
	Receipts []expense.RawEmail `json:"receipts"`
}

func handleFetchReceipts(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	principal, err := common.ResolvePrincipal(ctx, sc, request.GetArguments())
	if err != nil {
		return common.ErrorResult(err)
	}

	emails, err := sc.Workflow().FetchReceipts(ctx, principal)
	if err != nil {
		return common.ErrorResult(err)
	}
	if emails == nil {
		emails = []expense.RawEmail{}
	}
	return common.JSONResult(fetchResponse{Count: len(emails), Receipts: emails})
}

func handleParseExpense(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := common.ProviderArgs(request.GetArguments())

	raw := expense.RawEmail{
		MessageID: args.String("message_id"),
		Subject:   args.String("subject"),
		Body:      args.String("body"),
	}
	if raw.Subject == "" && raw.Body == "" {
		if raw.MessageID == "" {
			return common.InvalidArgument("subject and body, or message_id, are required")
		}
		principal, err := common.ResolvePrincipal(ctx, sc, request.GetArguments())
		if err != nil {
			return common.ErrorResult(err)
		}
		fetched, err := sc.Workflow().ReadReceipt(ctx, principal, raw.MessageID)
		if err != nil {
			return common.ErrorResult(err)
		}
		raw = fetched
	}

	exp, err := expense.Parse(raw)
	if err != nil {
		return common.InvalidArgument("failed to parse receipt: %v", err)
	}
	return common.JSONResult(exp)
}

func handleRecordExpense(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	exp, err := expenseFromArgs(request.GetArguments())
	if err != nil {
		return common.InvalidArgument("%v", err)
	}
	principal, err := common.ResolvePrincipal(ctx, sc, request.GetArguments())
	if err != nil {
		return common.ErrorResult(err)
	}

	res, err := sc.Workflow().Record(ctx, principal, exp)
	if err != nil {
		return common.ErrorResult(err)
	}
	return common.JSONResult(res)
}

func handleNotifySlack(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	exp, err := expenseFromArgs(request.GetArguments())
	if err != nil {
		return common.InvalidArgument("%v", err)
	}
	principal, err := common.ResolvePrincipal(ctx, sc, request.GetArguments())
	if err != nil {
		return common.ErrorResult(err)
	}

	res, err := sc.Workflow().Notify(ctx, principal, exp)
	if err != nil {
		return common.ErrorResult(err)
	}
	return common.JSONResult(res)
}

func handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	principal, err := common.ResolvePrincipal(ctx, sc, request.GetArguments())
	if err != nil {
		return common.ErrorResult(err)
	}

	report, err := sc.Workflow().Run(ctx, principal)
	if err != nil {
		return common.ErrorResult(err)
	}
	return common.JSONResult(report)
}

// expenseFromArgs builds an expense from tool arguments. Amount may be a
// number or a numeric string.
func expenseFromArgs(args map[string]any) (*expense.Expense, error) {
	a := common.ProviderArgs(args)

	exp := &expense.Expense{
		Date:        a.String("date"),
		Vendor:      a.String("vendor"),
		Currency:    strings.ToUpper(a.StringOr("currency", "USD")),
		Category:    a.String("category"),
		Description: a.String("description"),
	}
	if exp.Date == "" {
		return nil, fmt.Errorf("date is required")
	}
	if exp.Vendor == "" {
		return nil, fmt.Errorf("vendor is required")
	}

	switch v := a["amount"].(type) {
	case float64:
		exp.Amount = v
	case int:
		exp.Amount = float64(v)
	case string:
		amount, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(v), ",", ""), 64)
		if err != nil {
			return nil, fmt.Errorf("amount must be a number, got %q", v)
		}
		exp.Amount = amount
	case nil:
		return nil, fmt.Errorf("amount is required")
	default:
		return nil, fmt.Errorf("amount must be a number, got %T", v)
	}
	if exp.Amount < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return exp, nil
}
