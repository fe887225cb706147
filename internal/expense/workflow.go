package expense

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/teemow/expensebridge/internal/adapters"
	"github.com/teemow/expensebridge/internal/dispatch"
	"github.com/teemow/expensebridge/internal/failure"
	"github.com/teemow/expensebridge/internal/logging"
)

const (
	// DefaultQuery selects receipt emails.
	DefaultQuery = "receipt OR invoice"
	// DefaultConcurrency bounds how many emails are processed at once.
	DefaultConcurrency = 5
	// DefaultMaxMessages bounds how many receipts one run fetches.
	DefaultMaxMessages = 50
)

// Stages of processing one email.
const (
	StageRead     = "read"
	StageParse    = "parse"
	StageRecord   = "record"
	StageNotify   = "notify"
	StageMarkRead = "mark_read"
)

// Dispatcher runs tool invocations. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv dispatch.Invocation) *dispatch.Result
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, inv dispatch.Invocation) *dispatch.Result

func (f DispatcherFunc) Dispatch(ctx context.Context, inv dispatch.Invocation) *dispatch.Result {
	return f(ctx, inv)
}

// Config configures a Workflow.
type Config struct {
	Dispatcher    Dispatcher
	SpreadsheetID string
	Worksheet     string
	Channel       string
	Query         string
	MaxMessages   int
	Concurrency   int
	Logger        *slog.Logger
}

// Workflow moves receipt emails into the expense ledger: fetch unread
// receipts, parse each one, append it to the sheet, ask for approval in
// Slack and mark the email read. All provider calls go through the
// dispatcher.
type Workflow struct {
	cfg Config
}

// NewWorkflow creates a Workflow.
func NewWorkflow(cfg Config) (*Workflow, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("workflow needs a dispatcher")
	}
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Worksheet == "" {
		cfg.Worksheet = adapters.DefaultWorksheet
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Workflow{cfg: cfg}, nil
}

// ItemResult is the outcome for one email.
type ItemResult struct {
	MessageID string              `json:"message_id"`
	Subject   string              `json:"subject,omitempty"`
	Expense   *Expense            `json:"expense,omitempty"`
	Processed bool                `json:"processed"`
	Stage     string              `json:"failed_stage,omitempty"`
	Error     *dispatch.ErrorInfo `json:"error,omitempty"`
}

// Report summarizes a workflow run.
type Report struct {
	Fetched   int          `json:"fetched"`
	Processed int          `json:"processed"`
	Failed    int          `json:"failed"`
	Items     []ItemResult `json:"items"`
}

func (w *Workflow) call(ctx context.Context, principal, tool string, args adapters.Args) (any, error) {
	res := w.cfg.Dispatcher.Dispatch(ctx, dispatch.Invocation{Tool: tool, Principal: principal, Args: args})
	if !res.OK() {
		return nil, res.Err()
	}
	return res.Payload, nil
}

func payloadAs[T any](tool string, v any) (T, error) {
	out, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s returned %T, want %T", tool, v, zero)
	}
	return out, nil
}

// ListReceipts returns the ids of unread receipt emails.
func (w *Workflow) ListReceipts(ctx context.Context, principal string) ([]adapters.MessageRef, error) {
	v, err := w.call(ctx, principal, dispatch.ToolGmailListMessages, adapters.Args{
		"query":       w.cfg.Query,
		"label_ids":   []string{"UNREAD"},
		"max_results": w.cfg.MaxMessages,
	})
	if err != nil {
		return nil, err
	}
	list, err := payloadAs[*adapters.MessageList](dispatch.ToolGmailListMessages, v)
	if err != nil {
		return nil, err
	}
	return list.Messages, nil
}

// ReadReceipt fetches one email.
func (w *Workflow) ReadReceipt(ctx context.Context, principal, messageID string) (RawEmail, error) {
	v, err := w.call(ctx, principal, dispatch.ToolGmailReadMessage, adapters.Args{"message_id": messageID})
	if err != nil {
		return RawEmail{}, err
	}
	msg, err := payloadAs[*adapters.Message](dispatch.ToolGmailReadMessage, v)
	if err != nil {
		return RawEmail{}, err
	}
	return RawEmail{MessageID: msg.ID, Subject: msg.Subject, Body: msg.Body}, nil
}

// FetchReceipts lists unread receipts and reads them. Emails that cannot be
// read are skipped and logged.
func (w *Workflow) FetchReceipts(ctx context.Context, principal string) ([]RawEmail, error) {
	refs, err := w.ListReceipts(ctx, principal)
	if err != nil {
		return nil, err
	}
	emails, failed := w.readAll(ctx, principal, refs)
	for _, f := range failed {
		w.cfg.Logger.Warn("skipping unreadable receipt", "message_id", f.MessageID, logging.ErrorKind(string(f.Error.Kind)))
	}
	return emails, nil
}

func (w *Workflow) readAll(ctx context.Context, principal string, refs []adapters.MessageRef) ([]RawEmail, []ItemResult) {
	emails := make([]*RawEmail, len(refs))
	failed := make([]*ItemResult, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			raw, err := w.ReadReceipt(gctx, principal, ref.ID)
			if err != nil {
				failed[i] = failedItem(ref.ID, "", StageRead, err)
				return nil
			}
			emails[i] = &raw
			return nil
		})
	}
	_ = g.Wait()

	var outEmails []RawEmail
	var outFailed []ItemResult
	for i := range refs {
		if emails[i] != nil {
			outEmails = append(outEmails, *emails[i])
		}
		if failed[i] != nil {
			outFailed = append(outFailed, *failed[i])
		}
	}
	return outEmails, outFailed
}

// Record appends e to the expense sheet.
func (w *Workflow) Record(ctx context.Context, principal string, e *Expense) (*adapters.AppendResult, error) {
	args := adapters.Args{
		"worksheet": w.cfg.Worksheet,
		"rows":      []any{e.Row()},
	}
	if w.cfg.SpreadsheetID != "" {
		args["spreadsheet_id"] = w.cfg.SpreadsheetID
	}
	v, err := w.call(ctx, principal, dispatch.ToolSheetsAppendRows, args)
	if err != nil {
		return nil, err
	}
	return payloadAs[*adapters.AppendResult](dispatch.ToolSheetsAppendRows, v)
}

// Notify posts an approval request for e.
func (w *Workflow) Notify(ctx context.Context, principal string, e *Expense) (*adapters.PostResult, error) {
	args := adapters.Args{
		"text": e.SlackText(),
		"approval": map[string]any{
			"callback_id": adapters.DefaultApprovalCallbackID,
		},
	}
	if w.cfg.Channel != "" {
		args["channel"] = w.cfg.Channel
	}
	v, err := w.call(ctx, principal, dispatch.ToolSlackPostMessage, args)
	if err != nil {
		return nil, err
	}
	return payloadAs[*adapters.PostResult](dispatch.ToolSlackPostMessage, v)
}

// MarkRead removes the unread label from an email.
func (w *Workflow) MarkRead(ctx context.Context, principal, messageID string) error {
	_, err := w.call(ctx, principal, dispatch.ToolGmailMarkRead, adapters.Args{"message_id": messageID})
	return err
}

// Run processes every unread receipt. A failure on one email is recorded in
// the report and does not stop the others. Run returns an error only when
// the receipts cannot be listed.
func (w *Workflow) Run(ctx context.Context, principal string) (*Report, error) {
	logger := w.cfg.Logger.With(logging.PrincipalHash(principal))

	refs, err := w.ListReceipts(ctx, principal)
	if err != nil {
		return nil, err
	}
	report := &Report{Fetched: len(refs), Items: []ItemResult{}}
	if len(refs) == 0 {
		logger.Info("no unread receipts")
		return report, nil
	}

	items := make([]ItemResult, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			item := w.process(gctx, principal, ref.ID)
			items[i] = item
			if !item.Processed {
				logger.Warn("failed to process receipt",
					"message_id", ref.ID,
					"stage", item.Stage,
					logging.ErrorKind(string(item.Error.Kind)),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Items = items
	for _, item := range items {
		if item.Processed {
			report.Processed++
		} else {
			report.Failed++
		}
	}
	logger.Info("expense workflow finished",
		"fetched", report.Fetched,
		"processed", report.Processed,
		"failed", report.Failed,
	)
	return report, nil
}

func (w *Workflow) process(ctx context.Context, principal, messageID string) ItemResult {
	raw, err := w.ReadReceipt(ctx, principal, messageID)
	if err != nil {
		return *failedItem(messageID, "", StageRead, err)
	}

	exp, err := Parse(raw)
	if err != nil {
		fe := failure.New(failure.KindInvalidInvocation, "", err)
		fe.Hint = "the email could not be parsed as a receipt"
		return *failedItem(messageID, raw.Subject, StageParse, fe)
	}

	item := ItemResult{MessageID: messageID, Subject: raw.Subject, Expense: exp}
	if _, err := w.Record(ctx, principal, exp); err != nil {
		return withFailure(item, StageRecord, err)
	}
	if _, err := w.Notify(ctx, principal, exp); err != nil {
		return withFailure(item, StageNotify, err)
	}
	if err := w.MarkRead(ctx, principal, messageID); err != nil {
		return withFailure(item, StageMarkRead, err)
	}
	item.Processed = true
	return item
}

func failedItem(messageID, subject, stage string, err error) *ItemResult {
	item := withFailure(ItemResult{MessageID: messageID, Subject: subject}, stage, err)
	return &item
}

func withFailure(item ItemResult, stage string, err error) ItemResult {
	item.Stage = stage
	item.Error = dispatch.NewErrorInfo(err)
	return item
}
