package adapters

import (
	"context"
	"slices"

	"github.com/slack-go/slack"

	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/provider"
)

const (
	// DefaultApprovalCallbackID identifies approval button clicks.
	DefaultApprovalCallbackID = "expense_approval"
	defaultApprovalFallback   = "Approve or reject the expense"
)

// PostResult is the result of post_message.
type PostResult struct {
	Channel   string `json:"channel"`
	Timestamp string `json:"ts"`
}

// SlackAdapter implements post_message.
type SlackAdapter struct {
	opts Options
}

// NewSlackAdapter creates a Slack adapter.
func NewSlackAdapter(opts Options) *SlackAdapter {
	return &SlackAdapter{opts: opts.withDefaults()}
}

func (a *SlackAdapter) Provider() provider.Provider {
	return provider.Slack
}

func (a *SlackAdapter) Operations() []string {
	return []string{OpPostMessage}
}

func (a *SlackAdapter) Execute(ctx context.Context, operation string, cred *credentials.Record, args Args) (any, error) {
	if !slices.Contains(a.Operations(), operation) {
		return nil, unsupported(provider.Slack, operation)
	}

	// slack-go sends the token itself, so the client carries no oauth2 transport.
	api := slack.New(cred.AccessToken,
		slack.OptionHTTPClient(a.opts.httpClient(nil)),
		slack.OptionAPIURL(a.opts.baseURL(provider.Slack)),
	)

	out, err := a.postMessage(ctx, api, args)
	if err != nil {
		return nil, Classify(provider.Slack, err)
	}
	return out, nil
}

func (a *SlackAdapter) postMessage(ctx context.Context, api *slack.Client, args Args) (*PostResult, error) {
	channel := args.StringOr("channel", a.opts.SlackChannel)
	if channel == "" {
		return nil, invalidArg(provider.Slack, "channel is required")
	}
	text, err := args.RequireString(provider.Slack, "text")
	if err != nil {
		return nil, err
	}

	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if approval := args.Map("approval"); approval != nil || args.Bool("approval", false) {
		opts = append(opts, slack.MsgOptionAttachments(ApprovalAttachment(
			approval.StringOr("callback_id", DefaultApprovalCallbackID),
			approval.StringOr("fallback", defaultApprovalFallback),
		)))
	}

	ch, ts, err := api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return nil, err
	}
	return &PostResult{Channel: ch, Timestamp: ts}, nil
}

// ApprovalAttachment builds an attachment with approve and reject buttons.
func ApprovalAttachment(callbackID, fallback string) slack.Attachment {
	return slack.Attachment{
		Fallback:   fallback,
		CallbackID: callbackID,
		Actions: []slack.AttachmentAction{
			{Name: "approve", Text: "Approve", Type: "button", Style: "primary", Value: "approve"},
			{Name: "reject", Text: "Reject", Type: "button", Style: "danger", Value: "reject"},
		},
	}
}
