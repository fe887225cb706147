package adapters

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
	"time"

	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/provider"
)

const (
	defaultListMax = 10
	maxListMax     = 500
	// Gmail caps a single list page at 500 but 100 keeps responses small.
	gmailPageSize = 100
)

// MessageRef identifies a message in a list result.
type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
}

// MessageList is the result of list_messages.
type MessageList struct {
	Messages           []MessageRef `json:"messages"`
	NextPageToken      string       `json:"next_page_token,omitempty"`
	ResultSizeEstimate int64        `json:"result_size_estimate"`
}

// Message is the result of read_message. Body holds the decoded text parts.
type Message struct {
	ID       string    `json:"id"`
	ThreadID string    `json:"thread_id"`
	Subject  string    `json:"subject"`
	From     string    `json:"from"`
	To       string    `json:"to,omitempty"`
	Date     string    `json:"date,omitempty"`
	Received time.Time `json:"received"`
	Snippet  string    `json:"snippet,omitempty"`
	Body     string    `json:"body"`
	LabelIDs []string  `json:"label_ids,omitempty"`
	Unread   bool      `json:"unread"`
}

// MarkReadResult is the result of mark_read.
type MarkReadResult struct {
	MessageID string   `json:"message_id"`
	LabelIDs  []string `json:"label_ids"`
}

// GmailAdapter implements list_messages, read_message and mark_read.
type GmailAdapter struct {
	opts Options
}

// NewGmailAdapter creates a Gmail adapter.
func NewGmailAdapter(opts Options) *GmailAdapter {
	return &GmailAdapter{opts: opts.withDefaults()}
}

func (a *GmailAdapter) Provider() provider.Provider {
	return provider.Gmail
}

func (a *GmailAdapter) Operations() []string {
	return []string{OpListMessages, OpReadMessage, OpMarkRead}
}

func (a *GmailAdapter) Execute(ctx context.Context, operation string, cred *credentials.Record, args Args) (any, error) {
	if !slices.Contains(a.Operations(), operation) {
		return nil, unsupported(provider.Gmail, operation)
	}

	svc, err := gmail.NewService(ctx,
		option.WithHTTPClient(a.opts.httpClient(cred)),
		option.WithEndpoint(a.opts.baseURL(provider.Gmail)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	var out any
	switch operation {
	case OpListMessages:
		out, err = a.listMessages(ctx, svc.Users, args)
	case OpReadMessage:
		out, err = a.readMessage(ctx, svc.Users, args)
	case OpMarkRead:
		out, err = a.markRead(ctx, svc.Users, args)
	}
	if err != nil {
		return nil, Classify(provider.Gmail, err)
	}
	return out, nil
}

func (a *GmailAdapter) listMessages(ctx context.Context, users *gmail.UsersService, args Args) (*MessageList, error) {
	maxResults := args.Int("max_results", defaultListMax)
	if maxResults <= 0 || maxResults > maxListMax {
		return nil, invalidArg(provider.Gmail, "max_results must be between 1 and %d", maxListMax)
	}
	query := args.String("query")
	labels := args.Strings("label_ids")
	pageToken := args.String("page_token")

	result := &MessageList{Messages: []MessageRef{}}
	for {
		remaining := maxResults - len(result.Messages)
		if remaining <= 0 {
			break
		}
		pageSize := min(remaining, gmailPageSize)

		req := users.Messages.List("me").MaxResults(int64(pageSize)).Context(ctx)
		if query != "" {
			req = req.Q(query)
		}
		if len(labels) > 0 {
			req = req.LabelIds(labels...)
		}
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		res, err := req.Do()
		if err != nil {
			return nil, err
		}
		for _, m := range res.Messages {
			result.Messages = append(result.Messages, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
		}
		result.ResultSizeEstimate = res.ResultSizeEstimate
		result.NextPageToken = res.NextPageToken

		if res.NextPageToken == "" {
			break
		}
		pageToken = res.NextPageToken
	}

	if len(result.Messages) > maxResults {
		result.Messages = result.Messages[:maxResults]
	}
	return result, nil
}

func (a *GmailAdapter) readMessage(ctx context.Context, users *gmail.UsersService, args Args) (*Message, error) {
	id, err := args.RequireString(provider.Gmail, "message_id")
	if err != nil {
		return nil, err
	}

	m, err := users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Snippet:  m.Snippet,
		LabelIDs: m.LabelIds,
		Unread:   slices.Contains(m.LabelIds, "UNREAD"),
	}
	if m.InternalDate > 0 {
		msg.Received = time.UnixMilli(m.InternalDate).UTC()
	}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "subject":
				msg.Subject = h.Value
			case "from":
				msg.From = h.Value
			case "to":
				msg.To = h.Value
			case "date":
				msg.Date = h.Value
			}
		}
		msg.Body = extractBody(m.Payload)
	}
	return msg, nil
}

func (a *GmailAdapter) markRead(ctx context.Context, users *gmail.UsersService, args Args) (*MarkReadResult, error) {
	id, err := args.RequireString(provider.Gmail, "message_id")
	if err != nil {
		return nil, err
	}

	m, err := users.Messages.Modify("me", id, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return &MarkReadResult{MessageID: id, LabelIDs: m.LabelIds}, nil
}

// extractBody returns the decoded text/plain parts of a message, falling
// back to the other text parts when there is no plain text.
func extractBody(part *gmail.MessagePart) string {
	var plain, other []string
	var walk func(p *gmail.MessagePart)
	walk = func(p *gmail.MessagePart) {
		if p == nil {
			return
		}
		if strings.HasPrefix(p.MimeType, "text/") && p.Body != nil && p.Body.Data != "" {
			if text, err := decodePartData(p.Body.Data); err == nil {
				if strings.HasPrefix(p.MimeType, "text/plain") {
					plain = append(plain, text)
				} else {
					other = append(other, text)
				}
			}
		}
		for _, child := range p.Parts {
			walk(child)
		}
	}
	walk(part)

	if len(plain) > 0 {
		return strings.Join(plain, "\n")
	}
	return strings.Join(other, "\n")
}

// decodePartData decodes Gmail's URL-safe base64 part data, padded or not.
func decodePartData(data string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
