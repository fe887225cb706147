package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/teemow/expensebridge/internal/adapters"
	"github.com/teemow/expensebridge/internal/failure"
	"github.com/teemow/expensebridge/internal/provider"
)

// Invocation is one tool call on behalf of a principal.
type Invocation struct {
	Tool      string
	Principal string
	Args      adapters.Args
}

// Result is the outcome of a dispatch. Exactly one of Payload and Error is
// set.
type Result struct {
	InvocationID string            `json:"invocation_id"`
	Tool         string            `json:"tool"`
	Provider     provider.Provider `json:"provider,omitempty"`
	Operation    string            `json:"operation,omitempty"`
	Payload      any               `json:"payload,omitempty"`
	Error        *ErrorInfo        `json:"error,omitempty"`
	Attempts     int               `json:"attempts"`
	// Sent reports whether a provider request was written to the network.
	Sent bool `json:"sent"`
	// Confirmed reports whether a provider response was received.
	Confirmed bool          `json:"confirmed"`
	Duration  time.Duration `json:"-"`

	err error
}

// ErrorInfo is the caller facing part of a classified failure. Raw upstream
// messages are logged, never copied here.
type ErrorInfo struct {
	Kind       failure.Kind `json:"kind"`
	Hint       string       `json:"hint"`
	Retryable  bool         `json:"retryable"`
	Reason     string       `json:"reason,omitempty"`
	AuthURL    string       `json:"auth_url,omitempty"`
	Missing    []string     `json:"missing_scopes,omitempty"`
	RetryAfter string       `json:"retry_after,omitempty"`
}

// NewResult returns a finished Result carrying payload, or err classified
// as by Dispatch. It serves alternative Dispatch implementations.
func NewResult(inv Invocation, payload any, err error) *Result {
	res := &Result{InvocationID: uuid.NewString(), Tool: inv.Tool, Attempts: 1}
	if err != nil {
		fe, ok := failure.As(err)
		if !ok {
			fe = failure.New(failure.KindProviderFatal, "", err)
		}
		res.Provider = fe.Provider
		res.fail(fe)
		return res
	}
	res.Payload = payload
	return res
}

// OK reports whether the invocation succeeded.
func (r *Result) OK() bool {
	return r.err == nil
}

// Err returns the classified error, or nil on success.
func (r *Result) Err() error {
	return r.err
}

func (r *Result) fail(fe *failure.Error) {
	r.err = fe
	r.Payload = nil
	r.Error = NewErrorInfo(fe)
}

// NewErrorInfo returns the caller facing form of err. Errors that are not
// classified are reported as ProviderFatal.
func NewErrorInfo(err error) *ErrorInfo {
	fe, ok := failure.As(err)
	if !ok {
		fe = failure.New(failure.KindProviderFatal, "", err)
	}
	info := &ErrorInfo{
		Kind:      fe.Kind,
		Hint:      fe.Hint,
		Retryable: fe.Retryable(),
		Reason:    fe.Reason,
		AuthURL:   fe.AuthURL,
		Missing:   fe.Missing,
	}
	if fe.RetryAfter > 0 {
		info.RetryAfter = fe.RetryAfter.String()
	}
	return info
}
