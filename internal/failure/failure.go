package failure

import (
	"errors"
	"fmt"
	"time"

	"github.com/teemow/expensebridge/internal/provider"
)

// Kind is the stable classification of a failed invocation.
type Kind string

const (
	KindUnauthenticated   Kind = "Unauthenticated"
	KindInsufficientScope Kind = "InsufficientScope"
	KindProviderTransient Kind = "ProviderTransient"
	KindProviderFatal     Kind = "ProviderFatal"
	KindRateLimitTimeout  Kind = "RateLimitTimeout"
	KindRefreshFailed     Kind = "RefreshFailed"
	KindInvalidInvocation Kind = "InvalidInvocation"
	KindCancelled         Kind = "Cancelled"
)

// Error is a classified failure. Hint is meant for the caller; Cause holds
// the raw upstream error, which is logged but not surfaced verbatim.
type Error struct {
	Kind     Kind
	Provider provider.Provider
	Hint     string
	// Reason is a short machine readable detail such as "invalid_grant".
	Reason string
	// AuthURL is set when the caller has to (re)authorize.
	AuthURL string
	// Status is the upstream HTTP status code, if any.
	Status int
	// RetryAfter is the delay the provider asked for, if any.
	RetryAfter time.Duration
	// Missing lists scopes absent from the credential.
	Missing []string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Provider != "" {
		msg += " (" + string(e.Provider) + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the caller may retry the invocation later.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindProviderTransient, KindRateLimitTimeout:
		return true
	}
	return false
}

// New creates a classified error with the default remediation hint for kind.
func New(kind Kind, p provider.Provider, cause error) *Error {
	return &Error{
		Kind:     kind,
		Provider: p,
		Hint:     DefaultHint(kind, p),
		Cause:    cause,
	}
}

// Newf is like New but builds the cause from a format string.
func Newf(kind Kind, p provider.Provider, format string, args ...any) *Error {
	return New(kind, p, fmt.Errorf(format, args...))
}

// Unauthenticated returns an error telling the caller to complete consent.
func Unauthenticated(p provider.Provider, authURL string, cause error) *Error {
	e := New(KindUnauthenticated, p, cause)
	e.AuthURL = authURL
	return e
}

// InsufficientScope returns an error listing the scopes the credential lacks.
func InsufficientScope(p provider.Provider, missing []string, authURL string) *Error {
	e := New(KindInsufficientScope, p, nil)
	e.Missing = missing
	e.AuthURL = authURL
	e.Reason = fmt.Sprintf("missing scopes %v", missing)
	return e
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of the outermost classified error, or "" if err
// is not classified.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return ""
}

// Is reports whether any classified error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok && fe.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsRetryable reports whether err may be retried locally by the retry policy.
// Only transient provider failures qualify.
func IsRetryable(err error) bool {
	return KindOf(err) == KindProviderTransient
}

// DefaultHint returns the human readable remediation for kind.
func DefaultHint(kind Kind, p provider.Provider) string {
	name := p.DisplayName()
	if p == "" {
		name = "the provider"
	}
	switch kind {
	case KindUnauthenticated:
		return fmt.Sprintf("authorize %s access and retry", name)
	case KindInsufficientScope:
		return fmt.Sprintf("re-authorize %s access to grant the additional permissions", name)
	case KindProviderTransient:
		return fmt.Sprintf("%s is temporarily unavailable, try again later", name)
	case KindProviderFatal:
		return fmt.Sprintf("%s rejected the request, check the arguments and the account's permissions", name)
	case KindRateLimitTimeout:
		return fmt.Sprintf("too many %s requests, wait a moment and retry", name)
	case KindRefreshFailed:
		return fmt.Sprintf("could not refresh %s access, re-authorize if the problem persists", name)
	case KindInvalidInvocation:
		return "check the tool name and arguments"
	case KindCancelled:
		return "the request was cancelled before completion"
	}
	return "unexpected failure"
}
