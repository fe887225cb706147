package adapters

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/slack-go/slack"
	"google.golang.org/api/googleapi"

	"github.com/teemow/expensebridge/internal/failure"
	"github.com/teemow/expensebridge/internal/provider"
)

// RetryableStatus reports whether an upstream HTTP status is worth retrying.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Google reports per-user quota exhaustion as 403 with these reasons.
var googleRateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// Slack error strings that indicate a temporary condition.
var slackTransientErrors = map[string]bool{
	"ratelimited":         true,
	"internal_error":      true,
	"fatal_error":         true,
	"service_unavailable": true,
	"request_timeout":     true,
}

// Slack error strings that mean the token no longer works.
var slackAuthErrors = map[string]bool{
	"not_authed":       true,
	"invalid_auth":     true,
	"account_inactive": true,
	"token_revoked":    true,
	"token_expired":    true,
}

// Classify converts an error from a provider client into a *failure.Error.
// Already classified errors and context errors are returned unchanged.
func Classify(p provider.Provider, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := failure.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		reason := ""
		if len(gerr.Errors) > 0 {
			reason = gerr.Errors[0].Reason
		}
		if gerr.Code == http.StatusForbidden && googleRateLimitReasons[reason] {
			fe := failure.New(failure.KindProviderTransient, p, err)
			fe.Status = gerr.Code
			fe.Reason = reason
			fe.RetryAfter = parseRetryAfter(gerr.Header.Get("Retry-After"))
			return fe
		}
		return statusFailure(p, gerr.Code, parseRetryAfter(gerr.Header.Get("Retry-After")), reason, err)
	}

	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		fe := failure.New(failure.KindProviderTransient, p, err)
		fe.Status = http.StatusTooManyRequests
		fe.Reason = "ratelimited"
		fe.RetryAfter = rl.RetryAfter
		return fe
	}

	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		return statusFailure(p, sc.Code, 0, "", err)
	}

	var sr slack.SlackErrorResponse
	if errors.As(err, &sr) {
		kind := failure.KindProviderFatal
		switch {
		case slackTransientErrors[sr.Err]:
			kind = failure.KindProviderTransient
		case slackAuthErrors[sr.Err]:
			kind = failure.KindUnauthenticated
		}
		fe := failure.New(kind, p, err)
		fe.Reason = sr.Err
		return fe
	}

	var nerr net.Error
	var uerr *url.Error
	if errors.As(err, &nerr) || errors.As(err, &uerr) {
		fe := failure.New(failure.KindProviderTransient, p, err)
		fe.Reason = "network_error"
		return fe
	}

	return failure.New(failure.KindProviderFatal, p, err)
}

func statusFailure(p provider.Provider, status int, retryAfter time.Duration, reason string, cause error) *failure.Error {
	kind := failure.KindProviderFatal
	switch {
	case RetryableStatus(status):
		kind = failure.KindProviderTransient
	case status == http.StatusUnauthorized:
		kind = failure.KindUnauthenticated
	}

	fe := failure.New(kind, p, cause)
	fe.Status = status
	fe.Reason = reason
	if fe.Reason == "" {
		fe.Reason = http.StatusText(status)
	}
	if kind == failure.KindProviderTransient {
		fe.RetryAfter = retryAfter
	}
	if status == http.StatusNotFound {
		fe.Hint = p.DisplayName() + " could not find the requested resource, check the id"
	}
	return fe
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
