package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/teemow/expensebridge/internal/adapters"
	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/failure"
	"github.com/teemow/expensebridge/internal/instrumentation"
	"github.com/teemow/expensebridge/internal/logging"
	"github.com/teemow/expensebridge/internal/provider"
	"github.com/teemow/expensebridge/internal/retry"
)

// CredentialSource returns a credential that is valid now and carries the
// required scopes. *oauthflow.Controller implements it.
//
// Invalidate is called when a provider rejects an access token. It returns
// nil when the credential can be refreshed and the call retried, and an
// Unauthenticated failure carrying a consent URL otherwise.
type CredentialSource interface {
	EnsureFresh(ctx context.Context, principal string, p provider.Provider, required []string) (*credentials.Record, error)
	Invalidate(ctx context.Context, principal string, p provider.Provider, accessToken string, required []string, allowRefresh bool) error
}

// Limiter hands out request permits. *ratelimit.Limiter implements it.
type Limiter interface {
	Acquire(ctx context.Context, p provider.Provider, principal string) error
	Penalize(p provider.Provider, principal string, d time.Duration)
}

// Config configures a Dispatcher.
type Config struct {
	Routes      *RouteTable
	Adapters    *adapters.Registry
	Credentials CredentialSource
	Limiter     Limiter
	Retry       retry.Policy
	Logger      *slog.Logger
	Metrics     *instrumentation.Metrics
}

// Dispatcher routes tool invocations to provider adapters. Invocations are
// independent: the failure or panic of one never affects another.
type Dispatcher struct {
	routes   *RouteTable
	adapters *adapters.Registry
	creds    CredentialSource
	limiter  Limiter
	policy   retry.Policy
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
}

// New creates a Dispatcher. Every route must be served by a registered adapter.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Routes == nil || cfg.Adapters == nil {
		return nil, errors.New("dispatcher needs routes and adapters")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("dispatcher needs a credential source")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("dispatcher needs a rate limiter")
	}
	for _, r := range cfg.Routes.Routes() {
		if !cfg.Adapters.Supports(r.Provider, r.Operation) {
			return nil, fmt.Errorf("route %q: no %s adapter implements %q", r.Tool, r.Provider, r.Operation)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	return &Dispatcher{
		routes:   cfg.Routes,
		adapters: cfg.Adapters,
		creds:    cfg.Credentials,
		limiter:  cfg.Limiter,
		policy:   cfg.Retry,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Routes returns the route table.
func (d *Dispatcher) Routes() *RouteTable {
	return d.routes
}

// Dispatch runs inv and never returns a nil Result. Failures are classified
// and carried in the Result.
//
// For each attempt the credential is made fresh, a rate-limit permit is
// acquired and the adapter is called. Transient provider failures are
// retried according to the retry policy; everything else surfaces at once.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) *Result {
	start := time.Now()
	res := &Result{InvocationID: uuid.NewString(), Tool: inv.Tool}
	logger := d.logger.With(logging.Tool(inv.Tool), logging.InvocationID(res.InvocationID))

	route, ok := d.routes.Lookup(inv.Tool)
	if !ok {
		fe := failure.Newf(failure.KindInvalidInvocation, "", "unknown tool %q", inv.Tool)
		fe.Reason = "unknown_tool"
		res.fail(fe)
		return d.finish(ctx, logger, res, start)
	}
	res.Provider = route.Provider
	res.Operation = route.Operation
	logger = logger.With(logging.Provider(string(route.Provider)), logging.Operation(route.Operation))

	if inv.Principal == "" {
		fe := failure.Newf(failure.KindInvalidInvocation, route.Provider, "principal is required")
		fe.Reason = "missing_principal"
		res.fail(fe)
		return d.finish(ctx, logger, res, start)
	}
	logger = logger.With(logging.PrincipalHash(inv.Principal))

	adapter, _ := d.adapters.Get(route.Provider)
	args := inv.Args
	if args == nil {
		args = adapters.Args{}
	}

	ctx, span := instrumentation.StartProviderSpan(ctx, string(route.Provider), route.Operation,
		attribute.String(instrumentation.SpanAttrTool, inv.Tool))
	defer span.End()

	ctx, trace := adapters.WithCallTrace(ctx)

	payload, attempts, err := retry.Do(ctx, d.policy, func(ctx context.Context, attempt int) (any, error) {
		return d.attempt(ctx, logger, adapter, route, inv.Principal, args, attempt)
	}, func(attempt int, err error, next time.Duration) {
		logger.Warn("retrying provider call",
			logging.Attempt(attempt),
			logging.ErrorKind(string(failure.KindOf(err))),
			slog.Duration("backoff", next),
			logging.Err(err),
		)
		instrumentation.AddSpanEvent(span, "retry", attribute.Int(instrumentation.SpanAttrAttempt, attempt))
		d.metrics.RecordRetry(ctx, string(route.Provider), route.Operation)
	})

	res.Attempts = attempts
	res.Sent = trace.Sent()
	res.Confirmed = trace.Confirmed()
	instrumentation.SetDispatchOutcome(span, res.InvocationID, res.Attempts, res.Sent, res.Confirmed)

	if err != nil {
		fe := d.classify(ctx, route.Provider, err, res)
		res.fail(fe)
		instrumentation.SetSpanError(span, err)
		span.SetAttributes(attribute.String(instrumentation.SpanAttrErrorKind, string(fe.Kind)))
	} else {
		res.Payload = payload
		instrumentation.SetSpanSuccess(span)
	}
	return d.finish(ctx, logger, res, start)
}

// attempt makes one dispatch attempt. When the provider rejects the access
// token the credential is refreshed once and the call repeated; a second
// rejection removes the credential and returns a consent URL.
func (d *Dispatcher) attempt(ctx context.Context, logger *slog.Logger, adapter adapters.Adapter, route Route, principal string, args adapters.Args, attempt int) (any, error) {
	allowRefresh := true
	for {
		cred, err := d.creds.EnsureFresh(ctx, principal, route.Provider, route.Scopes)
		if err != nil {
			return nil, err
		}
		if err := d.limiter.Acquire(ctx, route.Provider, principal); err != nil {
			return nil, err
		}
		out, err := d.execute(ctx, logger, adapter, route, principal, cred, args, attempt)
		if !tokenRejected(err) {
			return out, err
		}

		if ierr := d.creds.Invalidate(ctx, principal, route.Provider, cred.AccessToken, route.Scopes, allowRefresh); ierr != nil {
			return nil, ierr
		}
		if !allowRefresh {
			return nil, err
		}
		logger.Info("access token rejected, retrying with a refreshed credential", logging.Attempt(attempt))
		allowRefresh = false
	}
}

// tokenRejected reports whether err is a provider rejecting the access token
// as opposed to the controller asking for consent.
func tokenRejected(err error) bool {
	fe, ok := failure.As(err)
	return ok && fe.Kind == failure.KindUnauthenticated && fe.AuthURL == ""
}

// execute runs a single adapter call and turns a panic into a ProviderFatal
// error.
func (d *Dispatcher) execute(ctx context.Context, logger *slog.Logger, adapter adapters.Adapter, route Route, principal string, cred *credentials.Record, args adapters.Args, attempt int) (out any, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("adapter panicked",
				logging.Attempt(attempt),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			fe := failure.Newf(failure.KindProviderFatal, route.Provider, "adapter panic: %v", r)
			fe.Reason = "adapter_panic"
			fe.Hint = "internal error while calling " + route.Provider.DisplayName() + ", the request was not completed"
			out, err = nil, fe
		}

		status := logging.StatusSuccess
		if err != nil {
			status = string(failure.KindOf(err))
			if status == "" {
				status = logging.StatusError
			}
		}
		d.metrics.RecordProviderOperation(ctx, string(route.Provider), route.Operation, status, time.Since(start))
	}()

	out, err = adapter.Execute(ctx, route.Operation, cred, args)
	if fe, ok := failure.As(err); ok && fe.Status == http.StatusTooManyRequests && fe.RetryAfter > 0 {
		d.limiter.Penalize(route.Provider, principal, fe.RetryAfter)
	}
	return out, err
}

// classify maps the final error of a dispatch to a caller facing failure.
// A cancelled caller gets Cancelled regardless of the attempt's error.
func (d *Dispatcher) classify(ctx context.Context, p provider.Provider, err error, res *Result) *failure.Error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if fe, ok := failure.As(err); ok && ctx.Err() == nil {
			return fe
		}
		fe := failure.New(failure.KindCancelled, p, err)
		switch {
		case res.Confirmed:
			fe.Reason = "response_received"
			fe.Hint = "the request was cancelled after " + p.DisplayName() + " answered, the change may have been applied"
		case res.Sent:
			fe.Reason = "request_sent"
			fe.Hint = "the request was cancelled after it was sent to " + p.DisplayName() + ", the change may have been applied"
		default:
			fe.Reason = "not_sent"
		}
		return fe
	}
	if fe, ok := failure.As(err); ok {
		return fe
	}
	return failure.New(failure.KindProviderFatal, p, err)
}

func (d *Dispatcher) finish(ctx context.Context, logger *slog.Logger, res *Result, start time.Time) *Result {
	res.Duration = time.Since(start)

	if res.err == nil {
		logger.Debug("tool dispatched",
			logging.Status(logging.StatusSuccess),
			logging.Attempt(res.Attempts),
			logging.Duration(res.Duration),
		)
		return res
	}

	kind := res.Error.Kind
	d.metrics.RecordDispatchFailure(ctx, string(res.Provider), string(kind))

	level := slog.LevelWarn
	if kind == failure.KindProviderFatal || kind == failure.KindRefreshFailed {
		level = slog.LevelError
	}
	logger.Log(ctx, level, "tool dispatch failed",
		logging.Status(logging.StatusError),
		logging.ErrorKind(string(kind)),
		logging.Attempt(res.Attempts),
		logging.Duration(res.Duration),
		slog.Bool("sent", res.Sent),
		slog.Bool("confirmed", res.Confirmed),
		logging.Err(res.err),
	)
	return res
}
