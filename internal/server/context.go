package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/dispatch"
	"github.com/teemow/expensebridge/internal/expense"
	"github.com/teemow/expensebridge/internal/instrumentation"
	"github.com/teemow/expensebridge/internal/oauthflow"
	"github.com/teemow/expensebridge/internal/ratelimit"
)

// Options holds the components a ServerContext wires together. Store,
// Controller and Dispatcher are required.
type Options struct {
	Store      credentials.Store
	Controller *oauthflow.Controller
	Dispatcher *dispatch.Dispatcher
	Routes     *dispatch.RouteTable
	Limiter    *ratelimit.Limiter
	Workflow   *expense.Workflow

	// DefaultPrincipal is used when a tool call names no principal and the
	// MCP session is not bound to one.
	DefaultPrincipal string

	Logger *slog.Logger
}

// ServerContext holds the long-lived components shared by every tool handler.
type ServerContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	store      credentials.Store
	controller *oauthflow.Controller
	dispatcher *dispatch.Dispatcher
	routes     *dispatch.RouteTable
	limiter    *ratelimit.Limiter
	workflow   *expense.Workflow
	sessions   *SessionPrincipals

	defaultPrincipal string
	logger           *slog.Logger

	mu          sync.RWMutex
	metrics     *instrumentation.Metrics
	auditLogger *instrumentation.AuditLogger
	shutdown    bool

	restrictPrincipalArg bool
}

// DefaultPrincipal is the principal used when none is given.
const DefaultPrincipal = "default"

// NewServerContext creates a server context. The context is cancelled on
// Shutdown.
func NewServerContext(ctx context.Context, opts Options) (*ServerContext, error) {
	if opts.Store == nil {
		return nil, errors.New("credential store is required")
	}
	if opts.Controller == nil {
		return nil, errors.New("oauth controller is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.Routes == nil {
		opts.Routes = opts.Dispatcher.Routes()
	}
	if opts.DefaultPrincipal == "" {
		opts.DefaultPrincipal = DefaultPrincipal
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workflow == nil {
		wf, err := expense.NewWorkflow(expense.Config{
			Dispatcher: opts.Dispatcher,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create expense workflow: %w", err)
		}
		opts.Workflow = wf
	}

	shutdownCtx, cancel := context.WithCancel(ctx)
	return &ServerContext{
		ctx:              shutdownCtx,
		cancel:           cancel,
		store:            opts.Store,
		controller:       opts.Controller,
		dispatcher:       opts.Dispatcher,
		routes:           opts.Routes,
		limiter:          opts.Limiter,
		workflow:         opts.Workflow,
		sessions:         NewSessionPrincipals(DefaultSessionTimeout, opts.Logger),
		defaultPrincipal: opts.DefaultPrincipal,
		logger:           opts.Logger,
	}, nil
}

// Context returns the server context.
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Store returns the credential store.
func (sc *ServerContext) Store() credentials.Store {
	return sc.store
}

// Controller returns the OAuth controller.
func (sc *ServerContext) Controller() *oauthflow.Controller {
	return sc.controller
}

// Dispatcher returns the tool dispatcher.
func (sc *ServerContext) Dispatcher() *dispatch.Dispatcher {
	return sc.dispatcher
}

// Routes returns the route table the dispatcher serves.
func (sc *ServerContext) Routes() *dispatch.RouteTable {
	return sc.routes
}

// Workflow returns the expense workflow.
func (sc *ServerContext) Workflow() *expense.Workflow {
	return sc.workflow
}

// Sessions returns the MCP session to principal bindings.
func (sc *ServerContext) Sessions() *SessionPrincipals {
	return sc.sessions
}

// DefaultPrincipal returns the fallback principal.
func (sc *ServerContext) DefaultPrincipal() string {
	return sc.defaultPrincipal
}

// Logger returns the server logger.
func (sc *ServerContext) Logger() *slog.Logger {
	return sc.logger
}

// SetMetrics sets the metrics recorder used by tool handlers.
func (sc *ServerContext) SetMetrics(m *instrumentation.Metrics) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.metrics = m
}

// Metrics returns the metrics recorder, or nil.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.metrics
}

// SetAuditLogger sets the audit logger used by tool handlers.
func (sc *ServerContext) SetAuditLogger(al *instrumentation.AuditLogger) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.auditLogger = al
}

// AuditLogger returns the audit logger, or nil.
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.auditLogger
}

// RestrictPrincipalArgument makes tool calls that name a principal fail
// unless the client authenticated as that principal.
func (sc *ServerContext) RestrictPrincipalArgument() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.restrictPrincipalArg = true
}

// PrincipalArgumentRestricted reports whether RestrictPrincipalArgument
// was called.
func (sc *ServerContext) PrincipalArgumentRestricted() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.restrictPrincipalArg
}

// IsShutdown returns whether the server has been shutdown
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown cancels the server context and releases the controller, limiter,
// session bindings and credential store. It is safe to call more than once.
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	if sc.shutdown {
		sc.mu.Unlock()
		return nil
	}
	sc.shutdown = true
	sc.mu.Unlock()

	sc.cancel()
	sc.sessions.Stop()
	if sc.limiter != nil {
		sc.limiter.Close()
	}

	var errs []error
	if err := sc.controller.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close oauth controller: %w", err))
	}
	if err := sc.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close credential store: %w", err))
	}
	return errors.Join(errs...)
}
