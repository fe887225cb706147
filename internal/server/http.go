package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/teemow/expensebridge/internal/instrumentation"
)

const (
	// DefaultMCPPath is the streamable HTTP MCP endpoint.
	DefaultMCPPath = "/mcp"

	// DefaultHTTPAddr is the default listen address for the HTTP transport.
	DefaultHTTPAddr = ":8080"

	defaultReadHeaderTimeout = 10 * time.Second
	// Tool calls such as the expense workflow can run for a while.
	defaultWriteTimeout = 5 * time.Minute
	defaultIdleTimeout  = 120 * time.Second
)

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// MCPPath is the MCP endpoint path. Defaults to DefaultMCPPath.
	MCPPath string
	// RedirectURL is the public URL of the OAuth callback. It must be HTTPS
	// unless it points at a loopback host.
	RedirectURL string

	DisableStreaming bool

	// TrustProxy makes the callback rate limiter honour X-Forwarded-For.
	TrustProxy    bool
	CallbackRate  float64
	CallbackBurst int

	TLSCertFile string
	TLSKeyFile  string

	// APIKeys, when non-empty, guard the MCP endpoint. Each key acts for
	// exactly one principal.
	APIKeys *APIKeys

	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

// HTTPServer serves the MCP endpoint, the OAuth callback and health checks
// on one listener.
type HTTPServer struct {
	sc        *ServerContext
	mcpServer *mcpserver.MCPServer
	cfg       HTTPConfig
	health    *HealthChecker
	callback  *CallbackHandler
	limiter   *IPRateLimiter
	logger    *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
}

// NewHTTPServer creates the HTTP transport for mcpSrv.
func NewHTTPServer(sc *ServerContext, mcpSrv *mcpserver.MCPServer, cfg HTTPConfig) (*HTTPServer, error) {
	if sc == nil {
		return nil, errors.New("server context is required")
	}
	if mcpSrv == nil {
		return nil, errors.New("mcp server is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultHTTPAddr
	}
	if cfg.MCPPath == "" {
		cfg.MCPPath = DefaultMCPPath
	}
	if cfg.Logger == nil {
		cfg.Logger = sc.Logger()
	}
	if cfg.RedirectURL != "" {
		if err := validateHTTPSRequirement(cfg.RedirectURL); err != nil {
			return nil, err
		}
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, errors.New("both TLS certificate and key files are required to enable HTTPS")
	}

	return &HTTPServer{
		sc:        sc,
		mcpServer: mcpSrv,
		cfg:       cfg,
		health:    NewHealthChecker(sc),
		callback:  NewCallbackHandler(sc.Controller(), cfg.Logger),
		limiter:   NewIPRateLimiter(cfg.CallbackRate, cfg.CallbackBurst, cfg.TrustProxy),
		logger:    cfg.Logger,
	}, nil
}

// HealthChecker returns the server's health checker.
func (s *HTTPServer) HealthChecker() *HealthChecker {
	return s.health
}

// Handler builds the router.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(s.recordRequest)

	s.health.RegisterHealthEndpoints(r)
	r.With(s.limiter.Middleware).Method(http.MethodGet, CallbackPath, s.callback)

	opts := []mcpserver.StreamableHTTPOption{mcpserver.WithEndpointPath(s.cfg.MCPPath)}
	if s.cfg.DisableStreaming {
		opts = append(opts, mcpserver.WithDisableStreaming(true))
	}
	var mcpHandler http.Handler = mcpserver.NewStreamableHTTPServer(s.mcpServer, opts...)
	if s.cfg.APIKeys.Len() > 0 {
		mcpHandler = s.cfg.APIKeys.Middleware(mcpHandler)
	}
	r.Handle(s.cfg.MCPPath, mcpHandler)

	return otelhttp.NewHandler(r, "expensebridge.http")
}

// Start listens on the configured address and serves until Shutdown.
func (s *HTTPServer) Start() error {
	return s.StartWithReadySignal(nil)
}

// StartWithReadySignal is like Start but closes ready once the listener is
// bound.
func (s *HTTPServer) StartWithReadySignal(ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("http server listening",
		"addr", ln.Addr().String(),
		"mcp_path", s.cfg.MCPPath,
		"tls", s.cfg.TLSCertFile != "",
		"api_keys", s.cfg.APIKeys.Len(),
	)
	if ready != nil {
		close(ready)
	}

	if s.cfg.TLSCertFile != "" {
		return srv.ServeTLS(ln, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}
	return srv.Serve(ln)
}

// Shutdown marks the server not ready, stops accepting requests and waits
// for in-flight ones until ctx is done.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)
	s.limiter.Stop()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *HTTPServer) recordRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		s.cfg.Metrics.RecordHTTPRequest(r.Context(), r.Method, path, status, time.Since(start))
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// validateHTTPSRequirement allows plain HTTP only for loopback hosts.
func validateHTTPSRequirement(baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		if u.Host == "" {
			return fmt.Errorf("invalid base URL %q: missing host", baseURL)
		}
	case "http":
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("OAuth redirects require HTTPS outside of development (got: %s), use HTTPS or a localhost URL", baseURL)
		}
	default:
		return fmt.Errorf("invalid URL scheme: %q, must be http (localhost only) or https", u.Scheme)
	}
	return nil
}
