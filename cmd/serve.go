package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/teemow/expensebridge/internal/instrumentation"
	"github.com/teemow/expensebridge/internal/provider"
	"github.com/teemow/expensebridge/internal/server"
	"github.com/teemow/expensebridge/internal/tools/auth_tools"
	"github.com/teemow/expensebridge/internal/tools/expense_tools"
	"github.com/teemow/expensebridge/internal/tools/provider_tools"
)

const (
	transportStdio          = "stdio"
	transportStreamableHTTP = "streamable-http"
)

// serveConfig holds the serve command's own flags.
type serveConfig struct {
	transport        string
	httpAddr         string
	host             string
	port             int
	mcpPath          string
	yolo             bool
	disableStreaming bool
	trustProxy       bool
	tlsCertFile      string
	tlsKeyFile       string
	callbackRate     float64
	callbackBurst    int
	metricsEnabled   bool
	metricsAddr      string

	apiKeys           []string
	trustPrincipalArg bool
}

func newServeCmd() *cobra.Command {
	var sc serveConfig

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol (MCP) server exposing Gmail, Google Sheets
and Slack operations and the expense workflow as tools for AI assistants.

Supports multiple transport types:
  - stdio: Standard input/output (default). Logs go to stderr.
  - streamable-http: Streamable HTTP transport. The same listener serves the
    OAuth callback (/oauth/callback) and health checks (/healthz, /readyz).

Safety Mode:
  By default, the server operates in read-only mode and registers only tools
  that do not change provider state. Use --yolo to enable write operations
  (marking email read, appending rows, posting to Slack, revoking credentials).

OAuth Configuration:
  Client credentials:
    --google-client-id/--google-client-secret (Gmail and Sheets)
    --slack-client-id/--slack-client-secret (Slack)
    OR the GOOGLE_* and SLACK_* env vars. Providers without a client are disabled.

  Redirect URL:
    --base-url https://your-domain.com OR MCP_BASE_URL env var.
    The redirect URL is the base URL followed by /oauth/callback and must be
    HTTPS unless it points at localhost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(&appCfg, &sc)
		},
	}

	cmd.Flags().StringVar(&sc.transport, "transport", transportStdio, "Transport type: stdio or streamable-http")
	cmd.Flags().StringVar(&sc.httpAddr, "http-addr", server.DefaultHTTPAddr, "HTTP listen address (for streamable-http transport)")
	cmd.Flags().StringVar(&sc.host, "host", "", "HTTP listen host, overrides the host of --http-addr")
	cmd.Flags().IntVar(&sc.port, "port", 0, "HTTP listen port, overrides the port of --http-addr")
	cmd.Flags().StringVar(&sc.mcpPath, "path", server.DefaultMCPPath, "HTTP path of the MCP endpoint")
	cmd.Flags().BoolVar(&sc.yolo, "yolo", false, "Enable write operations (default is read-only mode)")
	cmd.Flags().BoolVar(&sc.disableStreaming, "disable-streaming", false, "Disable streaming responses for streamable-http transport")
	cmd.Flags().BoolVar(&sc.trustProxy, "trust-proxy", false, "Trust X-Forwarded-For when rate limiting OAuth callbacks")
	cmd.Flags().StringVar(&sc.tlsCertFile, "tls-cert-file", "", "TLS certificate file for HTTPS")
	cmd.Flags().StringVar(&sc.tlsKeyFile, "tls-key-file", "", "TLS private key file for HTTPS")
	cmd.Flags().Float64Var(&sc.callbackRate, "callback-rate", server.DefaultCallbackRate, "OAuth callback requests per second allowed per client IP")
	cmd.Flags().IntVar(&sc.callbackBurst, "callback-burst", server.DefaultCallbackBurst, "OAuth callback burst per client IP")

	cmd.Flags().StringSliceVar(&sc.apiKeys, "api-keys", nil, "Bearer API keys for the streamable-http MCP endpoint, as principal=key pairs")
	cmd.Flags().BoolVar(&sc.trustPrincipalArg, "trust-principal-arg", false, "Accept the principal tool argument from unauthenticated streamable-http clients")

	// Metrics server flags
	cmd.Flags().BoolVar(&sc.metricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port")
	cmd.Flags().StringVar(&sc.metricsAddr, "metrics-addr", server.DefaultMetricsAddr, "Metrics server address")

	return cmd
}

func runServe(cfg *appConfig, serveCfg *serveConfig) error {
	if serveCfg.transport != transportStdio && serveCfg.transport != transportStreamableHTTP {
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http)", serveCfg.transport)
	}

	apiKeys, err := server.ParseAPIKeys(serveCfg.apiKeys)
	if err != nil {
		return fmt.Errorf("invalid --api-keys: %w", err)
	}

	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Stdout carries the stdio protocol, so every log line goes to stderr.
	logger := newLogger(os.Stderr, cfg.debug)
	slog.SetDefault(logger)

	serveCfg.httpAddr = resolveHTTPAddr(serveCfg.httpAddr, serveCfg.host, serveCfg.port)
	if cfg.baseURL == "" && serveCfg.transport == transportStreamableHTTP {
		cfg.baseURL = localBaseURL(serveCfg.httpAddr, serveCfg.tlsCertFile != "")
	}

	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version

	instrProvider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		if err := instrProvider.Shutdown(context.Background()); err != nil {
			logger.Warn("error during instrumentation shutdown", "error", err)
		}
	}()

	var metrics *instrumentation.Metrics
	if instrProvider.Enabled() {
		metrics = instrProvider.Metrics()
	}

	// Start metrics server if enabled and not in stdio mode
	var metricsServer *server.MetricsServer
	if serveCfg.transport != transportStdio && serveCfg.metricsEnabled && instrProvider.Enabled() {
		metricsServer, err = startMetricsServer(serveCfg.metricsAddr, instrProvider, logger)
		if err != nil {
			return err
		}
	}

	serverContext, err := buildServerContext(shutdownCtx, cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create server context: %w", err)
	}

	// Set metrics and audit logger on server context for tool instrumentation
	if instrProvider.Enabled() {
		serverContext.SetMetrics(metrics)
		serverContext.SetAuditLogger(instrumentation.NewAuditLoggerWithConfig(logger, instrConfig.AuditLogging))
	}
	defer func() {
		// Shutdown metrics server first
		if metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(ctx); err != nil {
				logger.Warn("error during metrics server shutdown", "error", err)
			}
		}
		if err := serverContext.Shutdown(); err != nil {
			logger.Warn("error during server context shutdown", "error", err)
		}
	}()

	mcpSrv := mcpserver.NewMCPServer("expensebridge", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(serverContext.SessionHooks()),
	)

	// readOnly is the inverse of yolo
	readOnly := !serveCfg.yolo
	if readOnly {
		logger.Info("starting server in read-only mode, use --yolo to enable write operations")
	} else {
		logger.Info("starting server with write operations enabled")
	}

	if serveCfg.transport == transportStreamableHTTP {
		applyPrincipalPolicy(serverContext, apiKeys, serveCfg.trustPrincipalArg, logger)
	}

	if err := registerAllTools(mcpSrv, serverContext, readOnly); err != nil {
		return err
	}

	switch serveCfg.transport {
	case transportStdio:
		return runStdioServer(shutdownCtx, mcpSrv)
	default:
		return runStreamableHTTPServer(shutdownCtx, mcpSrv, serverContext, server.HTTPConfig{
			Addr:             serveCfg.httpAddr,
			MCPPath:          serveCfg.mcpPath,
			RedirectURL:      cfg.redirectURL(),
			DisableStreaming: serveCfg.disableStreaming,
			TrustProxy:       serveCfg.trustProxy,
			CallbackRate:     serveCfg.callbackRate,
			CallbackBurst:    serveCfg.callbackBurst,
			TLSCertFile:      serveCfg.tlsCertFile,
			TLSKeyFile:       serveCfg.tlsKeyFile,
			APIKeys:          apiKeys,
			Metrics:          metrics,
			Logger:           logger,
		})
	}
}

// applyPrincipalPolicy decides which principal HTTP clients may act for.
// With API keys each client acts for its key's principal. Without them every
// client shares the default principal unless principal arguments are trusted.
func applyPrincipalPolicy(sc *server.ServerContext, keys *server.APIKeys, trustArg bool, logger *slog.Logger) {
	switch {
	case keys.Len() > 0:
		sc.RestrictPrincipalArgument()
		logger.Info("MCP endpoint requires an API key", "principals", keys.Len())
	case trustArg:
		logger.Warn("MCP endpoint has no client authentication and trusts the principal argument, any caller can act for any principal")
	default:
		sc.RestrictPrincipalArgument()
		logger.Warn("MCP endpoint has no client authentication, every caller acts for the default principal",
			"principal", sc.DefaultPrincipal())
	}
}

func startMetricsServer(addr string, provider *instrumentation.Provider, logger *slog.Logger) (*server.MetricsServer, error) {
	metricsServer, err := server.NewMetricsServer(server.MetricsServerConfig{
		Addr:                    addr,
		InstrumentationProvider: provider,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics server: %w", err)
	}

	// Use ready channel to confirm metrics server started successfully
	metricsReady := make(chan struct{})
	metricsErr := make(chan error, 1)
	go func() {
		if err := metricsServer.StartWithReadySignal(metricsReady); err != nil && err != http.ErrServerClosed {
			metricsErr <- err
		}
		close(metricsErr)
	}()

	select {
	case <-metricsReady:
		logger.Info("metrics server started", "addr", metricsServer.Addr())
		return metricsServer, nil
	case err := <-metricsErr:
		return nil, fmt.Errorf("metrics server failed to start: %w", err)
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("metrics server startup timed out")
	}
}

func runStdioServer(ctx context.Context, mcpSrv *mcpserver.MCPServer) error {
	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := mcpserver.ServeStdio(mcpSrv); err != nil {
			serverDone <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	}
}

// registerAllTools registers every tool group. Write tools are skipped when
// readOnly is set.
func registerAllTools(mcpSrv *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	type toolRegistration struct {
		name     string
		register func() error
	}

	registrations := []toolRegistration{
		{
			name: "provider",
			register: func() error {
				return provider_tools.RegisterProviderTools(mcpSrv, sc, readOnly)
			},
		},
		{
			name: "expense",
			register: func() error {
				return expense_tools.RegisterExpenseTools(mcpSrv, sc, readOnly)
			},
		},
		{
			name: "auth",
			register: func() error {
				return auth_tools.RegisterAuthTools(mcpSrv, sc, readOnly)
			},
		},
	}

	for _, reg := range registrations {
		if err := reg.register(); err != nil {
			return fmt.Errorf("failed to register %s tools: %w", reg.name, err)
		}
	}

	return nil
}

func runStreamableHTTPServer(ctx context.Context, mcpSrv *mcpserver.MCPServer, sc *server.ServerContext, cfg server.HTTPConfig) error {
	httpServer, err := server.NewHTTPServer(sc, mcpSrv, cfg)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	cfg.Logger.Info("streamable HTTP server starting",
		"addr", cfg.Addr,
		"mcp_path", cfg.MCPPath,
		"oauth_redirect", cfg.RedirectURL,
	)
	for _, st := range providerSummary(sc) {
		cfg.Logger.Info("provider", "name", st.name, "configured", st.configured)
	}

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			serverDone <- err
		}
	}()

	select {
	case <-ctx.Done():
		cfg.Logger.Info("shutdown signal received, stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
	}

	cfg.Logger.Info("HTTP server gracefully stopped")
	return nil
}

type providerState struct {
	name       string
	configured bool
}

func providerSummary(sc *server.ServerContext) []providerState {
	var out []providerState
	for _, p := range provider.All() {
		out = append(out, providerState{name: p.DisplayName(), configured: sc.Controller().Enabled(p)})
	}
	return out
}

// resolveHTTPAddr applies --host and --port on top of addr.
func resolveHTTPAddr(addr, host string, port int) string {
	if host == "" && port == 0 {
		return addr
	}
	addrHost, addrPort, err := net.SplitHostPort(addr)
	if err != nil {
		addrHost, addrPort = "", "8080"
	}
	if host == "" {
		host = addrHost
	}
	if port != 0 {
		addrPort = strconv.Itoa(port)
	}
	return net.JoinHostPort(host, addrPort)
}

// localBaseURL derives a loopback base URL from a listen address such as
// ":8080" or "0.0.0.0:8080".
func localBaseURL(addr string, tls bool) string {
	scheme := "http"
	if tls {
		scheme = "https"
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return defaultBaseURL
	}
	return scheme + "://localhost:" + port
}

// parseCommaSeparatedList parses a comma-separated string into a slice,
// trimming whitespace from each element and filtering out empty strings.
// Returns nil if the input is empty or contains only whitespace/commas.
func parseCommaSeparatedList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
