package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/provider"
	"github.com/teemow/expensebridge/internal/server"
)

const defaultLoginTimeout = 5 * time.Minute

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage provider credentials",
		Long: `Manage the OAuth credentials stored for a principal.

The principal is taken from --principal. Credentials are written to the
store selected by --store-type, so a server using the same store picks them
up without restarting.`,
	}

	cmd.AddCommand(newAuthLoginCmd())
	cmd.AddCommand(newAuthStatusCmd())
	cmd.AddCommand(newAuthRevokeCmd())
	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	var (
		scopes  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "login <gmail|sheets|slack>",
		Short: "Authorize a provider through the browser",
		Long: `Start OAuth consent for a provider and wait for the redirect.

A temporary callback listener is started on the host and port of the
redirect URL, which must therefore point at localhost.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runAuthLogin(ctx, &appCfg, args[0], parseCommaSeparatedList(scopes), timeout, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&scopes, "scopes", "", "Comma-separated extra scopes to request")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultLoginTimeout, "How long to wait for consent")
	return cmd
}

type loginResult struct {
	record *credentials.Record
	err    error
}

func runAuthLogin(ctx context.Context, cfg *appConfig, providerName string, extraScopes []string, timeout time.Duration, out io.Writer) error {
	p, err := provider.Parse(providerName)
	if err != nil {
		return err
	}
	listenAddr, err := callbackListenAddr(cfg.redirectURL())
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr, cfg.debug)
	sc, err := buildServerContext(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sc.Shutdown() }()

	if !sc.Controller().Enabled(p) {
		return fmt.Errorf("no OAuth client configured for %s", p.DisplayName())
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for the OAuth callback on %s: %w", listenAddr, err)
	}

	done := make(chan loginResult, 1)
	callback := server.NewCallbackHandler(sc.Controller(), logger).OnComplete(func(rec *credentials.Record, err error) {
		select {
		case done <- loginResult{record: rec, err: err}:
		default:
		}
	})
	r := chi.NewRouter()
	r.Method(http.MethodGet, server.CallbackPath, callback)

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("callback listener stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	scopes := credentials.MergeScopes(sc.Routes().Scopes(p), extraScopes)
	authURL, err := sc.Controller().BeginAuthorization(ctx, sc.DefaultPrincipal(), p, scopes)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Open this URL in your browser to authorize %s for %s:\n\n%s\n\n", p.DisplayName(), sc.DefaultPrincipal(), authURL)
	fmt.Fprintln(out, "Waiting for the authorization to complete...")

	select {
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		fmt.Fprintf(out, "Authorized %s for %s (scopes: %v)\n", p.DisplayName(), res.record.Principal, res.record.Scopes)
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s waiting for authorization", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// callbackListenAddr returns the address a local login listens on. Only
// loopback redirect URLs can be served from the CLI.
func callbackListenAddr(redirectURL string) (string, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URL: %w", err)
	}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" && host != "::1" {
		return "", fmt.Errorf("redirect URL %s is not on localhost, complete authorization through the server's auth_begin tool instead", redirectURL)
	}
	if u.Path != server.CallbackPath {
		return "", fmt.Errorf("redirect URL %s must use the path %s", redirectURL, server.CallbackPath)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(host, port), nil
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show credential status for every provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			sc, err := buildServerContext(ctx, &appCfg, newLogger(os.Stderr, appCfg.debug), nil)
			if err != nil {
				return err
			}
			defer func() { _ = sc.Shutdown() }()

			statuses, err := sc.Controller().Status(ctx, sc.DefaultPrincipal())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"principal": sc.DefaultPrincipal(),
				"providers": statuses,
			})
		},
	}
}

func newAuthRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <gmail|sheets|slack>",
		Short: "Revoke and delete a stored credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := provider.Parse(args[0])
			if err != nil {
				return err
			}
			ctx := context.Background()
			sc, err := buildServerContext(ctx, &appCfg, newLogger(os.Stderr, appCfg.debug), nil)
			if err != nil {
				return err
			}
			defer func() { _ = sc.Shutdown() }()

			if err := sc.Controller().Revoke(ctx, sc.DefaultPrincipal(), p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s for %s\n", p.DisplayName(), sc.DefaultPrincipal())
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
