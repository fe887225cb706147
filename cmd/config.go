package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/teemow/expensebridge/internal/adapters"
	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/dispatch"
	"github.com/teemow/expensebridge/internal/expense"
	"github.com/teemow/expensebridge/internal/instrumentation"
	"github.com/teemow/expensebridge/internal/oauthflow"
	"github.com/teemow/expensebridge/internal/ratelimit"
	"github.com/teemow/expensebridge/internal/retry"
	"github.com/teemow/expensebridge/internal/server"
)

// defaultBaseURL is used for the OAuth redirect when no base URL is set.
const defaultBaseURL = "http://localhost:8080"

// appConfig holds the settings shared by every command. Each flag can also
// be set through the environment variables listed in envFallbacks.
type appConfig struct {
	debug      bool
	principal  string
	baseURL    string
	routesFile string

	googleClientID     string
	googleClientSecret string
	slackClientID      string
	slackClientSecret  string

	storeType      string
	storePath      string
	encryptionKey  string
	encryptionMode string
	redis          credentials.RedisConfig

	spreadsheetID string
	worksheet     string
	slackChannel  string
	query         string
	maxMessages   int
	concurrency   int
	retryAttempts int
}

var appCfg appConfig

func (c *appConfig) registerFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.BoolVar(&c.debug, "debug", false, "Enable debug logging")
	f.StringVar(&c.principal, "principal", server.DefaultPrincipal, "Principal used when a tool call names none")
	f.StringVar(&c.baseURL, "base-url", "", "Public base URL of the server, used to build the OAuth redirect URL (default: "+defaultBaseURL+")")
	f.StringVar(&c.routesFile, "routes", "", "YAML file mapping tool names to provider operations (default: built-in routes)")

	f.StringVar(&c.googleClientID, "google-client-id", "", "Google OAuth client ID for Gmail and Sheets")
	f.StringVar(&c.googleClientSecret, "google-client-secret", "", "Google OAuth client secret")
	f.StringVar(&c.slackClientID, "slack-client-id", "", "Slack OAuth client ID")
	f.StringVar(&c.slackClientSecret, "slack-client-secret", "", "Slack OAuth client secret")

	f.StringVar(&c.storeType, "store-type", string(credentials.StorageFile), "Credential store: memory, file, sqlite or redis (valkey)")
	f.StringVar(&c.storePath, "store-path", "", "File or sqlite database path (default: user cache directory)")
	f.StringVar(&c.encryptionKey, "encryption-key", "", "Base64 encoded 32 byte key for encrypting tokens at rest")
	f.StringVar(&c.encryptionMode, "encryption-mode", string(credentials.ModeGlobal), "Encryption key scope: global or per-principal")
	f.StringVar(&c.redis.URL, "redis-url", "", "Redis or Valkey address (host:port or redis:// URL)")
	f.StringVar(&c.redis.Password, "redis-password", "", "Redis or Valkey password")
	f.IntVar(&c.redis.DB, "redis-db", 0, "Redis database number")
	f.BoolVar(&c.redis.TLSEnabled, "redis-tls", false, "Use TLS for the Redis connection")
	f.StringVar(&c.redis.KeyPrefix, "redis-key-prefix", credentials.DefaultRedisKeyPrefix, "Prefix for every Redis key")

	f.StringVar(&c.spreadsheetID, "spreadsheet-id", "", "Expense ledger spreadsheet ID")
	f.StringVar(&c.worksheet, "worksheet", adapters.DefaultWorksheet, "Worksheet that receives expense rows")
	f.StringVar(&c.slackChannel, "slack-channel", "", "Slack channel for approval requests")
	f.StringVar(&c.query, "query", expense.DefaultQuery, "Gmail search query selecting receipt emails")
	f.IntVar(&c.maxMessages, "max-messages", expense.DefaultMaxMessages, "Maximum receipts handled per workflow run")
	f.IntVar(&c.concurrency, "concurrency", expense.DefaultConcurrency, "Receipts processed in parallel")
	f.IntVar(&c.retryAttempts, "retry-attempts", retry.DefaultPolicy().MaxAttempts, "Attempts per provider call, including the first")
}

// envFallbacks lists the environment variables consulted for flags that
// were not set on the command line. The first non-empty variable wins.
var envFallbacks = []struct {
	flag string
	envs []string
}{
	{"debug", []string{"DEBUG"}},
	{"principal", []string{"EXPENSE_PRINCIPAL"}},
	{"base-url", []string{"MCP_BASE_URL"}},
	{"routes", []string{"ROUTES_FILE"}},
	{"google-client-id", []string{"GOOGLE_CLIENT_ID"}},
	{"google-client-secret", []string{"GOOGLE_CLIENT_SECRET"}},
	{"slack-client-id", []string{"SLACK_CLIENT_ID"}},
	{"slack-client-secret", []string{"SLACK_CLIENT_SECRET"}},
	{"store-type", []string{"CREDENTIAL_STORAGE_TYPE"}},
	{"store-path", []string{"CREDENTIAL_STORAGE_PATH"}},
	{"encryption-key", []string{"CREDENTIAL_ENCRYPTION_KEY"}},
	{"encryption-mode", []string{"CREDENTIAL_ENCRYPTION_MODE"}},
	{"redis-url", []string{"REDIS_URL", "VALKEY_URL"}},
	{"redis-password", []string{"REDIS_PASSWORD", "VALKEY_PASSWORD"}},
	{"redis-db", []string{"REDIS_DB", "VALKEY_DB"}},
	{"redis-tls", []string{"REDIS_TLS_ENABLED", "VALKEY_TLS_ENABLED"}},
	{"redis-key-prefix", []string{"REDIS_KEY_PREFIX", "VALKEY_KEY_PREFIX"}},
	{"spreadsheet-id", []string{"EXPENSE_SPREADSHEET_ID"}},
	{"worksheet", []string{"EXPENSE_WORKSHEET"}},
	{"slack-channel", []string{"EXPENSE_SLACK_CHANNEL"}},
	{"query", []string{"EXPENSE_QUERY"}},
	{"max-messages", []string{"EXPENSE_MAX_MESSAGES"}},
	{"concurrency", []string{"EXPENSE_CONCURRENCY"}},
	{"retry-attempts", []string{"RETRY_MAX_ATTEMPTS"}},

	// serve
	{"transport", []string{"MCP_TRANSPORT"}},
	{"http-addr", []string{"MCP_HTTP_ADDR"}},
	{"host", []string{"MCP_HOST"}},
	{"port", []string{"MCP_PORT"}},
	{"path", []string{"MCP_PATH"}},
	{"yolo", []string{"MCP_YOLO"}},
	{"disable-streaming", []string{"MCP_DISABLE_STREAMING"}},
	{"trust-proxy", []string{"MCP_TRUST_PROXY"}},
	{"tls-cert-file", []string{"TLS_CERT_FILE"}},
	{"tls-key-file", []string{"TLS_KEY_FILE"}},
	{"metrics-enabled", []string{"METRICS_ENABLED"}},
	{"metrics-addr", []string{"METRICS_ADDR"}},
	{"api-keys", []string{"MCP_API_KEYS"}},
	{"trust-principal-arg", []string{"MCP_TRUST_PRINCIPAL_ARG"}},
}

// loadEnv applies envFallbacks to the flags of cmd that were not changed on
// the command line. Flags cmd does not have are skipped.
func loadEnv(cmd *cobra.Command) error {
	for _, fb := range envFallbacks {
		f := cmd.Flag(fb.flag)
		if f == nil || f.Changed {
			continue
		}
		for _, env := range fb.envs {
			v := os.Getenv(env)
			if v == "" {
				continue
			}
			if err := f.Value.Set(v); err != nil {
				return fmt.Errorf("invalid value %q in %s: %w", v, env, err)
			}
			break
		}
	}
	return nil
}

// newLogger writes text logs to w. Stdout is reserved for the stdio
// transport, so callers pass os.Stderr.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (c *appConfig) redirectURL() string {
	base := c.baseURL
	if base == "" {
		base = defaultBaseURL
	}
	return strings.TrimRight(base, "/") + server.CallbackPath
}

// storageConfig validates the storage flags.
func (c *appConfig) storageConfig() (credentials.StorageConfig, *credentials.Keyring, error) {
	storeType, err := credentials.ParseStorageType(c.storeType)
	if err != nil {
		return credentials.StorageConfig{}, nil, err
	}
	mode, err := credentials.ParseEncryptionMode(c.encryptionMode)
	if err != nil {
		return credentials.StorageConfig{}, nil, err
	}
	key, err := credentials.KeyFromBase64(c.encryptionKey)
	if err != nil {
		return credentials.StorageConfig{}, nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	keyring, err := credentials.NewKeyring(key, mode)
	if err != nil {
		return credentials.StorageConfig{}, nil, err
	}
	return credentials.StorageConfig{Type: storeType, Path: c.storePath, Redis: c.redis}, keyring, nil
}

// buildServerContext opens the credential store and wires the controller,
// limiter, adapters, dispatcher and workflow into a server context. The
// caller owns the returned context and must Shutdown it.
func buildServerContext(ctx context.Context, c *appConfig, logger *slog.Logger, metrics *instrumentation.Metrics) (*server.ServerContext, error) {
	routes, err := dispatch.LoadRoutes(c.routesFile)
	if err != nil {
		return nil, err
	}

	storageCfg, keyring, err := c.storageConfig()
	if err != nil {
		return nil, err
	}
	store, err := credentials.Open(ctx, storageCfg, keyring, logger)
	if err != nil {
		return nil, err
	}

	// Pending authorizations share the credential backend when it is Redis
	// so a callback can land on any replica.
	var pending oauthflow.PendingStore
	if storageCfg.Type == credentials.StorageRedis {
		client, err := credentials.NewRedisClient(c.redis)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		pending = oauthflow.NewRedisPendingStore(client, c.redis.KeyPrefix)
	} else {
		pending = oauthflow.NewMemoryPendingStore(logger)
	}

	controller, err := oauthflow.NewController(store, pending, oauthflow.Config{
		Google:      oauthflow.ClientConfig{ClientID: c.googleClientID, ClientSecret: c.googleClientSecret},
		Slack:       oauthflow.ClientConfig{ClientID: c.slackClientID, ClientSecret: c.slackClientSecret},
		RedirectURL: c.redirectURL(),
		HTTPClient:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		_ = pending.Close()
		_ = store.Close()
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{Metrics: metrics})

	registry := adapters.DefaultRegistry(adapters.Options{
		Transport:     otelhttp.NewTransport(http.DefaultTransport),
		Logger:        logger,
		SpreadsheetID: c.spreadsheetID,
		SlackChannel:  c.slackChannel,
	})

	policy := retry.DefaultPolicy()
	if c.retryAttempts > 0 {
		policy.MaxAttempts = c.retryAttempts
	}

	fail := func(err error) (*server.ServerContext, error) {
		limiter.Close()
		_ = controller.Close()
		_ = store.Close()
		return nil, err
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Routes:      routes,
		Adapters:    registry,
		Credentials: controller,
		Limiter:     limiter,
		Retry:       policy,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return fail(err)
	}

	workflow, err := expense.NewWorkflow(expense.Config{
		Dispatcher:    dispatcher,
		SpreadsheetID: c.spreadsheetID,
		Worksheet:     c.worksheet,
		Channel:       c.slackChannel,
		Query:         c.query,
		MaxMessages:   c.maxMessages,
		Concurrency:   c.concurrency,
		Logger:        logger,
	})
	if err != nil {
		return fail(err)
	}

	sc, err := server.NewServerContext(ctx, server.Options{
		Store:            store,
		Controller:       controller,
		Dispatcher:       dispatcher,
		Routes:           routes,
		Limiter:          limiter,
		Workflow:         workflow,
		DefaultPrincipal: c.principal,
		Logger:           logger,
	})
	if err != nil {
		return fail(err)
	}
	return sc, nil
}
