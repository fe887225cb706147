package instrumentation

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config controls how expensebridge exports metrics and traces.
type Config struct {
	// ServiceName is reported as service.name (default: expensebridge).
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// Environment is reported as deployment.environment when set,
	// for example "staging" or "production".
	Environment string

	// Enabled turns metrics and tracing on. Disabled providers hand out
	// a no-op Metrics recorder so call sites never need nil checks.
	Enabled bool

	// MetricsExporter is one of prometheus, otlp or stdout.
	MetricsExporter string

	// TracingExporter is one of otlp, stdout or none.
	TracingExporter string

	// OTLPEndpoint is the collector host:port, without a scheme.
	OTLPEndpoint string

	// OTLPInsecure sends OTLP over plain HTTP. Spans carry provider
	// operation names and hashed principals, so keep this off outside
	// local development.
	OTLPInsecure bool

	// TraceSamplingRate is the root span sampling ratio in [0, 1].
	TraceSamplingRate float64

	// ExportInterval is how often periodic readers push metrics.
	// Ignored by the prometheus exporter, which is pull based.
	ExportInterval time.Duration

	// MetricsPath is where the metrics server mounts the prometheus handler.
	MetricsPath string

	// DetailedLabels adds a hashed principal domain label to tool metrics.
	DetailedLabels bool

	AuditLogging AuditLoggingConfig
}

// AuditLoggingConfig controls the per-invocation audit trail.
type AuditLoggingConfig struct {
	Enabled bool

	// IncludePII logs raw principal emails instead of their hashes.
	IncludePII bool

	// LogLevel is debug, info, warn or error. Audit events are emitted
	// at this level.
	LogLevel string
}

// Exporter names.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"
)

// DefaultExportInterval is used for otlp and stdout metric readers.
const DefaultExportInterval = 10 * time.Second

// exporterSignals lists which signals each exporter can carry.
var exporterSignals = map[string]struct{ metrics, traces bool }{
	ExporterPrometheus: {metrics: true},
	ExporterOTLP:       {metrics: true, traces: true},
	ExporterStdout:     {metrics: true, traces: true},
	ExporterNone:       {traces: true},
}

// Label values shared by the metric recorders and their callers.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusUnknown = "unknown"

	OAuthResultSuccess           = "success"
	OAuthResultFailure           = "failure"
	OAuthResultInvalidGrant      = "invalid_grant"
	OAuthResultInsufficientScope = "insufficient_scope"

	RateLimitAcquired  = "acquired"
	RateLimitTimeout   = "timeout"
	RateLimitCancelled = "cancelled"
)

// DefaultConfig reads the instrumentation settings from the environment.
// Unparseable values fall back to their defaults.
func DefaultConfig() Config {
	return configFromEnv(os.Getenv)
}

func configFromEnv(getenv func(string) string) Config {
	env := envSource(getenv)
	return Config{
		ServiceName:       env.str("OTEL_SERVICE_NAME", "expensebridge"),
		ServiceVersion:    "unknown",
		Environment:       env.str("EXPENSE_ENVIRONMENT", ""),
		Enabled:           env.boolean("INSTRUMENTATION_ENABLED", true),
		MetricsExporter:   strings.ToLower(env.str("METRICS_EXPORTER", ExporterPrometheus)),
		TracingExporter:   strings.ToLower(env.str("TRACING_EXPORTER", ExporterNone)),
		OTLPEndpoint:      env.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:      env.boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSamplingRate: env.float("OTEL_TRACES_SAMPLER_ARG", 0.1),
		ExportInterval:    env.duration("OTEL_METRIC_EXPORT_INTERVAL", DefaultExportInterval),
		MetricsPath:       env.str("METRICS_PATH", "/metrics"),
		DetailedLabels:    env.boolean("METRICS_DETAILED_LABELS", false),
		AuditLogging: AuditLoggingConfig{
			Enabled:    env.boolean("AUDIT_LOGGING_ENABLED", true),
			IncludePII: env.boolean("AUDIT_LOGGING_INCLUDE_PII", false),
			LogLevel:   env.str("AUDIT_LOGGING_LEVEL", "info"),
		},
	}
}

// Validate reports the first setting NewProvider would reject.
func (c *Config) Validate() error {
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %f", c.TraceSamplingRate)
	}
	if c.ExportInterval < 0 {
		return fmt.Errorf("metric export interval must not be negative, got %s", c.ExportInterval)
	}
	if c.MetricsExporter != "" && !exporterSignals[c.MetricsExporter].metrics {
		return fmt.Errorf("invalid metrics exporter %q, must be one of: %s", c.MetricsExporter, exportersFor(true))
	}
	if c.TracingExporter != "" && !exporterSignals[c.TracingExporter].traces {
		return fmt.Errorf("invalid tracing exporter %q, must be one of: %s", c.TracingExporter, exportersFor(false))
	}
	if c.OTLPEndpoint == "" {
		if c.MetricsExporter == ExporterOTLP {
			return fmt.Errorf("OTLP endpoint is required when using OTLP metrics exporter")
		}
		if c.TracingExporter == ExporterOTLP {
			return fmt.Errorf("OTLP endpoint is required when using OTLP tracing exporter")
		}
	}
	return nil
}

func (c *Config) exportInterval() time.Duration {
	if c.ExportInterval <= 0 {
		return DefaultExportInterval
	}
	return c.ExportInterval
}

func exportersFor(metrics bool) string {
	var names []string
	for name, s := range exporterSignals {
		if (metrics && s.metrics) || (!metrics && s.traces) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// envSource wraps a getenv function with typed, defaulting accessors.
type envSource func(string) string

func (e envSource) str(key, def string) string {
	if v := strings.TrimSpace(e(key)); v != "" {
		return v
	}
	return def
}

func (e envSource) boolean(key string, def bool) bool {
	v, err := strconv.ParseBool(e.str(key, strconv.FormatBool(def)))
	if err != nil {
		return def
	}
	return v
}

func (e envSource) float(key string, def float64) float64 {
	v, err := strconv.ParseFloat(e.str(key, ""), 64)
	if err != nil {
		return def
	}
	return v
}

// duration accepts Go durations ("15s") or plain milliseconds, which is
// how OTEL_METRIC_EXPORT_INTERVAL is specified.
func (e envSource) duration(key string, def time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}
