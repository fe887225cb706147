// Package instrumentation provides OpenTelemetry metrics, tracing and audit
// logging for the expensebridge MCP server.
//
// # Metrics
//
// Server/HTTP Metrics:
//   - http_requests_total: Counter of HTTP requests by method, path, and status
//   - http_request_duration_seconds: Histogram of HTTP request durations
//   - active_sessions: Gauge of active MCP sessions
//
// Provider Metrics:
//   - provider_api_operations_total: Counter of provider calls by provider, operation, status
//   - provider_api_operation_duration_seconds: Histogram of provider call durations
//
// OAuth Metrics:
//   - oauth_auth_total: Counter of completed authorizations by provider and result
//   - oauth_token_refresh_total: Counter of refresh grants by provider and result
//   - oauth_token_refresh_duration_seconds: Histogram of refresh durations
//
// Dispatch Metrics:
//   - dispatch_retries_total: Counter of provider call retries
//   - dispatch_failures_total: Counter of failed dispatches by error kind
//   - ratelimit_wait_seconds: Histogram of rate limit waits by result
//
// MCP Tool Metrics:
//   - mcp_tool_invocations_total: Counter of tool invocations by tool name and status
//   - mcp_tool_duration_seconds: Histogram of tool execution durations
//
// # Tracing
//
// Spans are created for tool invocations (tool.<name>), provider calls
// (provider.<provider>.<operation>) and refresh grants (oauth.refresh).
//
// # Configuration
//
// Instrumentation is configured via environment variables:
//   - INSTRUMENTATION_ENABLED: Enable/disable instrumentation (default: true)
//   - METRICS_EXPORTER: prometheus, otlp or stdout (default: prometheus)
//   - TRACING_EXPORTER: otlp, stdout or none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint for traces/metrics
//   - OTEL_TRACES_SAMPLER_ARG: Sampling rate (0.0 to 1.0, default: 0.1)
//   - OTEL_SERVICE_NAME: Service name (default: expensebridge)
//   - EXPENSE_ENVIRONMENT: deployment.environment resource attribute
//   - OTEL_METRIC_EXPORT_INTERVAL: push interval for otlp/stdout, in ms or as a duration
//   - METRICS_PATH: route of the prometheus handler (default: /metrics)
//   - OTEL_RESOURCE_ATTRIBUTES: extra resource attributes such as k8s.pod.name
//   - AUDIT_LOGGING_ENABLED / AUDIT_LOGGING_INCLUDE_PII: audit log behavior
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	recorder := provider.Metrics()
//	recorder.RecordProviderOperation(ctx, "gmail", "list_messages", "success", time.Since(start))
//	recorder.RecordToolInvocation(ctx, "gmail_list_messages", "success", time.Since(start))
package instrumentation
