package instrumentation

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestProvider(t *testing.T, detailed bool) (*Provider, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	provider, err := NewProvider(ctx, Config{
		ServiceName:     "test-service",
		ServiceVersion:  "1.0.0",
		Enabled:         true,
		MetricsExporter: "prometheus",
		TracingExporter: "none",
		DetailedLabels:  detailed,
	})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return provider, ctx
}

func TestMetrics_Recorders(t *testing.T) {
	for _, detailed := range []bool{false, true} {
		provider, ctx := newTestProvider(t, detailed)
		metrics := provider.Metrics()
		if metrics == nil {
			t.Fatal("expected metrics to be non-nil")
		}

		// Should not panic
		metrics.RecordHTTPRequest(ctx, "GET", "/mcp", 200, 100*time.Millisecond)
		metrics.RecordProviderOperation(ctx, "gmail", "list_messages", StatusSuccess, 200*time.Millisecond)
		metrics.RecordProviderOperation(ctx, "slack", "post_message", "ProviderTransient", 50*time.Millisecond)
		metrics.RecordOAuthAuth(ctx, "sheets", OAuthResultSuccess)
		metrics.RecordOAuthTokenRefresh(ctx, "sheets", OAuthResultInvalidGrant, time.Second)
		metrics.RecordRetry(ctx, "gmail", "read_message")
		metrics.RecordDispatchFailure(ctx, "gmail", "RateLimitTimeout")
		metrics.RecordRateLimitWait(ctx, "slack", RateLimitTimeout, 2*time.Second)
		metrics.RecordToolInvocation(ctx, "gmail_list_messages", StatusSuccess, 100*time.Millisecond)
		metrics.RecordToolInvocationWithPrincipal(ctx, "gmail_list_messages", StatusError, "alice@example.com", 100*time.Millisecond)
		metrics.IncrementActiveSessions(ctx)
		metrics.DecrementActiveSessions(ctx)
	}
}

func TestMetrics_RecordedValues(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(ctx) }()

	metrics, err := NewMetrics(mp.Meter("test"), false)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	metrics.RecordRetry(ctx, "gmail", "list_messages")
	metrics.RecordRetry(ctx, "gmail", "list_messages")
	metrics.RecordOAuthTokenRefresh(ctx, "sheets", OAuthResultSuccess, 10*time.Millisecond)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}

	if got := sums["dispatch_retries_total"]; got != 2 {
		t.Errorf("dispatch_retries_total = %d, want 2", got)
	}
	if got := sums["oauth_token_refresh_total"]; got != 1 {
		t.Errorf("oauth_token_refresh_total = %d, want 1", got)
	}
}

func TestMetrics_PrincipalLabel(t *testing.T) {
	for _, detailed := range []bool{false, true} {
		ctx := context.Background()
		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

		metrics, err := NewMetrics(mp.Meter("test"), detailed)
		if err != nil {
			t.Fatalf("NewMetrics() error = %v", err)
		}
		metrics.RecordToolInvocationWithPrincipal(ctx, "run_expense_workflow", StatusSuccess, "Alice@Example.com", time.Millisecond)

		var rm metricdata.ResourceMetrics
		if err := reader.Collect(ctx, &rm); err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		_ = mp.Shutdown(ctx)

		var labels []string
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok || m.Name != "mcp_tool_invocations_total" {
					continue
				}
				for _, dp := range sum.DataPoints {
					if v, ok := dp.Attributes.Value(attrPrincipal); ok {
						labels = append(labels, v.AsString())
					}
				}
			}
		}

		switch {
		case detailed && (len(labels) != 1 || labels[0] != "example.com"):
			t.Errorf("detailed labels: principal = %v, want [example.com]", labels)
		case !detailed && len(labels) != 0:
			t.Errorf("principal label recorded without detailed labels: %v", labels)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	ctx := context.Background()
	var metrics *Metrics

	// All these should not panic on a nil receiver
	metrics.RecordHTTPRequest(ctx, "GET", "/mcp", 200, 100*time.Millisecond)
	metrics.RecordProviderOperation(ctx, "gmail", "list_messages", StatusSuccess, time.Millisecond)
	metrics.RecordOAuthAuth(ctx, "gmail", OAuthResultSuccess)
	metrics.RecordOAuthTokenRefresh(ctx, "gmail", OAuthResultSuccess, time.Millisecond)
	metrics.RecordRetry(ctx, "gmail", "list_messages")
	metrics.RecordDispatchFailure(ctx, "gmail", "ProviderFatal")
	metrics.RecordRateLimitWait(ctx, "gmail", RateLimitAcquired, 0)
	metrics.RecordToolInvocation(ctx, "test_tool", StatusSuccess, time.Millisecond)
	metrics.IncrementActiveSessions(ctx)
	metrics.DecrementActiveSessions(ctx)
}

func TestMetrics_NoOp_WhenDisabled(t *testing.T) {
	ctx := context.Background()

	provider, err := NewProvider(ctx, Config{
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Enabled:        false,
	})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	metrics := provider.Metrics()
	if metrics == nil {
		t.Fatal("expected metrics to be non-nil even when disabled")
	}

	metrics.RecordHTTPRequest(ctx, "GET", "/mcp", 200, 100*time.Millisecond)
	metrics.RecordProviderOperation(ctx, "sheets", "append_rows", StatusSuccess, 200*time.Millisecond)
	metrics.RecordToolInvocationWithPrincipal(ctx, "test_tool", StatusSuccess, "alice@example.com", 100*time.Millisecond)
}
