// Package server hosts the long-lived parts of the expensebridge MCP server.
//
// ServerContext owns the credential store, the OAuth controller, the tool
// dispatcher and the expense workflow, and binds MCP sessions to principals
// so that tool calls can omit the principal once a session is known.
//
// HTTPServer exposes, on a single chi router:
//   - /mcp: the streamable HTTP MCP endpoint
//   - /oauth/callback: the OAuth redirect target, rate limited per client IP
//   - /healthz, /readyz and /healthz/detailed: Kubernetes probes
//
// MetricsServer serves Prometheus metrics on a separate listener.
//
// Redirect URLs must use HTTPS unless they point at a loopback host.
package server
