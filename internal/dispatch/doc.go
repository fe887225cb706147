// Package dispatch routes tool invocations to provider adapters.
//
// A RouteTable maps each tool to a provider operation and the OAuth scopes it
// needs. The Dispatcher resolves the route, obtains a fresh credential,
// waits for a rate-limit permit and calls the adapter, retrying transient
// failures. Every outcome is returned as a Result carrying a stable error
// kind and a remediation hint.
package dispatch
