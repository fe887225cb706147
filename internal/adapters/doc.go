// Package adapters implements the Gmail, Sheets and Slack operations behind
// the tools.
//
// Each adapter takes an already fresh credential from its caller and performs
// exactly one upstream operation per Execute call. Failures are classified
// into failure kinds: 429 and 5xx responses are ProviderTransient, 401 is
// Unauthenticated and other client errors are ProviderFatal. Retrying is left
// to the dispatcher.
//
// Requests made under a context created with WithCallTrace record whether
// they were written to the network and whether a response arrived.
package adapters
