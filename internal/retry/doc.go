// Package retry retries transient provider failures with exponential backoff
// and jitter. Only errors classified as ProviderTransient are retried; a
// provider-requested Retry-After replaces the computed delay.
package retry
