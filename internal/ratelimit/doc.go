// Package ratelimit throttles provider calls with one token bucket per
// (provider, principal), refilled at the provider's rate class.
package ratelimit
