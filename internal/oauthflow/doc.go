// Package oauthflow manages the OAuth2 lifecycle of provider credentials.
//
// A Controller starts consent flows (BeginAuthorization), completes them from
// the callback (CompleteAuthorization), and hands out fresh credentials to
// provider calls (EnsureFresh). Refreshes are single-flight per
// (principal, provider) and happen when the access token expires within the
// skew window. A refresh token rejected by the provider removes the stored
// credential and returns an Unauthenticated error carrying a new consent URL.
//
// Pending authorizations bind the callback state to the principal, provider
// and PKCE verifier. They live in memory or in Redis.
package oauthflow
