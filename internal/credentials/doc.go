// Package credentials stores per-principal OAuth2 credentials for the
// supported providers.
//
// A Record holds the access token, refresh token, expiry and granted scopes
// for one (principal, provider) pair. Records are kept in a Store; memory,
// JSON file, sqlite and Redis/Valkey backends are available. Token values are
// sealed with AES-256-GCM by a Keyring before they reach a persistent backend.
package credentials
