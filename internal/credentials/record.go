package credentials

import (
	"errors"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/teemow/expensebridge/internal/provider"
)

// ErrNotFound is returned when no credential exists for a (principal, provider) pair.
var ErrNotFound = errors.New("credential not found")

// ErrUnreadable is returned when a stored credential exists but cannot be
// decoded or decrypted, typically because the encryption key changed.
var ErrUnreadable = errors.New("credential is unreadable")

// Record is the stored OAuth2 token pair plus metadata for one
// (principal, provider).
type Record struct {
	Principal    string
	Provider     provider.Provider
	DisplayName  string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Scopes       []string
	UpdatedAt    time.Time
}

// Key identifies a record in a store.
type Key struct {
	Principal string
	Provider  provider.Provider
}

func (k Key) String() string {
	return k.Principal + "/" + string(k.Provider)
}

// Key returns the store key of r.
func (r *Record) Key() Key {
	return Key{Principal: r.Principal, Provider: r.Provider}
}

// Refreshable reports whether r carries a refresh token.
func (r *Record) Refreshable() bool {
	return r.RefreshToken != ""
}

// ExpiresWithin reports whether the access token is expired or expires
// within d of now. A zero expiry never expires.
func (r *Record) ExpiresWithin(now time.Time, d time.Duration) bool {
	if r.Expiry.IsZero() {
		return false
	}
	return !now.Add(d).Before(r.Expiry)
}

// Missing returns the scopes in required that r was not granted.
func (r *Record) Missing(required []string) []string {
	var missing []string
	for _, s := range required {
		if !slices.Contains(r.Scopes, s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// Token converts r into an oauth2.Token.
func (r *Record) Token() *oauth2.Token {
	tokenType := r.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    tokenType,
		Expiry:       r.Expiry,
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Scopes = slices.Clone(r.Scopes)
	return &c
}

// FromToken builds a record from a token endpoint response. Granted scopes
// are read from the token's "scope" field when present, else fallback is used.
func FromToken(principal string, p provider.Provider, tok *oauth2.Token, fallback []string) *Record {
	scopes := ParseScopes(tok.Extra("scope"))
	if len(scopes) == 0 {
		scopes = slices.Clone(fallback)
	}
	return &Record{
		Principal:    principal,
		Provider:     p,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		Scopes:       scopes,
	}
}

// ParseScopes splits a scope value as returned by token endpoints. Google
// separates scopes with spaces, Slack with commas.
func ParseScopes(v any) []string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ','
	})
	slices.Sort(fields)
	return slices.Compact(fields)
}

// MergeScopes returns the sorted union of the given scope sets.
func MergeScopes(sets ...[]string) []string {
	var out []string
	for _, set := range sets {
		out = append(out, set...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
