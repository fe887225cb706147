package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/teemow/expensebridge/internal/provider"
)

// Store persists credential records keyed by (principal, provider).
//
// Implementations must be safe for concurrent use and serialize writes for
// the same key. Put replaces the whole record; Revoke is idempotent.
type Store interface {
	Get(ctx context.Context, principal string, p provider.Provider) (*Record, error)
	Put(ctx context.Context, record *Record) error
	Revoke(ctx context.Context, principal string, p provider.Provider) error
	List(ctx context.Context, principal string) ([]*Record, error)
	Ping(ctx context.Context) error
	Close() error
}

func validateRecord(r *Record) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if r.Principal == "" {
		return fmt.Errorf("record principal is required")
	}
	if !r.Provider.Valid() {
		return fmt.Errorf("record provider %q is not supported", r.Provider)
	}
	if r.AccessToken == "" && r.RefreshToken == "" {
		return fmt.Errorf("record for %s has neither access nor refresh token", r.Key())
	}
	return nil
}

// storedRecord is the serialized form used by the file and redis stores.
// Token fields hold keyring-sealed values.
type storedRecord struct {
	Principal    string    `json:"principal"`
	Provider     string    `json:"provider"`
	DisplayName  string    `json:"display_name,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func sealRecord(k *Keyring, r *Record) (*storedRecord, error) {
	access, err := k.Seal(r.Key(), r.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}
	refresh, err := k.Seal(r.Key(), r.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal refresh token: %w", err)
	}
	return &storedRecord{
		Principal:    r.Principal,
		Provider:     string(r.Provider),
		DisplayName:  r.DisplayName,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    r.TokenType,
		Expiry:       r.Expiry,
		Scopes:       r.Scopes,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func (s *storedRecord) open(k *Keyring) (*Record, error) {
	r := &Record{
		Principal:   s.Principal,
		Provider:    provider.Provider(s.Provider),
		DisplayName: s.DisplayName,
		TokenType:   s.TokenType,
		Expiry:      s.Expiry,
		Scopes:      s.Scopes,
		UpdatedAt:   s.UpdatedAt,
	}
	var err error
	if r.AccessToken, err = k.Open(r.Key(), s.AccessToken); err != nil {
		return nil, fmt.Errorf("%w: failed to open access token: %w", ErrUnreadable, err)
	}
	if r.RefreshToken, err = k.Open(r.Key(), s.RefreshToken); err != nil {
		return nil, fmt.Errorf("%w: failed to open refresh token: %w", ErrUnreadable, err)
	}
	return r, nil
}
