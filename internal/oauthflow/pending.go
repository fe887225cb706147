package oauthflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/logging"
	"github.com/teemow/expensebridge/internal/provider"
)

// ErrPendingNotFound is returned when a callback state is unknown, expired or
// already used.
var ErrPendingNotFound = errors.New("authorization request not found or expired")

// PendingAuthorization is an authorization request awaiting its callback.
// It binds the callback state to the principal and provider it was issued for.
type PendingAuthorization struct {
	State     string            `json:"state"`
	Principal string            `json:"principal"`
	Provider  provider.Provider `json:"provider"`
	Scopes    []string          `json:"scopes"`
	// Verifier is the PKCE code verifier.
	Verifier  string    `json:"verifier"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Key returns the credential key the authorization is for.
func (p *PendingAuthorization) Key() credentials.Key {
	return credentials.Key{Principal: p.Principal, Provider: p.Provider}
}

// PendingStore persists pending authorizations between begin and callback.
// Consume must be atomic: a state can be consumed at most once.
type PendingStore interface {
	Save(ctx context.Context, p *PendingAuthorization) error
	Consume(ctx context.Context, state string) (*PendingAuthorization, error)
	Close() error
}

// MemoryPendingStore keeps pending authorizations in memory and drops
// expired entries periodically.
type MemoryPendingStore struct {
	mu      sync.Mutex
	pending map[string]*PendingAuthorization
	logger  *slog.Logger
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryPendingStore creates a store and starts its cleanup loop.
// Call Close to stop it.
func NewMemoryPendingStore(logger *slog.Logger) *MemoryPendingStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryPendingStore{
		pending: make(map[string]*PendingAuthorization),
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go s.cleanup(time.Minute)
	return s
}

// Save stores p under its state.
func (s *MemoryPendingStore) Save(_ context.Context, p *PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[p.State] = p
	s.logger.Debug("saved pending authorization",
		logging.Provider(string(p.Provider)),
		logging.PrincipalHash(p.Principal),
		"expires_at", p.ExpiresAt,
	)
	return nil
}

// Consume returns and deletes the pending authorization for state.
func (s *MemoryPendingStore) Consume(_ context.Context, state string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return nil, ErrPendingNotFound
	}
	// Delete before the expiry check so an expired state cannot be retried.
	delete(s.pending, state)
	if time.Now().After(p.ExpiresAt) {
		return nil, ErrPendingNotFound
	}
	return p, nil
}

// Close stops the cleanup loop.
func (s *MemoryPendingStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryPendingStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanupExpired(time.Now())
		}
	}
}

func (s *MemoryPendingStore) cleanupExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for state, p := range s.pending {
		if now.After(p.ExpiresAt) {
			delete(s.pending, state)
			deleted++
		}
	}
	if deleted > 0 {
		s.logger.Debug("cleaned up pending authorizations", "deleted", deleted)
	}
}

// RedisPendingStore keeps pending authorizations in Redis or Valkey so a
// callback can land on any replica or after a restart.
type RedisPendingStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPendingStore wraps client. An empty prefix uses
// credentials.DefaultRedisKeyPrefix.
func NewRedisPendingStore(client redis.UniversalClient, prefix string) *RedisPendingStore {
	if prefix == "" {
		prefix = credentials.DefaultRedisKeyPrefix
	}
	return &RedisPendingStore{client: client, prefix: prefix}
}

func (s *RedisPendingStore) key(state string) string {
	return s.prefix + "pending:" + state
}

// Save stores p with a TTL matching its expiry.
func (s *RedisPendingStore) Save(ctx context.Context, p *PendingAuthorization) error {
	ttl := time.Until(p.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("pending authorization already expired")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pending authorization: %w", err)
	}
	if err := s.client.Set(ctx, s.key(p.State), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending authorization: %w", err)
	}
	return nil
}

// Consume atomically reads and deletes the entry with GETDEL.
func (s *RedisPendingStore) Consume(ctx context.Context, state string) (*PendingAuthorization, error) {
	data, err := s.client.GetDel(ctx, s.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending authorization: %w", err)
	}

	var p PendingAuthorization
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending authorization: %w", err)
	}
	if time.Now().After(p.ExpiresAt) {
		return nil, ErrPendingNotFound
	}
	return &p, nil
}

// Close closes the underlying client.
func (s *RedisPendingStore) Close() error {
	return s.client.Close()
}
