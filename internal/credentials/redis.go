package credentials

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teemow/expensebridge/internal/provider"
)

// DefaultRedisKeyPrefix namespaces every key written by the redis stores.
const DefaultRedisKeyPrefix = "expensebridge:"

// RedisConfig configures a Redis or Valkey connection.
type RedisConfig struct {
	// URL is either a redis:// or rediss:// URL or a plain host:port.
	URL        string
	Password   string
	DB         int
	TLSEnabled bool
	KeyPrefix  string
}

// NewRedisClient creates a client from cfg.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	var opts *redis.Options
	if strings.HasPrefix(cfg.URL, "redis://") || strings.HasPrefix(cfg.URL, "rediss://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.URL}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.TLSEnabled && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts), nil
}

// RedisStore persists records in Redis or Valkey. Each record is a JSON
// value; a per-principal set indexes the providers a principal has stored.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	keyring *Keyring
}

// NewRedisStore wraps client. An empty prefix uses DefaultRedisKeyPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string, keyring *Keyring) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, keyring: keyring}
}

func (s *RedisStore) recordKey(principal string, p provider.Provider) string {
	return s.prefix + "cred:" + principal + ":" + string(p)
}

func (s *RedisStore) indexKey(principal string) string {
	return s.prefix + "principal:" + principal
}

// Get loads the record for (principal, p).
func (s *RedisStore) Get(ctx context.Context, principal string, p provider.Provider) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(principal, p)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	var sr storedRecord
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("%w: failed to decode credential: %w", ErrUnreadable, err)
	}
	return sr.open(s.keyring)
}

// Put writes the record and updates the principal index in one transaction.
func (s *RedisStore) Put(ctx context.Context, record *Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	c := record.Clone()
	c.UpdatedAt = time.Now()
	sr, err := sealRecord(s.keyring, c)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sr)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(c.Principal, c.Provider), data, 0)
		pipe.SAdd(ctx, s.indexKey(c.Principal), string(c.Provider))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Revoke deletes the record and its index entry.
func (s *RedisStore) Revoke(ctx context.Context, principal string, p provider.Provider) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(principal, p))
		pipe.SRem(ctx, s.indexKey(principal), string(p))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// List returns the records of principal ordered by provider.
func (s *RedisStore) List(ctx context.Context, principal string) ([]*Record, error) {
	members, err := s.client.SMembers(ctx, s.indexKey(principal)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	sort.Strings(members)

	out := make([]*Record, 0, len(members))
	for _, m := range members {
		r, err := s.Get(ctx, principal, provider.Provider(m))
		if errors.Is(err, ErrNotFound) {
			// Index entry outlived the record.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
