package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// StorageType selects a Store backend.
type StorageType string

const (
	StorageMemory StorageType = "memory"
	StorageFile   StorageType = "file"
	StorageSQLite StorageType = "sqlite"
	// StorageRedis also serves Valkey, which speaks the same protocol.
	StorageRedis StorageType = "redis"
)

// ParseStorageType normalizes a flag value. "valkey" is accepted as an
// alias for redis.
func ParseStorageType(s string) (StorageType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "file":
		return StorageFile, nil
	case "memory":
		return StorageMemory, nil
	case "sqlite":
		return StorageSQLite, nil
	case "redis", "valkey":
		return StorageRedis, nil
	}
	return "", fmt.Errorf("invalid storage type %q (supported: memory, file, sqlite, redis)", s)
}

// StorageConfig describes the credential store backend.
type StorageConfig struct {
	Type StorageType
	// Path is the file or sqlite database location. Empty uses a default
	// under the user cache directory.
	Path  string
	Redis RedisConfig
}

// DefaultPath returns the default location for a file or sqlite store.
func DefaultPath(t StorageType) (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine cache directory: %w", err)
	}
	name := "credentials.json"
	if t == StorageSQLite {
		name = "credentials.db"
	}
	return filepath.Join(dir, "expensebridge", name), nil
}

// Open builds the configured Store and verifies it is reachable.
func Open(ctx context.Context, cfg StorageConfig, keyring *Keyring, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store Store
		err   error
	)
	switch cfg.Type {
	case StorageMemory:
		store = NewMemoryStore()
	case StorageFile, StorageSQLite:
		path := cfg.Path
		if path == "" {
			if path, err = DefaultPath(cfg.Type); err != nil {
				return nil, err
			}
		}
		if cfg.Type == StorageFile {
			store, err = NewFileStore(path, keyring, logger)
		} else {
			store, err = NewSQLiteStore(path, keyring, logger)
		}
	case StorageRedis:
		client, cerr := NewRedisClient(cfg.Redis)
		if cerr != nil {
			return nil, cerr
		}
		store = NewRedisStore(client, cfg.Redis.KeyPrefix, keyring)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("credential store %s is not reachable: %w", cfg.Type, err)
	}

	if !keyring.Enabled() && cfg.Type != StorageMemory {
		logger.Warn("credential store is not encrypted; configure an encryption key for production",
			"storage", string(cfg.Type))
	}
	logger.Info("credential store ready", "storage", string(cfg.Type))
	return store, nil
}
