package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/teemow/expensebridge/internal/provider"
)

const fileFormatVersion = 1

type fileContents struct {
	Version     int             `json:"version"`
	Credentials []*storedRecord `json:"credentials"`
}

// FileStore persists records in a single JSON file with 0600 permissions.
// The file is rewritten atomically on every change. It is meant for a single
// process; use the sqlite or redis store when several replicas share state.
type FileStore struct {
	path    string
	keyring *Keyring
	logger  *slog.Logger

	mu      sync.RWMutex
	records map[Key]*storedRecord
}

// NewFileStore opens or creates the credential file at path.
func NewFileStore(path string, keyring *Keyring, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{
		path:    path,
		keyring: keyring,
		logger:  logger,
		records: make(map[Key]*storedRecord),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read credential file: %w", err)
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return fmt.Errorf("failed to parse credential file %s: %w", s.path, err)
	}
	if contents.Version != fileFormatVersion {
		return fmt.Errorf("unsupported credential file version %d", contents.Version)
	}
	for _, sr := range contents.Credentials {
		s.records[Key{Principal: sr.Principal, Provider: provider.Provider(sr.Provider)}] = sr
	}
	s.logger.Debug("loaded credential file", "path", s.path, "records", len(s.records))
	return nil
}

// persist writes the current records. Callers must hold s.mu for writing.
func (s *FileStore) persist() error {
	contents := fileContents{Version: fileFormatVersion}
	for _, sr := range s.records {
		contents.Credentials = append(contents.Credentials, sr)
	}
	sort.Slice(contents.Credentials, func(i, j int) bool {
		a, b := contents.Credentials[i], contents.Credentials[j]
		if a.Principal != b.Principal {
			return a.Principal < b.Principal
		}
		return a.Provider < b.Provider
	})

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set credential file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

// Get decrypts and returns the stored record.
func (s *FileStore) Get(_ context.Context, principal string, p provider.Provider) (*Record, error) {
	s.mu.RLock()
	sr, ok := s.records[Key{Principal: principal, Provider: p}]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sr.open(s.keyring)
}

// Put seals and stores record, then rewrites the file.
func (s *FileStore) Put(_ context.Context, record *Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	c := record.Clone()
	c.UpdatedAt = time.Now()
	sr, err := sealRecord(s.keyring, c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.records[c.Key()]
	s.records[c.Key()] = sr
	if err := s.persist(); err != nil {
		if had {
			s.records[c.Key()] = prev
		} else {
			delete(s.records, c.Key())
		}
		return err
	}
	return nil
}

// Revoke removes the record and rewrites the file.
func (s *FileStore) Revoke(_ context.Context, principal string, p provider.Provider) error {
	key := Key{Principal: principal, Provider: p}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.records[key]
	if !had {
		return nil
	}
	delete(s.records, key)
	if err := s.persist(); err != nil {
		s.records[key] = prev
		return err
	}
	return nil
}

// List returns the records of principal ordered by provider.
func (s *FileStore) List(_ context.Context, principal string) ([]*Record, error) {
	s.mu.RLock()
	var sealed []*storedRecord
	for k, sr := range s.records {
		if k.Principal == principal {
			sealed = append(sealed, sr)
		}
	}
	s.mu.RUnlock()

	out := make([]*Record, 0, len(sealed))
	for _, sr := range sealed {
		r, err := sr.open(s.keyring)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// Ping checks that the credential directory is reachable.
func (s *FileStore) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(s.path))
	return err
}

// Close is a no-op; every change is already on disk.
func (s *FileStore) Close() error { return nil }
