package credentials

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teemow/expensebridge/internal/provider"
)

// MemoryStore keeps records in process memory. It is used by tests and by
// short-lived stdio sessions that re-authorize on every start.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]*Record)}
}

// Get returns a copy of the stored record.
func (s *MemoryStore) Get(_ context.Context, principal string, p provider.Provider) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[Key{Principal: principal, Provider: p}]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// Put stores a copy of record.
func (s *MemoryStore) Put(_ context.Context, record *Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	c := record.Clone()
	c.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[c.Key()] = c
	return nil
}

// Revoke deletes the record if present.
func (s *MemoryStore) Revoke(_ context.Context, principal string, p provider.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, Key{Principal: principal, Provider: p})
	return nil
}

// List returns all records of principal ordered by provider.
func (s *MemoryStore) List(_ context.Context, principal string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for k, r := range s.records {
		if k.Principal == principal {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
