package memory

import (
	"context"
	"sync"
	"time"

	"github.com/clinprecision/clinops-core/adapters"
)

var _ adapters.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore keeps command outcomes by idempotency key. Expired
// records are invisible to readers and dropped by Cleanup.
type IdempotencyStore struct {
	mu      sync.RWMutex
	records map[string]*adapters.IdempotencyRecord
	now     func() time.Time
}

// NewIdempotencyStore creates an empty store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		records: make(map[string]*adapters.IdempotencyRecord),
		now:     time.Now,
	}
}

func (s *IdempotencyStore) live(key string) (*adapters.IdempotencyRecord, bool) {
	r, ok := s.records[key]
	if !ok || s.now().After(r.ExpiresAt) {
		return nil, false
	}
	return r, true
}

// Exists reports whether key has a live record.
func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.live(key)
	return ok, nil
}

// Store saves a copy of record, replacing any previous one.
func (s *IdempotencyStore) Store(ctx context.Context, record *adapters.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Key] = adapters.CopyIdempotencyRecord(record)
	return nil
}

// Get returns a copy of the live record for key, or nil.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*adapters.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	return adapters.CopyIdempotencyRecord(r), nil
}

// Delete removes key.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Cleanup drops expired records and records processed before olderThan ago.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-olderThan)
	var n int64
	for key, r := range s.records {
		if r.ProcessedAt.Before(cutoff) || now.After(r.ExpiresAt) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records, expired included.
func (s *IdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
