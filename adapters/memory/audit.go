package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/clinprecision/clinops-core/adapters"
)

var _ adapters.AuditStore = (*AuditStore)(nil)

// AuditStore is the in-memory audit trail. Records are never modified; a
// second record for the same source event is ignored.
type AuditStore struct {
	mu      sync.RWMutex
	records []adapters.AuditRecord
	bySrc   map[string]int
}

// NewAuditStore creates an empty audit trail.
func NewAuditStore() *AuditStore {
	return &AuditStore{bySrc: make(map[string]int)}
}

// Append stores record unless one already exists for its source event.
func (s *AuditStore) Append(ctx context.Context, record adapters.AuditRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if record.SourceEventID != "" {
		if _, ok := s.bySrc[record.SourceEventID]; ok {
			return false, nil
		}
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	s.records = append(s.records, record)
	if record.SourceEventID != "" {
		s.bySrc[record.SourceEventID] = len(s.records) - 1
	}

	if hook := adapters.TxHookFromContext(ctx); hook != nil {
		id := record.ID
		hook.OnRollback(func() { s.remove(id) })
	}
	return true, nil
}

// remove drops the record with id and reindexes the records after it.
func (s *AuditStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.records {
		if r.ID != id {
			continue
		}
		if r.SourceEventID != "" {
			delete(s.bySrc, r.SourceEventID)
		}
		s.records = append(s.records[:i], s.records[i+1:]...)
		for j := i; j < len(s.records); j++ {
			if src := s.records[j].SourceEventID; src != "" {
				s.bySrc[src] = j
			}
		}
		return
	}
}

// ForEntity returns the trail of one entity, oldest first.
func (s *AuditStore) ForEntity(ctx context.Context, entityType, entityID string) ([]adapters.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []adapters.AuditRecord
	for _, r := range s.records {
		if r.EntityType == entityType && r.EntityID == entityID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

// BySourceEvent returns the record written for eventID, or nil.
func (s *AuditStore) BySourceEvent(ctx context.Context, eventID string) (*adapters.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.bySrc[eventID]
	if !ok {
		return nil, nil
	}
	r := s.records[i]
	return &r, nil
}

// Count returns the number of records.
func (s *AuditStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}
