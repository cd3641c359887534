package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clinprecision/clinops-core/adapters"
)

var (
	_ adapters.CheckpointAdapter      = (*CheckpointStore)(nil)
	_ adapters.ProjectionQueryAdapter = (*CheckpointStore)(nil)
)

// CheckpointStore keeps projection positions and operator-visible status.
type CheckpointStore struct {
	mu          sync.RWMutex
	projections map[string]*adapters.ProjectionInfo
}

// NewCheckpointStore creates an empty store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{projections: make(map[string]*adapters.ProjectionInfo)}
}

func (s *CheckpointStore) entry(name string) *adapters.ProjectionInfo {
	p, ok := s.projections[name]
	if !ok {
		p = &adapters.ProjectionInfo{Name: name, Status: "stopped"}
		s.projections[name] = p
	}
	return p
}

// GetCheckpoint returns 0 for unknown projections.
func (s *CheckpointStore) GetCheckpoint(ctx context.Context, projectionName string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.projections[projectionName]; ok {
		return p.Position, nil
	}
	return 0, nil
}

// SetCheckpoint stores the position of projectionName.
func (s *CheckpointStore) SetCheckpoint(ctx context.Context, projectionName string, position uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.entry(projectionName)
	p.Position = position
	p.UpdatedAt = time.Now()
	return nil
}

// ListProjections returns every known projection sorted by name.
func (s *CheckpointStore) ListProjections(ctx context.Context) ([]adapters.ProjectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]adapters.ProjectionInfo, 0, len(s.projections))
	for _, p := range s.projections {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetProjection returns nil, nil for unknown projections.
func (s *CheckpointStore) GetProjection(ctx context.Context, name string) (*adapters.ProjectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projections[name]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

// SetProjectionStatus records status and the last error.
func (s *CheckpointStore) SetProjectionStatus(ctx context.Context, name, status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.entry(name)
	p.Status = status
	p.LastError = lastError
	p.UpdatedAt = time.Now()
	return nil
}

// ResetProjectionCheckpoint rewinds name to position 0.
func (s *CheckpointStore) ResetProjectionCheckpoint(ctx context.Context, name string) error {
	return s.SetCheckpoint(ctx, name, 0)
}
