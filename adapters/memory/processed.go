package memory

import (
	"context"
	"sync"

	"github.com/clinprecision/clinops-core/adapters"
)

var _ adapters.ProcessedEventStore = (*ProcessedEvents)(nil)

// ProcessedEvents is the in-memory ledger of event IDs each projection has
// applied.
type ProcessedEvents struct {
	mu   sync.RWMutex
	seen map[string]map[string]uint64
}

// NewProcessedEvents creates an empty ledger.
func NewProcessedEvents() *ProcessedEvents {
	return &ProcessedEvents{seen: make(map[string]map[string]uint64)}
}

// IsProcessed reports whether projection already applied eventID.
func (p *ProcessedEvents) IsProcessed(ctx context.Context, projection, eventID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.seen[projection][eventID]
	return ok, nil
}

// MarkProcessed records eventID for projection.
func (p *ProcessedEvents) MarkProcessed(ctx context.Context, projection, eventID string, position uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.seen[projection]
	if !ok {
		m = make(map[string]uint64)
		p.seen[projection] = m
	}
	if _, dup := m[eventID]; dup {
		return nil
	}
	m[eventID] = position

	if hook := adapters.TxHookFromContext(ctx); hook != nil {
		hook.OnRollback(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.seen[projection], eventID)
		})
	}
	return nil
}

// Clear forgets everything projection applied.
func (p *ProcessedEvents) Clear(ctx context.Context, projection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seen, projection)
	return nil
}

// Len returns how many events projection has applied.
func (p *ProcessedEvents) Len(projection string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.seen[projection])
}
