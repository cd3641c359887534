// Package memory provides in-process implementations of every storage port:
// the event log, read-model unit of work, audit trail, processed-event
// ledger, checkpoints, idempotency and outbox. It backs the test suite and
// single-node development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinprecision/clinops-core/adapters"
)

const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

var (
	_ adapters.EventStoreAdapter   = (*MemoryAdapter)(nil)
	_ adapters.SubscriptionAdapter = (*MemoryAdapter)(nil)
	_ adapters.DiagnosticAdapter   = (*MemoryAdapter)(nil)
)

// MemoryAdapter is the in-memory event log. Appends are serialized, so global
// positions are dense and follow commit order.
type MemoryAdapter struct {
	mu             sync.RWMutex
	streams        map[string]*streamData
	globalEvents   []adapters.StoredEvent
	globalPosition uint64
	closed         bool
	now            func() time.Time
}

type streamData struct {
	info   adapters.StreamInfo
	events []adapters.StoredEvent
}

// Option configures a MemoryAdapter.
type Option func(*MemoryAdapter)

// WithClock sets the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *MemoryAdapter) {
		a.now = now
	}
}

// NewAdapter creates an empty event log.
func NewAdapter(opts ...Option) *MemoryAdapter {
	a := &MemoryAdapter{
		streams: make(map[string]*streamData),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Initialize is a no-op.
func (a *MemoryAdapter) Initialize(ctx context.Context) error {
	return nil
}

// Append stores events with optimistic concurrency.
func (a *MemoryAdapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}
	if len(events) == 0 {
		return nil, adapters.ErrNoEvents
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	stream, exists := a.streams[streamID]
	current := int64(0)
	if exists {
		current = stream.info.Version
	}
	if err := adapters.CheckVersion(streamID, expectedVersion, current, exists); err != nil {
		return nil, err
	}

	now := a.now().UTC()
	if !exists {
		stream = &streamData{
			info: adapters.StreamInfo{
				StreamID:  streamID,
				Family:    adapters.ExtractFamily(streamID),
				CreatedAt: now,
			},
		}
		a.streams[streamID] = stream
	}

	stored := make([]adapters.StoredEvent, len(events))
	for i, e := range events {
		a.globalPosition++
		current++
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		stored[i] = adapters.StoredEvent{
			ID:             id,
			StreamID:       streamID,
			Family:         stream.info.Family,
			Type:           e.Type,
			SchemaVersion:  e.SchemaVersion,
			Data:           e.Data,
			Metadata:       e.Metadata,
			Version:        current,
			GlobalPosition: a.globalPosition,
			Timestamp:      now,
		}
	}
	stream.events = append(stream.events, stored...)
	a.globalEvents = append(a.globalEvents, stored...)

	stream.info.Version = current
	stream.info.EventCount = int64(len(stream.events))
	stream.info.UpdatedAt = now

	out := make([]adapters.StoredEvent, len(stored))
	copy(out, stored)
	return out, nil
}

// Load returns the events of streamID after fromVersion.
func (a *MemoryAdapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	stream, ok := a.streams[streamID]
	if !ok {
		return []adapters.StoredEvent{}, nil
	}
	events := make([]adapters.StoredEvent, 0, len(stream.events))
	for _, e := range stream.events {
		if e.Version > fromVersion {
			events = append(events, e)
		}
	}
	return events, nil
}

// GetStreamInfo returns stream metadata.
func (a *MemoryAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	stream, ok := a.streams[streamID]
	if !ok {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	info := stream.info
	return &info, nil
}

// GetLastPosition returns the newest global position.
func (a *MemoryAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return 0, adapters.ErrAdapterClosed
	}
	return a.globalPosition, nil
}

// LoadFromPosition reads the log in global order.
func (a *MemoryAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int, families ...string) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = adapters.DefaultLimit(limit, 1000)

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	// positions are dense and 1-based, so the slice index is position-1
	start := int(fromPosition)
	if start > len(a.globalEvents) {
		start = len(a.globalEvents)
	}
	var events []adapters.StoredEvent
	for _, e := range a.globalEvents[start:] {
		if !adapters.MatchesFamily(e.Family, families) {
			continue
		}
		events = append(events, e)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

// Close marks the adapter closed.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Ping reports whether the adapter is open.
func (a *MemoryAdapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return adapters.ErrAdapterClosed
	}
	return nil
}

// GetDiagnosticInfo describes the adapter.
func (a *MemoryAdapter) GetDiagnosticInfo(ctx context.Context) (*adapters.DiagnosticInfo, error) {
	if err := a.Ping(ctx); err != nil {
		return &adapters.DiagnosticInfo{Version: "memory", Message: err.Error()}, nil
	}
	return &adapters.DiagnosticInfo{Version: "memory", Connected: true, Message: "in-process event log"}, nil
}

// EventCount returns the number of stored events.
func (a *MemoryAdapter) EventCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.globalEvents)
}

// StreamCount returns the number of streams.
func (a *MemoryAdapter) StreamCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.streams)
}

// Reset clears all data.
func (a *MemoryAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streams = make(map[string]*streamData)
	a.globalEvents = nil
	a.globalPosition = 0
}
